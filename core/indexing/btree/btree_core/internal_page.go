package btree_core

import (
	"encoding/binary"

	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
)

// internalPage is the accessor over an internal tree page: size entries
// (key_i, child_i) where key_0 is an unused placeholder and for i >= 1 every
// key in the subtree at child_i satisfies key_i <= K < key_{i+1}.
type internalPage struct {
	treePage
}

func asInternalPage(p *pagemanager.Page, keySize int) internalPage {
	return internalPage{treePage{page: p, keySize: keySize}}
}

// Init formats a zeroed page as an empty internal node.
func (ip internalPage) Init(pageID, parentID pagemanager.PageID, maxSize int) {
	ip.SetPageType(PageTypeInternal)
	ip.SetPageID(pageID)
	ip.SetParentPageID(parentID)
	ip.SetMaxSize(maxSize)
	ip.SetSize(0)
}

func (ip internalPage) entrySize() int { return ip.keySize + 4 }

func (ip internalPage) entryOffset(i int) int { return commonHeaderSize + i*ip.entrySize() }

// KeyAt returns the separator key at index i (i >= 1; index 0 is the
// placeholder). The slice aliases the frame.
func (ip internalPage) KeyAt(i int) Key {
	off := ip.entryOffset(i)
	return Key(ip.data()[off : off+ip.keySize])
}

func (ip internalPage) SetKeyAt(i int, key Key) {
	off := ip.entryOffset(i)
	copy(ip.data()[off:off+ip.keySize], key)
}

// ValueAt returns the child page id at index i.
func (ip internalPage) ValueAt(i int) pagemanager.PageID {
	off := ip.entryOffset(i) + ip.keySize
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(ip.data()[off:])))
}

func (ip internalPage) SetValueAt(i int, id pagemanager.PageID) {
	off := ip.entryOffset(i) + ip.keySize
	binary.LittleEndian.PutUint32(ip.data()[off:], uint32(int32(id)))
}

// ChildIndex returns the index whose value is childID, or -1.
func (ip internalPage) ChildIndex(childID pagemanager.PageID) int {
	for i := 0; i < ip.GetSize(); i++ {
		if ip.ValueAt(i) == childID {
			return i
		}
	}
	return -1
}

// Lookup returns the child page to follow for key: the rightmost child i
// with key >= key_i, or child 0 when key precedes every separator.
func (ip internalPage) Lookup(key Key) pagemanager.PageID {
	child := ip.ValueAt(0)
	for i := 1; i < ip.GetSize(); i++ {
		if CompareKeys(key, ip.KeyAt(i)) >= 0 {
			child = ip.ValueAt(i)
		} else {
			break
		}
	}
	return child
}

// InsertNodeAfter splices (key, newChild) immediately after the entry whose
// value is oldChild.
func (ip internalPage) InsertNodeAfter(oldChild pagemanager.PageID, key Key, newChild pagemanager.PageID) {
	idx := ip.ChildIndex(oldChild) + 1
	es := ip.entrySize()
	start := ip.entryOffset(idx)
	end := ip.entryOffset(ip.GetSize())
	copy(ip.data()[start+es:end+es], ip.data()[start:end])
	ip.SetKeyAt(idx, key)
	ip.SetValueAt(idx, newChild)
	ip.IncreaseSize(1)
}

// removeAt deletes the entry at index i (both the key and the child).
func (ip internalPage) removeAt(i int) {
	es := ip.entrySize()
	start := ip.entryOffset(i)
	end := ip.entryOffset(ip.GetSize())
	copy(ip.data()[start:end-es], ip.data()[start+es:end])
	ip.IncreaseSize(-1)
}

// copyEntryFrom copies entry j of src into entry i of ip.
func (ip internalPage) copyEntryFrom(i int, src internalPage, j int) {
	dst := ip.entryOffset(i)
	from := src.entryOffset(j)
	copy(ip.data()[dst:dst+ip.entrySize()], src.data()[from:from+src.entrySize()])
}

// shiftRight opens a hole at index 0 by moving every entry up one slot.
func (ip internalPage) shiftRight() {
	es := ip.entrySize()
	start := ip.entryOffset(0)
	end := ip.entryOffset(ip.GetSize())
	copy(ip.data()[start+es:end+es], ip.data()[start:end])
	ip.IncreaseSize(1)
}
