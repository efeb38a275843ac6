package btree_core

import (
	"encoding/binary"

	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
)

// leafPage is the accessor over a leaf tree page: a sorted array of
// (key, RID) entries plus the next_page_id sibling link.
type leafPage struct {
	treePage
}

func asLeafPage(p *pagemanager.Page, keySize int) leafPage {
	return leafPage{treePage{page: p, keySize: keySize}}
}

// Init formats a zeroed page as an empty leaf.
func (lp leafPage) Init(pageID, parentID pagemanager.PageID, maxSize int) {
	lp.SetPageType(PageTypeLeaf)
	lp.SetPageID(pageID)
	lp.SetParentPageID(parentID)
	lp.SetMaxSize(maxSize)
	lp.SetSize(0)
	lp.SetNextPageID(pagemanager.InvalidPageID)
}

func (lp leafPage) entrySize() int { return lp.keySize + pagemanager.RIDSize }

func (lp leafPage) entryOffset(i int) int { return leafHeaderSize + i*lp.entrySize() }

func (lp leafPage) GetNextPageID() pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(lp.data()[nextPageIDOffset:])))
}

func (lp leafPage) SetNextPageID(id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(lp.data()[nextPageIDOffset:], uint32(int32(id)))
}

// KeyAt returns the key stored at index i. The slice aliases the frame; copy
// it before any latch on the page is released.
func (lp leafPage) KeyAt(i int) Key {
	off := lp.entryOffset(i)
	return Key(lp.data()[off : off+lp.keySize])
}

// RIDAt returns the record id stored at index i.
func (lp leafPage) RIDAt(i int) pagemanager.RID {
	off := lp.entryOffset(i) + lp.keySize
	return pagemanager.DeserializeRID(lp.data()[off:])
}

func (lp leafPage) setEntry(i int, key Key, rid pagemanager.RID) {
	off := lp.entryOffset(i)
	copy(lp.data()[off:off+lp.keySize], key)
	rid.SerializeInto(lp.data()[off+lp.keySize:])
}

// IndexOf returns the index of key, or -1 when absent.
func (lp leafPage) IndexOf(key Key) int {
	lo, hi := 0, lp.GetSize()
	for lo < hi {
		mid := (lo + hi) / 2
		if CompareKeys(lp.KeyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < lp.GetSize() && CompareKeys(lp.KeyAt(lo), key) == 0 {
		return lo
	}
	return -1
}

// insertionIndex returns the index the key would occupy.
func (lp leafPage) insertionIndex(key Key) int {
	lo, hi := 0, lp.GetSize()
	for lo < hi {
		mid := (lo + hi) / 2
		if CompareKeys(lp.KeyAt(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup returns the RID for key when present.
func (lp leafPage) Lookup(key Key) (pagemanager.RID, bool) {
	if i := lp.IndexOf(key); i >= 0 {
		return lp.RIDAt(i), true
	}
	return pagemanager.RID{}, false
}

// Insert places (key, rid) keeping the entry array sorted. Returns false on
// a duplicate key without modifying the page.
func (lp leafPage) Insert(key Key, rid pagemanager.RID) bool {
	i := lp.insertionIndex(key)
	if i < lp.GetSize() && CompareKeys(lp.KeyAt(i), key) == 0 {
		return false
	}
	es := lp.entrySize()
	start := lp.entryOffset(i)
	end := lp.entryOffset(lp.GetSize())
	copy(lp.data()[start+es:end+es], lp.data()[start:end])
	lp.setEntry(i, key, rid)
	lp.IncreaseSize(1)
	return true
}

// Remove deletes key from the leaf. Returns false when absent.
func (lp leafPage) Remove(key Key) bool {
	i := lp.IndexOf(key)
	if i < 0 {
		return false
	}
	lp.removeAt(i)
	return true
}

func (lp leafPage) removeAt(i int) {
	es := lp.entrySize()
	start := lp.entryOffset(i)
	end := lp.entryOffset(lp.GetSize())
	copy(lp.data()[start:end-es], lp.data()[start+es:end])
	lp.IncreaseSize(-1)
}

// MoveUpperHalfTo moves the upper entries into the (empty) recipient during
// a split: the donor keeps ceil(max/2) entries, the recipient takes the rest.
func (lp leafPage) MoveUpperHalfTo(recipient leafPage) {
	n := lp.GetSize()
	keep := (lp.GetMaxSize() + 1) / 2
	moved := n - keep
	src := lp.entryOffset(keep)
	dst := recipient.entryOffset(0)
	copy(recipient.data()[dst:dst+moved*lp.entrySize()], lp.data()[src:src+moved*lp.entrySize()])
	recipient.SetSize(moved)
	lp.SetSize(keep)
}

// MoveAllTo appends every entry of the donor to the recipient (left sibling)
// and splices the leaf chain past the donor.
func (lp leafPage) MoveAllTo(recipient leafPage) {
	n := lp.GetSize()
	dst := recipient.entryOffset(recipient.GetSize())
	src := lp.entryOffset(0)
	copy(recipient.data()[dst:dst+n*lp.entrySize()], lp.data()[src:src+n*lp.entrySize()])
	recipient.IncreaseSize(n)
	recipient.SetNextPageID(lp.GetNextPageID())
	lp.SetSize(0)
}

// MoveLastToFrontOf shifts the donor's last entry to the front of its right
// sibling (borrow from left).
func (lp leafPage) MoveLastToFrontOf(recipient leafPage) {
	last := lp.GetSize() - 1
	key := append(Key(nil), lp.KeyAt(last)...)
	rid := lp.RIDAt(last)
	lp.IncreaseSize(-1)

	es := recipient.entrySize()
	start := recipient.entryOffset(0)
	end := recipient.entryOffset(recipient.GetSize())
	copy(recipient.data()[start+es:end+es], recipient.data()[start:end])
	recipient.setEntry(0, key, rid)
	recipient.IncreaseSize(1)
}

// MoveFirstToEndOf shifts the donor's first entry to the end of its left
// sibling (borrow from right).
func (lp leafPage) MoveFirstToEndOf(recipient leafPage) {
	key := append(Key(nil), lp.KeyAt(0)...)
	rid := lp.RIDAt(0)
	lp.removeAt(0)
	recipient.setEntry(recipient.GetSize(), key, rid)
	recipient.IncreaseSize(1)
}
