package btree_core

import (
	"encoding/binary"

	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
)

// On-page layout. Every tree page begins with the common 24-byte header:
//
//	offset 0  page_type      u32  (1 = leaf, 2 = internal)
//	offset 4  lsn            u32
//	offset 8  size           i32
//	offset 12 max_size       i32
//	offset 16 parent_page_id i32
//	offset 20 page_id        i32
//
// Leaf pages additionally store next_page_id (i32) at offset 24; their entry
// array starts at 28. Internal entry arrays start at 24. Entries are densely
// packed (key, value) pairs in ascending key order.
const (
	pageTypeOffset   = 0
	lsnOffset        = 4
	sizeOffset       = 8
	maxSizeOffset    = 12
	parentOffset     = 16
	pageIDOffset     = 20
	commonHeaderSize = 24

	nextPageIDOffset = 24
	leafHeaderSize   = 28
)

// PageType discriminates the tagged variant stored in the page header.
type PageType uint32

const (
	PageTypeInvalid  PageType = 0
	PageTypeLeaf     PageType = 1
	PageTypeInternal PageType = 2
)

// treePage is the common accessor over a latched page's buffer. It carries
// no state of its own beyond the page pointer and the tree's key width; all
// reads and writes go straight to the frame.
type treePage struct {
	page    *pagemanager.Page
	keySize int
}

func (tp treePage) data() []byte { return tp.page.GetData() }

func (tp treePage) PageType() PageType {
	return PageType(binary.LittleEndian.Uint32(tp.data()[pageTypeOffset:]))
}

func (tp treePage) SetPageType(t PageType) {
	binary.LittleEndian.PutUint32(tp.data()[pageTypeOffset:], uint32(t))
}

func (tp treePage) IsLeaf() bool { return tp.PageType() == PageTypeLeaf }

func (tp treePage) GetSize() int {
	return int(int32(binary.LittleEndian.Uint32(tp.data()[sizeOffset:])))
}

func (tp treePage) SetSize(n int) {
	binary.LittleEndian.PutUint32(tp.data()[sizeOffset:], uint32(int32(n)))
}

func (tp treePage) IncreaseSize(delta int) { tp.SetSize(tp.GetSize() + delta) }

func (tp treePage) GetMaxSize() int {
	return int(int32(binary.LittleEndian.Uint32(tp.data()[maxSizeOffset:])))
}

func (tp treePage) SetMaxSize(n int) {
	binary.LittleEndian.PutUint32(tp.data()[maxSizeOffset:], uint32(int32(n)))
}

// GetMinSize is the lower occupancy bound for a non-root page:
// ceil((max-1)/2) for leaves, ceil(max/2) for internal pages.
func (tp treePage) GetMinSize() int {
	if tp.IsLeaf() {
		return tp.GetMaxSize() / 2
	}
	return (tp.GetMaxSize() + 1) / 2
}

func (tp treePage) GetParentPageID() pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(tp.data()[parentOffset:])))
}

func (tp treePage) SetParentPageID(id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(tp.data()[parentOffset:], uint32(int32(id)))
}

func (tp treePage) IsRoot() bool { return tp.GetParentPageID() == pagemanager.InvalidPageID }

func (tp treePage) GetPageID() pagemanager.PageID {
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(tp.data()[pageIDOffset:])))
}

func (tp treePage) SetPageID(id pagemanager.PageID) {
	binary.LittleEndian.PutUint32(tp.data()[pageIDOffset:], uint32(int32(id)))
}

func (tp treePage) GetLSN() pagemanager.LSN {
	return pagemanager.LSN(binary.LittleEndian.Uint32(tp.data()[lsnOffset:]))
}

func (tp treePage) SetLSN(lsn pagemanager.LSN) {
	binary.LittleEndian.PutUint32(tp.data()[lsnOffset:], uint32(lsn))
}
