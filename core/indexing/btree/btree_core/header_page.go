package btree_core

import (
	"bytes"
	"encoding/binary"

	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
)

// headerPage is the accessor over page 0, which stores one
// (index_name, root_page_id) record per index living in the file:
//
//	offset 0  record_count u32
//	offset 4  records: name [32]byte zero-padded, root_page_id i32
const (
	headerRecordCountOffset = 0
	headerRecordsOffset     = 4
	headerNameSize          = 32
	headerRecordSize        = headerNameSize + 4
)

type headerPage struct {
	page *pagemanager.Page
}

func asHeaderPage(p *pagemanager.Page) headerPage { return headerPage{page: p} }

func (hp headerPage) data() []byte { return hp.page.GetData() }

func (hp headerPage) recordCount() int {
	return int(binary.LittleEndian.Uint32(hp.data()[headerRecordCountOffset:]))
}

func (hp headerPage) setRecordCount(n int) {
	binary.LittleEndian.PutUint32(hp.data()[headerRecordCountOffset:], uint32(n))
}

func (hp headerPage) recordOffset(i int) int {
	return headerRecordsOffset + i*headerRecordSize
}

func (hp headerPage) nameAt(i int) string {
	off := hp.recordOffset(i)
	raw := hp.data()[off : off+headerNameSize]
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

func (hp headerPage) find(name string) int {
	for i := 0; i < hp.recordCount(); i++ {
		if hp.nameAt(i) == name {
			return i
		}
	}
	return -1
}

// InsertRecord appends a (name, rootPageID) record. Returns false when the
// name already exists or the page is full.
func (hp headerPage) InsertRecord(name string, rootPageID pagemanager.PageID) bool {
	if len(name) >= headerNameSize || hp.find(name) >= 0 {
		return false
	}
	n := hp.recordCount()
	if hp.recordOffset(n+1) > len(hp.data()) {
		return false
	}
	off := hp.recordOffset(n)
	for i := 0; i < headerNameSize; i++ {
		hp.data()[off+i] = 0
	}
	copy(hp.data()[off:], name)
	binary.LittleEndian.PutUint32(hp.data()[off+headerNameSize:], uint32(int32(rootPageID)))
	hp.setRecordCount(n + 1)
	return true
}

// UpdateRecord rewrites the root page id of an existing record.
func (hp headerPage) UpdateRecord(name string, rootPageID pagemanager.PageID) bool {
	i := hp.find(name)
	if i < 0 {
		return false
	}
	off := hp.recordOffset(i)
	binary.LittleEndian.PutUint32(hp.data()[off+headerNameSize:], uint32(int32(rootPageID)))
	return true
}

// GetRootID returns the recorded root page id for name.
func (hp headerPage) GetRootID(name string) (pagemanager.PageID, bool) {
	i := hp.find(name)
	if i < 0 {
		return pagemanager.InvalidPageID, false
	}
	off := hp.recordOffset(i)
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(hp.data()[off+headerNameSize:]))), true
}
