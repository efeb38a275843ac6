package pagemanager

import (
	"encoding/binary"
	"sync"
)

// --- Page Management ---

const (
	// InvalidPageID marks a frame that holds no page and a reference that
	// points nowhere.
	InvalidPageID PageID = -1
	// HeaderPageID is the fixed location of the index header records.
	HeaderPageID PageID = 0

	// DefaultPageSize is the on-disk page size in bytes.
	DefaultPageSize = 4096
)

// PageID represents a unique identifier for a page on disk.
type PageID int32

// FrameID is an index into the buffer pool's frame array.
type FrameID int

// LSN is a log sequence number stamped on a page by its last mutation.
type LSN uint32

const InvalidLSN LSN = 0

// RID identifies a tuple by the page holding it and its slot within that page.
type RID struct {
	PageID PageID
	Slot   uint32
}

// RIDSize is the serialized width of a RID.
const RIDSize = 8

// SerializeInto writes the RID at buf[0:8] (little-endian, page id first).
func (r RID) SerializeInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageID))
	binary.LittleEndian.PutUint32(buf[4:8], r.Slot)
}

// DeserializeRID reads a RID from buf[0:8].
func DeserializeRID(buf []byte) RID {
	return RID{
		PageID: PageID(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		Slot:   binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Page represents an in-memory copy of a disk page.
//
// The pin count and dirty flag are owned by the BufferPoolManager and are
// only read or written under its latch. The page latch protects the data
// buffer itself and is taken by readers and writers of the page contents.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	lsn      LSN

	// latch protects the in-memory contents of this specific page.
	// It's a lightweight lock for physical concurrency control.
	latch sync.RWMutex
}

// NewPage creates a new Page instance backed by a zeroed buffer.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset returns the page to the unused-frame state and zeroes its buffer so
// stale data never leaks into the next resident page.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }
func (p *Page) Pin()                { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) GetLSN() LSN                 { return p.lsn }
func (p *Page) SetLSN(lsn LSN)              { p.lsn = lsn }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() {
	p.latch.RLock()
}

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() {
	p.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() {
	p.latch.Lock()
}

// TryLock attempts to acquire the write latch without blocking.
func (p *Page) TryLock() bool {
	return p.latch.TryLock()
}

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() {
	p.latch.Unlock()
}
