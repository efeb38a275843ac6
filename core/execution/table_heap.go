package execution

import (
	"encoding/binary"
	"fmt"
	"sync"

	txn "github.com/sushant-115/sukunadb/core/transaction"
	"github.com/sushant-115/sukunadb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Heap page layout:
//
//	offset 0 tuple_count  u32
//	offset 4 next_page_id i32
//	offset 8 slots: occupancy byte + tupleSize bytes each
const (
	heapCountOffset = 0
	heapNextOffset  = 4
	heapSlotsOffset = 8
)

var invalidPageIDI32 int32 = int32(pagemanager.InvalidPageID)
var invalidPageIDU32 uint32 = uint32(invalidPageIDI32)

// TableHeap stores fixed-size tuples in a chain of slotted pages addressed
// by RID. Inserts fill the first free slot of the last page in the chain, so
// slots freed on that page are reused; slots freed on earlier pages are not.
type TableHeap struct {
	bpm         *memtable.BufferPoolManager
	oid         txn.TableOID
	tupleSize   int
	firstPageID pagemanager.PageID
	lastPageID  pagemanager.PageID
	mu          sync.Mutex
	logger      *zap.Logger
}

// NewTableHeap creates a heap with one empty page.
func NewTableHeap(bpm *memtable.BufferPoolManager, oid txn.TableOID, tupleSize int, logger *zap.Logger) (*TableHeap, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	page, pageID, err := bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate first heap page: %w", err)
	}
	page.Lock()
	binary.LittleEndian.PutUint32(page.GetData()[heapCountOffset:], 0)
	binary.LittleEndian.PutUint32(page.GetData()[heapNextOffset:], invalidPageIDU32)
	page.Unlock()
	bpm.UnpinPage(pageID, true)
	return &TableHeap{
		bpm:         bpm,
		oid:         oid,
		tupleSize:   tupleSize,
		firstPageID: pageID,
		lastPageID:  pageID,
		logger:      logger,
	}, nil
}

// OID returns the table's catalog id.
func (h *TableHeap) OID() txn.TableOID { return h.oid }

// FirstPageID returns the head of the page chain.
func (h *TableHeap) FirstPageID() pagemanager.PageID { return h.firstPageID }

func (h *TableHeap) slotSize() int { return 1 + h.tupleSize }

func (h *TableHeap) slotsPerPage() int {
	return (h.bpm.GetPageSize() - heapSlotsOffset) / h.slotSize()
}

func (h *TableHeap) slotOffset(slot uint32) int {
	return heapSlotsOffset + int(slot)*h.slotSize()
}

// InsertTuple stores the tuple and returns the RID it was placed at.
func (h *TableHeap) InsertTuple(data []byte) (pagemanager.RID, error) {
	if len(data) != h.tupleSize {
		return pagemanager.RID{}, fmt.Errorf("tuple size %d does not match table tuple size %d", len(data), h.tupleSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	page, err := h.bpm.FetchPage(h.lastPageID)
	if err != nil {
		return pagemanager.RID{}, err
	}
	page.Lock()
	for slot := uint32(0); int(slot) < h.slotsPerPage(); slot++ {
		off := h.slotOffset(slot)
		if page.GetData()[off] != 0 {
			continue
		}
		copy(page.GetData()[off+1:], data)
		page.GetData()[off] = 1
		count := binary.LittleEndian.Uint32(page.GetData()[heapCountOffset:])
		binary.LittleEndian.PutUint32(page.GetData()[heapCountOffset:], count+1)
		rid := pagemanager.RID{PageID: h.lastPageID, Slot: slot}
		page.Unlock()
		h.bpm.UnpinPage(page.GetPageID(), true)
		return rid, nil
	}

	// Last page is full; extend the chain.
	newPage, newPageID, err := h.bpm.NewPage()
	if err != nil {
		page.Unlock()
		h.bpm.UnpinPage(page.GetPageID(), false)
		return pagemanager.RID{}, err
	}
	newPage.Lock()
	binary.LittleEndian.PutUint32(newPage.GetData()[heapCountOffset:], 1)
	binary.LittleEndian.PutUint32(newPage.GetData()[heapNextOffset:], invalidPageIDU32)
	copy(newPage.GetData()[h.slotOffset(0)+1:], data)
	newPage.GetData()[h.slotOffset(0)] = 1
	newPage.Unlock()

	binary.LittleEndian.PutUint32(page.GetData()[heapNextOffset:], uint32(int32(newPageID)))
	page.Unlock()
	h.bpm.UnpinPage(page.GetPageID(), true)
	h.bpm.UnpinPage(newPageID, true)
	h.lastPageID = newPageID
	return pagemanager.RID{PageID: newPageID, Slot: 0}, nil
}

// GetTuple copies out the tuple stored at rid.
func (h *TableHeap) GetTuple(rid pagemanager.RID) ([]byte, bool, error) {
	page, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		return nil, false, err
	}
	page.RLock()
	defer func() {
		page.RUnlock()
		h.bpm.UnpinPage(rid.PageID, false)
	}()
	if int(rid.Slot) >= h.slotsPerPage() {
		return nil, false, nil
	}
	off := h.slotOffset(rid.Slot)
	if page.GetData()[off] == 0 {
		return nil, false, nil
	}
	out := make([]byte, h.tupleSize)
	copy(out, page.GetData()[off+1:])
	return out, true, nil
}

// DeleteTuple frees the slot at rid. Returns false when the slot is empty.
func (h *TableHeap) DeleteTuple(rid pagemanager.RID) (bool, error) {
	page, err := h.bpm.FetchPage(rid.PageID)
	if err != nil {
		return false, err
	}
	page.Lock()
	if int(rid.Slot) >= h.slotsPerPage() {
		page.Unlock()
		h.bpm.UnpinPage(rid.PageID, false)
		return false, nil
	}
	off := h.slotOffset(rid.Slot)
	if page.GetData()[off] == 0 {
		page.Unlock()
		h.bpm.UnpinPage(rid.PageID, false)
		return false, nil
	}
	page.GetData()[off] = 0
	count := binary.LittleEndian.Uint32(page.GetData()[heapCountOffset:])
	binary.LittleEndian.PutUint32(page.GetData()[heapCountOffset:], count-1)
	page.Unlock()
	h.bpm.UnpinPage(rid.PageID, true)
	return true, nil
}

// TableIterator walks every occupied slot of the heap in chain order.
// It latches one page at a time around each access.
type TableIterator struct {
	heap   *TableHeap
	pageID pagemanager.PageID
	slot   uint32
}

// Iterator returns an iterator positioned before the first tuple.
func (h *TableHeap) Iterator() *TableIterator {
	return &TableIterator{heap: h, pageID: h.firstPageID}
}

// Next returns the next occupied slot's RID, or ok=false when exhausted.
func (ti *TableIterator) Next() (pagemanager.RID, bool, error) {
	for ti.pageID != pagemanager.InvalidPageID {
		page, err := ti.heap.bpm.FetchPage(ti.pageID)
		if err != nil {
			return pagemanager.RID{}, false, err
		}
		page.RLock()
		for int(ti.slot) < ti.heap.slotsPerPage() {
			off := ti.heap.slotOffset(ti.slot)
			occupied := page.GetData()[off] != 0
			rid := pagemanager.RID{PageID: ti.pageID, Slot: ti.slot}
			ti.slot++
			if occupied {
				page.RUnlock()
				ti.heap.bpm.UnpinPage(rid.PageID, false)
				return rid, true, nil
			}
		}
		next := pagemanager.PageID(int32(binary.LittleEndian.Uint32(page.GetData()[heapNextOffset:])))
		page.RUnlock()
		ti.heap.bpm.UnpinPage(ti.pageID, false)
		ti.pageID = next
		ti.slot = 0
	}
	return pagemanager.RID{}, false, nil
}
