package memtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	flushmanager "github.com/sushant-115/sukunadb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// BufferPoolManager manages in-memory page frames and mediates all access to
// the DiskManager. Frame replacement uses the LRU-K policy; a frame becomes a
// replacement candidate only when its page's pin count reaches zero.
//
// A single coarse mutex serializes every public operation, including the disk
// I/O performed while holding it.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	poolSize    int
	pages       []*pagemanager.Page
	pageTable   map[pagemanager.PageID]pagemanager.FrameID
	freeList    []pagemanager.FrameID
	replacer    *LRUKReplacer
	nextPageID  pagemanager.PageID
	mu          sync.Mutex
	pageSize    int
	logger      *zap.Logger

	// Statistics, readable without the pool latch.
	hitCount   uint64
	missCount  uint64
	evictCount uint64
	flushCount uint64
}

// Stats is a point-in-time snapshot of the pool's counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager with
// poolSize frames and an LRU-K replacer with the given k.
func NewBufferPoolManager(poolSize, replacerK int, diskManager *flushmanager.DiskManager, logger *zap.Logger) *BufferPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]pagemanager.FrameID),
		freeList:    make([]pagemanager.FrameID, 0, poolSize),
		replacer:    NewLRUKReplacer(poolSize, replacerK),
		nextPageID:  pagemanager.HeaderPageID + 1,
		pageSize:    diskManager.GetPageSize(),
		logger:      logger,
	}
	// Page 0 is reserved for header records; reopening an existing file
	// resumes allocation past its last page.
	if numPages, err := diskManager.NumPages(); err == nil && numPages > 1 {
		bpm.nextPageID = pagemanager.PageID(numPages)
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		bpm.freeList = append(bpm.freeList, pagemanager.FrameID(i))
	}
	logger.Info("BufferPoolManager initialized",
		zap.Int("poolSize", poolSize),
		zap.Int("replacerK", replacerK),
		zap.Int("pageSize", bpm.pageSize))
	return bpm
}

// SetNextPageID positions the page allocator; used when reopening a database
// file so fresh allocations continue past the existing pages.
func (bpm *BufferPoolManager) SetNextPageID(pageID pagemanager.PageID) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.nextPageID = pageID
}

// getFrameInternal obtains a usable frame: free list first, then replacer
// eviction. A dirty victim is written back before its frame is reused.
// Must be called with bpm.mu held.
func (bpm *BufferPoolManager) getFrameInternal() (pagemanager.FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[len(bpm.freeList)-1]
		bpm.freeList = bpm.freeList[:len(bpm.freeList)-1]
		return frameID, nil
	}
	frameID, ok := bpm.replacer.Evict()
	if !ok {
		return 0, flushmanager.ErrNoFreeFrame
	}
	atomic.AddUint64(&bpm.evictCount, 1)
	victim := bpm.pages[frameID]
	if victim.IsDirty() {
		if err := bpm.diskManager.WritePage(victim.GetPageID(), victim.GetData()); err != nil {
			return 0, fmt.Errorf("failed to flush dirty victim page %d: %w", victim.GetPageID(), err)
		}
		victim.SetDirty(false)
	}
	delete(bpm.pageTable, victim.GetPageID())
	return frameID, nil
}

// NewPage allocates a fresh page id, binds it to a frame, and returns the
// zeroed page pinned once. Fails with ErrNoFreeFrame when the free list is
// empty and no frame is evictable.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, err := bpm.getFrameInternal()
	if err != nil {
		bpm.logger.Warn("NewPage could not obtain a frame", zap.Error(err))
		return nil, pagemanager.InvalidPageID, err
	}
	page := bpm.pages[frameID]
	page.Reset()

	newPageID := bpm.nextPageID
	bpm.nextPageID++

	page.SetPageID(newPageID)
	page.SetPinCount(1)
	bpm.pageTable[newPageID] = frameID
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)

	return page, newPageID, nil
}

// FetchPage returns the requested page pinned once, reading it from disk if
// it is not resident. Fails with ErrNoFreeFrame identically to NewPage.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		atomic.AddUint64(&bpm.hitCount, 1)
		page := bpm.pages[frameID]
		page.Pin()
		bpm.replacer.RecordAccess(frameID)
		bpm.replacer.SetEvictable(frameID, false)
		return page, nil
	}
	atomic.AddUint64(&bpm.missCount, 1)

	frameID, err := bpm.getFrameInternal()
	if err != nil {
		bpm.logger.Warn("FetchPage could not obtain a frame",
			zap.Int32("pageID", int32(pageID)), zap.Error(err))
		return nil, err
	}
	page := bpm.pages[frameID]
	page.Reset()
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		// The frame stays off the page table; hand it back to the free list.
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	page.SetPageID(pageID)
	page.SetPinCount(1)
	bpm.pageTable[pageID] = frameID
	bpm.replacer.RecordAccess(frameID)
	bpm.replacer.SetEvictable(frameID, false)
	return page, nil
}

// UnpinPage decrements the pin count for a page; on reaching zero the frame
// becomes evictable. Passing isDirty=true sets the dirty bit; false never
// clears a previously set bit. Returns false if the page is not resident or
// its pin count is already zero.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.logger.Warn("Attempted to unpin page not in buffer pool", zap.Int32("pageID", int32(pageID)))
		return false
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("Attempted to unpin page with pin count 0", zap.Int32("pageID", int32(pageID)))
		return false
	}
	page.Unpin()
	if page.GetPinCount() == 0 {
		bpm.replacer.SetEvictable(frameID, true)
	}
	if isDirty {
		page.SetDirty(true)
	}
	return true
}

// FlushPage writes the page to disk unconditionally (even if clean) and
// clears its dirty bit. Returns false if the page is not resident.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return false
	}
	page := bpm.pages[frameID]
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		bpm.logger.Error("Failed to flush page", zap.Int32("pageID", int32(pageID)), zap.Error(err))
		return false
	}
	page.SetDirty(false)
	atomic.AddUint64(&bpm.flushCount, 1)
	return true
}

// FlushAllPages flushes every resident dirty page, pinned or not, then syncs
// the disk manager.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error
	for _, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID || !page.IsDirty() {
			continue
		}
		if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bpm.logger.Error("Failed to flush page during FlushAllPages",
				zap.Int32("pageID", int32(page.GetPageID())), zap.Error(err))
			continue
		}
		page.SetDirty(false)
		atomic.AddUint64(&bpm.flushCount, 1)
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeletePage removes a page from the pool and returns its frame to the free
// list. Returns true if the page is not resident, false if it is pinned.
func (bpm *BufferPoolManager) DeletePage(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return true
	}
	page := bpm.pages[frameID]
	if page.GetPinCount() > 0 {
		bpm.logger.Warn("Attempted to delete pinned page",
			zap.Int32("pageID", int32(pageID)), zap.Uint32("pinCount", page.GetPinCount()))
		return false
	}
	if page.IsDirty() {
		if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
			bpm.logger.Error("Failed to write back page before delete",
				zap.Int32("pageID", int32(pageID)), zap.Error(err))
			return false
		}
	}
	bpm.replacer.Remove(frameID)
	delete(bpm.pageTable, pageID)
	page.Reset()
	bpm.freeList = append(bpm.freeList, frameID)
	return true
}

// GetPageSize returns the configured page size.
func (bpm *BufferPoolManager) GetPageSize() int { return bpm.pageSize }

// GetPoolSize returns the number of frames.
func (bpm *BufferPoolManager) GetPoolSize() int { return bpm.poolSize }

// GetStats returns a snapshot of the pool counters.
func (bpm *BufferPoolManager) GetStats() Stats {
	return Stats{
		Hits:      atomic.LoadUint64(&bpm.hitCount),
		Misses:    atomic.LoadUint64(&bpm.missCount),
		Evictions: atomic.LoadUint64(&bpm.evictCount),
		Flushes:   atomic.LoadUint64(&bpm.flushCount),
	}
}

// DirtyPageIDs returns the ids of resident dirty pages; used by the
// background flusher to bound its work per cycle.
func (bpm *BufferPoolManager) DirtyPageIDs() []pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ids := make([]pagemanager.PageID, 0)
	for _, page := range bpm.pages {
		if page.GetPageID() != pagemanager.InvalidPageID && page.IsDirty() {
			ids = append(ids, page.GetPageID())
		}
	}
	return ids
}
