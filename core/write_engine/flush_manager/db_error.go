package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrNoFreeFrame    = errors.New("no free frame: buffer pool is full and no frame is evictable")
	ErrOutOfMemory    = errors.New("out of memory: buffer pool could not allocate a page")
	ErrPagePinned     = errors.New("page is pinned and cannot be evicted")
	ErrIO             = errors.New("i/o error")
	ErrDBFileNotFound = errors.New("database file not found")
	ErrInvalidPageID  = errors.New("page id out of bounds")
	ErrFlusherClosed  = errors.New("background flusher already stopped")
)
