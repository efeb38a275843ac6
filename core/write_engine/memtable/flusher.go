package memtable

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BackgroundFlusher periodically writes dirty pages back to disk so that a
// crash loses less buffered work and eviction rarely stalls on a write.
// Page writes are throttled through a rate limiter so a large dirty set does
// not monopolize the disk. Correctness never depends on the flusher; it only
// advances durability opportunistically.
type BackgroundFlusher struct {
	bpm      *BufferPoolManager
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBackgroundFlusher creates a flusher that wakes every interval and writes
// at most pagesPerSec pages per second.
func NewBackgroundFlusher(bpm *BufferPoolManager, interval time.Duration, pagesPerSec float64, logger *zap.Logger) *BackgroundFlusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackgroundFlusher{
		bpm:      bpm,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(pagesPerSec), 1),
		logger:   logger,
	}
}

// Start launches the flush loop.
func (f *BackgroundFlusher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop terminates the flush loop and waits for it to exit.
func (f *BackgroundFlusher) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *BackgroundFlusher) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushCycle(ctx)
		}
	}
}

func (f *BackgroundFlusher) flushCycle(ctx context.Context) {
	dirty := f.bpm.DirtyPageIDs()
	if len(dirty) == 0 {
		return
	}
	checkpointID := uuid.NewString()
	flushed := 0
	for _, pageID := range dirty {
		if err := f.limiter.Wait(ctx); err != nil {
			break
		}
		if f.bpm.FlushPage(pageID) {
			flushed++
		}
	}
	f.logger.Debug("Background flush cycle complete",
		zap.String("checkpointID", checkpointID),
		zap.Int("dirty", len(dirty)),
		zap.Int("flushed", flushed))
}
