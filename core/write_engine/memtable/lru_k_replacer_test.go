package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
)

func TestLRUKReplacer_HistoryClassEvictsByFirstAccess(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	// Frames with fewer than k accesses have infinite backward distance and
	// are evicted in order of first access.
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(3)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)
	r.SetEvictable(3, true)
	require.Equal(t, 3, r.Size())

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(1), victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), victim)
	require.Equal(t, 1, r.Size())
}

func TestLRUKReplacer_CacheClassEvictsByKthRecentAccess(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	// Access frames 1,2,3,1,2,3,1: every frame reaches k=2 accesses. The
	// victim is the frame whose 2nd-most-recent access is oldest: frame 2
	// (timestamp 2), then frame 3 (timestamp 3), then frame 1 (timestamp 4).
	for _, f := range []pagemanager.FrameID{1, 2, 3, 1, 2, 3, 1} {
		r.RecordAccess(f)
		r.SetEvictable(f, true)
	}
	require.Equal(t, 3, r.Size())

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(3), victim)

	victim, ok = r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(1), victim)

	_, ok = r.Evict()
	require.False(t, ok)
}

func TestLRUKReplacer_HistoryClassPreferredOverCache(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	// Frame 1 reaches the cache class, frame 2 stays in history. Despite
	// frame 1's older timestamps, the infinite-distance frame 2 goes first.
	r.RecordAccess(1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), victim)
}

func TestLRUKReplacer_SetEvictableControlsVictims(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, false)
	r.SetEvictable(2, true)
	require.Equal(t, 1, r.Size())

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), victim)

	// Frame 1 is pinned; no victim exists. Evict never blocks.
	_, ok = r.Evict()
	require.False(t, ok)

	r.SetEvictable(1, true)
	victim, ok = r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(1), victim)
}

func TestLRUKReplacer_RemoveDropsState(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	r.Remove(1)
	require.Equal(t, 1, r.Size())

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, pagemanager.FrameID(2), victim)

	// Removing an untracked or non-evictable frame is ignored.
	r.Remove(5)
	r.RecordAccess(3)
	r.Remove(3)
	require.Equal(t, 0, r.Size())
}
