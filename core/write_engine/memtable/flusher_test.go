package memtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackgroundFlusher_WritesDirtyPages(t *testing.T) {
	bpm, _ := setupBufferPool(t, 8, 2)

	_, id1, err := bpm.NewPage()
	require.NoError(t, err)
	_, id2, err := bpm.NewPage()
	require.NoError(t, err)
	require.True(t, bpm.UnpinPage(id1, true))
	require.True(t, bpm.UnpinPage(id2, true))
	require.Len(t, bpm.DirtyPageIDs(), 2)

	f := NewBackgroundFlusher(bpm, 10*time.Millisecond, 1000, nil)
	f.Start()
	require.Eventually(t, func() bool {
		return len(bpm.DirtyPageIDs()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	f.Stop()

	require.GreaterOrEqual(t, bpm.GetStats().Flushes, uint64(2))
}
