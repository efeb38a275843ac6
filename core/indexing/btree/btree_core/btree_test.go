package btree_core

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/sukunadb/core/write_engine/flush_manager"
	"github.com/sushant-115/sukunadb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

func setupTree(t *testing.T, poolSize, leafMax, internalMax int) (*BTree, *memtable.BufferPoolManager) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	dm, err := flushmanager.NewDiskManager(dbPath, pagemanager.DefaultPageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	bpm := memtable.NewBufferPoolManager(poolSize, 2, dm, zap.NewNop())
	tree, err := NewBTree("test_index", bpm, 8, leafMax, internalMax, zap.NewNop())
	require.NoError(t, err)
	return tree, bpm
}

func ridFor(v uint64) pagemanager.RID {
	return pagemanager.RID{PageID: pagemanager.PageID(int32(v)), Slot: uint32(v)}
}

func insertKey(t *testing.T, tree *BTree, v uint64) {
	t.Helper()
	ok, err := tree.Insert(Uint64Key(v, 8), ridFor(v), nil)
	require.NoError(t, err)
	require.True(t, ok, "insert of %d must succeed", v)
}

func removeKey(t *testing.T, tree *BTree, v uint64) {
	t.Helper()
	ok, err := tree.Remove(Uint64Key(v, 8), nil)
	require.NoError(t, err)
	require.True(t, ok, "remove of %d must succeed", v)
}

// scanAll walks the tree from Begin and returns every key as a uint64.
func scanAll(t *testing.T, tree *BTree) []uint64 {
	t.Helper()
	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()
	var out []uint64
	for it.Valid() {
		key := it.Key()
		var v uint64
		for _, b := range key {
			v = v<<8 | uint64(b)
		}
		out = append(out, v)
		require.NoError(t, it.Next())
	}
	return out
}

// checkInvariants verifies the size bounds and key ordering of every
// reachable page.
func checkInvariants(t *testing.T, tree *BTree) {
	t.Helper()
	rootID := tree.GetRootPageID()
	if rootID == pagemanager.InvalidPageID {
		return
	}
	var walk func(id pagemanager.PageID, isRoot bool)
	walk = func(id pagemanager.PageID, isRoot bool) {
		page, err := tree.bpm.FetchPage(id)
		require.NoError(t, err)
		defer tree.bpm.UnpinPage(id, false)
		node := treePage{page: page, keySize: tree.keySize}
		if !isRoot {
			require.GreaterOrEqual(t, node.GetSize(), node.GetMinSize(),
				"page %d below min size", id)
		}
		if node.IsLeaf() {
			lp := asLeafPage(page, tree.keySize)
			require.Less(t, lp.GetSize(), lp.GetMaxSize(), "leaf %d at or above max", id)
			for i := 1; i < lp.GetSize(); i++ {
				require.Negative(t, CompareKeys(lp.KeyAt(i-1), lp.KeyAt(i)),
					"leaf %d keys out of order", id)
			}
			return
		}
		ip := asInternalPage(page, tree.keySize)
		require.LessOrEqual(t, ip.GetSize(), ip.GetMaxSize())
		for i := 2; i < ip.GetSize(); i++ {
			require.Negative(t, CompareKeys(ip.KeyAt(i-1), ip.KeyAt(i)),
				"internal %d separators out of order", id)
		}
		for i := 0; i < ip.GetSize(); i++ {
			walk(ip.ValueAt(i), false)
		}
	}
	walk(rootID, true)
}

func TestBTree_InsertAndScanInOrder(t *testing.T) {
	tree, _ := setupTree(t, 32, 4, 4)

	for _, v := range []uint64{5, 4, 3, 2, 1, 6, 7, 8} {
		insertKey(t, tree, v)
		checkInvariants(t, tree)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, scanAll(t, tree))

	for _, v := range []uint64{1, 2, 3, 4, 5, 6, 7, 8} {
		rid, found, err := tree.GetValue(Uint64Key(v, 8), nil)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, ridFor(v), rid)
	}
}

func TestBTree_DuplicateInsertRejected(t *testing.T) {
	tree, _ := setupTree(t, 32, 4, 4)

	insertKey(t, tree, 42)
	ok, err := tree.Insert(Uint64Key(42, 8), ridFor(7), nil)
	require.NoError(t, err)
	require.False(t, ok)

	rid, found, err := tree.GetValue(Uint64Key(42, 8), nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ridFor(42), rid, "failed insert must not modify the tree")
}

func TestBTree_DeleteRebalances(t *testing.T) {
	tree, _ := setupTree(t, 32, 4, 4)

	for _, v := range []uint64{5, 4, 3, 2, 1, 6, 7, 8} {
		insertKey(t, tree, v)
	}
	for _, v := range []uint64{8, 7, 6, 5} {
		removeKey(t, tree, v)
		checkInvariants(t, tree)
	}
	require.Equal(t, []uint64{1, 2, 3, 4}, scanAll(t, tree))
}

func TestBTree_RemoveAbsentKeyIsNoOp(t *testing.T) {
	tree, _ := setupTree(t, 32, 4, 4)

	insertKey(t, tree, 1)
	ok, err := tree.Remove(Uint64Key(99, 8), nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []uint64{1}, scanAll(t, tree))

	// Removing from an empty tree is also a no-op.
	empty, _ := setupTree(t, 32, 4, 4)
	ok, err = empty.Remove(Uint64Key(1, 8), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTree_RoundTripEmptiesTree(t *testing.T) {
	tree, _ := setupTree(t, 64, 4, 4)

	const n = 128
	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		insertKey(t, tree, uint64(i+1))
	}
	checkInvariants(t, tree)
	require.Len(t, scanAll(t, tree), n)

	for _, i := range order {
		removeKey(t, tree, uint64(i+1))
	}
	require.True(t, tree.IsEmpty())
	require.Equal(t, pagemanager.InvalidPageID, tree.GetRootPageID())
	require.Empty(t, scanAll(t, tree))
}

func TestBTree_IteratorFromKey(t *testing.T) {
	tree, _ := setupTree(t, 32, 4, 4)

	for v := uint64(1); v <= 20; v += 2 { // odd keys 1..19
		insertKey(t, tree, v)
	}

	it, err := tree.BeginAt(Uint64Key(7, 8))
	require.NoError(t, err)
	var got []uint64
	for it.Valid() {
		k := it.Key()
		var v uint64
		for _, b := range k {
			v = v<<8 | uint64(b)
		}
		got = append(got, v)
		require.NoError(t, it.Next())
	}
	it.Close()
	require.Equal(t, []uint64{7, 9, 11, 13, 15, 17, 19}, got)

	// An absent start key yields an exhausted iterator.
	missing, err := tree.BeginAt(Uint64Key(8, 8))
	require.NoError(t, err)
	require.False(t, missing.Valid())
	missing.Close()
}

func TestBTree_EndIteratorIsExhausted(t *testing.T) {
	tree, _ := setupTree(t, 32, 4, 4)
	for v := uint64(1); v <= 10; v++ {
		insertKey(t, tree, v)
	}
	it, err := tree.End()
	require.NoError(t, err)
	require.False(t, it.Valid())
	it.Close()
}

func TestBTree_PersistsRootThroughHeaderPage(t *testing.T) {
	tree, bpm := setupTree(t, 32, 4, 4)
	for v := uint64(1); v <= 8; v++ {
		insertKey(t, tree, v)
	}
	rootID := tree.GetRootPageID()
	require.NotEqual(t, pagemanager.InvalidPageID, rootID)

	// A second handle over the same pool resolves the root from page 0.
	reopened, err := NewBTree("test_index", bpm, 8, 4, 4, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, rootID, reopened.GetRootPageID())
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, scanAll(t, reopened))
}

func TestBTree_ConcurrentInserts(t *testing.T) {
	tree, _ := setupTree(t, 128, 8, 8)

	const workers = 4
	const perWorker = 64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := uint64(w*perWorker + i + 1)
				ok, err := tree.Insert(Uint64Key(v, 8), ridFor(v), nil)
				if err != nil || !ok {
					panic(fmt.Sprintf("concurrent insert of %d failed: %v", v, err))
				}
			}
		}(w)
	}
	wg.Wait()

	keys := scanAll(t, tree)
	require.Len(t, keys, workers*perWorker)
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i], "scan must be strictly increasing")
	}
	checkInvariants(t, tree)
}

func TestBTree_ConcurrentMixedWorkload(t *testing.T) {
	tree, _ := setupTree(t, 128, 8, 8)

	for v := uint64(1); v <= 256; v++ {
		insertKey(t, tree, v)
	}

	var wg sync.WaitGroup
	// Removers drain the even keys while readers chase the odd ones.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := uint64(2); v <= 256; v += 2 {
			if _, err := tree.Remove(Uint64Key(v, 8), nil); err != nil {
				panic(err)
			}
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := uint64(1); v <= 255; v += 2 {
			_, found, err := tree.GetValue(Uint64Key(v, 8), nil)
			if err != nil {
				panic(err)
			}
			if !found {
				panic(fmt.Sprintf("odd key %d must never disappear", v))
			}
		}
	}()
	wg.Wait()

	keys := scanAll(t, tree)
	require.Len(t, keys, 128)
	for _, k := range keys {
		require.Equal(t, uint64(1), k%2, "only odd keys remain")
	}
	checkInvariants(t, tree)
}
