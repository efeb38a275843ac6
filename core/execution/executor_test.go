package execution

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/sukunadb/core/concurrency"
	btreecore "github.com/sushant-115/sukunadb/core/indexing/btree/btree_core"
	txn "github.com/sushant-115/sukunadb/core/transaction"
	flushmanager "github.com/sushant-115/sukunadb/core/write_engine/flush_manager"
	"github.com/sushant-115/sukunadb/core/write_engine/memtable"
	"go.uber.org/zap"
)

const tupleSize = 32

type testEnv struct {
	bpm     *memtable.BufferPoolManager
	lockMgr *concurrency.LockManager
	txnMgr  *concurrency.TransactionManager
	heap    *TableHeap
	tree    *btreecore.BTree
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "exec.db")
	dm, err := flushmanager.NewDiskManager(dbPath, 4096, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm := memtable.NewBufferPoolManager(32, 2, dm, zap.NewNop())
	lockMgr := concurrency.NewLockManager(20*time.Millisecond, zap.NewNop())
	t.Cleanup(lockMgr.Close)
	txnMgr := concurrency.NewTransactionManager(lockMgr, zap.NewNop())

	tree, err := btreecore.NewBTree("exec_index", bpm, 8, 8, 8, zap.NewNop())
	require.NoError(t, err)
	heap, err := NewTableHeap(bpm, 1, tupleSize, zap.NewNop())
	require.NoError(t, err)
	return &testEnv{bpm: bpm, lockMgr: lockMgr, txnMgr: txnMgr, heap: heap, tree: tree}
}

func testTuple(key uint64, tag byte) []byte {
	tuple := make([]byte, tupleSize)
	binary.BigEndian.PutUint64(tuple, key)
	tuple[8] = tag
	return tuple
}

func keyOf(tuple []byte) btreecore.Key { return btreecore.Key(tuple[:8]) }

func (env *testEnv) binding() *IndexBinding {
	return &IndexBinding{Tree: env.tree, KeyOf: keyOf}
}

func TestInsertExecutor_LocksAndIndexes(t *testing.T) {
	env := setupEnv(t)
	tr := env.txnMgr.Begin(txn.RepeatableRead)

	exec := NewInsertExecutor(env.lockMgr, env.heap, env.binding(), tr)
	rids, err := exec.Execute([][]byte{testTuple(1, 'a'), testTuple(2, 'b'), testTuple(3, 'c')})
	require.NoError(t, err)
	require.Len(t, rids, 3)

	// Table IX plus one X row lock per inserted row.
	require.True(t, tr.HoldsTableLock(txn.LockIntentionExclusive, env.heap.OID()))
	for _, rid := range rids {
		require.True(t, tr.HoldsRowLock(true, env.heap.OID(), rid))
	}

	// The index resolves every key to its heap tuple.
	for i, key := range []uint64{1, 2, 3} {
		rid, found, err := env.tree.GetValue(btreecore.Uint64Key(key, 8), tr)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, rids[i], rid)
		tuple, ok, err := env.heap.GetTuple(rid)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, key, binary.BigEndian.Uint64(tuple[:8]))
	}
	env.txnMgr.Commit(tr)
}

func TestSeqScan_RepeatableReadHoldsLocksUntilCommit(t *testing.T) {
	env := setupEnv(t)

	writer := env.txnMgr.Begin(txn.RepeatableRead)
	ins := NewInsertExecutor(env.lockMgr, env.heap, env.binding(), writer)
	_, err := ins.Execute([][]byte{testTuple(1, 'a'), testTuple(2, 'b')})
	require.NoError(t, err)
	env.txnMgr.Commit(writer)

	reader := env.txnMgr.Begin(txn.RepeatableRead)
	scan := NewSeqScanExecutor(env.lockMgr, env.heap, reader, zap.NewNop())
	require.NoError(t, scan.Open())
	count := 0
	for {
		rid, _, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.True(t, reader.HoldsRowLock(false, env.heap.OID(), rid))
		count++
	}
	require.Equal(t, 2, count)
	require.NoError(t, scan.Close())

	// Under REPEATABLE_READ, Close releases nothing.
	require.True(t, reader.HoldsTableLock(txn.LockIntentionShared, env.heap.OID()))
	require.Len(t, reader.RowLocks(false)[env.heap.OID()], 2)

	env.txnMgr.Commit(reader)
	require.Empty(t, reader.RowLocks(false)[env.heap.OID()])
}

func TestSeqScan_ReadCommittedReleasesLocksOnClose(t *testing.T) {
	env := setupEnv(t)

	writer := env.txnMgr.Begin(txn.RepeatableRead)
	ins := NewInsertExecutor(env.lockMgr, env.heap, env.binding(), writer)
	_, err := ins.Execute([][]byte{testTuple(1, 'a'), testTuple(2, 'b')})
	require.NoError(t, err)
	env.txnMgr.Commit(writer)

	reader := env.txnMgr.Begin(txn.ReadCommitted)
	scan := NewSeqScanExecutor(env.lockMgr, env.heap, reader, zap.NewNop())
	require.NoError(t, scan.Open())
	for {
		_, _, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.NoError(t, scan.Close())

	// Row S locks and the table IS lock are gone; the transaction is still
	// GROWING (only write releases shrink under READ_COMMITTED).
	require.Empty(t, reader.RowLocks(false)[env.heap.OID()])
	require.False(t, reader.HoldsTableLock(txn.LockIntentionShared, env.heap.OID()))
	require.Equal(t, txn.TxnStateGrowing, reader.State())

	// The same transaction can scan again.
	scan2 := NewSeqScanExecutor(env.lockMgr, env.heap, reader, zap.NewNop())
	require.NoError(t, scan2.Open())
	require.NoError(t, scan2.Close())
	env.txnMgr.Commit(reader)
}

func TestSeqScan_ReadUncommittedTakesNoLocks(t *testing.T) {
	env := setupEnv(t)

	writer := env.txnMgr.Begin(txn.RepeatableRead)
	ins := NewInsertExecutor(env.lockMgr, env.heap, env.binding(), writer)
	_, err := ins.Execute([][]byte{testTuple(7, 'x')})
	require.NoError(t, err)
	env.txnMgr.Commit(writer)

	reader := env.txnMgr.Begin(txn.ReadUncommitted)
	scan := NewSeqScanExecutor(env.lockMgr, env.heap, reader, zap.NewNop())
	require.NoError(t, scan.Open())
	count := 0
	for {
		_, _, ok, err := scan.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.NoError(t, scan.Close())
	require.Equal(t, 1, count)
	require.False(t, reader.HoldsTableLock(txn.LockIntentionShared, env.heap.OID()))
	require.Empty(t, reader.RowLocks(false)[env.heap.OID()])
	env.txnMgr.Commit(reader)
}

func TestDeleteExecutor_RemovesRowsAndIndexEntries(t *testing.T) {
	env := setupEnv(t)

	writer := env.txnMgr.Begin(txn.RepeatableRead)
	ins := NewInsertExecutor(env.lockMgr, env.heap, env.binding(), writer)
	_, err := ins.Execute([][]byte{testTuple(1, 'a'), testTuple(2, 'b'), testTuple(3, 'a')})
	require.NoError(t, err)
	env.txnMgr.Commit(writer)

	deleter := env.txnMgr.Begin(txn.RepeatableRead)
	del := NewDeleteExecutor(env.lockMgr, env.heap, env.binding(), deleter)
	n, err := del.Execute(func(tuple []byte) bool { return tuple[8] == 'a' })
	require.NoError(t, err)
	require.Equal(t, 2, n)
	env.txnMgr.Commit(deleter)

	// Keys 1 and 3 are gone from the index, 2 survives.
	for _, key := range []uint64{1, 3} {
		_, found, err := env.tree.GetValue(btreecore.Uint64Key(key, 8), nil)
		require.NoError(t, err)
		require.False(t, found)
	}
	_, found, err := env.tree.GetValue(btreecore.Uint64Key(2, 8), nil)
	require.NoError(t, err)
	require.True(t, found)

	// The heap reuses freed slots for later inserts.
	writer2 := env.txnMgr.Begin(txn.RepeatableRead)
	ins2 := NewInsertExecutor(env.lockMgr, env.heap, env.binding(), writer2)
	rids, err := ins2.Execute([][]byte{testTuple(9, 'z')})
	require.NoError(t, err)
	require.Len(t, rids, 1)
	require.Equal(t, env.heap.FirstPageID(), rids[0].PageID)
	require.Equal(t, uint32(0), rids[0].Slot)
	env.txnMgr.Commit(writer2)
}

func TestTableHeap_SpansMultiplePages(t *testing.T) {
	env := setupEnv(t)

	perPage := (env.bpm.GetPageSize() - 8) / (1 + tupleSize)
	total := perPage + 3
	rids := make(map[uint64]struct{}, total)
	for i := 0; i < total; i++ {
		rid, err := env.heap.InsertTuple(testTuple(uint64(i), 'p'))
		require.NoError(t, err)
		rids[uint64(rid.PageID)<<32|uint64(rid.Slot)] = struct{}{}
	}
	require.Len(t, rids, total, "every tuple gets a distinct RID")

	iter := env.heap.Iterator()
	count := 0
	for {
		_, ok, err := iter.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, total, count)
}
