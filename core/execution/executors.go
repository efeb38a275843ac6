package execution

import (
	"errors"

	"github.com/sushant-115/sukunadb/core/concurrency"
	btreecore "github.com/sushant-115/sukunadb/core/indexing/btree/btree_core"
	txn "github.com/sushant-115/sukunadb/core/transaction"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// ErrTransactionAborted is returned when a lock wait ends because the
// transaction was aborted (e.g. picked as a deadlock victim).
var ErrTransactionAborted = errors.New("transaction aborted while waiting for a lock")

// IndexBinding ties a table heap to a B+tree index: KeyOf extracts the index
// key from a tuple.
type IndexBinding struct {
	Tree  *btreecore.BTree
	KeyOf func(tuple []byte) btreecore.Key
}

// SeqScanExecutor reads every tuple of a table under the hierarchical lock
// protocol: table IS, then row S per tuple (skipped entirely under
// READ_UNCOMMITTED). Closing the scan under READ_COMMITTED releases the row
// S locks and the table IS lock; under REPEATABLE_READ they are held until
// commit.
type SeqScanExecutor struct {
	lockMgr *concurrency.LockManager
	heap    *TableHeap
	t       *txn.Transaction
	iter    *TableIterator
	logger  *zap.Logger
}

func NewSeqScanExecutor(lockMgr *concurrency.LockManager, heap *TableHeap, t *txn.Transaction, logger *zap.Logger) *SeqScanExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeqScanExecutor{lockMgr: lockMgr, heap: heap, t: t, logger: logger}
}

// Open acquires the table IS lock and positions the scan.
func (e *SeqScanExecutor) Open() error {
	if e.t.Isolation() != txn.ReadUncommitted {
		ok, err := e.lockMgr.LockTable(e.t, txn.LockIntentionShared, e.heap.OID())
		if err != nil {
			return err
		}
		if !ok {
			return ErrTransactionAborted
		}
	}
	e.iter = e.heap.Iterator()
	return nil
}

// Next returns the next visible tuple, locking its row in S mode first.
func (e *SeqScanExecutor) Next() (pagemanager.RID, []byte, bool, error) {
	for {
		rid, ok, err := e.iter.Next()
		if err != nil || !ok {
			return pagemanager.RID{}, nil, false, err
		}
		if e.t.Isolation() != txn.ReadUncommitted {
			ok, err := e.lockMgr.LockRow(e.t, txn.LockShared, e.heap.OID(), rid)
			if err != nil {
				return pagemanager.RID{}, nil, false, err
			}
			if !ok {
				return pagemanager.RID{}, nil, false, ErrTransactionAborted
			}
		}
		tuple, found, err := e.heap.GetTuple(rid)
		if err != nil {
			return pagemanager.RID{}, nil, false, err
		}
		if !found {
			// Deleted between iteration and read; drop its lock under RC.
			if e.t.Isolation() == txn.ReadCommitted {
				if _, err := e.lockMgr.UnlockRow(e.t, e.heap.OID(), rid); err != nil {
					return pagemanager.RID{}, nil, false, err
				}
			}
			continue
		}
		return rid, tuple, true, nil
	}
}

// Close ends the scan. Under READ_COMMITTED the row S locks and the table IS
// lock are released here; REPEATABLE_READ holds them until commit.
func (e *SeqScanExecutor) Close() error {
	if e.t.Isolation() != txn.ReadCommitted {
		return nil
	}
	oid := e.heap.OID()
	for _, rid := range e.t.RowLocks(false)[oid] {
		if _, err := e.lockMgr.UnlockRow(e.t, oid, rid); err != nil {
			return err
		}
	}
	if e.t.HoldsTableLock(txn.LockIntentionShared, oid) {
		if _, err := e.lockMgr.UnlockTable(e.t, oid); err != nil {
			return err
		}
	}
	return nil
}

// InsertExecutor appends tuples to a table, locking the table IX and each
// new row X, and maintains the bound index.
type InsertExecutor struct {
	lockMgr *concurrency.LockManager
	heap    *TableHeap
	index   *IndexBinding
	t       *txn.Transaction
}

func NewInsertExecutor(lockMgr *concurrency.LockManager, heap *TableHeap, index *IndexBinding, t *txn.Transaction) *InsertExecutor {
	return &InsertExecutor{lockMgr: lockMgr, heap: heap, index: index, t: t}
}

// Execute inserts every tuple, returning the RIDs assigned.
func (e *InsertExecutor) Execute(tuples [][]byte) ([]pagemanager.RID, error) {
	ok, err := e.lockMgr.LockTable(e.t, txn.LockIntentionExclusive, e.heap.OID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransactionAborted
	}
	rids := make([]pagemanager.RID, 0, len(tuples))
	for _, tuple := range tuples {
		rid, err := e.heap.InsertTuple(tuple)
		if err != nil {
			return rids, err
		}
		ok, err := e.lockMgr.LockRow(e.t, txn.LockExclusive, e.heap.OID(), rid)
		if err != nil {
			return rids, err
		}
		if !ok {
			return rids, ErrTransactionAborted
		}
		if e.index != nil {
			if _, err := e.index.Tree.Insert(e.index.KeyOf(tuple), rid, e.t); err != nil {
				return rids, err
			}
		}
		rids = append(rids, rid)
	}
	return rids, nil
}

// DeleteExecutor removes every tuple matching a predicate, locking the table
// IX and each candidate row X, and maintains the bound index.
type DeleteExecutor struct {
	lockMgr *concurrency.LockManager
	heap    *TableHeap
	index   *IndexBinding
	t       *txn.Transaction
}

func NewDeleteExecutor(lockMgr *concurrency.LockManager, heap *TableHeap, index *IndexBinding, t *txn.Transaction) *DeleteExecutor {
	return &DeleteExecutor{lockMgr: lockMgr, heap: heap, index: index, t: t}
}

// Execute deletes matching tuples, returning how many were removed.
func (e *DeleteExecutor) Execute(match func(tuple []byte) bool) (int, error) {
	ok, err := e.lockMgr.LockTable(e.t, txn.LockIntentionExclusive, e.heap.OID())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrTransactionAborted
	}
	deleted := 0
	iter := e.heap.Iterator()
	for {
		rid, ok, err := iter.Next()
		if err != nil {
			return deleted, err
		}
		if !ok {
			return deleted, nil
		}
		tuple, found, err := e.heap.GetTuple(rid)
		if err != nil {
			return deleted, err
		}
		if !found || !match(tuple) {
			continue
		}
		lockOK, err := e.lockMgr.LockRow(e.t, txn.LockExclusive, e.heap.OID(), rid)
		if err != nil {
			return deleted, err
		}
		if !lockOK {
			return deleted, ErrTransactionAborted
		}
		removed, err := e.heap.DeleteTuple(rid)
		if err != nil {
			return deleted, err
		}
		if removed {
			if e.index != nil {
				if _, err := e.index.Tree.Remove(e.index.KeyOf(tuple), e.t); err != nil {
					return deleted, err
				}
			}
			deleted++
		}
	}
}
