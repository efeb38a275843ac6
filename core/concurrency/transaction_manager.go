package concurrency

import (
	"sync"
	"sync/atomic"

	txn "github.com/sushant-115/sukunadb/core/transaction"
	"go.uber.org/zap"
)

// TransactionManager creates transactions with monotonically increasing ids,
// keeps the registry the deadlock detector resolves victims against, and
// drives commit/abort lock release.
type TransactionManager struct {
	nextTxnID atomic.Int64
	mu        sync.RWMutex
	txns      map[txn.TxnID]*txn.Transaction
	lockMgr   *LockManager
	logger    *zap.Logger
}

// NewTransactionManager wires a transaction manager to the lock manager so
// the deadlock detector can look up and abort victims.
func NewTransactionManager(lockMgr *LockManager, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	tm := &TransactionManager{
		txns:    make(map[txn.TxnID]*txn.Transaction),
		lockMgr: lockMgr,
		logger:  logger,
	}
	lockMgr.txnMgr = tm
	return tm
}

// Begin starts a new transaction at the given isolation level.
func (tm *TransactionManager) Begin(isolation txn.IsolationLevel) *txn.Transaction {
	id := txn.TxnID(tm.nextTxnID.Add(1) - 1)
	t := txn.NewTransaction(id, isolation)
	tm.mu.Lock()
	tm.txns[id] = t
	tm.mu.Unlock()
	tm.logger.Debug("Transaction started",
		zap.Int64("txnID", int64(id)), zap.String("isolation", isolation.String()))
	return t
}

// GetTransaction looks up a live transaction by id.
func (tm *TransactionManager) GetTransaction(id txn.TxnID) *txn.Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.txns[id]
}

// Commit moves the transaction to COMMITTED and releases every lock it
// holds, rows before tables.
func (tm *TransactionManager) Commit(t *txn.Transaction) {
	t.SetState(txn.TxnStateCommitted)
	tm.lockMgr.releaseAllLocks(t)
	tm.drop(t)
	tm.logger.Debug("Transaction committed", zap.Int64("txnID", int64(t.ID())))
}

// Abort moves the transaction to ABORTED and releases every lock it holds.
// After cleanup the transaction holds no locks.
func (tm *TransactionManager) Abort(t *txn.Transaction) {
	t.SetState(txn.TxnStateAborted)
	tm.lockMgr.releaseAllLocks(t)
	tm.drop(t)
	tm.logger.Debug("Transaction aborted", zap.Int64("txnID", int64(t.ID())))
}

func (tm *TransactionManager) drop(t *txn.Transaction) {
	tm.mu.Lock()
	delete(tm.txns, t.ID())
	tm.mu.Unlock()
}
