package concurrency

import (
	"sync"
	"sync/atomic"
	"time"

	txn "github.com/sushant-115/sukunadb/core/transaction"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// LockRequest is one entry in a resource's request queue.
type LockRequest struct {
	txnID   txn.TxnID
	mode    txn.LockMode
	oid     txn.TableOID
	rid     pagemanager.RID
	onRow   bool
	granted bool
}

// LockRequestQueue is the per-resource FIFO of lock requests. The latch
// protects the queue contents; waiters block on the condition variable and
// re-check grantability after every notification.
type LockRequestQueue struct {
	latch     sync.Mutex
	cond      *sync.Cond
	requests  []*LockRequest
	upgrading txn.TxnID
}

func newLockRequestQueue() *LockRequestQueue {
	q := &LockRequestQueue{upgrading: txn.InvalidTxnID}
	q.cond = sync.NewCond(&q.latch)
	return q
}

// remove deletes the request (by identity) from the queue.
// Must be called with q.latch held.
func (q *LockRequestQueue) remove(req *LockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// LockManager implements two-level hierarchical two-phase locking over
// tables and rows with five lock modes, FIFO wait queues, mode upgrades, and
// background wait-for-graph deadlock detection.
type LockManager struct {
	tableLockMapLatch sync.Mutex
	tableLockMap      map[txn.TableOID]*LockRequestQueue

	rowLockMapLatch sync.Mutex
	rowLockMap      map[pagemanager.RID]*LockRequestQueue

	txnMgr *TransactionManager

	cycleDetectionInterval time.Duration
	stopCh                 chan struct{}
	detectorDone           chan struct{}
	logger                 *zap.Logger

	// Statistics, readable without any latch.
	grantCount    atomic.Uint64
	abortCount    atomic.Uint64
	deadlockCount atomic.Uint64
}

// Stats is a point-in-time snapshot of the lock manager's counters.
type Stats struct {
	Grants    uint64
	Aborts    uint64
	Deadlocks uint64
}

// GetStats returns a snapshot of the lock manager's counters.
func (lm *LockManager) GetStats() Stats {
	return Stats{
		Grants:    lm.grantCount.Load(),
		Aborts:    lm.abortCount.Load(),
		Deadlocks: lm.deadlockCount.Load(),
	}
}

// NewLockManager creates a lock manager and starts its deadlock detector.
func NewLockManager(cycleDetectionInterval time.Duration, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	lm := &LockManager{
		tableLockMap:           make(map[txn.TableOID]*LockRequestQueue),
		rowLockMap:             make(map[pagemanager.RID]*LockRequestQueue),
		cycleDetectionInterval: cycleDetectionInterval,
		stopCh:                 make(chan struct{}),
		detectorDone:           make(chan struct{}),
		logger:                 logger,
	}
	go lm.runCycleDetection()
	return lm
}

// Close stops the deadlock detector.
func (lm *LockManager) Close() {
	close(lm.stopCh)
	<-lm.detectorDone
}

// compatible reports whether a lock of mode req may be granted while a lock
// of mode held is granted to another transaction.
//
//	held \ req   IS   IX   S    SIX  X
//	IS           y    y    y    y    n
//	IX           y    y    n    n    n
//	S            y    n    y    n    n
//	SIX          y    n    n    n    n
//	X            n    n    n    n    n
func compatible(held, req txn.LockMode) bool {
	switch held {
	case txn.LockIntentionShared:
		return req != txn.LockExclusive
	case txn.LockIntentionExclusive:
		return req == txn.LockIntentionShared || req == txn.LockIntentionExclusive
	case txn.LockShared:
		return req == txn.LockIntentionShared || req == txn.LockShared
	case txn.LockSharedIntentionExclusive:
		return req == txn.LockIntentionShared
	case txn.LockExclusive:
		return false
	}
	return false
}

// upgradeAllowed reports whether held may be upgraded to want.
// IS -> {S, X, IX, SIX}; S -> {X, SIX}; IX -> {X, SIX}; SIX -> {X}.
func upgradeAllowed(held, want txn.LockMode) bool {
	switch held {
	case txn.LockIntentionShared:
		return want == txn.LockShared || want == txn.LockExclusive ||
			want == txn.LockIntentionExclusive || want == txn.LockSharedIntentionExclusive
	case txn.LockShared, txn.LockIntentionExclusive:
		return want == txn.LockExclusive || want == txn.LockSharedIntentionExclusive
	case txn.LockSharedIntentionExclusive:
		return want == txn.LockExclusive
	}
	return false
}

// grantLock walks the queue in order: every earlier granted request must be
// compatible with req, and req must be the first not-yet-granted request.
// Waiters are strict FIFO; a compatible waiter never cuts ahead of an
// earlier incompatible one. Must be called with the queue latch held.
func grantLock(req *LockRequest, q *LockRequestQueue) bool {
	for _, it := range q.requests {
		if it.granted {
			if !compatible(it.mode, req.mode) {
				return false
			}
		} else {
			return it == req
		}
	}
	return false
}

// checkIsolation applies the per-isolation-level admission rules. Returns a
// TransactionAbortError (and aborts t) on violation.
func (lm *LockManager) checkIsolation(t *txn.Transaction, mode txn.LockMode) error {
	switch t.Isolation() {
	case txn.ReadUncommitted:
		if mode == txn.LockShared || mode == txn.LockIntentionShared || mode == txn.LockSharedIntentionExclusive {
			return lm.abortTxn(t, AbortLockSharedOnReadUncommitted)
		}
		if t.State() == txn.TxnStateShrinking &&
			(mode == txn.LockExclusive || mode == txn.LockIntentionExclusive) {
			return lm.abortTxn(t, AbortLockOnShrinking)
		}
	case txn.ReadCommitted:
		if t.State() == txn.TxnStateShrinking &&
			mode != txn.LockShared && mode != txn.LockIntentionShared {
			return lm.abortTxn(t, AbortLockOnShrinking)
		}
	case txn.RepeatableRead:
		if t.State() == txn.TxnStateShrinking {
			return lm.abortTxn(t, AbortLockOnShrinking)
		}
	}
	return nil
}

// acquire runs the shared admission path for table and row locks once the
// mode and isolation checks have passed: handle re-entrant requests and
// upgrades, enqueue, then wait until granted or aborted.
func (lm *LockManager) acquire(t *txn.Transaction, q *LockRequestQueue, req *LockRequest) (bool, error) {
	q.latch.Lock()

	for _, existing := range q.requests {
		if existing.txnID != t.ID() {
			continue
		}
		if existing.mode == req.mode {
			q.latch.Unlock()
			return true, nil
		}
		if q.upgrading != txn.InvalidTxnID {
			q.latch.Unlock()
			return false, lm.abortTxn(t, AbortUpgradeConflict)
		}
		if !upgradeAllowed(existing.mode, req.mode) {
			q.latch.Unlock()
			return false, lm.abortTxn(t, AbortIncompatibleUpgrade)
		}

		// Drop the old request and slot the upgrade in ahead of every
		// not-yet-granted request.
		q.remove(existing)
		lm.removeFromLockSet(t, existing)
		insertAt := len(q.requests)
		for i, r := range q.requests {
			if !r.granted {
				insertAt = i
				break
			}
		}
		q.requests = append(q.requests[:insertAt], append([]*LockRequest{req}, q.requests[insertAt:]...)...)
		q.upgrading = t.ID()

		for !grantLock(req, q) {
			q.cond.Wait()
			if t.State() == txn.TxnStateAborted {
				q.upgrading = txn.InvalidTxnID
				q.remove(req)
				q.cond.Broadcast()
				q.latch.Unlock()
				return false, nil
			}
		}
		q.upgrading = txn.InvalidTxnID
		req.granted = true
		lm.grantCount.Add(1)
		lm.addToLockSet(t, req)
		if req.mode != txn.LockExclusive {
			q.cond.Broadcast()
		}
		q.latch.Unlock()
		return true, nil
	}

	q.requests = append(q.requests, req)
	for !grantLock(req, q) {
		q.cond.Wait()
		if t.State() == txn.TxnStateAborted {
			q.remove(req)
			q.cond.Broadcast()
			q.latch.Unlock()
			return false, nil
		}
	}
	req.granted = true
	lm.grantCount.Add(1)
	lm.addToLockSet(t, req)
	if req.mode != txn.LockExclusive {
		q.cond.Broadcast()
	}
	q.latch.Unlock()
	return true, nil
}

func (lm *LockManager) addToLockSet(t *txn.Transaction, req *LockRequest) {
	if req.onRow {
		t.AddRowLock(req.mode == txn.LockExclusive, req.oid, req.rid)
		return
	}
	t.AddTableLock(req.mode, req.oid)
}

func (lm *LockManager) removeFromLockSet(t *txn.Transaction, req *LockRequest) {
	if req.onRow {
		t.RemoveRowLock(req.mode == txn.LockExclusive, req.oid, req.rid)
		return
	}
	t.RemoveTableLock(req.mode, req.oid)
}

// LockTable acquires a table lock of the given mode, blocking until granted.
// Returns false without error when the transaction was aborted while waiting
// (or entered already aborted/committed); returns a TransactionAbortError
// when the request itself is illegal.
func (lm *LockManager) LockTable(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) (bool, error) {
	if t.State() == txn.TxnStateAborted || t.State() == txn.TxnStateCommitted {
		return false, nil
	}
	if err := lm.checkIsolation(t, mode); err != nil {
		return false, err
	}

	lm.tableLockMapLatch.Lock()
	q, ok := lm.tableLockMap[oid]
	if !ok {
		q = newLockRequestQueue()
		lm.tableLockMap[oid] = q
	}
	lm.tableLockMapLatch.Unlock()

	req := &LockRequest{txnID: t.ID(), mode: mode, oid: oid}
	return lm.acquire(t, q, req)
}

// UnlockTable releases the table lock held by the transaction. All row locks
// on the table must have been released first.
func (lm *LockManager) UnlockTable(t *txn.Transaction, oid txn.TableOID) (bool, error) {
	lm.tableLockMapLatch.Lock()
	q, ok := lm.tableLockMap[oid]
	lm.tableLockMapLatch.Unlock()
	if !ok {
		return false, lm.abortTxn(t, AbortAttemptedUnlockButNoLockHeld)
	}
	if t.HasRowLocksOnTable(oid) {
		return false, lm.abortTxn(t, AbortTableUnlockedBeforeUnlockingRows)
	}

	q.latch.Lock()
	for _, req := range q.requests {
		if req.txnID != t.ID() || !req.granted {
			continue
		}
		q.remove(req)
		q.cond.Broadcast()
		q.latch.Unlock()
		lm.applyShrinking(t, req.mode)
		t.RemoveTableLock(req.mode, oid)
		return true, nil
	}
	q.latch.Unlock()
	return false, lm.abortTxn(t, AbortAttemptedUnlockButNoLockHeld)
}

// LockRow acquires a row lock (S or X only). A row X lock requires a
// write-capable table lock (X, IX, or SIX) on the owning table.
func (lm *LockManager) LockRow(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID, rid pagemanager.RID) (bool, error) {
	if t.State() == txn.TxnStateAborted || t.State() == txn.TxnStateCommitted {
		return false, nil
	}
	if mode == txn.LockIntentionShared || mode == txn.LockIntentionExclusive || mode == txn.LockSharedIntentionExclusive {
		return false, lm.abortTxn(t, AbortAttemptedIntentionLockOnRow)
	}
	if err := lm.checkIsolation(t, mode); err != nil {
		return false, err
	}
	if mode == txn.LockExclusive && !t.HoldsWriteCapableTableLock(oid) {
		return false, lm.abortTxn(t, AbortTableLockNotPresent)
	}

	lm.rowLockMapLatch.Lock()
	q, ok := lm.rowLockMap[rid]
	if !ok {
		q = newLockRequestQueue()
		lm.rowLockMap[rid] = q
	}
	lm.rowLockMapLatch.Unlock()

	req := &LockRequest{txnID: t.ID(), mode: mode, oid: oid, rid: rid, onRow: true}
	return lm.acquire(t, q, req)
}

// UnlockRow releases the row lock held by the transaction.
func (lm *LockManager) UnlockRow(t *txn.Transaction, oid txn.TableOID, rid pagemanager.RID) (bool, error) {
	lm.rowLockMapLatch.Lock()
	q, ok := lm.rowLockMap[rid]
	lm.rowLockMapLatch.Unlock()
	if !ok {
		return false, lm.abortTxn(t, AbortAttemptedUnlockButNoLockHeld)
	}

	q.latch.Lock()
	for _, req := range q.requests {
		if req.txnID != t.ID() || !req.granted {
			continue
		}
		q.remove(req)
		q.cond.Broadcast()
		q.latch.Unlock()
		lm.applyShrinking(t, req.mode)
		t.RemoveRowLock(req.mode == txn.LockExclusive, oid, rid)
		return true, nil
	}
	q.latch.Unlock()
	return false, lm.abortTxn(t, AbortAttemptedUnlockButNoLockHeld)
}

// applyShrinking performs the 2PL state transition triggered by a release:
// releasing X moves a GROWING transaction to SHRINKING under every isolation
// level; under REPEATABLE_READ releasing S does too.
func (lm *LockManager) applyShrinking(t *txn.Transaction, released txn.LockMode) {
	if t.State() != txn.TxnStateGrowing {
		return
	}
	switch t.Isolation() {
	case txn.ReadUncommitted, txn.ReadCommitted:
		if released == txn.LockExclusive {
			t.SetState(txn.TxnStateShrinking)
		}
	case txn.RepeatableRead:
		if released == txn.LockExclusive || released == txn.LockShared {
			t.SetState(txn.TxnStateShrinking)
		}
	}
}

// releaseAllLocks force-releases every lock held by the transaction, rows
// before tables. Used by commit and abort; it performs no validation and no
// state transitions beyond waking waiters.
func (lm *LockManager) releaseAllLocks(t *txn.Transaction) {
	for exclusive := 0; exclusive < 2; exclusive++ {
		for oid, rids := range t.RowLocks(exclusive == 1) {
			for _, rid := range rids {
				lm.rowLockMapLatch.Lock()
				q, ok := lm.rowLockMap[rid]
				lm.rowLockMapLatch.Unlock()
				if !ok {
					continue
				}
				q.latch.Lock()
				for _, req := range q.requests {
					if req.txnID == t.ID() && req.granted {
						q.remove(req)
						break
					}
				}
				q.cond.Broadcast()
				q.latch.Unlock()
				t.RemoveRowLock(exclusive == 1, oid, rid)
			}
		}
	}
	for mode, oids := range t.TableLocks() {
		for _, oid := range oids {
			lm.tableLockMapLatch.Lock()
			q, ok := lm.tableLockMap[oid]
			lm.tableLockMapLatch.Unlock()
			if !ok {
				continue
			}
			q.latch.Lock()
			for _, req := range q.requests {
				if req.txnID == t.ID() && req.granted {
					q.remove(req)
					break
				}
			}
			q.cond.Broadcast()
			q.latch.Unlock()
			t.RemoveTableLock(mode, oid)
		}
	}
}
