package concurrency

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	txn "github.com/sushant-115/sukunadb/core/transaction"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const testTable txn.TableOID = 1

func setupLockManager(t *testing.T) (*LockManager, *TransactionManager) {
	t.Helper()
	lm := NewLockManager(20*time.Millisecond, zap.NewNop())
	tm := NewTransactionManager(lm, zap.NewNop())
	t.Cleanup(lm.Close)
	return lm, tm
}

func requireAbortReason(t *testing.T, err error, reason AbortReason) {
	t.Helper()
	var abortErr *TransactionAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, reason, abortErr.Reason)
}

// lockTableAsync runs LockTable in a goroutine and reports its result.
func lockTableAsync(lm *LockManager, t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) chan bool {
	done := make(chan bool, 1)
	go func() {
		ok, _ := lm.LockTable(t, mode, oid)
		done <- ok
	}()
	return done
}

func TestLockManager_SharedLocksCoexist(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)
	t2 := tm.Begin(txn.RepeatableRead)

	ok, err := lm.LockTable(t1, txn.LockShared, testTable)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lm.LockTable(t2, txn.LockShared, testTable)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, t1.HoldsTableLock(txn.LockShared, testTable))
	require.True(t, t2.HoldsTableLock(txn.LockShared, testTable))

	// Re-requesting a held mode succeeds immediately.
	ok, err = lm.LockTable(t1, txn.LockShared, testTable)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockManager_ExclusiveBlocksUntilRelease(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.ReadCommitted)
	t2 := tm.Begin(txn.ReadCommitted)

	_, err := lm.LockTable(t1, txn.LockExclusive, testTable)
	require.NoError(t, err)

	done := lockTableAsync(lm, t2, txn.LockExclusive, testTable)
	select {
	case <-done:
		t.Fatal("X lock must wait for the holder")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = lm.UnlockTable(t1, testTable)
	require.NoError(t, err)
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not granted after release")
	}
}

func TestLockManager_UpgradeConflictAbortsSecondUpgrader(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)
	t2 := tm.Begin(txn.RepeatableRead)

	_, err := lm.LockTable(t1, txn.LockShared, testTable)
	require.NoError(t, err)
	_, err = lm.LockTable(t2, txn.LockShared, testTable)
	require.NoError(t, err)

	// T1 upgrades S -> X and blocks behind T2's granted S.
	t1Done := lockTableAsync(lm, t1, txn.LockExclusive, testTable)
	select {
	case <-t1Done:
		t.Fatal("upgrade must wait for the other shared holder")
	case <-time.After(50 * time.Millisecond):
	}

	// T2's competing upgrade aborts with UPGRADE_CONFLICT.
	_, err = lm.LockTable(t2, txn.LockExclusive, testTable)
	requireAbortReason(t, err, AbortUpgradeConflict)
	require.Equal(t, txn.TxnStateAborted, t2.State())

	// Cleaning up the aborted transaction unblocks T1's upgrade.
	tm.Abort(t2)
	select {
	case ok := <-t1Done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("T1 upgrade was not granted after T2 aborted")
	}
	require.True(t, t1.HoldsTableLock(txn.LockExclusive, testTable))
}

func TestLockManager_IncompatibleUpgradeRejected(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)

	_, err := lm.LockTable(t1, txn.LockShared, testTable)
	require.NoError(t, err)
	_, err = lm.LockTable(t1, txn.LockIntentionShared, testTable)
	requireAbortReason(t, err, AbortIncompatibleUpgrade)
}

func TestLockManager_DeadlockVictimIsYoungest(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)
	t2 := tm.Begin(txn.RepeatableRead)
	r1 := pagemanager.RID{PageID: 10, Slot: 1}
	r2 := pagemanager.RID{PageID: 10, Slot: 2}

	for _, tr := range []*txn.Transaction{t1, t2} {
		_, err := lm.LockTable(tr, txn.LockIntentionExclusive, testTable)
		require.NoError(t, err)
	}
	_, err := lm.LockRow(t1, txn.LockExclusive, testTable, r1)
	require.NoError(t, err)
	_, err = lm.LockRow(t2, txn.LockExclusive, testTable, r2)
	require.NoError(t, err)

	t1Done := make(chan bool, 1)
	go func() {
		ok, _ := lm.LockRow(t1, txn.LockExclusive, testTable, r2)
		t1Done <- ok
	}()
	t2Done := make(chan bool, 1)
	go func() {
		ok, _ := lm.LockRow(t2, txn.LockExclusive, testTable, r1)
		t2Done <- ok
	}()

	// The detector picks the youngest transaction in the cycle.
	select {
	case ok := <-t2Done:
		require.False(t, ok, "victim's pending request must fail")
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was not broken")
	}
	require.Equal(t, txn.TxnStateAborted, t2.State())
	require.NotEqual(t, txn.TxnStateAborted, t1.State())

	// Releasing the victim's locks lets T1 proceed.
	tm.Abort(t2)
	select {
	case ok := <-t1Done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("survivor was not granted after victim release")
	}
	require.GreaterOrEqual(t, lm.GetStats().Deadlocks, uint64(1))
}

func TestLockManager_FIFOAmongWaiters(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.ReadCommitted)
	t2 := tm.Begin(txn.ReadCommitted)
	t3 := tm.Begin(txn.ReadCommitted)

	_, err := lm.LockTable(t1, txn.LockExclusive, testTable)
	require.NoError(t, err)

	// T2 (S) enqueues before T3 (X); their modes are incompatible, so T2
	// must be granted first even after both could be woken together.
	t2Done := lockTableAsync(lm, t2, txn.LockShared, testTable)
	time.Sleep(50 * time.Millisecond)
	t3Done := lockTableAsync(lm, t3, txn.LockExclusive, testTable)
	time.Sleep(50 * time.Millisecond)

	_, err = lm.UnlockTable(t1, testTable)
	require.NoError(t, err)

	select {
	case ok := <-t2Done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("first waiter was not granted")
	}
	select {
	case <-t3Done:
		t.Fatal("T3 must stay blocked behind T2's shared lock")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = lm.UnlockTable(t2, testTable)
	require.NoError(t, err)
	select {
	case ok := <-t3Done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter was not granted")
	}
}

func TestLockManager_IsolationAdmissionRules(t *testing.T) {
	lm, tm := setupLockManager(t)

	// READ_UNCOMMITTED rejects every shared-family request.
	ru := tm.Begin(txn.ReadUncommitted)
	_, err := lm.LockTable(ru, txn.LockShared, testTable)
	requireAbortReason(t, err, AbortLockSharedOnReadUncommitted)

	ru2 := tm.Begin(txn.ReadUncommitted)
	_, err = lm.LockTable(ru2, txn.LockSharedIntentionExclusive, testTable)
	requireAbortReason(t, err, AbortLockSharedOnReadUncommitted)

	// REPEATABLE_READ rejects every acquisition while shrinking.
	rr := tm.Begin(txn.RepeatableRead)
	_, err = lm.LockTable(rr, txn.LockShared, testTable)
	require.NoError(t, err)
	_, err = lm.UnlockTable(rr, testTable)
	require.NoError(t, err)
	require.Equal(t, txn.TxnStateShrinking, rr.State())
	_, err = lm.LockTable(rr, txn.LockIntentionShared, testTable)
	requireAbortReason(t, err, AbortLockOnShrinking)

	// READ_COMMITTED keeps allowing S/IS while shrinking, rejects writes.
	rc := tm.Begin(txn.ReadCommitted)
	_, err = lm.LockTable(rc, txn.LockExclusive, testTable)
	require.NoError(t, err)
	_, err = lm.UnlockTable(rc, testTable)
	require.NoError(t, err)
	require.Equal(t, txn.TxnStateShrinking, rc.State())
	ok, err := lm.LockTable(rc, txn.LockIntentionShared, testTable)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = lm.LockTable(rc, txn.LockIntentionExclusive, testTable)
	requireAbortReason(t, err, AbortLockOnShrinking)
}

func TestLockManager_ReadCommittedSharedReleaseKeepsGrowing(t *testing.T) {
	lm, tm := setupLockManager(t)
	rc := tm.Begin(txn.ReadCommitted)

	_, err := lm.LockTable(rc, txn.LockShared, testTable)
	require.NoError(t, err)
	_, err = lm.UnlockTable(rc, testTable)
	require.NoError(t, err)
	// Strict 2PL on writes only: releasing S does not trigger SHRINKING.
	require.Equal(t, txn.TxnStateGrowing, rc.State())
}

func TestLockManager_RowLockRules(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)
	rid := pagemanager.RID{PageID: 3, Slot: 7}

	// Intention modes are not legal on rows.
	_, err := lm.LockRow(t1, txn.LockIntentionShared, testTable, rid)
	requireAbortReason(t, err, AbortAttemptedIntentionLockOnRow)

	// Row X requires a write-capable table lock.
	t2 := tm.Begin(txn.RepeatableRead)
	_, err = lm.LockRow(t2, txn.LockExclusive, testTable, rid)
	requireAbortReason(t, err, AbortTableLockNotPresent)

	t3 := tm.Begin(txn.RepeatableRead)
	_, err = lm.LockTable(t3, txn.LockIntentionExclusive, testTable)
	require.NoError(t, err)
	ok, err := lm.LockRow(t3, txn.LockExclusive, testTable, rid)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, t3.HoldsRowLock(true, testTable, rid))

	// The table lock cannot be released while its row locks are held.
	_, err = lm.UnlockTable(t3, testTable)
	requireAbortReason(t, err, AbortTableUnlockedBeforeUnlockingRows)
}

func TestLockManager_UnlockWithoutLockAborts(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)

	_, err := lm.UnlockTable(t1, testTable)
	requireAbortReason(t, err, AbortAttemptedUnlockButNoLockHeld)

	t2 := tm.Begin(txn.RepeatableRead)
	_, err = lm.UnlockRow(t2, testTable, pagemanager.RID{PageID: 1, Slot: 1})
	requireAbortReason(t, err, AbortAttemptedUnlockButNoLockHeld)
}

func TestTransactionManager_CommitReleasesEverything(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)
	rid := pagemanager.RID{PageID: 2, Slot: 4}

	_, err := lm.LockTable(t1, txn.LockIntentionExclusive, testTable)
	require.NoError(t, err)
	_, err = lm.LockRow(t1, txn.LockExclusive, testTable, rid)
	require.NoError(t, err)

	tm.Commit(t1)
	require.Equal(t, txn.TxnStateCommitted, t1.State())
	require.False(t, t1.HoldsRowLock(true, testTable, rid))
	require.False(t, t1.HoldsTableLock(txn.LockIntentionExclusive, testTable))

	// Another transaction can take X on the table immediately.
	t2 := tm.Begin(txn.RepeatableRead)
	ok, err := lm.LockTable(t2, txn.LockExclusive, testTable)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockManager_AbortedTransactionCannotLock(t *testing.T) {
	lm, tm := setupLockManager(t)
	t1 := tm.Begin(txn.RepeatableRead)
	t1.SetState(txn.TxnStateAborted)

	ok, err := lm.LockTable(t1, txn.LockShared, testTable)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAbortError_AsAndMessage(t *testing.T) {
	err := &TransactionAbortError{TxnID: 9, Reason: AbortUpgradeConflict}
	var target *TransactionAbortError
	require.True(t, errors.As(err, &target))
	require.Contains(t, err.Error(), "UPGRADE_CONFLICT")
}
