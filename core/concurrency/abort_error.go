package concurrency

import (
	"fmt"

	txn "github.com/sushant-115/sukunadb/core/transaction"
	"go.uber.org/zap"
)

// AbortReason names why the lock manager aborted a transaction.
type AbortReason int

const (
	AbortLockOnShrinking AbortReason = iota
	AbortLockSharedOnReadUncommitted
	AbortUpgradeConflict
	AbortIncompatibleUpgrade
	AbortAttemptedUnlockButNoLockHeld
	AbortAttemptedIntentionLockOnRow
	AbortTableLockNotPresent
	AbortTableUnlockedBeforeUnlockingRows
)

func (r AbortReason) String() string {
	switch r {
	case AbortLockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case AbortLockSharedOnReadUncommitted:
		return "LOCK_SHARED_ON_READ_UNCOMMITTED"
	case AbortUpgradeConflict:
		return "UPGRADE_CONFLICT"
	case AbortIncompatibleUpgrade:
		return "INCOMPATIBLE_UPGRADE"
	case AbortAttemptedUnlockButNoLockHeld:
		return "ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD"
	case AbortAttemptedIntentionLockOnRow:
		return "ATTEMPTED_INTENTION_LOCK_ON_ROW"
	case AbortTableLockNotPresent:
		return "TABLE_LOCK_NOT_PRESENT"
	case AbortTableUnlockedBeforeUnlockingRows:
		return "TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS"
	}
	return "UNKNOWN"
}

// TransactionAbortError is returned by lock operations that aborted the
// calling transaction. The transaction has already been moved to ABORTED
// when this error surfaces.
type TransactionAbortError struct {
	TxnID  txn.TxnID
	Reason AbortReason
}

func (e *TransactionAbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// abortTxn transitions the transaction to ABORTED and builds the error.
func (lm *LockManager) abortTxn(t *txn.Transaction, reason AbortReason) error {
	t.SetState(txn.TxnStateAborted)
	lm.abortCount.Add(1)
	lm.logger.Debug("Transaction aborted by lock manager",
		zap.Int64("txnID", int64(t.ID())), zap.String("reason", reason.String()))
	return &TransactionAbortError{TxnID: t.ID(), Reason: reason}
}
