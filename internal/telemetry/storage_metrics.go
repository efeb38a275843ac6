package internaltelemetry

import (
	"context"

	"github.com/sushant-115/sukunadb/core/concurrency"
	"github.com/sushant-115/sukunadb/core/write_engine/memtable"
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds the metric instruments for the storage core: the
// buffer pool's cache behavior, the lock manager's grant/abort traffic, and
// per-statement latency as observed by the shell.
type StorageMetrics struct {
	StatementCounter   metric.Int64Counter
	StatementLatency   metric.Int64Histogram
	ActiveTransactions metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers the storage instruments. The
// buffer pool and lock manager counters are registered as observables that
// read the components' stats snapshots on each scrape.
func NewStorageMetrics(meter metric.Meter, bpm *memtable.BufferPoolManager, lockMgr *concurrency.LockManager) (*StorageMetrics, error) {
	statementCounter, err := meter.Int64Counter(
		"sukunadb.shell.statements_total",
		metric.WithDescription("Total number of shell statements executed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	statementLatency, err := meter.Int64Histogram(
		"sukunadb.shell.statement_duration",
		metric.WithDescription("The latency of shell statements."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTransactions, err := meter.Int64UpDownCounter(
		"sukunadb.txn.active",
		metric.WithDescription("Number of transactions currently open."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bufferHits, err := meter.Int64ObservableCounter(
		"sukunadb.bufferpool.hits_total",
		metric.WithDescription("Buffer pool page table hits."),
	)
	if err != nil {
		return nil, err
	}
	bufferMisses, err := meter.Int64ObservableCounter(
		"sukunadb.bufferpool.misses_total",
		metric.WithDescription("Buffer pool page table misses."),
	)
	if err != nil {
		return nil, err
	}
	bufferEvictions, err := meter.Int64ObservableCounter(
		"sukunadb.bufferpool.evictions_total",
		metric.WithDescription("Frames reclaimed by the LRU-K replacer."),
	)
	if err != nil {
		return nil, err
	}
	bufferFlushes, err := meter.Int64ObservableCounter(
		"sukunadb.bufferpool.flushes_total",
		metric.WithDescription("Pages written back to disk."),
	)
	if err != nil {
		return nil, err
	}
	lockGrants, err := meter.Int64ObservableCounter(
		"sukunadb.lock.grants_total",
		metric.WithDescription("Lock requests granted."),
	)
	if err != nil {
		return nil, err
	}
	lockAborts, err := meter.Int64ObservableCounter(
		"sukunadb.lock.aborts_total",
		metric.WithDescription("Transactions aborted by the lock manager."),
	)
	if err != nil {
		return nil, err
	}
	deadlocks, err := meter.Int64ObservableCounter(
		"sukunadb.lock.deadlocks_total",
		metric.WithDescription("Deadlock cycles broken by the detector."),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			bs := bpm.GetStats()
			o.ObserveInt64(bufferHits, int64(bs.Hits))
			o.ObserveInt64(bufferMisses, int64(bs.Misses))
			o.ObserveInt64(bufferEvictions, int64(bs.Evictions))
			o.ObserveInt64(bufferFlushes, int64(bs.Flushes))
			ls := lockMgr.GetStats()
			o.ObserveInt64(lockGrants, int64(ls.Grants))
			o.ObserveInt64(lockAborts, int64(ls.Aborts))
			o.ObserveInt64(deadlocks, int64(ls.Deadlocks))
			return nil
		},
		bufferHits, bufferMisses, bufferEvictions, bufferFlushes,
		lockGrants, lockAborts, deadlocks,
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		StatementCounter:   statementCounter,
		StatementLatency:   statementLatency,
		ActiveTransactions: activeTransactions,
	}, nil
}
