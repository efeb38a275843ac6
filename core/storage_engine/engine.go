// Package storageengine assembles the storage core: disk manager, buffer
// pool, lock manager, transaction manager, primary B+tree index, and table
// heap, behind a single lifecycle.
package storageengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sushant-115/sukunadb/core/concurrency"
	"github.com/sushant-115/sukunadb/core/execution"
	btreecore "github.com/sushant-115/sukunadb/core/indexing/btree/btree_core"
	txn "github.com/sushant-115/sukunadb/core/transaction"
	flushmanager "github.com/sushant-115/sukunadb/core/write_engine/flush_manager"
	"github.com/sushant-115/sukunadb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Config carries every tunable of the storage core.
type Config struct {
	DBFilePath             string
	PageSize               int
	PoolSize               int
	ReplacerK              int
	KeySize                int
	LeafMaxSize            int
	InternalMaxSize        int
	TupleSize              int
	CycleDetectionInterval time.Duration
	FlushInterval          time.Duration
	FlushPagesPerSec       float64
}

// DefaultConfig returns a working configuration for the given database file.
func DefaultConfig(dbFilePath string) Config {
	return Config{
		DBFilePath:             dbFilePath,
		PageSize:               pagemanager.DefaultPageSize,
		PoolSize:               64,
		ReplacerK:              2,
		KeySize:                8,
		LeafMaxSize:            32,
		InternalMaxSize:        32,
		TupleSize:              64,
		CycleDetectionInterval: 50 * time.Millisecond,
		FlushInterval:          time.Second,
		FlushPagesPerSec:       256,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return errors.New("pool size must be positive")
	}
	if c.ReplacerK < 1 {
		return errors.New("replacer k must be at least 1")
	}
	if c.LeafMaxSize < 3 || c.InternalMaxSize < 3 {
		return errors.New("leaf and internal max sizes must be at least 3")
	}
	if c.CycleDetectionInterval <= 0 {
		return errors.New("cycle detection interval must be positive")
	}
	if err := btreecore.ValidateKeySize(c.KeySize); err != nil {
		return err
	}
	return nil
}

// Engine owns the storage core components and their shutdown order.
type Engine struct {
	cfg      Config
	diskMgr  *flushmanager.DiskManager
	bpm      *memtable.BufferPoolManager
	lockMgr  *concurrency.LockManager
	txnMgr   *concurrency.TransactionManager
	index    *btreecore.BTree
	heap     *execution.TableHeap
	flusher  *memtable.BackgroundFlusher
	logger   *zap.Logger
	tableOID txn.TableOID
}

// Open builds the storage core from the configuration.
func Open(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	diskMgr, err := flushmanager.NewDiskManager(cfg.DBFilePath, cfg.PageSize, logger)
	if err != nil {
		return nil, err
	}
	bpm := memtable.NewBufferPoolManager(cfg.PoolSize, cfg.ReplacerK, diskMgr, logger)
	lockMgr := concurrency.NewLockManager(cfg.CycleDetectionInterval, logger)
	txnMgr := concurrency.NewTransactionManager(lockMgr, logger)

	index, err := btreecore.NewBTree("primary", bpm, cfg.KeySize, cfg.LeafMaxSize, cfg.InternalMaxSize, logger)
	if err != nil {
		lockMgr.Close()
		diskMgr.Close()
		return nil, err
	}
	const tableOID txn.TableOID = 1
	heap, err := execution.NewTableHeap(bpm, tableOID, cfg.TupleSize, logger)
	if err != nil {
		lockMgr.Close()
		diskMgr.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		diskMgr:  diskMgr,
		bpm:      bpm,
		lockMgr:  lockMgr,
		txnMgr:   txnMgr,
		index:    index,
		heap:     heap,
		logger:   logger,
		tableOID: tableOID,
	}
	if cfg.FlushInterval > 0 {
		e.flusher = memtable.NewBackgroundFlusher(bpm, cfg.FlushInterval, cfg.FlushPagesPerSec, logger)
		e.flusher.Start()
	}
	return e, nil
}

func (e *Engine) BufferPool() *memtable.BufferPoolManager     { return e.bpm }
func (e *Engine) LockManager() *concurrency.LockManager       { return e.lockMgr }
func (e *Engine) TxnManager() *concurrency.TransactionManager { return e.txnMgr }
func (e *Engine) Index() *btreecore.BTree                     { return e.index }
func (e *Engine) Heap() *execution.TableHeap                  { return e.heap }
func (e *Engine) TableOID() txn.TableOID                      { return e.tableOID }
func (e *Engine) Config() Config                              { return e.cfg }

// Close flushes all state and stops background work.
func (e *Engine) Close() error {
	if e.flusher != nil {
		e.flusher.Stop()
	}
	var firstErr error
	if err := e.bpm.FlushAllPages(); err != nil {
		firstErr = err
	}
	e.lockMgr.Close()
	if err := e.diskMgr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
