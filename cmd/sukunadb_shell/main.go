package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/sushant-115/sukunadb/core/execution"
	btreecore "github.com/sushant-115/sukunadb/core/indexing/btree/btree_core"
	storageengine "github.com/sushant-115/sukunadb/core/storage_engine"
	txn "github.com/sushant-115/sukunadb/core/transaction"
	internaltelemetry "github.com/sushant-115/sukunadb/internal/telemetry"
	"github.com/sushant-115/sukunadb/pkg/logger"
	"github.com/sushant-115/sukunadb/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const keyWidth = 8

// shell is an interactive front end over the storage core: one table heap,
// one primary index, explicit transactions with autocommit fallback.
type shell struct {
	engine  *storageengine.Engine
	metrics *internaltelemetry.StorageMetrics
	logger  *zap.Logger
	current *txn.Transaction
}

func main() {
	dbPath := flag.String("db", "sukunadb.db", "database file path")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	telemetryOn := flag.Bool("telemetry", false, "enable metrics and tracing")
	metricsPort := flag.Int("metrics-port", 9464, "prometheus /metrics port")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *telemetryOn,
		ServiceName:    "sukunadb_shell",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	engine, err := storageengine.Open(storageengine.DefaultConfig(*dbPath), log)
	if err != nil {
		log.Fatal("Failed to open storage engine", zap.Error(err))
	}
	defer engine.Close()

	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter, engine.BufferPool(), engine.LockManager())
	if err != nil {
		log.Fatal("Failed to register storage metrics", zap.Error(err))
	}

	sessionID := uuid.NewString()
	log.Info("Shell session started", zap.String("sessionID", sessionID), zap.String("db", *dbPath))
	fmt.Printf("SukunaDB shell (session %s). Type 'help' for commands.\n", sessionID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "sukunadb> ",
		HistoryFile: "/tmp/sukunadb_shell.history",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("begin", readline.PcItem("ru"), readline.PcItem("rc"), readline.PcItem("rr")),
			readline.PcItem("commit"),
			readline.PcItem("abort"),
			readline.PcItem("insert"),
			readline.PcItem("get"),
			readline.PcItem("delete"),
			readline.PcItem("scan"),
			readline.PcItem("iscan"),
			readline.PcItem("stats"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		log.Fatal("Failed to initialize readline", zap.Error(err))
	}
	defer rl.Close()

	sh := &shell{engine: engine, metrics: metrics, logger: log}
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		sh.dispatch(line)
	}
	if sh.current != nil {
		engine.TxnManager().Abort(sh.current)
	}
	fmt.Println("bye")
}

func (sh *shell) dispatch(line string) {
	fields := strings.Fields(line)
	op := strings.ToLower(fields[0])
	start := time.Now()
	err := sh.run(op, fields[1:])
	elapsed := time.Since(start)

	attrs := metric.WithAttributes(attribute.String("op", op))
	sh.metrics.StatementCounter.Add(context.Background(), 1, attrs)
	sh.metrics.StatementLatency.Record(context.Background(), elapsed.Milliseconds(), attrs)

	if err != nil {
		fmt.Println("error:", err)
		// A lock manager abort poisons the open transaction.
		if sh.current != nil && sh.current.State() == txn.TxnStateAborted {
			sh.engine.TxnManager().Abort(sh.current)
			sh.endTxn()
			fmt.Println("transaction aborted")
		}
	}
}

// beginAuto returns the open transaction, or starts a single-statement one.
func (sh *shell) beginAuto() (*txn.Transaction, bool) {
	if sh.current != nil {
		return sh.current, false
	}
	return sh.engine.TxnManager().Begin(txn.RepeatableRead), true
}

func (sh *shell) endTxn() {
	sh.metrics.ActiveTransactions.Add(context.Background(), -1)
	sh.current = nil
}

func (sh *shell) run(op string, args []string) error {
	switch op {
	case "help":
		fmt.Println(`commands:
  begin [ru|rc|rr]      start a transaction (default rr)
  commit | abort        finish the open transaction
  insert <key> <value>  insert a row (key is uint64)
  get <key>             point lookup through the primary index
  delete <key>          delete rows with the key
  scan                  sequential scan in heap order
  iscan [start]         index scan in key order
  stats                 buffer pool and lock manager counters
  exit`)
		return nil
	case "begin":
		if sh.current != nil {
			return fmt.Errorf("transaction %d already open", sh.current.ID())
		}
		iso := txn.RepeatableRead
		if len(args) > 0 {
			switch strings.ToLower(args[0]) {
			case "ru":
				iso = txn.ReadUncommitted
			case "rc":
				iso = txn.ReadCommitted
			case "rr":
				iso = txn.RepeatableRead
			default:
				return fmt.Errorf("unknown isolation level %q", args[0])
			}
		}
		sh.current = sh.engine.TxnManager().Begin(iso)
		sh.metrics.ActiveTransactions.Add(context.Background(), 1)
		fmt.Printf("txn %d started (%s)\n", sh.current.ID(), iso)
		return nil
	case "commit":
		if sh.current == nil {
			return fmt.Errorf("no open transaction")
		}
		sh.engine.TxnManager().Commit(sh.current)
		sh.endTxn()
		fmt.Println("committed")
		return nil
	case "abort":
		if sh.current == nil {
			return fmt.Errorf("no open transaction")
		}
		sh.engine.TxnManager().Abort(sh.current)
		sh.endTxn()
		fmt.Println("aborted")
		return nil
	case "insert":
		if len(args) < 2 {
			return fmt.Errorf("usage: insert <key> <value>")
		}
		key, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad key: %w", err)
		}
		return sh.insert(key, strings.Join(args[1:], " "))
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		key, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad key: %w", err)
		}
		return sh.get(key)
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: delete <key>")
		}
		key, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad key: %w", err)
		}
		return sh.delete(key)
	case "scan":
		return sh.seqScan()
	case "iscan":
		var start *uint64
		if len(args) > 0 {
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad start key: %w", err)
			}
			start = &v
		}
		return sh.indexScan(start)
	case "stats":
		bs := sh.engine.BufferPool().GetStats()
		ls := sh.engine.LockManager().GetStats()
		fmt.Printf("bufferpool: hits=%d misses=%d evictions=%d flushes=%d\n", bs.Hits, bs.Misses, bs.Evictions, bs.Flushes)
		fmt.Printf("locks: grants=%d aborts=%d deadlocks=%d\n", ls.Grants, ls.Aborts, ls.Deadlocks)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try 'help')", op)
	}
}

func (sh *shell) tuple(key uint64, value string) []byte {
	t := make([]byte, sh.engine.Config().TupleSize)
	binary.BigEndian.PutUint64(t[:keyWidth], key)
	copy(t[keyWidth:], value)
	return t
}

func (sh *shell) indexBinding() *execution.IndexBinding {
	return &execution.IndexBinding{
		Tree:  sh.engine.Index(),
		KeyOf: func(tuple []byte) btreecore.Key { return btreecore.Key(tuple[:keyWidth]) },
	}
}

func (sh *shell) insert(key uint64, value string) error {
	t, auto := sh.beginAuto()
	exec := execution.NewInsertExecutor(sh.engine.LockManager(), sh.engine.Heap(), sh.indexBinding(), t)
	rids, err := exec.Execute([][]byte{sh.tuple(key, value)})
	if err != nil {
		if auto {
			sh.engine.TxnManager().Abort(t)
		}
		return err
	}
	if auto {
		sh.engine.TxnManager().Commit(t)
	}
	fmt.Printf("inserted at %v\n", rids[0])
	return nil
}

func (sh *shell) get(key uint64) error {
	t, auto := sh.beginAuto()
	defer func() {
		if auto {
			sh.engine.TxnManager().Commit(t)
		}
	}()
	rid, found, err := sh.engine.Index().GetValue(btreecore.Uint64Key(key, keyWidth), t)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("(not found)")
		return nil
	}
	tuple, ok, err := sh.engine.Heap().GetTuple(rid)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(not found)")
		return nil
	}
	fmt.Printf("%d -> %s\n", key, strings.TrimRight(string(tuple[keyWidth:]), "\x00"))
	return nil
}

func (sh *shell) delete(key uint64) error {
	t, auto := sh.beginAuto()
	exec := execution.NewDeleteExecutor(sh.engine.LockManager(), sh.engine.Heap(), sh.indexBinding(), t)
	want := btreecore.Uint64Key(key, keyWidth)
	n, err := exec.Execute(func(tuple []byte) bool {
		return btreecore.CompareKeys(btreecore.Key(tuple[:keyWidth]), want) == 0
	})
	if err != nil {
		if auto {
			sh.engine.TxnManager().Abort(t)
		}
		return err
	}
	if auto {
		sh.engine.TxnManager().Commit(t)
	}
	fmt.Printf("deleted %d row(s)\n", n)
	return nil
}

func (sh *shell) seqScan() error {
	t, auto := sh.beginAuto()
	exec := execution.NewSeqScanExecutor(sh.engine.LockManager(), sh.engine.Heap(), t, sh.logger)
	if err := exec.Open(); err != nil {
		if auto {
			sh.engine.TxnManager().Abort(t)
		}
		return err
	}
	count := 0
	for {
		_, tuple, ok, err := exec.Next()
		if err != nil {
			exec.Close()
			if auto {
				sh.engine.TxnManager().Abort(t)
			}
			return err
		}
		if !ok {
			break
		}
		key := binary.BigEndian.Uint64(tuple[:keyWidth])
		fmt.Printf("%d -> %s\n", key, strings.TrimRight(string(tuple[keyWidth:]), "\x00"))
		count++
	}
	if err := exec.Close(); err != nil {
		return err
	}
	if auto {
		sh.engine.TxnManager().Commit(t)
	}
	fmt.Printf("(%d rows)\n", count)
	return nil
}

func (sh *shell) indexScan(start *uint64) error {
	var it *btreecore.IndexIterator
	var err error
	if start != nil {
		it, err = sh.engine.Index().BeginAt(btreecore.Uint64Key(*start, keyWidth))
	} else {
		it, err = sh.engine.Index().Begin()
	}
	if err != nil {
		return err
	}
	defer it.Close()
	count := 0
	for it.Valid() {
		key := binary.BigEndian.Uint64(it.Key())
		fmt.Printf("%d -> %v\n", key, it.RID())
		count++
		if err := it.Next(); err != nil {
			return err
		}
	}
	fmt.Printf("(%d entries)\n", count)
	return nil
}
