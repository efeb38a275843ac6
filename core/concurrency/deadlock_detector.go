package concurrency

import (
	"sort"
	"time"

	txn "github.com/sushant-115/sukunadb/core/transaction"
	"go.uber.org/zap"
)

// runCycleDetection is the background deadlock detector loop. Each cycle it
// rebuilds the wait-for graph from both resource maps, aborts the youngest
// transaction of every cycle found, and wakes the queues the victim was
// waiting on.
func (lm *LockManager) runCycleDetection() {
	defer close(lm.detectorDone)
	ticker := time.NewTicker(lm.cycleDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopCh:
			return
		case <-ticker.C:
			lm.detectOnce()
		}
	}
}

// detectOnce builds the wait-for graph and resolves every cycle in it.
// An edge t1 -> t2 exists iff t1 has a pending request on a resource where
// t2 holds an incompatible granted lock.
func (lm *LockManager) detectOnce() {
	waitsFor := make(map[txn.TxnID][]txn.TxnID)
	vertices := make(map[txn.TxnID]struct{})
	waitingQueues := make(map[txn.TxnID][]*LockRequestQueue)

	collect := func(q *LockRequestQueue) {
		q.latch.Lock()
		granted := make([]*LockRequest, 0, len(q.requests))
		for _, req := range q.requests {
			if req.granted {
				granted = append(granted, req)
				continue
			}
			for _, g := range granted {
				if g.txnID == req.txnID || compatible(g.mode, req.mode) {
					continue
				}
				waitsFor[req.txnID] = append(waitsFor[req.txnID], g.txnID)
				vertices[req.txnID] = struct{}{}
				vertices[g.txnID] = struct{}{}
			}
			waitingQueues[req.txnID] = append(waitingQueues[req.txnID], q)
		}
		q.latch.Unlock()
	}

	// Snapshot both resource maps under their latches so the graph is
	// consistent.
	lm.tableLockMapLatch.Lock()
	lm.rowLockMapLatch.Lock()
	for _, q := range lm.tableLockMap {
		collect(q)
	}
	for _, q := range lm.rowLockMap {
		collect(q)
	}
	lm.tableLockMapLatch.Unlock()
	lm.rowLockMapLatch.Unlock()

	for {
		cycle, found := findCycle(waitsFor, vertices)
		if !found {
			break
		}
		// The youngest transaction in the cycle (largest id) is the victim.
		victim := cycle[0]
		for _, id := range cycle {
			if id > victim {
				victim = id
			}
		}
		lm.logger.Warn("Deadlock detected, aborting victim",
			zap.Int64("victimTxnID", int64(victim)),
			zap.Int("cycleLength", len(cycle)))
		lm.deadlockCount.Add(1)
		if lm.txnMgr != nil {
			if t := lm.txnMgr.GetTransaction(victim); t != nil {
				t.SetState(txn.TxnStateAborted)
			}
		}
		removeVertex(waitsFor, vertices, victim)
		for _, q := range waitingQueues[victim] {
			q.latch.Lock()
			q.cond.Broadcast()
			q.latch.Unlock()
		}
	}
}

// findCycle runs a depth-first search from every vertex in ascending id
// order, exploring neighbors in ascending order, so cycle selection is
// deterministic. It returns the members of the first cycle found.
func findCycle(waitsFor map[txn.TxnID][]txn.TxnID, vertices map[txn.TxnID]struct{}) ([]txn.TxnID, bool) {
	order := make([]txn.TxnID, 0, len(vertices))
	for id := range vertices {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	safe := make(map[txn.TxnID]struct{})
	onPath := make(map[txn.TxnID]int)
	var path []txn.TxnID

	var dfs func(id txn.TxnID) ([]txn.TxnID, bool)
	dfs = func(id txn.TxnID) ([]txn.TxnID, bool) {
		onPath[id] = len(path)
		path = append(path, id)
		next := append([]txn.TxnID(nil), waitsFor[id]...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, n := range next {
			if pos, ok := onPath[n]; ok {
				return append([]txn.TxnID(nil), path[pos:]...), true
			}
			if _, ok := safe[n]; ok {
				continue
			}
			if cycle, ok := dfs(n); ok {
				return cycle, true
			}
		}
		path = path[:len(path)-1]
		delete(onPath, id)
		safe[id] = struct{}{}
		return nil, false
	}

	for _, id := range order {
		if _, ok := safe[id]; ok {
			continue
		}
		if cycle, ok := dfs(id); ok {
			return cycle, true
		}
	}
	return nil, false
}

// removeVertex drops a transaction and all incident edges from the graph.
func removeVertex(waitsFor map[txn.TxnID][]txn.TxnID, vertices map[txn.TxnID]struct{}, id txn.TxnID) {
	delete(waitsFor, id)
	delete(vertices, id)
	for from, tos := range waitsFor {
		kept := tos[:0]
		for _, to := range tos {
			if to != id {
				kept = append(kept, to)
			}
		}
		waitsFor[from] = kept
	}
}
