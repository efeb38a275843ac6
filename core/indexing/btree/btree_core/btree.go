package btree_core

import (
	"errors"
	"fmt"
	"sync"

	txn "github.com/sushant-115/sukunadb/core/transaction"
	flushmanager "github.com/sushant-115/sukunadb/core/write_engine/flush_manager"
	"github.com/sushant-115/sukunadb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

var (
	ErrInvalidKeySize = errors.New("key width does not match the tree")
	ErrInvalidMaxSize = errors.New("leaf and internal max sizes must be at least 3")
)

// BTree is a concurrent B+tree of unique fixed-width keys mapping to record
// ids, persisted through the buffer pool. Point lookups and scans descend
// with read-latch crabbing; inserts and deletes first try an optimistic
// descent that write-latches only the leaf and fall back to a pessimistic
// descent that write-latches the whole path, releasing ancestor latches as
// soon as a child is proven safe.
//
// rootLatch guards rootPageID. It is ordered before every page latch.
type BTree struct {
	indexName       string
	bpm             *memtable.BufferPoolManager
	rootPageID      pagemanager.PageID
	rootLatch       sync.RWMutex
	keySize         int
	leafMaxSize     int
	internalMaxSize int
	logger          *zap.Logger
}

// NewBTree opens the named index, registering it in the header page on first
// use.
func NewBTree(name string, bpm *memtable.BufferPoolManager, keySize, leafMaxSize, internalMaxSize int, logger *zap.Logger) (*BTree, error) {
	if err := ValidateKeySize(keySize); err != nil {
		return nil, err
	}
	if leafMaxSize < 3 || internalMaxSize < 3 {
		return nil, ErrInvalidMaxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &BTree{
		indexName:       name,
		bpm:             bpm,
		rootPageID:      pagemanager.InvalidPageID,
		keySize:         keySize,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
		logger:          logger,
	}

	headerPg, err := bpm.FetchPage(pagemanager.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch header page: %w", err)
	}
	headerPg.Lock()
	header := asHeaderPage(headerPg)
	if rootID, ok := header.GetRootID(name); ok {
		t.rootPageID = rootID
		headerPg.Unlock()
		bpm.UnpinPage(pagemanager.HeaderPageID, false)
	} else {
		header.InsertRecord(name, pagemanager.InvalidPageID)
		headerPg.Unlock()
		bpm.UnpinPage(pagemanager.HeaderPageID, true)
	}
	return t, nil
}

// IsEmpty reports whether the tree holds no entries.
func (t *BTree) IsEmpty() bool {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID == pagemanager.InvalidPageID
}

// GetRootPageID returns the current root page id.
func (t *BTree) GetRootPageID() pagemanager.PageID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID
}

// updateRootRecord persists the root page id through the header page.
// Called with rootLatch held exclusively.
func (t *BTree) updateRootRecord() error {
	headerPg, err := t.bpm.FetchPage(pagemanager.HeaderPageID)
	if err != nil {
		return fmt.Errorf("failed to fetch header page: %w", err)
	}
	headerPg.Lock()
	asHeaderPage(headerPg).UpdateRecord(t.indexName, t.rootPageID)
	headerPg.Unlock()
	t.bpm.UnpinPage(pagemanager.HeaderPageID, true)
	return nil
}

// newTreePage allocates a page through the buffer pool, mapping pool
// exhaustion to ErrOutOfMemory.
func (t *BTree) newTreePage() (*pagemanager.Page, pagemanager.PageID, error) {
	pg, id, err := t.bpm.NewPage()
	if err != nil {
		return nil, pagemanager.InvalidPageID, fmt.Errorf("%w: %v", flushmanager.ErrOutOfMemory, err)
	}
	return pg, id, nil
}

// releaseLatchStack unlatches and unpins every page on the transaction's
// latch stack, root first. A nil entry is the tree's root latch. dirty marks
// whether the released pages may have been modified.
func (t *BTree) releaseLatchStack(tr *txn.Transaction, dirty bool) {
	for _, p := range tr.LatchedPages() {
		if p == nil {
			t.rootLatch.Unlock()
			continue
		}
		id := p.GetPageID()
		p.Unlock()
		t.bpm.UnpinPage(id, dirty)
	}
	tr.ClearLatchedPages()
}

// deleteDeferredPages hands pages drained during the operation back to the
// buffer pool. Runs after the latch stack is released so pin counts are zero.
func (t *BTree) deleteDeferredPages(tr *txn.Transaction) {
	for _, id := range tr.TakeDeletedPages() {
		if !t.bpm.DeletePage(id) {
			t.logger.Warn("Deferred page delete failed", zap.Int32("pageID", int32(id)))
		}
	}
}

func (t *BTree) opTxn(tr *txn.Transaction) *txn.Transaction {
	if tr == nil {
		tr = txn.NewTransaction(txn.InvalidTxnID, txn.RepeatableRead)
	}
	return tr
}

// --- search ---

// GetValue performs a point lookup, returning the record id bound to key.
func (t *BTree) GetValue(key Key, _ *txn.Transaction) (pagemanager.RID, bool, error) {
	if len(key) != t.keySize {
		return pagemanager.RID{}, false, ErrInvalidKeySize
	}
	page, err := t.findLeafRead(key, descendByKey)
	if err != nil {
		return pagemanager.RID{}, false, err
	}
	if page == nil {
		return pagemanager.RID{}, false, nil
	}
	leaf := asLeafPage(page, t.keySize)
	rid, ok := leaf.Lookup(key)
	page.RUnlock()
	t.bpm.UnpinPage(page.GetPageID(), false)
	return rid, ok, nil
}

type descendMode int

const (
	descendByKey descendMode = iota
	descendLeftmost
	descendRightmost
)

// findLeafRead descends with read-latch crabbing: read-latch the child, then
// release the parent. Returns the read-latched, pinned leaf, or nil when the
// tree is empty.
func (t *BTree) findLeafRead(key Key, mode descendMode) (*pagemanager.Page, error) {
	t.rootLatch.RLock()
	if t.rootPageID == pagemanager.InvalidPageID {
		t.rootLatch.RUnlock()
		return nil, nil
	}
	page, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	page.RLock()
	t.rootLatch.RUnlock()

	for {
		node := treePage{page: page, keySize: t.keySize}
		if node.IsLeaf() {
			return page, nil
		}
		ip := internalPage{node}
		var childID pagemanager.PageID
		switch mode {
		case descendByKey:
			childID = ip.Lookup(key)
		case descendLeftmost:
			childID = ip.ValueAt(0)
		case descendRightmost:
			childID = ip.ValueAt(ip.GetSize() - 1)
		}
		child, err := t.bpm.FetchPage(childID)
		if err != nil {
			page.RUnlock()
			t.bpm.UnpinPage(page.GetPageID(), false)
			return nil, err
		}
		child.RLock()
		page.RUnlock()
		t.bpm.UnpinPage(page.GetPageID(), false)
		page = child
	}
}

// findLeafOptimistic descends with read latches and write-latches only the
// leaf. While the parent's read latch is held a child cannot be split,
// merged, or retyped, so the brief unlatch before the leaf's write latch is
// safe. Returns the write-latched, pinned leaf, or nil when the tree is
// empty.
func (t *BTree) findLeafOptimistic(key Key) (*pagemanager.Page, error) {
	t.rootLatch.RLock()
	if t.rootPageID == pagemanager.InvalidPageID {
		t.rootLatch.RUnlock()
		return nil, nil
	}
	page, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	page.RLock()
	if (treePage{page: page, keySize: t.keySize}).IsLeaf() {
		page.RUnlock()
		page.Lock()
	}
	t.rootLatch.RUnlock()

	for {
		node := treePage{page: page, keySize: t.keySize}
		if node.IsLeaf() {
			return page, nil
		}
		ip := internalPage{node}
		child, err := t.bpm.FetchPage(ip.Lookup(key))
		if err != nil {
			page.RUnlock()
			t.bpm.UnpinPage(page.GetPageID(), false)
			return nil, err
		}
		child.RLock()
		if (treePage{page: child, keySize: t.keySize}).IsLeaf() {
			child.RUnlock()
			child.Lock()
		}
		page.RUnlock()
		t.bpm.UnpinPage(page.GetPageID(), false)
		page = child
	}
}

// --- insert ---

// Insert adds (key, rid) to the tree. Returns false on a duplicate key
// without modifying the tree.
func (t *BTree) Insert(key Key, rid pagemanager.RID, tr *txn.Transaction) (bool, error) {
	if len(key) != t.keySize {
		return false, ErrInvalidKeySize
	}
	tr = t.opTxn(tr)

	page, err := t.findLeafOptimistic(key)
	if err != nil {
		return false, err
	}
	if page != nil {
		leaf := asLeafPage(page, t.keySize)
		if leaf.GetSize() < leaf.GetMaxSize()-1 {
			inserted := leaf.Insert(key, rid)
			page.Unlock()
			t.bpm.UnpinPage(page.GetPageID(), inserted)
			return inserted, nil
		}
		page.Unlock()
		t.bpm.UnpinPage(page.GetPageID(), false)
	}
	return t.insertPessimistic(key, rid, tr)
}

func (t *BTree) insertPessimistic(key Key, rid pagemanager.RID, tr *txn.Transaction) (bool, error) {
	t.rootLatch.Lock()
	tr.AddLatchedPage(nil)

	if t.rootPageID == pagemanager.InvalidPageID {
		page, id, err := t.newTreePage()
		if err != nil {
			t.releaseLatchStack(tr, false)
			return false, err
		}
		leaf := asLeafPage(page, t.keySize)
		leaf.Init(id, pagemanager.InvalidPageID, t.leafMaxSize)
		leaf.Insert(key, rid)
		t.rootPageID = id
		err = t.updateRootRecord()
		t.bpm.UnpinPage(id, true)
		t.releaseLatchStack(tr, false)
		return err == nil, err
	}

	page, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.releaseLatchStack(tr, false)
		return false, err
	}
	page.Lock()
	tr.AddLatchedPage(page)

	for {
		node := treePage{page: page, keySize: t.keySize}
		if node.IsLeaf() {
			break
		}
		ip := internalPage{node}
		child, err := t.bpm.FetchPage(ip.Lookup(key))
		if err != nil {
			t.releaseLatchStack(tr, false)
			return false, err
		}
		child.Lock()
		cnode := treePage{page: child, keySize: t.keySize}
		safe := cnode.GetSize() < cnode.GetMaxSize()
		if cnode.IsLeaf() {
			safe = cnode.GetSize() < cnode.GetMaxSize()-1
		}
		if safe {
			t.releaseLatchStack(tr, false)
		}
		tr.AddLatchedPage(child)
		page = child
	}

	leaf := asLeafPage(page, t.keySize)
	if !leaf.Insert(key, rid) {
		t.releaseLatchStack(tr, false)
		return false, nil
	}
	if leaf.GetSize() >= leaf.GetMaxSize() {
		if err := t.splitLeaf(leaf); err != nil {
			t.releaseLatchStack(tr, true)
			return false, err
		}
	}
	t.releaseLatchStack(tr, true)
	t.deleteDeferredPages(tr)
	return true, nil
}

// splitLeaf splits an overfull leaf (size == max): the upper entries move to
// a new right sibling, the sibling's first key becomes the separator
// inserted into the parent. Called with the leaf (and every unsafe ancestor)
// write-latched.
func (t *BTree) splitLeaf(leaf leafPage) error {
	newPg, newID, err := t.newTreePage()
	if err != nil {
		return err
	}
	newLeaf := asLeafPage(newPg, t.keySize)
	newLeaf.Init(newID, leaf.GetParentPageID(), t.leafMaxSize)
	leaf.MoveUpperHalfTo(newLeaf)
	newLeaf.SetNextPageID(leaf.GetNextPageID())
	leaf.SetNextPageID(newID)

	separator := append(Key(nil), newLeaf.KeyAt(0)...)
	err = t.insertIntoParent(leaf.treePage, separator, newPg)
	t.bpm.UnpinPage(newID, true)
	return err
}

// insertIntoParent splices (separator, newNode) into the parent of node,
// splitting upward as needed. All pages on the path are already
// write-latched by the pessimistic descent; fetches here only add pins.
func (t *BTree) insertIntoParent(node treePage, separator Key, newNodePg *pagemanager.Page) error {
	newNode := treePage{page: newNodePg, keySize: t.keySize}

	if node.IsRoot() {
		rootPg, rootID, err := t.newTreePage()
		if err != nil {
			return err
		}
		newRoot := asInternalPage(rootPg, t.keySize)
		newRoot.Init(rootID, pagemanager.InvalidPageID, t.internalMaxSize)
		newRoot.SetValueAt(0, node.GetPageID())
		newRoot.SetKeyAt(1, separator)
		newRoot.SetValueAt(1, newNode.GetPageID())
		newRoot.SetSize(2)
		node.SetParentPageID(rootID)
		newNode.SetParentPageID(rootID)
		t.rootPageID = rootID
		err = t.updateRootRecord()
		t.bpm.UnpinPage(rootID, true)
		return err
	}

	parentPg, err := t.bpm.FetchPage(node.GetParentPageID())
	if err != nil {
		return err
	}
	parent := asInternalPage(parentPg, t.keySize)

	if parent.GetSize() < t.internalMaxSize {
		parent.InsertNodeAfter(node.GetPageID(), separator, newNode.GetPageID())
		newNode.SetParentPageID(parent.GetPageID())
		t.bpm.UnpinPage(parent.GetPageID(), true)
		return nil
	}

	// Parent is full: assemble its entries plus the new pair in a scratch
	// buffer, keep the first ceil((n+1)/2) in the parent, move the rest to a
	// new internal sibling whose first key propagates upward.
	scratchPg := pagemanager.NewPage(parent.GetPageID(), 2*t.bpm.GetPageSize())
	copy(scratchPg.GetData(), parentPg.GetData())
	scratch := asInternalPage(scratchPg, t.keySize)
	scratch.InsertNodeAfter(node.GetPageID(), separator, newNode.GetPageID())

	total := scratch.GetSize()
	leftCount := (total + 1) / 2
	rightCount := total - leftCount

	newInternalPg, newInternalID, err := t.newTreePage()
	if err != nil {
		t.bpm.UnpinPage(parent.GetPageID(), false)
		return err
	}
	newInternal := asInternalPage(newInternalPg, t.keySize)
	newInternal.Init(newInternalID, parent.GetParentPageID(), t.internalMaxSize)

	es := parent.entrySize()
	copy(parentPg.GetData()[commonHeaderSize:], scratchPg.GetData()[commonHeaderSize:commonHeaderSize+leftCount*es])
	parent.SetSize(leftCount)
	for j := 0; j < rightCount; j++ {
		newInternal.copyEntryFrom(j, scratch, leftCount+j)
	}
	newInternal.SetSize(rightCount)
	for j := 0; j < rightCount; j++ {
		if err := t.reparent(newInternal.ValueAt(j), newInternalID); err != nil {
			t.bpm.UnpinPage(parent.GetPageID(), true)
			t.bpm.UnpinPage(newInternalID, true)
			return err
		}
	}

	upSeparator := append(Key(nil), newInternal.KeyAt(0)...)
	err = t.insertIntoParent(parent.treePage, upSeparator, newInternalPg)
	t.bpm.UnpinPage(parent.GetPageID(), true)
	t.bpm.UnpinPage(newInternalID, true)
	return err
}

// reparent rewrites a child's parent reference. Parent pointers are lookup
// references only; no latch on the child is required since only pessimistic
// operations (serialized by the root latch) read them.
func (t *BTree) reparent(childID, parentID pagemanager.PageID) error {
	childPg, err := t.bpm.FetchPage(childID)
	if err != nil {
		return err
	}
	(treePage{page: childPg, keySize: t.keySize}).SetParentPageID(parentID)
	t.bpm.UnpinPage(childID, true)
	return nil
}

// --- remove ---

// Remove deletes key from the tree. Removing an absent key is a no-op
// returning false.
func (t *BTree) Remove(key Key, tr *txn.Transaction) (bool, error) {
	if len(key) != t.keySize {
		return false, ErrInvalidKeySize
	}
	tr = t.opTxn(tr)

	page, err := t.findLeafOptimistic(key)
	if err != nil {
		return false, err
	}
	if page != nil {
		leaf := asLeafPage(page, t.keySize)
		safe := leaf.GetSize() > leaf.GetMinSize()
		if leaf.IsRoot() {
			safe = leaf.GetSize() > 1
		}
		if safe {
			removed := leaf.Remove(key)
			page.Unlock()
			t.bpm.UnpinPage(page.GetPageID(), removed)
			return removed, nil
		}
		page.Unlock()
		t.bpm.UnpinPage(page.GetPageID(), false)
	}
	return t.removePessimistic(key, tr)
}

func (t *BTree) removePessimistic(key Key, tr *txn.Transaction) (bool, error) {
	t.rootLatch.Lock()
	tr.AddLatchedPage(nil)

	if t.rootPageID == pagemanager.InvalidPageID {
		t.releaseLatchStack(tr, false)
		return false, nil
	}
	page, err := t.bpm.FetchPage(t.rootPageID)
	if err != nil {
		t.releaseLatchStack(tr, false)
		return false, err
	}
	page.Lock()
	tr.AddLatchedPage(page)

	for {
		node := treePage{page: page, keySize: t.keySize}
		if node.IsLeaf() {
			break
		}
		ip := internalPage{node}
		child, err := t.bpm.FetchPage(ip.Lookup(key))
		if err != nil {
			t.releaseLatchStack(tr, false)
			return false, err
		}
		child.Lock()
		cnode := treePage{page: child, keySize: t.keySize}
		if cnode.GetSize() > cnode.GetMinSize() {
			t.releaseLatchStack(tr, false)
		}
		tr.AddLatchedPage(child)
		page = child
	}

	leaf := asLeafPage(page, t.keySize)
	if !leaf.Remove(key) {
		t.releaseLatchStack(tr, false)
		return false, nil
	}
	err = t.rebalanceLeaf(leaf, tr)
	t.releaseLatchStack(tr, true)
	t.deleteDeferredPages(tr)
	return err == nil, err
}

// rebalanceLeaf restores the leaf's occupancy bound after a removal, by
// borrowing from or merging with a sibling. The root may violate the bound;
// an empty root leaf empties the tree.
func (t *BTree) rebalanceLeaf(leaf leafPage, tr *txn.Transaction) error {
	if leaf.IsRoot() {
		if leaf.GetSize() == 0 {
			tr.AddDeletedPage(leaf.GetPageID())
			t.rootPageID = pagemanager.InvalidPageID
			return t.updateRootRecord()
		}
		return nil
	}
	if leaf.GetSize() >= leaf.GetMinSize() {
		return nil
	}

	parentPg, err := t.bpm.FetchPage(leaf.GetParentPageID())
	if err != nil {
		return err
	}
	parent := asInternalPage(parentPg, t.keySize)
	idx := parent.ChildIndex(leaf.GetPageID())

	if idx > 0 {
		sibPg, err := t.bpm.FetchPage(parent.ValueAt(idx - 1))
		if err != nil {
			t.bpm.UnpinPage(parent.GetPageID(), false)
			return err
		}
		sibPg.Lock()
		sib := asLeafPage(sibPg, t.keySize)
		if sib.GetSize() > sib.GetMinSize() {
			sib.MoveLastToFrontOf(leaf)
			parent.SetKeyAt(idx, leaf.KeyAt(0))
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
		} else {
			leaf.MoveAllTo(sib)
			tr.AddDeletedPage(leaf.GetPageID())
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
			if err := t.removeFromInternal(parent, idx, tr); err != nil {
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
		}
	} else {
		sibPg, err := t.bpm.FetchPage(parent.ValueAt(idx + 1))
		if err != nil {
			t.bpm.UnpinPage(parent.GetPageID(), false)
			return err
		}
		sibPg.Lock()
		sib := asLeafPage(sibPg, t.keySize)
		if sib.GetSize() > sib.GetMinSize() {
			sib.MoveFirstToEndOf(leaf)
			parent.SetKeyAt(idx+1, sib.KeyAt(0))
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
		} else {
			sib.MoveAllTo(leaf)
			tr.AddDeletedPage(sibPg.GetPageID())
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
			if err := t.removeFromInternal(parent, idx+1, tr); err != nil {
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
		}
	}
	t.bpm.UnpinPage(parent.GetPageID(), true)
	return nil
}

// removeFromInternal deletes entry entryIdx from node and rebalances node
// when it underflows, recursing toward the root. Collapsing the root to a
// single child promotes that child.
func (t *BTree) removeFromInternal(node internalPage, entryIdx int, tr *txn.Transaction) error {
	node.removeAt(entryIdx)

	if node.IsRoot() {
		if node.GetSize() == 1 {
			childID := node.ValueAt(0)
			if err := t.reparent(childID, pagemanager.InvalidPageID); err != nil {
				return err
			}
			tr.AddDeletedPage(node.GetPageID())
			t.rootPageID = childID
			return t.updateRootRecord()
		}
		return nil
	}
	if node.GetSize() >= node.GetMinSize() {
		return nil
	}

	parentPg, err := t.bpm.FetchPage(node.GetParentPageID())
	if err != nil {
		return err
	}
	parent := asInternalPage(parentPg, t.keySize)
	idx := parent.ChildIndex(node.GetPageID())

	if idx > 0 {
		sibPg, err := t.bpm.FetchPage(parent.ValueAt(idx - 1))
		if err != nil {
			t.bpm.UnpinPage(parent.GetPageID(), false)
			return err
		}
		sibPg.Lock()
		sib := asInternalPage(sibPg, t.keySize)
		if sib.GetSize() > sib.GetMinSize() {
			// Borrow from the left: the parent separator rotates down into
			// the shifted slot and the sibling's edge key rotates up.
			movedChild := sib.ValueAt(sib.GetSize() - 1)
			separatorDown := append(Key(nil), parent.KeyAt(idx)...)
			separatorUp := append(Key(nil), sib.KeyAt(sib.GetSize()-1)...)
			node.shiftRight()
			node.SetValueAt(0, movedChild)
			node.SetKeyAt(1, separatorDown)
			parent.SetKeyAt(idx, separatorUp)
			sib.IncreaseSize(-1)
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
			if err := t.reparent(movedChild, node.GetPageID()); err != nil {
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
		} else {
			separator := append(Key(nil), parent.KeyAt(idx)...)
			if err := t.mergeInternalInto(sib, node, separator); err != nil {
				sibPg.Unlock()
				t.bpm.UnpinPage(sibPg.GetPageID(), true)
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
			tr.AddDeletedPage(node.GetPageID())
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
			if err := t.removeFromInternal(parent, idx, tr); err != nil {
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
		}
	} else {
		sibPg, err := t.bpm.FetchPage(parent.ValueAt(idx + 1))
		if err != nil {
			t.bpm.UnpinPage(parent.GetPageID(), false)
			return err
		}
		sibPg.Lock()
		sib := asInternalPage(sibPg, t.keySize)
		if sib.GetSize() > sib.GetMinSize() {
			// Borrow from the right: the parent separator rotates down onto
			// the appended child and the sibling's next key rotates up.
			movedChild := sib.ValueAt(0)
			separatorDown := append(Key(nil), parent.KeyAt(idx+1)...)
			separatorUp := append(Key(nil), sib.KeyAt(1)...)
			node.SetKeyAt(node.GetSize(), separatorDown)
			node.SetValueAt(node.GetSize(), movedChild)
			node.IncreaseSize(1)
			parent.SetKeyAt(idx+1, separatorUp)
			sib.removeAt(0)
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
			if err := t.reparent(movedChild, node.GetPageID()); err != nil {
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
		} else {
			separator := append(Key(nil), parent.KeyAt(idx+1)...)
			if err := t.mergeInternalInto(node, sib, separator); err != nil {
				sibPg.Unlock()
				t.bpm.UnpinPage(sibPg.GetPageID(), true)
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
			tr.AddDeletedPage(sibPg.GetPageID())
			sibPg.Unlock()
			t.bpm.UnpinPage(sibPg.GetPageID(), true)
			if err := t.removeFromInternal(parent, idx+1, tr); err != nil {
				t.bpm.UnpinPage(parent.GetPageID(), true)
				return err
			}
		}
	}
	t.bpm.UnpinPage(parent.GetPageID(), true)
	return nil
}

// mergeInternalInto drains right into left. The parent's separator becomes
// the key stored at the first copied entry.
func (t *BTree) mergeInternalInto(left, right internalPage, separator Key) error {
	start := left.GetSize()
	left.SetKeyAt(start, separator)
	left.SetValueAt(start, right.ValueAt(0))
	for j := 1; j < right.GetSize(); j++ {
		left.copyEntryFrom(start+j, right, j)
	}
	n := right.GetSize()
	left.SetSize(start + n)
	for j := 0; j < n; j++ {
		if err := t.reparent(right.ValueAt(j), left.GetPageID()); err != nil {
			return err
		}
	}
	right.SetSize(0)
	return nil
}
