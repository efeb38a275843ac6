package btree_core

import (
	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
)

// IndexIterator walks leaf entries in key order through the next_page_id
// chain. It holds a read latch and a pin on the current leaf; both are
// released by Close or when advancing off the leaf. Iteration is
// forward-only and not restartable.
type IndexIterator struct {
	tree  *BTree
	page  *pagemanager.Page
	index int
}

// Begin positions an iterator at the first entry of the tree.
func (t *BTree) Begin() (*IndexIterator, error) {
	page, err := t.findLeafRead(nil, descendLeftmost)
	if err != nil {
		return nil, err
	}
	return &IndexIterator{tree: t, page: page}, nil
}

// BeginAt positions an iterator at key. When key is absent the iterator is
// already exhausted.
func (t *BTree) BeginAt(key Key) (*IndexIterator, error) {
	if len(key) != t.keySize {
		return nil, ErrInvalidKeySize
	}
	page, err := t.findLeafRead(key, descendByKey)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &IndexIterator{tree: t}, nil
	}
	leaf := asLeafPage(page, t.keySize)
	idx := leaf.IndexOf(key)
	if idx < 0 {
		page.RUnlock()
		t.bpm.UnpinPage(page.GetPageID(), false)
		return &IndexIterator{tree: t}, nil
	}
	return &IndexIterator{tree: t, page: page, index: idx}, nil
}

// End positions an iterator one past the last entry of the tree.
func (t *BTree) End() (*IndexIterator, error) {
	page, err := t.findLeafRead(nil, descendRightmost)
	if err != nil {
		return nil, err
	}
	it := &IndexIterator{tree: t, page: page}
	if page != nil {
		it.index = asLeafPage(page, t.keySize).GetSize()
	}
	return it, nil
}

// Valid reports whether the iterator currently references an entry.
func (it *IndexIterator) Valid() bool {
	if it.page == nil {
		return false
	}
	return it.index < asLeafPage(it.page, it.tree.keySize).GetSize()
}

// Key returns a copy of the current entry's key.
func (it *IndexIterator) Key() Key {
	leaf := asLeafPage(it.page, it.tree.keySize)
	return append(Key(nil), leaf.KeyAt(it.index)...)
}

// RID returns the current entry's record id.
func (it *IndexIterator) RID() pagemanager.RID {
	return asLeafPage(it.page, it.tree.keySize).RIDAt(it.index)
}

// Next advances the iterator. Moving past the last entry of a leaf acquires
// the next leaf's read latch before releasing the current one.
func (it *IndexIterator) Next() error {
	if it.page == nil {
		return nil
	}
	leaf := asLeafPage(it.page, it.tree.keySize)
	it.index++
	if it.index < leaf.GetSize() {
		return nil
	}
	nextID := leaf.GetNextPageID()
	if nextID == pagemanager.InvalidPageID {
		it.release()
		return nil
	}
	nextPg, err := it.tree.bpm.FetchPage(nextID)
	if err != nil {
		it.release()
		return err
	}
	nextPg.RLock()
	it.release()
	it.page = nextPg
	it.index = 0
	return nil
}

// Close drops the latch and pin on the current leaf. Safe to call multiple
// times; iteration must always end with a Close on every exit path.
func (it *IndexIterator) Close() {
	it.release()
}

func (it *IndexIterator) release() {
	if it.page == nil {
		return
	}
	id := it.page.GetPageID()
	it.page.RUnlock()
	it.tree.bpm.UnpinPage(id, false)
	it.page = nil
}
