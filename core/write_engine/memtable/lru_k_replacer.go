package memtable

import (
	"sync"

	pagemanager "github.com/sushant-115/sukunadb/core/write_engine/page_manager"
)

// lruKNode holds the per-frame access history tracked by the replacer.
// A frame with fewer than k recorded accesses is in the "history" class and
// has an infinite backward k-distance; once the k-th access is recorded it
// moves to the "cache" class. history keeps at most the k most recent
// timestamps, oldest first.
type lruKNode struct {
	frameID   pagemanager.FrameID
	history   []uint64
	firstSeen uint64
	evictable bool
}

func (n *lruKNode) inCacheClass(k int) bool { return len(n.history) >= k }

// LRUKReplacer selects eviction victims by largest backward k-distance.
// Frames in the history class (distance +inf) are preferred, ties broken by
// earliest first access; otherwise the cache-class frame with the oldest
// k-th most recent access wins.
type LRUKReplacer struct {
	mu            sync.Mutex
	nodes         map[pagemanager.FrameID]*lruKNode
	replacerSize  int
	k             int
	currSize      int
	currTimestamp uint64
}

// NewLRUKReplacer creates a replacer tracking at most numFrames frames.
func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	return &LRUKReplacer{
		nodes:        make(map[pagemanager.FrameID]*lruKNode, numFrames),
		replacerSize: numFrames,
		k:            k,
	}
}

// RecordAccess appends the current timestamp to the frame's history,
// creating the tracking node on first access.
func (r *LRUKReplacer) RecordAccess(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(frameID) >= r.replacerSize || frameID < 0 {
		return
	}
	r.currTimestamp++
	node, ok := r.nodes[frameID]
	if !ok {
		node = &lruKNode{frameID: frameID, firstSeen: r.currTimestamp}
		r.nodes[frameID] = node
	}
	node.history = append(node.history, r.currTimestamp)
	if len(node.history) > r.k {
		node.history = node.history[1:]
	}
}

// SetEvictable toggles a frame's evictable flag, maintaining the count of
// evictable frames.
func (r *LRUKReplacer) SetEvictable(frameID pagemanager.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[frameID]
	if !ok {
		return
	}
	if node.evictable && !evictable {
		r.currSize--
	} else if !node.evictable && evictable {
		r.currSize++
	}
	node.evictable = evictable
}

// Remove drops all replacer state for an evictable frame. Removing a frame
// that is not tracked is a no-op; removing a pinned (non-evictable) frame is
// ignored the same way the access history of a resident page is.
func (r *LRUKReplacer) Remove(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[frameID]
	if !ok {
		return
	}
	if !node.evictable {
		return
	}
	delete(r.nodes, frameID)
	r.currSize--
}

// Evict selects the victim with the largest backward k-distance among
// evictable frames, removes it from the replacer, and returns it.
// The second return value is false when no frame is evictable.
func (r *LRUKReplacer) Evict() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currSize == 0 {
		return 0, false
	}

	// History class first: infinite distance, earliest first access wins.
	var victim *lruKNode
	for _, node := range r.nodes {
		if !node.evictable || node.inCacheClass(r.k) {
			continue
		}
		if victim == nil || node.firstSeen < victim.firstSeen {
			victim = node
		}
	}
	if victim == nil {
		// Cache class: oldest k-th most recent access wins.
		for _, node := range r.nodes {
			if !node.evictable || !node.inCacheClass(r.k) {
				continue
			}
			if victim == nil || node.history[0] < victim.history[0] {
				victim = node
			}
		}
	}
	if victim == nil {
		return 0, false
	}
	delete(r.nodes, victim.frameID)
	r.currSize--
	return victim.frameID, true
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}
