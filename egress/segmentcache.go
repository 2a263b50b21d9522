package egress

import (
	"os"
	"sync"
)

// segmentCache is a small LRU of open segment file handles, shared by
// every egress connection of one tenant so that concurrent replicas
// streaming the same hot segment don't each re-open it. Adapted from
// the teacher's page cache (storage/lru.go): same doubly-linked-list +
// map shape, with the cached payload swapped from a fixed-size page
// buffer to an open *os.File, and eviction now closing the file instead
// of just dropping a byte array.
//
// Each entry is refcounted: get/put hand back a release func the
// caller must invoke exactly once after it's done reading. A node is
// only ever closed once it has both left the LRU (evicted) and its
// refcount has dropped to zero, so a slow reader on one connection
// can't have its handle closed out from under it by another
// connection's eviction.
type segmentCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*segmentNode
	head     *segmentNode // MRU
	tail     *segmentNode // LRU
}

type segmentNode struct {
	segno uint64
	file  *os.File
	refs  int
	prev  *segmentNode
	next  *segmentNode
}

const defaultSegmentCacheCapacity = 8

func newSegmentCache(capacity int) *segmentCache {
	if capacity <= 0 {
		capacity = defaultSegmentCacheCapacity
	}
	return &segmentCache{
		capacity: capacity,
		items:    make(map[uint64]*segmentNode, capacity),
	}
}

// get returns the cached handle for segno, if any, moving it to the
// front and taking a reference. Callers must call the returned
// release func exactly once when done, and must not close the file
// themselves; the cache owns it.
func (c *segmentCache) get(segno uint64) (*os.File, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.items[segno]
	if !ok {
		return nil, nil, false
	}
	node.refs++
	c.moveToFront(node)
	return node.file, c.releaser(node), true
}

// put inserts a freshly opened handle for segno, taking a reference on
// behalf of the caller, and evicts the least-recently-used unreferenced
// entry if the cache is now over capacity. If another connection has
// concurrently inserted the same segno first, the caller's file is
// closed and the winner's handle is returned instead, so two handles
// for the same segment never coexist in the cache.
func (c *segmentCache) put(segno uint64, file *os.File) (*os.File, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.items[segno]; ok {
		node.refs++
		c.moveToFront(node)
		file.Close()
		return node.file, c.releaser(node)
	}

	node := &segmentNode{segno: segno, file: file, refs: 1}
	c.items[segno] = node
	c.pushFront(node)

	if len(c.items) > c.capacity {
		c.evict()
	}
	return file, c.releaser(node)
}

// releaser returns a one-shot func that drops node's reference count.
// It never closes the file: evict only removes and closes nodes whose
// count is already zero.
func (c *segmentCache) releaser(node *segmentNode) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			node.refs--
		})
	}
}

// closeAll releases every cached handle unconditionally; used when a
// tenant's egress fan-out is torn down, where in-flight readers are
// expected to observe the surrounding context cancellation and stop
// rather than be protected from a concurrent Close.
func (c *segmentCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, node := range c.items {
		node.file.Close()
	}
	c.items = make(map[uint64]*segmentNode, c.capacity)
	c.head, c.tail = nil, nil
}

func (c *segmentCache) pushFront(node *segmentNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *segmentCache) removeNode(node *segmentNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (c *segmentCache) moveToFront(node *segmentNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.pushFront(node)
}

// evict removes the least-recently-used entry that currently has no
// active readers, walking toward the head if the tail itself is in
// use. If every cached entry is referenced, the cache is left over
// capacity rather than closing a handle still in use.
func (c *segmentCache) evict() {
	victim := c.tail
	for victim != nil && victim.refs > 0 {
		victim = victim.prev
	}
	if victim == nil {
		return
	}
	c.removeNode(victim)
	delete(c.items, victim.segno)
	victim.file.Close()
}
