// Package interestqueue implements InterestQueue: a FIFO of pending
// outbound requests with two priority classes, catalog entries draining
// before data entries when the window opens. The queue has no capacity
// limit; DequeueBatch(n) releases at most n entries at a time.
package interestqueue

import (
	"sync"

	"github.com/ndntorrent/ntorrent/catalog"
)

// Priority is a request's priority class.
type Priority int

const (
	// PriorityCatalog is torrent-segment and manifest-segment requests.
	// Catalog requests drain before data requests.
	PriorityCatalog Priority = iota
	// PriorityData is data-packet requests.
	PriorityData
)

// Descriptor is one pending request.
type Descriptor struct {
	Name     catalog.Name
	Priority Priority
}

// Queue is InterestQueue. It performs no deduplication: the caller
// (manager) guarantees uniqueness against the pending set before
// enqueueing.
type Queue struct {
	mu      sync.Mutex
	catalog []Descriptor
	data    []Descriptor
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a descriptor to its priority class's FIFO.
func (q *Queue) Enqueue(d Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.Priority == PriorityCatalog {
		q.catalog = append(q.catalog, d)
	} else {
		q.data = append(q.data, d)
	}
}

// DequeueBatch removes and returns up to n descriptors, catalog-class
// entries first.
func (q *Queue) DequeueBatch(n int) []Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Descriptor, 0, n)
	out, q.catalog = takeFront(out, q.catalog, n)
	out, q.data = takeFront(out, q.data, n-len(out))
	return out
}

func takeFront(out, src []Descriptor, n int) ([]Descriptor, []Descriptor) {
	if n <= 0 || len(src) == 0 {
		return out, src
	}
	if n > len(src) {
		n = len(src)
	}
	out = append(out, src[:n]...)
	return out, src[n:]
}

// Size returns the total number of pending descriptors across both
// priority classes.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.catalog) + len(q.data)
}

// Clear empties the queue, discarding all pending descriptors.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.catalog = nil
	q.data = nil
}
