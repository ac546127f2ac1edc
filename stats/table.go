// Package stats implements StatsTable: a mutex-guarded, ordered
// set of routable-prefix entries with success counters and a
// position-stable cursor, re-sortable by success ratio without losing
// the cursor's logical place.
package stats

import (
	"sort"
	"sync"

	"github.com/ndntorrent/ntorrent/catalog"
)

// Entry is one routable-prefix record.
type Entry struct {
	Prefix     catalog.Name
	Successes uint64
	Failures   uint64
	order      int
}

// Ratio returns Successes / (Successes + Failures), or 1 if the entry
// has no observations yet (in descending-ratio order, untested prefixes
// tie with prefixes that have never failed and sort ahead of every
// prefix with at least one failure).
func (e *Entry) Ratio() float64 {
	total := e.Successes + e.Failures
	if total == 0 {
		return 1
	}
	return float64(e.Successes) / float64(total)
}

// Table is StatsTable.
type Table struct {
	mu          sync.Mutex
	entries     []*Entry
	nextOrder   int
	cursorEntry *Entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{}
}

// Insert adds prefix if not already present. Idempotent.
func (t *Table) Insert(prefix catalog.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(prefix)
}

func (t *Table) insertLocked(prefix catalog.Name) *Entry {
	for _, e := range t.entries {
		if e.Prefix.Equal(prefix) {
			return e
		}
	}
	e := &Entry{Prefix: prefix, order: t.nextOrder}
	t.nextOrder++
	t.entries = append(t.entries, e)
	if t.cursorEntry == nil {
		t.cursorEntry = e
	}
	return e
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Current returns the prefix the cursor currently points to, and false
// if the table is empty.
func (t *Table) Current() (catalog.Name, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursorEntry == nil {
		return nil, false
	}
	return t.cursorEntry.Prefix, true
}

// Advance moves the cursor to the next entry in current order,
// wrapping around to the first entry after the last. The cursor is a
// logical position (an *Entry, not a raw index) so it survives Sort.
func (t *Table) Advance() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanceLocked()
}

func (t *Table) advanceLocked() {
	if len(t.entries) == 0 {
		t.cursorEntry = nil
		return
	}
	idx := t.indexOfLocked(t.cursorEntry)
	if idx < 0 {
		t.cursorEntry = t.entries[0]
		return
	}
	t.cursorEntry = t.entries[(idx+1)%len(t.entries)]
}

func (t *Table) indexOfLocked(e *Entry) int {
	for i, o := range t.entries {
		if o == e {
			return i
		}
	}
	return -1
}

// Exhausted reports whether triedCount prefixes cover every entry in the
// table — i.e. whether a caller retrying prefix-by-prefix has now tried
// all of them. Manager
// uses this to decide when a request is terminally failed.
func (t *Table) Exhausted(triedCount int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return triedCount >= len(t.entries)
}

// RecordSuccess increments the success counter for prefix.
func (t *Table) RecordSuccess(prefix catalog.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.insertLocked(prefix)
	e.Successes++
}

// RecordFailure increments the failure counter for prefix.
func (t *Table) RecordFailure(prefix catalog.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.insertLocked(prefix)
	e.Failures++
}

// Sort re-orders entries descending by success ratio, tie-breaking by
// insertion order. The cursor's logical position is unaffected because
// it is tracked by entry identity, not index.
func (t *Table) Sort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.SliceStable(t.entries, func(i, j int) bool {
		ri, rj := t.entries[i].Ratio(), t.entries[j].Ratio()
		if ri != rj {
			return ri > rj
		}
		return t.entries[i].order < t.entries[j].order
	})
}

// Snapshot returns a copy of every entry, in current order.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Alternatives returns every registered prefix except the cursor's
// current one, for use as a forwarding-hint link object.
func (t *Table) Alternatives() []catalog.Name {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]catalog.Name, 0, len(t.entries))
	for _, e := range t.entries {
		if e != t.cursorEntry {
			out = append(out, e.Prefix)
		}
	}
	return out
}
