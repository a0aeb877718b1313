// Package timer implements the timer tree (C5): deadline-ordered
// timers with O(log n) min-extraction and cancellation, backed by
// internal/structs' Ordered map (itself a github.com/google/btree
// substitution for the red-black tree spec.md calls for — see
// DESIGN.md Open Question 1). The teacher's own container/heap-based
// timerHeap (eventloop/loop.go) was considered and rejected here
// because Expire collects every timer due at or before now with one
// in-order Ascend that stops at the first later deadline, where a heap
// would require repeated pop/peek.
package timer

import (
	"sync"
	"time"

	"github.com/joeycumines/go-ngxcore/internal/structs"
)

// Entry is one scheduled timer. Deadline plus seq form a total order so
// two timers scheduled for the identical instant still have a stable,
// deterministic firing order (earliest-inserted first), matching
// nginx's rbtree tiebreak on insertion sequence.
type Entry struct {
	Deadline time.Time
	seq      uint64
	id       uint64
	Callback func(now time.Time)

	// Cancelable marks a timer as safe to abandon during a graceful
	// shutdown instead of being a reason to keep waiting for it — see
	// Tree.NoTimersLeft.
	Cancelable bool
}

// Less implements structs.OrderedKey.
func (e *Entry) Less(other *Entry) bool {
	if !e.Deadline.Equal(other.Deadline) {
		return e.Deadline.Before(other.Deadline)
	}
	return e.seq < other.seq
}

// Tree is the deadline-ordered timer tree. Every method takes the
// tree's own mutex, so it is safe for concurrent use; the event loop
// goroutine runs Expire while other goroutines may Schedule or Cancel.
type Tree struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
	byKey   *structs.Ordered[*Entry]
	nextID  uint64
	nextSeq uint64
}

// New creates an empty timer Tree.
func New() *Tree {
	return &Tree{
		entries: make(map[uint64]*Entry),
		byKey:   structs.NewOrdered[*Entry](),
	}
}

// Schedule adds a timer firing at deadline and returns an ID usable
// with Cancel. The timer is not cancelable: NoTimersLeft reports false
// while it remains armed, so a graceful shutdown waits for it to fire
// or for an explicit Cancel.
func (t *Tree) Schedule(deadline time.Time, cb func(now time.Time)) uint64 {
	return t.schedule(deadline, false, cb)
}

// ScheduleCancelable adds a timer flagged cancelable: NoTimersLeft
// ignores it, the way spec.md's no_timers_left() treats a timer like a
// keepalive or resolver-retry deadline as safe to abandon rather than a
// reason to keep a shutting-down worker alive.
func (t *Tree) ScheduleCancelable(deadline time.Time, cb func(now time.Time)) uint64 {
	return t.schedule(deadline, true, cb)
}

func (t *Tree) schedule(deadline time.Time, cancelable bool, cb func(now time.Time)) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	t.nextSeq++
	e := &Entry{Deadline: deadline, seq: t.nextSeq, id: t.nextID, Cancelable: cancelable, Callback: cb}
	t.entries[e.id] = e
	t.byKey.Insert(e)
	return e.id
}

// Cancel removes a previously scheduled timer. Returns false if the
// timer already fired or was never scheduled.
func (t *Tree) Cancel(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	t.byKey.Delete(e)
	return true
}

// Len reports how many timers are currently scheduled.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// NoTimersLeft reports whether every remaining scheduled timer is
// flagged cancelable — the condition spec.md's graceful-shutdown
// algorithm polls to decide it may exit even though timers are still
// armed, as opposed to waiting for them to fire or canceling them
// itself. An empty tree trivially satisfies it.
func (t *Tree) NoTimersLeft() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.Cancelable {
			return false
		}
	}
	return true
}

// NextDeadline returns the earliest scheduled deadline, used by
// calculateTimeout to bound how long the event loop's poll call should
// block.
func (t *Tree) NextDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byKey.Min()
	if !ok {
		return time.Time{}, false
	}
	return e.Deadline, true
}

// Expire removes and returns every timer due at or before now, in
// deadline order, so the event loop's tick can invoke their callbacks
// outside the tree's own lock.
func (t *Tree) Expire(now time.Time) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []*Entry
	t.byKey.Ascend(func(e *Entry) bool {
		if e.Deadline.After(now) {
			return false
		}
		due = append(due, e)
		return true
	})
	for _, e := range due {
		delete(t.entries, e.id)
		t.byKey.Delete(e)
	}
	return due
}
