// Package lease provides a cancellable one-shot expiry timer and a table of
// leases keyed by client id. A lease fires its callback exactly once or is
// cancelled; the two outcomes are mutually exclusive.
package lease

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDuplicate = errors.New("lease: id already leased")

// Lease is an armed one-shot timer. The zero value is not usable; arm
// through a Table.
type Lease struct {
	id    int
	done  atomic.Bool
	timer *time.Timer
}

// ID returns the client id the lease was armed for.
func (l *Lease) ID() int { return l.id }

// Settled reports whether the lease has already fired or been cancelled.
func (l *Lease) Settled() bool { return l.done.Load() }

// Table owns at most one lease per id. Arming a duplicate id is an error.
// Expiry callbacks run on the timer goroutine after the table entry has been
// removed; the id is already absent from the table by the time the callback
// observes it.
type Table struct {
	mu     sync.Mutex
	leases map[int]*Lease
}

func NewTable() *Table {
	return &Table{leases: make(map[int]*Lease)}
}

// Arm starts a lease for id. onExpiry runs exactly once when the lease
// fires, never when it was cancelled first.
func (t *Table) Arm(id int, d time.Duration, onExpiry func(id int)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.leases[id]; ok {
		return ErrDuplicate
	}
	l := &Lease{id: id}
	l.timer = time.AfterFunc(d, func() {
		// The CAS decides the fire/cancel race: exactly one side wins.
		if !l.done.CompareAndSwap(false, true) {
			return
		}
		t.mu.Lock()
		if t.leases[id] == l {
			delete(t.leases, id)
		}
		t.mu.Unlock()
		onExpiry(id)
	})
	t.leases[id] = l
	return nil
}

// Cancel removes and cancels the lease for id. It returns true when the
// cancel won, false when no lease was armed or the lease already fired. A
// lost race leaves the entry for the firing path to remove.
func (t *Table) Cancel(id int) bool {
	t.mu.Lock()
	l, ok := t.leases[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if !l.done.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return false
	}
	delete(t.leases, id)
	t.mu.Unlock()
	l.timer.Stop()
	return true
}

// Contains reports whether id currently holds an armed lease.
func (t *Table) Contains(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.leases[id]
	return ok
}

// IDs returns the ids with armed leases, in no particular order.
func (t *Table) IDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.leases))
	for id := range t.leases {
		out = append(out, id)
	}
	return out
}

// Len returns the number of armed leases.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}
