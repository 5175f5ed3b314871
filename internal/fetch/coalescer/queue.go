// Package coalescer queues per-cell requests and drains them into batches.
//
// Queue is not safe for concurrent use. Requests pushed after a Drain call
// returns always land in a later batch.
package coalescer

import (
	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
)

// Item is one distinct address of a batch with everyone waiting on it.
type Item struct {
	Address    address.Address
	Coordinate model.Coordinate
	Waiters    []*Pending
}

// Batch is an ordered set of distinct addresses.
type Batch []Item

// Addresses returns the batch addresses in order.
func (b Batch) Addresses() []address.Address {
	out := make([]address.Address, len(b))
	for i := range b {
		out[i] = b[i].Address
	}
	return out
}

// Queue holds pending requests keyed by address in arrival order.
type Queue struct {
	order   []address.Address
	entries map[address.Address]*Item
}

func NewQueue() *Queue {
	return &Queue{entries: make(map[address.Address]*Item)}
}

// Push queues p, merging it with requests already waiting on its address.
func (q *Queue) Push(p *Pending) {
	p.state = StateQueued
	if it, ok := q.entries[p.Address]; ok {
		it.Waiters = append(it.Waiters, p)
		return
	}
	q.entries[p.Address] = &Item{
		Address:    p.Address,
		Coordinate: p.Coordinate,
		Waiters:    []*Pending{p},
	}
	q.order = append(q.order, p.Address)
}

// Remove takes p out of the queue. The address entry goes away with its
// last waiter. It returns false when p is not queued.
func (q *Queue) Remove(p *Pending) bool {
	it, ok := q.entries[p.Address]
	if !ok {
		return false
	}
	for i, w := range it.Waiters {
		if w != p {
			continue
		}
		it.Waiters = append(it.Waiters[:i], it.Waiters[i+1:]...)
		if len(it.Waiters) == 0 {
			q.drop(p.Address)
		}
		return true
	}
	return false
}

// Withdraw removes a queued p and settles it with ErrWithdrawn. It has no
// effect once p left the queue.
func (q *Queue) Withdraw(p *Pending) bool {
	if p.state != StateQueued || !q.Remove(p) {
		return false
	}
	p.state = StateWithdrawn
	p.Settle(nil, ErrWithdrawn)
	return true
}

// Take removes and returns the whole entry for addr.
func (q *Queue) Take(addr address.Address) (Item, bool) {
	it, ok := q.entries[addr]
	if !ok {
		return Item{}, false
	}
	q.drop(addr)
	return *it, true
}

func (q *Queue) drop(addr address.Address) {
	delete(q.entries, addr)
	for i, a := range q.order {
		if a == addr {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Contains reports whether addr is queued.
func (q *Queue) Contains(addr address.Address) bool {
	_, ok := q.entries[addr]
	return ok
}

// Len returns the number of distinct queued addresses.
func (q *Queue) Len() int { return len(q.entries) }

// Waiting returns the number of queued requests across all addresses.
func (q *Queue) Waiting() int {
	n := 0
	for _, it := range q.entries {
		n += len(it.Waiters)
	}
	return n
}

// Drain removes up to max addresses (all when max <= 0) in arrival order.
// The remainder stays queued ahead of anything pushed later.
func (q *Queue) Drain(max int) Batch {
	n := len(q.order)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	b := make(Batch, 0, n)
	for _, addr := range q.order[:n] {
		b = append(b, *q.entries[addr])
		delete(q.entries, addr)
	}
	rest := make([]address.Address, len(q.order)-n)
	copy(rest, q.order[n:])
	q.order = rest
	return b
}
