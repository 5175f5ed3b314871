// Package inflight tracks outstanding fetches so that at most one network
// operation per address runs at a time.
package inflight

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
)

// Waiter is settled with the outcome of the call it joined.
type Waiter interface {
	Settle(rec *model.Record, err error)
}

// Call is one outstanding fetch shared by its owner and all joiners.
type Call struct {
	Address address.Address
	Started time.Time

	done    chan struct{}
	rec     *model.Record
	err     error
	waiters []Waiter
}

// Join attaches w to the call. Join must not be used after completion.
func (c *Call) Join(w Waiter) {
	c.waiters = append(c.waiters, w)
}

// Waiters returns the number of attached waiters.
func (c *Call) Waiters() int { return len(c.waiters) }

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result is valid once Done is closed.
func (c *Call) Result() (*model.Record, error) {
	return c.rec, c.err
}

// Wait blocks until the call completes or ctx ends.
func (c *Call) Wait(ctx context.Context) (*model.Record, error) {
	select {
	case <-c.done:
		return c.rec, c.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s: %w", c.Address.Short(), ctx.Err())
	}
}

// Tracker maps addresses to their outstanding call. It is not safe for
// concurrent use; Call.Done and Call.Wait are.
type Tracker struct {
	calls map[address.Address]*Call
}

func New() *Tracker {
	return &Tracker{calls: make(map[address.Address]*Call)}
}

// AcquireOrJoin returns the call for addr. owner is true when the caller
// created it and is therefore responsible for completing it.
func (t *Tracker) AcquireOrJoin(addr address.Address, now time.Time) (call *Call, owner bool) {
	if c, ok := t.calls[addr]; ok {
		return c, false
	}
	c := &Call{Address: addr, Started: now, done: make(chan struct{})}
	t.calls[addr] = c
	return c, true
}

// Get returns the outstanding call for addr, if any.
func (t *Tracker) Get(addr address.Address) (*Call, bool) {
	c, ok := t.calls[addr]
	return c, ok
}

// Complete records the outcome, clears the entry, wakes Wait callers and
// returns the joined waiters for the caller to settle. Completing an
// address without an outstanding call returns nil.
func (t *Tracker) Complete(addr address.Address, rec *model.Record, err error) []Waiter {
	c, ok := t.calls[addr]
	if !ok {
		return nil
	}
	delete(t.calls, addr)
	c.rec, c.err = rec, err
	close(c.done)
	ws := c.waiters
	c.waiters = nil
	return ws
}

// Len returns the number of outstanding calls.
func (t *Tracker) Len() int { return len(t.calls) }

// SettleAll settles every waiter with the same outcome.
func SettleAll(ws []Waiter, rec *model.Record, err error) {
	for _, w := range ws {
		w.Settle(rec, err)
	}
}
