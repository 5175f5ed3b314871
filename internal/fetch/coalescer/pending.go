package coalescer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/inflight"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
)

// ErrWithdrawn settles a request that was withdrawn before dispatch.
var ErrWithdrawn = errors.New("request withdrawn")

// State is the lifecycle of a pending request.
type State int

const (
	StateQueued State = iota
	StateInFlight
	StateSettled
	StateWithdrawn
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in_flight"
	case StateSettled:
		return "settled"
	case StateWithdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Withdrawer removes a queued request from whatever holds it.
type Withdrawer interface {
	Withdraw(p *Pending) bool
}

// Pending is one caller's interest in an address' eventual record.
// The result side (Done, Result, Wait) is safe for concurrent use; State
// is owned by whoever serialises the queue.
type Pending struct {
	Address    address.Address
	Coordinate model.Coordinate

	state State
	owner Withdrawer
	once  sync.Once
	done  chan struct{}
	rec   *model.Record
	err   error
}

var _ inflight.Waiter = (*Pending)(nil)

// NewPending returns an unsettled request for c.
func NewPending(c model.Coordinate) *Pending {
	return &Pending{
		Address:    c.Address(),
		Coordinate: c,
		done:       make(chan struct{}),
	}
}

// Settled returns a request already resolved with rec.
func Settled(c model.Coordinate, rec *model.Record, err error) *Pending {
	p := NewPending(c)
	p.state = StateSettled
	p.Settle(rec, err)
	return p
}

// Settle resolves the request. Only the first call has effect.
func (p *Pending) Settle(rec *model.Record, err error) {
	p.once.Do(func() {
		p.rec, p.err = rec, err
		close(p.done)
	})
}

// Done is closed once the request is resolved, rejected or withdrawn.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result is valid once Done is closed. A nil record with a nil error
// means the address is confirmed empty.
func (p *Pending) Result() (*model.Record, error) {
	select {
	case <-p.done:
		return p.rec, p.err
	default:
		return nil, errors.New("request not settled")
	}
}

// Wait blocks until the request settles or ctx ends. Giving up on ctx
// does not withdraw the request.
func (p *Pending) Wait(ctx context.Context) (*model.Record, error) {
	select {
	case <-p.done:
		return p.rec, p.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s: %w", p.Coordinate, ctx.Err())
	}
}

// Withdraw cancels the request if it has not been dispatched yet. It
// returns false once the address is in flight or the request is settled.
func (p *Pending) Withdraw() bool {
	if p.owner == nil {
		return false
	}
	return p.owner.Withdraw(p)
}

// State returns the lifecycle state. Callers must hold the owner's lock.
func (p *Pending) State() State {
	if p.state == StateWithdrawn {
		return p.state
	}
	select {
	case <-p.done:
		return StateSettled
	default:
		return p.state
	}
}

// MarkInFlight records that the request joined an outstanding call.
func (p *Pending) MarkInFlight() { p.state = StateInFlight }

// Bind sets the withdrawer used by Withdraw.
func (p *Pending) Bind(w Withdrawer) { p.owner = w }
