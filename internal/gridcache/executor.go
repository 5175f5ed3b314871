package gridcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/inflight"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/subscribers"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/fetch/coalescer"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote"
)

// Flush drains the queue if the gate permits, executes the batches and
// waits for them. It repeats while batches were taken, so a capped batch
// size still empties the queue. It returns the number of addresses
// dispatched and the first batch error.
func (s *Service) Flush(ctx context.Context) (int, error) {
	total := 0
	var first error
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return total, ErrClosed
		}
		batches := s.takeLocked(s.now())
		s.mu.Unlock()
		if len(batches) == 0 {
			return total, first
		}

		var g errgroup.Group
		for _, b := range batches {
			total += len(b)
			g.Go(func() error {
				defer s.releaseSlot()
				return s.execute(ctx, b)
			})
		}
		if err := g.Wait(); err != nil && first == nil {
			first = err
		}
	}
}

// drain starts every batch the gate and free slots allow in the background.
func (s *Service) drain(ctx context.Context) {
	s.mu.Lock()
	batches := s.takeLocked(s.now())
	s.wg.Add(len(batches))
	s.mu.Unlock()

	for _, b := range batches {
		go func() {
			defer s.wg.Done()
			defer s.releaseSlot()
			_ = s.execute(ctx, b)
		}()
	}
}

// takeLocked drains the queue into batches, one per free slot, and makes
// each address in flight. Addresses already in flight are joined instead
// of being fetched twice.
func (s *Service) takeLocked(now time.Time) []coalescer.Batch {
	if s.closed {
		return nil
	}
	s.noteGateLocked(s.gate.Poll(now))
	if s.gate.Blocked() || s.queue.Len() == 0 {
		return nil
	}

	var out []coalescer.Batch
	for s.queue.Len() > 0 {
		select {
		case s.slots <- struct{}{}:
		default:
			s.publishLocked()
			return out
		}
		drained := s.queue.Drain(s.opts.MaxBatchSize)
		owned := make(coalescer.Batch, 0, len(drained))
		for _, it := range drained {
			call, owner := s.inflight.AcquireOrJoin(it.Address, now)
			for _, w := range it.Waiters {
				w.MarkInFlight()
				call.Join(w)
			}
			if owner {
				owned = append(owned, it)
			}
		}
		if len(owned) == 0 {
			<-s.slots
			continue
		}
		out = append(out, owned)
	}
	s.publishLocked()
	return out
}

func (s *Service) releaseSlot() {
	<-s.slots
	s.signal()
}

// execute sends one batch and applies the outcome. The remote call is
// detached from ctx so a dispatched batch always completes and populates
// the cache; it is bounded by RemoteTimeout instead.
func (s *Service) execute(ctx context.Context, b coalescer.Batch) error {
	addrs := b.Addresses()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RemoteTimeout)
	defer cancel()

	s.log.Debug("batch dispatch", "size", len(addrs))
	start := time.Now()
	fetched, err := s.remote.BatchLookup(rctx, addrs)
	dur := time.Since(start)
	observability.ObserveBatch(remote.Classify(err), len(addrs), dur.Seconds())

	s.settle(addrs, fetched, err)
	if err != nil {
		s.log.Warn("batch failed", "size", len(addrs), "duration", dur.String(), "err", err)
		return fmt.Errorf("batch of %d: %w", len(addrs), err)
	}
	s.log.Debug("batch settled", "size", len(addrs), "present", len(fetched), "duration", dur.String())
	return nil
}

type settlement struct {
	waiters []inflight.Waiter
	rec     *model.Record
	err     error
}

// settle applies one remote outcome to every address. On success an
// address missing from fetched is stored as confirmed absent. On failure
// the cache is left untouched and the waiters are rejected. Either way the
// tracker entries are cleared.
func (s *Service) settle(addrs []address.Address, fetched map[address.Address]*model.Record, err error) {
	out := make([]settlement, 0, len(addrs))

	s.mu.Lock()
	now := s.now()
	for _, a := range addrs {
		if err != nil {
			out = append(out, settlement{waiters: s.inflight.Complete(a, nil, err), err: err})
			continue
		}
		rec := fetched[a]
		s.store.Put(a, rec, now)
		out = append(out, settlement{waiters: s.inflight.Complete(a, rec, nil), rec: rec})
		s.out.push(s.subs.Notify(a, rec)...)
	}
	s.publishLocked()
	s.mu.Unlock()

	for _, st := range out {
		inflight.SettleAll(st.waiters, st.rec, st.err)
	}
	s.out.pump()
}

// Resolve fetches (x, y) through the single-lookup call, bypassing the
// batch queue and the gate. It shares the outstanding fetch for the address
// when there is one, and adopts requests queued for it.
func (s *Service) Resolve(ctx context.Context, x, y int64) (*model.Record, error) {
	c := model.Coordinate{X: x, Y: y}
	addr := c.Address()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	now := s.now()
	if e, fresh := s.store.Fresh(addr, now); fresh {
		rec := e.Record
		s.mu.Unlock()
		observability.ObserveLookup("hit")
		return rec, nil
	}
	call, owner := s.inflight.AcquireOrJoin(addr, now)
	if owner {
		if it, ok := s.queue.Take(addr); ok {
			for _, w := range it.Waiters {
				w.MarkInFlight()
				call.Join(w)
			}
		}
		s.wg.Add(1)
		go s.fetchOne(addr)
	}
	s.mu.Unlock()

	if owner {
		observability.ObserveLookup("miss")
	} else {
		observability.ObserveLookup("joined")
	}
	return call.Wait(ctx)
}

func (s *Service) fetchOne(addr address.Address) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RemoteTimeout)
	defer cancel()

	start := time.Now()
	rec, err := s.remote.Lookup(ctx, addr)
	observability.ObserveBatch(remote.Classify(err), 1, time.Since(start).Seconds())

	fetched := map[address.Address]*model.Record{}
	if rec != nil {
		fetched[addr] = rec
	}
	if err != nil {
		s.log.Warn("lookup failed", "addr", addr.Short(), "err", err)
	}
	s.settle([]address.Address{addr}, fetched, err)
}

// outbox serialises observer deliveries in the order they were produced
// under the service lock. Whoever finds it idle runs the queue; a
// delivery pushed while another goroutine (or an observer callback) is
// running it is picked up by that run.
type outbox struct {
	mu      sync.Mutex
	items   []subscribers.Delivery
	running bool
}

// push must be called with the service lock held.
func (o *outbox) push(ds ...subscribers.Delivery) {
	if len(ds) == 0 {
		return
	}
	o.mu.Lock()
	o.items = append(o.items, ds...)
	o.mu.Unlock()
}

func (o *outbox) pump() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	for len(o.items) > 0 {
		d := o.items[0]
		o.items[0] = subscribers.Delivery{}
		o.items = o.items[1:]
		o.mu.Unlock()
		d.Deliver()
		o.mu.Lock()
	}
	o.running = false
	o.mu.Unlock()
}
