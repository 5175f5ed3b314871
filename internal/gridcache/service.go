// Package gridcache is the spatial content cache: it maps grid coordinates
// to records fetched from a remote service, coalescing misses into batched
// calls that are gated on viewport velocity, and fans updates out to
// per-address observers.
//
// All cache, registry, tracker and queue state is guarded by one mutex.
// Observers and waiters always run outside it and network calls never
// hold it.
package gridcache

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/inflight"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/store"
	"github.com/mohammed-shakir/grid-content-cache/internal/cache/subscribers"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/fetch/coalescer"
	"github.com/mohammed-shakir/grid-content-cache/internal/fetch/gate"
	"github.com/mohammed-shakir/grid-content-cache/internal/logger"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote"
)

var (
	// ErrWithdrawn settles a request withdrawn before dispatch.
	ErrWithdrawn = coalescer.ErrWithdrawn
	// ErrClosed rejects requests made or still queued when the service closes.
	ErrClosed = errors.New("gridcache: service closed")
)

const (
	DefaultDrainInterval = 50 * time.Millisecond
	DefaultSweepInterval = time.Minute
	DefaultRemoteTimeout = 10 * time.Second
)

type Options struct {
	TTL           time.Duration
	DrainInterval time.Duration
	SweepInterval time.Duration
	// MaxBatchSize caps addresses per remote call; 0 sends the whole queue.
	MaxBatchSize int
	// MaxParallel bounds batches in flight at once.
	MaxParallel   int
	RemoteTimeout time.Duration
	Gate          gate.Config

	Logger *slog.Logger
	// LogSampleRate keeps per-address debug lines for about one address in N.
	LogSampleRate int
	SessionID     string
	Now           func() time.Time
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = store.DefaultTTL
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = DefaultDrainInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.MaxBatchSize < 0 {
		o.MaxBatchSize = 0
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 1
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = DefaultRemoteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.SessionID == "" {
		o.SessionID = logger.NewSession()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service is one viewport session's cache. Construct it with New and drive
// draining with Run, or call Flush directly.
type Service struct {
	opts   Options
	remote remote.Boundary
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	store    *store.Store
	subs     *subscribers.Registry
	inflight *inflight.Tracker
	queue    *coalescer.Queue
	gate     *gate.Gate
	coords   map[address.Address]model.Coordinate
	closed   bool

	out   outbox
	kick  chan struct{}
	done  chan struct{}
	slots chan struct{}
	wg    sync.WaitGroup
}

var _ coalescer.Withdrawer = (*Service)(nil)

func New(rb remote.Boundary, opts Options) *Service {
	opts.defaults()
	st := store.New(opts.TTL)
	return &Service{
		opts:     opts,
		remote:   rb,
		log:      opts.Logger.With("component", "gridcache", "session", opts.SessionID),
		now:      opts.Now,
		store:    st,
		subs:     subscribers.New(st),
		inflight: inflight.New(),
		queue:    coalescer.NewQueue(),
		gate:     gate.New(opts.Gate),
		coords:   make(map[address.Address]model.Coordinate),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		slots:    make(chan struct{}, opts.MaxParallel),
	}
}

// Session returns the session identifier attached to log lines.
func (s *Service) Session() string { return s.opts.SessionID }

// Lookup returns a request for the record at (x, y). A fresh cached entry
// settles it immediately; an outstanding fetch for the address is joined;
// anything else is queued for the next batch.
func (s *Service) Lookup(x, y int64) *coalescer.Pending {
	c := model.Coordinate{X: x, Y: y}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return coalescer.Settled(c, nil, ErrClosed)
	}
	addr := c.Address()
	now := s.now()

	var (
		p       *coalescer.Pending
		outcome string
	)
	switch e, fresh := s.store.Fresh(addr, now); {
	case fresh:
		p = coalescer.Settled(c, e.Record, nil)
		outcome = "hit"
	default:
		p = coalescer.NewPending(c)
		p.Bind(s)
		if call, ok := s.inflight.Get(addr); ok {
			p.MarkInFlight()
			call.Join(p)
			outcome = "joined"
			break
		}
		s.store.Ensure(addr)
		s.queue.Push(p)
		outcome = "miss"
		if e != nil && e.Fetched() {
			outcome = "stale"
		}
	}
	s.mu.Unlock()

	observability.ObserveLookup(outcome)
	if logger.Sampled(string(addr), s.opts.LogSampleRate) {
		s.log.Debug("lookup", "addr", addr.Short(), "cell", c.String(), "outcome", outcome)
	}
	return p
}

// Withdraw cancels p if it has not been dispatched. Once its address is in
// flight the fetch completes regardless and Withdraw returns false.
func (s *Service) Withdraw(p *coalescer.Pending) bool {
	s.mu.Lock()
	ok := s.queue.Withdraw(p)
	s.mu.Unlock()
	if ok {
		observability.IncWithdrawn()
	}
	return ok
}

// State returns the lifecycle state of p.
func (s *Service) State(p *coalescer.Pending) coalescer.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.State()
}

// Cached returns the fresh record for (x, y) without fetching. ok is false
// when the address is unknown or stale.
func (s *Service) Cached(x, y int64) (rec *model.Record, ok bool) {
	addr := address.Of(x, y)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, fresh := s.store.Fresh(addr, s.now())
	if !fresh {
		return nil, false
	}
	return e.Record, true
}

// Subscribe registers obs for (x, y). obs receives the currently cached
// record (nil when absent or unknown) before Subscribe returns, unless
// another delivery is running, in which case it follows that one. A fetch
// is queued when the address is not fresh. A closed service still delivers
// the current record once but registers nothing and returns a zero token.
func (s *Service) Subscribe(x, y int64, obs subscribers.Observer) subscribers.Token {
	c := model.Coordinate{X: x, Y: y}
	addr := c.Address()

	s.mu.Lock()
	if s.closed {
		s.out.push(s.currentLocked(addr, obs))
		s.mu.Unlock()
		s.out.pump()
		return subscribers.Token{}
	}
	tok := s.subscribeLocked(c, addr, obs)
	s.mu.Unlock()

	s.signal()
	s.out.pump()
	return tok
}

func (s *Service) subscribeLocked(c model.Coordinate, addr address.Address, obs subscribers.Observer) subscribers.Token {
	now := s.now()
	tok, d := s.subs.Subscribe(addr, obs, s.currentLocked(addr, obs).Record)
	s.coords[addr] = c
	s.out.push(d)

	if _, fresh := s.store.Fresh(addr, now); !fresh {
		s.requestLocked(c, addr)
	}
	return tok
}

// currentLocked is the initial delivery of whatever is cached for addr.
func (s *Service) currentLocked(addr address.Address, obs subscribers.Observer) subscribers.Delivery {
	d := subscribers.Delivery{Observer: obs, Address: addr}
	if e, ok := s.store.Get(addr); ok {
		d.Record = e.Record
	}
	return d
}

// requestLocked queues an internal fetch for addr unless one is queued or
// outstanding already.
func (s *Service) requestLocked(c model.Coordinate, addr address.Address) {
	if s.queue.Contains(addr) {
		return
	}
	if _, ok := s.inflight.Get(addr); ok {
		return
	}
	s.store.Ensure(addr)
	p := coalescer.NewPending(c)
	p.Bind(s)
	s.queue.Push(p)
}

// Unsubscribe releases each token once. It returns how many references
// were actually released; spent or zero tokens are ignored.
func (s *Service) Unsubscribe(toks ...subscribers.Token) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tok := range toks {
		if !s.subs.Unsubscribe(tok) {
			continue
		}
		n++
		if s.subs.Count(tok.Address()) == 0 {
			delete(s.coords, tok.Address())
		}
	}
	return n
}

// SubscribeNeighbors subscribes obs to the four orthogonal neighbours of
// (x, y) in the order left, right, top, bottom. Like Subscribe, a closed
// service only delivers the current records.
func (s *Service) SubscribeNeighbors(x, y int64, obs subscribers.Observer) [4]subscribers.Token {
	var toks [4]subscribers.Token
	c := model.Coordinate{X: x, Y: y}

	s.mu.Lock()
	if s.closed {
		for _, n := range c.Neighbors() {
			s.out.push(s.currentLocked(n.Address(), obs))
		}
		s.mu.Unlock()
		s.out.pump()
		return toks
	}
	for i, n := range c.Neighbors() {
		toks[i] = s.subscribeLocked(n, n.Address(), obs)
	}
	s.mu.Unlock()

	s.signal()
	s.out.pump()
	return toks
}

// Neighbors returns whatever is cached for the four neighbours of (x, y),
// stale or not. It never fetches.
func (s *Service) Neighbors(x, y int64) model.Neighborhood {
	c := model.Coordinate{X: x, Y: y}
	ns := c.Neighbors()

	s.mu.Lock()
	defer s.mu.Unlock()
	var recs [4]*model.Record
	for i, n := range ns {
		if e, ok := s.store.Get(n.Address()); ok {
			recs[i] = e.Record
		}
	}
	return model.Neighborhood{Left: recs[0], Right: recs[1], Top: recs[2], Bottom: recs[3]}
}

// Invalidate marks addr stale. When it has subscribers a refetch is queued
// so they learn the new record. It reports whether an entry existed.
func (s *Service) Invalidate(addr address.Address) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	existed := s.store.Invalidate(addr)
	refetch := false
	if c, ok := s.coords[addr]; ok && s.subs.Count(addr) > 0 {
		s.requestLocked(c, addr)
		refetch = true
	}
	s.mu.Unlock()

	if refetch {
		s.signal()
	}
	s.log.Debug("invalidate", "addr", addr.Short(), "existed", existed, "refetch", refetch)
	return existed
}

// ReportViewportSample feeds the backpressure gate. A release triggers an
// immediate drain when Run is active.
func (s *Service) ReportViewportSample(at time.Time, x, y float64) gate.Transition {
	s.mu.Lock()
	tr := s.gate.Observe(model.ViewportSample{At: at, X: x, Y: y})
	s.noteGateLocked(tr)
	s.mu.Unlock()

	if tr == gate.Released {
		s.signal()
	}
	return tr
}

// SetBlocked holds the gate closed, or lifts the hold.
func (s *Service) SetBlocked(on bool) gate.Transition {
	s.mu.Lock()
	tr := s.gate.Hold(on, s.now())
	s.noteGateLocked(tr)
	s.mu.Unlock()

	if tr == gate.Released {
		s.signal()
	}
	return tr
}

func (s *Service) noteGateLocked(tr gate.Transition) {
	if tr == gate.NoChange {
		return
	}
	observability.IncGateTransition(tr.String())
	observability.SetGateBlocked(s.gate.Blocked())
	s.log.Info("backpressure gate", "state", tr.String(), "speed", s.gate.Speed())
}

// Sweep evicts expired entries nobody subscribes to.
func (s *Service) Sweep() int {
	s.mu.Lock()
	n := s.store.Sweep(s.now())
	s.publishLocked()
	s.mu.Unlock()

	observability.AddSwept(n)
	if n > 0 {
		s.log.Debug("sweep", "evicted", n)
	}
	return n
}

type Stats struct {
	Entries     int
	Queued      int
	Waiting     int
	InFlight    int
	Subscribers int
	GateBlocked bool
	Speed       float64
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:     s.store.Len(),
		Queued:      s.queue.Len(),
		Waiting:     s.queue.Waiting(),
		InFlight:    s.inflight.Len(),
		Subscribers: s.subs.Total(),
		GateBlocked: s.gate.Blocked(),
		Speed:       s.gate.Speed(),
	}
}

func (s *Service) publishLocked() {
	observability.SetCoreGauges(s.store.Len(), s.queue.Len(), s.inflight.Len(), s.subs.Total())
}

// Close rejects queued requests with ErrClosed and waits for outstanding
// fetches, which still populate the cache and settle their waiters.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	rejected := s.queue.Drain(0)
	s.publishLocked()
	s.mu.Unlock()

	for _, it := range rejected {
		for _, w := range it.Waiters {
			w.Settle(nil, ErrClosed)
		}
	}
	s.wg.Wait()
	s.out.pump()
	return nil
}

func (s *Service) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
