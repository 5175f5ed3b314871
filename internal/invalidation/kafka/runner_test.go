package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/invalidation"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []address.Address
}

func (f *fakeInvalidator) Invalidate(a address.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	return true
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePurger struct {
	mu   sync.Mutex
	err  error
	seen []address.Address
}

func (p *fakePurger) Forget(_ context.Context, addrs ...address.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.seen = append(p.seen, addrs...)
	return nil
}

func newRunner(t *testing.T, svc Invalidator, p Purger) *Runner {
	t.Helper()
	reg := prometheus.NewRegistry()
	observability.Init(reg, true)
	cfg := Config{Enabled: true, Driver: DriverKafka, Topic: "ownership-changes"}
	opts := Options{Register: reg}
	if p != nil {
		opts.Purger = p
	}
	return New(cfg, svc, opts)
}

func message(t *testing.T, ev invalidation.Event, off int64) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{
		Topic:     "ownership-changes",
		Partition: 0,
		Offset:    off,
		Timestamp: time.Now().UTC(),
		Value:     b,
	}
}

func coords(x, y int64) (*int64, *int64) { return &x, &y }

func TestHandleMessage_InvalidatesTarget(t *testing.T) {
	inv := &fakeInvalidator{}
	r := newRunner(t, inv, nil)

	x, y := coords(3, 4)
	ev := invalidation.Event{Version: 1, Op: invalidation.OpTransfer, X: x, Y: y, TS: time.Now().UTC()}
	if err := r.handleMessage(context.Background(), message(t, ev, 1)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	ev = invalidation.Event{Version: 1, Op: invalidation.OpRemove, Address: address.Of(5, 6).String()}
	if err := r.handleMessage(context.Background(), message(t, ev, 2)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if len(inv.calls) != 2 || inv.calls[0] != address.Of(3, 4) || inv.calls[1] != address.Of(5, 6) {
		t.Fatalf("calls=%v", inv.calls)
	}
}

func TestHandleMessage_SkipsStaleSequence(t *testing.T) {
	inv := &fakeInvalidator{}
	r := newRunner(t, inv, nil)
	x, y := coords(0, 1)

	for i, seq := range []uint64{5, 5, 4, 6, 0, 0} {
		ev := invalidation.Event{Version: 1, Op: invalidation.OpTransfer, X: x, Y: y, Seq: seq}
		if err := r.handleMessage(context.Background(), message(t, ev, int64(i))); err != nil {
			t.Fatalf("handleMessage seq=%d: %v", seq, err)
		}
	}
	// 5 and 6 apply; unsequenced events always apply.
	if got := inv.count(); got != 4 {
		t.Fatalf("invalidations=%d want 4", got)
	}
}

func TestHandleMessage_DropsMalformed(t *testing.T) {
	inv := &fakeInvalidator{}
	r := newRunner(t, inv, nil)

	for i, raw := range []string{`{nope`, `{"version":1,"op":"transfer"}`, `{"version":3,"op":"transfer","x":1,"y":1}`} {
		msg := &sarama.ConsumerMessage{Topic: "t", Offset: int64(i), Value: []byte(raw)}
		if err := r.handleMessage(context.Background(), msg); err != nil {
			t.Fatalf("malformed message must not stall the partition: %v", err)
		}
	}
	if inv.count() != 0 {
		t.Fatalf("malformed events applied")
	}
}

func TestHandleMessage_PurgeFailureIsRetried(t *testing.T) {
	inv := &fakeInvalidator{}
	p := &fakePurger{err: errors.New("redis down")}
	r := newRunner(t, inv, p)

	x, y := coords(2, 2)
	msg := message(t, invalidation.Event{Version: 1, Op: invalidation.OpTransfer, X: x, Y: y, Seq: 7}, 1)
	if err := r.handleMessage(context.Background(), msg); err == nil {
		t.Fatalf("expected purge error")
	}
	if inv.count() != 0 {
		t.Fatalf("service invalidated before purge succeeded")
	}

	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if inv.count() != 1 || len(p.seen) != 1 || p.seen[0] != address.Of(2, 2) {
		t.Fatalf("redelivery not applied: inv=%d purged=%v", inv.count(), p.seen)
	}
}

func TestReadiness(t *testing.T) {
	off := New(Config{Driver: DriverNone}, &fakeInvalidator{}, Options{})
	if ok, _ := off.Readiness(); !ok {
		t.Fatalf("disabled runner must report ready")
	}

	r := newRunner(t, &fakeInvalidator{}, nil)
	if ok, _ := r.Readiness(); ok {
		t.Fatalf("unassigned runner reported ready")
	}
	r.onAssign(&fakeSession{ctx: context.Background(), claims: map[string][]int32{"ownership-changes": {0, 2}}})
	ok, parts := r.Readiness()
	if !ok || len(parts) != 2 {
		t.Fatalf("ready=%v parts=%v", ok, parts)
	}
	r.onRevoke()
	if ok, _ := r.Readiness(); ok {
		t.Fatalf("revoked runner reported ready")
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(Config{Enabled: false, Driver: DriverKafka}, &fakeInvalidator{}, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}

type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return s.claims }
func (s *fakeSession) MemberID() string                         { return "m-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "ownership-changes" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestConsumeClaim_MarksProcessedAndStopsOnError(t *testing.T) {
	fail := errors.New("boom")
	h := &groupHandler{process: func(_ context.Context, m *sarama.ConsumerMessage) error {
		if m.Offset == 2 {
			return fail
		}
		return nil
	}}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	for off := int64(0); off < 3; off++ {
		claim.ch <- &sarama.ConsumerMessage{Topic: "ownership-changes", Offset: off}
	}
	close(claim.ch)
	sess := &fakeSession{ctx: context.Background()}

	err := h.ConsumeClaim(sess, claim)
	if !errors.Is(err, fail) {
		t.Fatalf("err=%v want boom", err)
	}
	if len(sess.marked) != 2 || sess.marked[0] != 0 || sess.marked[1] != 1 {
		t.Fatalf("marked=%v want [0 1]", sess.marked)
	}
}

func TestConsumeClaim_ReturnsWhenSessionEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &groupHandler{process: func(context.Context, *sarama.ConsumerMessage) error { return nil }}
	if err := h.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{ch: make(chan *sarama.ConsumerMessage)}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
}
