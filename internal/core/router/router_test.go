package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-content-cache/internal/fetch/gate"
	"github.com/mohammed-shakir/grid-content-cache/internal/gridcache"
	mylog "github.com/mohammed-shakir/grid-content-cache/internal/logger"
	"github.com/mohammed-shakir/grid-content-cache/internal/remote"
)

type fakeRemote struct {
	mu      sync.Mutex
	records map[address.Address]*model.Record
	err     error
	block   chan struct{}
}

func (f *fakeRemote) get(as []address.Address) (map[address.Address]*model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := map[address.Address]*model.Record{}
	for _, a := range as {
		if r := f.records[a]; r != nil {
			out[a] = r
		}
	}
	return out, nil
}

func (f *fakeRemote) Lookup(_ context.Context, a address.Address) (*model.Record, error) {
	if f.block != nil {
		<-f.block
	}
	m, err := f.get([]address.Address{a})
	return m[a], err
}

func (f *fakeRemote) BatchLookup(_ context.Context, as []address.Address) (map[address.Address]*model.Record, error) {
	if f.block != nil {
		<-f.block
	}
	return f.get(as)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startService(t *testing.T, rb remote.Boundary, g gate.Config) *gridcache.Service {
	t.Helper()
	s := gridcache.New(rb, gridcache.Options{DrainInterval: 5 * time.Millisecond, Gate: g})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = s.Close()
	})
	return s
}

func get(t *testing.T, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestParseCoordinate(t *testing.T) {
	cases := []struct {
		q    string
		ok   bool
		want model.Coordinate
	}{
		{"x=3&y=4", true, model.Coordinate{X: 3, Y: 4}},
		{"x=-12&y=%2B7", true, model.Coordinate{X: -12, Y: 7}},
		{"x=1", false, model.Coordinate{}},
		{"x=1.5&y=2", false, model.Coordinate{}},
		{"x=a&y=2", false, model.Coordinate{}},
		{"x=99999999999999999999&y=0", false, model.Coordinate{}},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/cell?"+tc.q, nil)
		c, err := ParseCoordinate(req)
		if tc.ok && (err != nil || c != tc.want) {
			t.Fatalf("%s: got %v, %v want %v", tc.q, c, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.q)
		}
	}
}

func TestHandleCell_PresentAbsentAndBadInput(t *testing.T) {
	rec := &model.Record{TransactionHash: "0xabc", CurrentOwner: "0xalice"}
	rb := &fakeRemote{records: map[address.Address]*model.Record{address.Of(3, 4): rec}}
	h := HandleCell(quiet(), startService(t, rb, gate.Config{}))

	rr := get(t, h, "/cell?x=3&y=4")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	if got := rr.Header().Get("X-Content-Address"); got != address.Of(3, 4).String() {
		t.Fatalf("address header=%q", got)
	}
	var body model.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CurrentOwner != "0xalice" {
		t.Fatalf("owner=%q", body.CurrentOwner)
	}

	if rr := get(t, h, "/cell?x=5&y=5"); rr.Code != http.StatusNoContent {
		t.Fatalf("absent status=%d want 204", rr.Code)
	}
	if rr := get(t, h, "/cell?x=5&y=5&mode=direct"); rr.Code != http.StatusNoContent {
		t.Fatalf("direct absent status=%d want 204", rr.Code)
	}
	if rr := get(t, h, "/cell?x=oops&y=5"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad coords status=%d want 400", rr.Code)
	}
}

func TestHandleCell_TagsOutcomeOnLogs(t *testing.T) {
	var buf bytes.Buffer
	zl := mylog.Build(mylog.Config{Level: "debug"}, &buf)
	rec := &model.Record{TransactionHash: "0xabc"}
	rb := &fakeRemote{records: map[address.Address]*model.Record{address.Of(3, 4): rec}}
	h := HandleCell(mylog.NewSlog(&zl), startService(t, rb, gate.Config{}))

	get(t, h, "/cell?x=3&y=4")
	get(t, h, "/cell?x=5&y=5")

	var outcomes []string
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if m["msg"] == "cell served" {
			o, _ := m["outcome"].(string)
			outcomes = append(outcomes, o)
		}
	}
	if len(outcomes) != 2 || outcomes[0] != "found" || outcomes[1] != "absent" {
		t.Fatalf("outcomes=%v want [found absent]", outcomes)
	}
}

func TestHandleCell_UpstreamFailureIs502(t *testing.T) {
	rb := &fakeRemote{err: fmt.Errorf("dial: %w", remote.ErrNetwork)}
	h := HandleCell(quiet(), startService(t, rb, gate.Config{}))

	if rr := get(t, h, "/cell?x=1&y=1"); rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", rr.Code)
	}
	if rr := get(t, h, "/cell?x=1&y=1&mode=direct"); rr.Code != http.StatusBadGateway {
		t.Fatalf("direct status=%d want 502", rr.Code)
	}
}

func TestHandleCell_RequestDeadlineIs504(t *testing.T) {
	rb := &fakeRemote{block: make(chan struct{})}
	h := HandleCell(quiet(), startService(t, rb, gate.Config{}))
	t.Cleanup(func() { close(rb.block) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/cell?x=2&y=2", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	h(rr, req)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d want 504", rr.Code)
	}
}

func TestHandleViewport(t *testing.T) {
	svc := startService(t, &fakeRemote{}, gate.Config{Threshold: 40, Quiet: time.Hour, HalfLife: 150 * time.Millisecond})
	h := HandleViewport(quiet(), svc)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/viewport", strings.NewReader(body))
		rr := httptest.NewRecorder()
		h(rr, req)
		return rr
	}

	base := time.Now().UnixMilli()
	if rr := post(fmt.Sprintf(`{"t":%d,"x":0,"y":0}`, base)); rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr := post(fmt.Sprintf(`{"t":%d,"x":100,"y":0}`, base+100))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var reply viewportReply
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reply.Blocked || reply.Transition != "blocked" {
		t.Fatalf("reply=%+v want blocked", reply)
	}

	for _, bad := range []string{`{`, `{"x":1,"y":2,"z":3}`, `{"t":-1,"x":0,"y":0}`} {
		if rr := post(bad); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", bad, rr.Code)
		}
	}
}

func TestHandleNeighbors_ReadsCacheOnly(t *testing.T) {
	right := &model.Record{TransactionHash: "0xr", CurrentOwner: "0xbob"}
	rb := &fakeRemote{records: map[address.Address]*model.Record{address.Of(1, 0): right}}
	svc := startService(t, rb, gate.Config{})

	if _, err := svc.Resolve(context.Background(), 1, 0); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	rr := get(t, HandleNeighbors(svc), "/cell/neighbors?x=0&y=0")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var n neighborhood
	if err := json.Unmarshal(rr.Body.Bytes(), &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Right == nil || n.Right.CurrentOwner != "0xbob" || n.Left != nil || n.Top != nil || n.Bottom != nil {
		t.Fatalf("neighborhood=%+v", n)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		context.DeadlineExceeded:                 http.StatusGatewayTimeout,
		fmt.Errorf("wait: %w", context.Canceled): http.StatusGatewayTimeout,
		gridcache.ErrClosed:                      http.StatusServiceUnavailable,
		fmt.Errorf("x: %w", remote.ErrDecode):    http.StatusBadGateway,
		errors.New("anything else"):              http.StatusBadGateway,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("StatusFor(%v)=%d want %d", err, got, want)
		}
	}
}
