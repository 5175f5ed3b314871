package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/gridcache"
)

type staticRemote map[address.Address]*model.Record

func (s staticRemote) Lookup(_ context.Context, a address.Address) (*model.Record, error) {
	return s[a], nil
}

func (s staticRemote) BatchLookup(_ context.Context, as []address.Address) (map[address.Address]*model.Record, error) {
	out := map[address.Address]*model.Record{}
	for _, a := range as {
		if r := s[a]; r != nil {
			out[a] = r
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	observability.Init(reg, true)

	rb := staticRemote{address.Of(0, 0): {TransactionHash: "0x0", CurrentOwner: "0xalice"}}
	svc := gridcache.New(rb, gridcache.Options{DrainInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := httptest.NewServer(NewHandler(log, Deps{
		Cells:   svc,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		_ = svc.Close()
	})
	return ts
}

func TestRoutes(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		method, path string
		body         string
		code         int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/cell?x=0&y=0", "", http.StatusOK},
		{http.MethodGet, "/cell?x=9&y=9", "", http.StatusNoContent},
		{http.MethodGet, "/cell?x=&y=0", "", http.StatusBadRequest},
		{http.MethodGet, "/cell/neighbors?x=1&y=0", "", http.StatusOK},
		{http.MethodPost, "/viewport", `{"x":1,"y":1}`, http.StatusOK},
		{http.MethodGet, "/stats", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodOptions, "/cell", "", http.StatusNoContent},
		{http.MethodPost, "/cell?x=0&y=0", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Fatalf("%s %s: status=%d want %d", tc.method, tc.path, resp.StatusCode, tc.code)
		}
	}
}

func TestStats_ReflectsLookups(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/cell?x=0&y=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var st struct {
		Entries int `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Entries != 1 {
		t.Fatalf("entries=%d want 1", st.Entries)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	log := slog.New(slog.DiscardHandler)
	go func() { done <- serve(ctx, ln, log, http.NotFoundHandler()) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
