package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fakeReporter struct {
	ready bool
	parts []int32
}

func (f fakeReporter) Readiness() (bool, []int32) { return f.ready, f.parts }

func TestReadiness(t *testing.T) {
	failing := func(context.Context) error { return errors.New("redis: connection refused") }
	passing := func(context.Context) error { return nil }

	cases := []struct {
		name   string
		rr     ReadinessReporter
		probes map[string]Probe
		code   int
		status string
	}{
		{"nothing to check", nil, nil, http.StatusOK, "ready"},
		{"assigned", fakeReporter{ready: true, parts: []int32{2, 0}}, nil, http.StatusOK, "ready"},
		{"unassigned", fakeReporter{}, nil, http.StatusServiceUnavailable, "not_ready"},
		{"probe ok", nil, map[string]Probe{"redis": passing}, http.StatusOK, "ready"},
		{"probe fails", fakeReporter{ready: true}, map[string]Probe{"redis": failing}, http.StatusServiceUnavailable, "not_ready"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Readiness(tc.rr, tc.probes)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.code {
				t.Fatalf("status=%d want %d", rr.Code, tc.code)
			}
			var body struct {
				Status     string            `json:"status"`
				Partitions []int32           `json:"partitions"`
				Checks     map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tc.status {
				t.Fatalf("status=%q want %q", body.Status, tc.status)
			}
			if tc.name == "assigned" && (len(body.Partitions) != 2 || body.Partitions[0] != 0) {
				t.Fatalf("partitions=%v want sorted [0 2]", body.Partitions)
			}
			if tc.name == "probe fails" && !strings.Contains(body.Checks["redis"], "refused") {
				t.Fatalf("checks=%v", body.Checks)
			}
		})
	}
}
