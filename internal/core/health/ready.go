// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Probe checks one dependency; a nil error means healthy.
type Probe func(ctx context.Context) error

const probeTimeout = time.Second

// Readiness is ready when rr (if any) reports ready and every probe passes.
func Readiness(rr ReadinessReporter, probes map[string]Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string            `json:"status"`
			Partitions []int32           `json:"partitions,omitempty"`
			Checks     map[string]string `json:"checks,omitempty"`
		}
		ready := true
		out := resp{}
		if rr != nil {
			ok, parts := rr.Readiness()
			ready = ok
			if ok {
				sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
				out.Partitions = parts
			}
		}
		if len(probes) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			out.Checks = make(map[string]string, len(probes))
			for name, p := range probes {
				if err := p(ctx); err != nil {
					ready = false
					out.Checks[name] = err.Error()
					continue
				}
				out.Checks[name] = "ok"
			}
		}

		out.Status = "not_ready"
		if ready {
			out.Status = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
