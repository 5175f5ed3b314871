package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-content-cache/internal/fetch/coalescer"
	"github.com/mohammed-shakir/grid-content-cache/internal/fetch/gate"
	"github.com/mohammed-shakir/grid-content-cache/internal/gridcache"
	mylog "github.com/mohammed-shakir/grid-content-cache/internal/logger"
)

// CellService is what the HTTP adapter needs from a gridcache.Service.
type CellService interface {
	Lookup(x, y int64) *coalescer.Pending
	Resolve(ctx context.Context, x, y int64) (*model.Record, error)
	Neighbors(x, y int64) model.Neighborhood
	ReportViewportSample(at time.Time, x, y float64) gate.Transition
	Stats() gridcache.Stats
}

const maxViewportBody = 4 << 10

// HandleCell looks up one cell and waits for it up to the request context.
// mode=direct bypasses batching.
func HandleCell(logger *slog.Logger, svc CellService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/cell", sw.code, time.Since(start).Seconds())
		}()

		c, err := ParseCoordinate(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}

		var rec *model.Record
		if r.URL.Query().Get("mode") == "direct" {
			rec, err = svc.Resolve(r.Context(), c.X, c.Y)
		} else {
			p := svc.Lookup(c.X, c.Y)
			rec, err = p.Wait(r.Context())
			if err != nil && r.Context().Err() != nil {
				p.Withdraw()
			}
		}
		if err != nil {
			code := StatusFor(err)
			ctx := mylog.WithOutcome(r.Context(), "error")
			logger.WarnContext(ctx, "cell lookup failed", "cell", c.String(), "status", code, "err", err)
			http.Error(sw, http.StatusText(code), code)
			return
		}

		outcome := "found"
		if rec == nil {
			outcome = "absent"
		}
		logger.DebugContext(mylog.WithOutcome(r.Context(), outcome), "cell served", "cell", c.String())

		sw.Header().Set("X-Content-Address", c.Address().String())
		if rec == nil {
			sw.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(sw, http.StatusOK, rec)
	}
}

// HandleNeighbors returns the cached records around a cell without fetching.
func HandleNeighbors(svc CellService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/cell/neighbors", sw.code, time.Since(start).Seconds())
		}()

		c, err := ParseCoordinate(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		n := svc.Neighbors(c.X, c.Y)
		writeJSON(sw, http.StatusOK, neighborhood{
			Left: n.Left, Right: n.Right, Top: n.Top, Bottom: n.Bottom,
		})
	}
}

type neighborhood struct {
	Left   *model.Record `json:"left"`
	Right  *model.Record `json:"right"`
	Top    *model.Record `json:"top"`
	Bottom *model.Record `json:"bottom"`
}

// ViewportSample is the body of POST /viewport. T is unix milliseconds;
// zero means now.
type ViewportSample struct {
	T int64   `json:"t"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type viewportReply struct {
	Transition string  `json:"transition"`
	Blocked    bool    `json:"blocked"`
	Speed      float64 `json:"speed"`
}

func HandleViewport(logger *slog.Logger, svc CellService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/viewport", sw.code, time.Since(start).Seconds())
		}()

		s, err := parseViewport(r.Body)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		at := time.Now()
		if s.T > 0 {
			at = time.UnixMilli(s.T)
		}
		tr := svc.ReportViewportSample(at, s.X, s.Y)
		if tr != gate.NoChange {
			logger.Debug("viewport gate", "transition", tr.String())
		}
		st := svc.Stats()
		writeJSON(sw, http.StatusOK, viewportReply{Transition: tr.String(), Blocked: st.GateBlocked, Speed: st.Speed})
	}
}

type statsReply struct {
	Entries     int     `json:"entries"`
	Queued      int     `json:"queued"`
	Waiting     int     `json:"waiting"`
	InFlight    int     `json:"in_flight"`
	Subscribers int     `json:"subscribers"`
	GateBlocked bool    `json:"gate_blocked"`
	Speed       float64 `json:"speed"`
}

func HandleStats(svc CellService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := svc.Stats()
		writeJSON(w, http.StatusOK, statsReply(st))
	}
}

// StatusFor maps a lookup error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, gridcache.ErrClosed), errors.Is(err, gridcache.ErrWithdrawn):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// ParseCoordinate reads integer x and y query parameters.
func ParseCoordinate(r *http.Request) (model.Coordinate, error) {
	q := r.URL.Query()
	x, err := parseInt(q.Get("x"))
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("invalid x: %w", err)
	}
	y, err := parseInt(q.Get("y"))
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("invalid y: %w", err)
	}
	return model.Coordinate{X: x, Y: y}, nil
}

func parseInt(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("missing")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse int: %w", err)
	}
	return n, nil
}

func parseViewport(body io.Reader) (ViewportSample, error) {
	var s ViewportSample
	dec := json.NewDecoder(io.LimitReader(body, maxViewportBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return ViewportSample{}, fmt.Errorf("invalid viewport sample: %w", err)
	}
	if s.T < 0 {
		return ViewportSample{}, errors.New("invalid viewport sample: negative t")
	}
	return s, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
