// Package gate decides whether the viewport is moving too fast to fetch.
//
// Speed is the distance between successive viewport samples over the time
// between them, smoothed with an exponential decay. The gate trips when the
// smoothed speed reaches the threshold and releases only after a quiet
// period without fast samples. Gate is not safe for concurrent use.
package gate

import (
	"math"
	"time"

	"github.com/mohammed-shakir/grid-content-cache/internal/core/model"
)

const (
	DefaultThreshold = 40.0 // cells per second
	DefaultQuiet     = 500 * time.Millisecond
	DefaultHalfLife  = 150 * time.Millisecond
)

type Config struct {
	// Threshold in cells per second. Zero or less disables the gate, which
	// turns draining into plain interval polling.
	Threshold float64
	Quiet     time.Duration
	HalfLife  time.Duration
}

// Transition reports a change of gate state.
type Transition int

const (
	NoChange Transition = iota
	Tripped
	Released
)

func (t Transition) String() string {
	switch t {
	case Tripped:
		return "blocked"
	case Released:
		return "permitted"
	default:
		return "none"
	}
}

type Gate struct {
	cfg Config

	last     model.ViewportSample
	haveLast bool
	speed    float64
	lastFast time.Time
	blocked  bool
	held     bool
}

func New(cfg Config) *Gate {
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultQuiet
	}
	if cfg.HalfLife < 0 {
		cfg.HalfLife = 0
	}
	return &Gate{cfg: cfg}
}

// Enabled reports whether samples can ever trip the gate.
func (g *Gate) Enabled() bool { return g.cfg.Threshold > 0 }

// Observe feeds one viewport sample. Samples older than the previous one
// are ignored.
func (g *Gate) Observe(s model.ViewportSample) Transition {
	if !g.haveLast {
		g.last, g.haveLast = s, true
		return g.Poll(s.At)
	}
	dt := s.At.Sub(g.last.At).Seconds()
	if dt < 0 {
		return NoChange
	}
	if dt == 0 {
		// same instant: keep the latest position, no rate information
		g.last = s
		return g.Poll(s.At)
	}
	inst := s.Distance(g.last) / dt
	g.last = s
	g.speed = inst + decay(g.speed-inst, dt, g.cfg.HalfLife.Seconds())

	if g.Enabled() && g.speed >= g.cfg.Threshold {
		g.lastFast = s.At
		if !g.blocked {
			g.blocked = true
			return Tripped
		}
		return NoChange
	}
	return g.Poll(s.At)
}

// Poll releases the gate once the quiet period has elapsed since the last
// fast sample.
func (g *Gate) Poll(now time.Time) Transition {
	if !g.blocked || g.held {
		return NoChange
	}
	if now.Sub(g.lastFast) < g.cfg.Quiet {
		return NoChange
	}
	g.blocked = false
	return Released
}

// Blocked returns the state as of the last Observe/Poll.
func (g *Gate) Blocked() bool { return g.blocked }

// Hold forces the gate closed until Hold(false). Lifting the hold releases
// immediately unless the smoothed speed is still above the threshold, in
// which case the usual quiet period applies.
func (g *Gate) Hold(on bool, now time.Time) Transition {
	if on {
		g.held = true
		if !g.blocked {
			g.blocked = true
			return Tripped
		}
		return NoChange
	}
	if !g.held {
		return NoChange
	}
	g.held = false
	if g.blocked && (!g.Enabled() || g.speed < g.cfg.Threshold) {
		g.blocked = false
		return Released
	}
	return g.Poll(now)
}

// ReleaseAt returns when the gate would release if no fast sample arrives.
func (g *Gate) ReleaseAt() (time.Time, bool) {
	if !g.blocked || g.held {
		return time.Time{}, false
	}
	return g.lastFast.Add(g.cfg.Quiet), true
}

// Speed returns the smoothed speed in cells per second.
func (g *Gate) Speed() float64 { return g.speed }

// exponential decay of score over dt seconds with the given half-life
func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 {
		return score
	}
	if halfLife <= 0 {
		return 0
	}
	lambda := math.Ln2 / halfLife
	return score * math.Exp(-lambda*dt)
}
