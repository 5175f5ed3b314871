package gridcache

import (
	"context"
	"time"
)

// Run drives draining until ctx ends or the service closes. It drains on
// every DrainInterval tick, on gate release and when a batch slot frees
// up, and sweeps expired entries every SweepInterval. With the gate
// disabled this is plain interval polling.
func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(s.opts.DrainInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()
	release := time.NewTimer(time.Hour)
	release.Stop()
	defer release.Stop()

	s.log.Info("drain loop started",
		"interval", s.opts.DrainInterval.String(),
		"max_batch", s.opts.MaxBatchSize,
		"max_parallel", s.opts.MaxParallel)

	for {
		s.armRelease(release)
		select {
		case <-ctx.Done():
			s.log.Info("drain loop stopped")
			return nil
		case <-s.done:
			return nil
		case <-tick.C:
			s.drain(ctx)
		case <-s.kick:
			s.drain(ctx)
		case <-release.C:
			s.drain(ctx)
		case <-sweep.C:
			s.Sweep()
		}
	}
}

// armRelease schedules a wake-up for when the gate's quiet period ends so
// the backlog flushes on release rather than on the next tick.
func (s *Service) armRelease(t *time.Timer) {
	s.mu.Lock()
	at, ok := s.gate.ReleaseAt()
	now := s.now()
	s.mu.Unlock()

	t.Stop()
	if !ok {
		return
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
