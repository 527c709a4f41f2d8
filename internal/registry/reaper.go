package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultSweepInterval is how often the Reaper scans the registry for idle
// sessions.
const defaultSweepInterval = 60 * time.Second

// Reaper periodically terminates sessions that have gone idle beyond
// their TTL.
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a Reaper over registry, sweeping every interval (or
// defaultSweepInterval if interval is zero).
func NewReaper(registry *Registry, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		logger:   logger.With("subsystem", "reaper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine. Stop must be
// called to release it.
func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit. Safe to call more
// than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep terminates every Ready session whose idle time exceeds its TTL.
// Sessions already Draining or Terminated are skipped — they are either
// mid-shutdown via a client DELETE or already gone.
func (r *Reaper) sweep() {
	start := time.Now()
	snapshot := r.registry.Snapshot()

	reaped := 0
	for _, sess := range snapshot {
		if sess.State != StateReady {
			continue
		}
		if sess.Idle <= sess.TTL {
			continue
		}
		if err := r.registry.Terminate(sess.PublicID); err == nil {
			reaped++
		}
	}

	elapsed := time.Since(start)
	if reaped > 0 {
		r.logger.Info("sweep reaped idle sessions",
			"reaped", reaped, "remaining", len(snapshot)-reaped, "duration", elapsed)
	} else {
		r.logger.Debug("sweep found nothing to reap",
			"checked", len(snapshot), "duration", elapsed)
	}
}
