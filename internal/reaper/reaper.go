// Package reaper periodically deletes expired sessions through the same
// coordinator path as user-driven deletes.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"partyboard/internal/coordinator"
	"partyboard/internal/session"
)

// ErrSweepInProgress is returned by SweepOnce while another sweep runs.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Store lists expiry candidates.
type Store interface {
	ListExpired(ctx context.Context, createdBefore, idleBefore time.Time) ([]string, error)
}

// Sessions deletes sessions.
type Sessions interface {
	Apply(ctx context.Context, sessionID string, op session.Op) (session.Result, error)
}

// Config controls the sweep schedule and expiry windows.
type Config struct {
	Interval    time.Duration `json:"interval" mapstructure:"interval" env:"INTERVAL"`
	TTL         time.Duration `json:"ttl" mapstructure:"ttl" env:"TTL"`
	ClosedGrace time.Duration `json:"closed_grace" mapstructure:"closed_grace" env:"CLOSED_GRACE"`
	Parallelism int           `json:"parallelism" mapstructure:"parallelism" env:"PARALLELISM"`
}

// DefaultConfig sweeps every 5 minutes, expiring sessions older than 2
// hours and ended sessions idle for 30 minutes.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		TTL:         2 * time.Hour,
		ClosedGrace: 30 * time.Minute,
		Parallelism: 4,
	}
}

// Validate checks the schedule.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("reaper interval must be positive")
	}
	if c.TTL <= 0 {
		return errors.New("reaper ttl must be positive")
	}
	if c.ClosedGrace <= 0 || c.ClosedGrace > c.TTL {
		return errors.New("reaper closed grace must be positive and not exceed the ttl")
	}
	if c.Parallelism < 1 {
		return errors.New("reaper parallelism must be at least 1")
	}
	return nil
}

// Report summarises one sweep.
type Report struct {
	Candidates int               `json:"candidates"`
	Deleted    int               `json:"deleted"`
	Gone       int               `json:"gone"`
	Failed     int               `json:"failed"`
	Failures   map[string]string `json:"failures,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Stats accumulates sweep outcomes since start.
type Stats struct {
	Sweeps  uint64    `json:"sweeps"`
	Deleted uint64    `json:"deleted"`
	Failed  uint64    `json:"failed"`
	Overrun uint64    `json:"overrun"`
	LastRun time.Time `json:"last_run"`
}

var reaperActor = session.System("reaper")

// Reaper deletes expired sessions on a fixed interval. Sweeps never overlap.
type Reaper struct {
	store    Store
	sessions Sessions
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex

	sweeps  atomic.Uint64
	deleted atomic.Uint64
	failed  atomic.Uint64
	overrun atomic.Uint64
	lastRun atomic.Int64
}

// New creates a reaper. now may be nil to use time.Now.
func New(store Store, sessions Sessions, cfg Config, logger *slog.Logger, now func() time.Time) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Reaper{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With("component", "reaper"),
		now:      now,
	}
}

// Run sweeps immediately and then on every tick until ctx is done. A sweep
// that outlasts the interval is logged; the ticker drops the ticks it
// missed, so the next sweep starts only after the current one finished.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.cfg.Interval, "ttl", r.cfg.TTL, "closed_grace", r.cfg.ClosedGrace)
	r.tick(ctx)

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			r.logger.Info("reaper stopping")
			return
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	report, err := r.SweepOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		r.logger.Debug("tick skipped, sweep still running")
		return
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Error("sweep failed", "error", err)
		}
		return
	}
	if report.Duration > r.cfg.Interval {
		r.overrun.Add(1)
		r.logger.Warn("sweep exceeded interval", "duration", report.Duration, "interval", r.cfg.Interval)
	}
}

// SweepOnce runs one sweep with the configured windows.
func (r *Reaper) SweepOnce(ctx context.Context) (Report, error) {
	return r.Sweep(ctx, r.cfg.TTL, r.cfg.ClosedGrace)
}

// Sweep deletes sessions created more than ttl ago and ended sessions idle
// for more than grace. One failing delete does not stop the others. It
// returns ErrSweepInProgress instead of waiting when a sweep is running.
func (r *Reaper) Sweep(ctx context.Context, ttl, grace time.Duration) (Report, error) {
	if !r.running.TryLock() {
		return Report{}, ErrSweepInProgress
	}
	defer r.running.Unlock()

	start := r.now()
	ids, err := r.store.ListExpired(ctx, start.Add(-ttl), start.Add(-grace))
	if err != nil {
		return Report{}, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Candidates: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for _, id := range ids {
		g.Go(func() error {
			_, err := r.sessions.Apply(gctx, id, session.Delete(reaperActor))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Deleted++
			case errors.Is(err, coordinator.ErrSessionNotFound):
				report.Gone++
			default:
				report.Failed++
				if report.Failures == nil {
					report.Failures = make(map[string]string)
				}
				report.Failures[id] = err.Error()
				r.logger.Warn("expired session not deleted",
					"session_id", id, "class", coordinator.Classify(err).String(), "error", err)
			}
			// Per-session failures never abort the sweep.
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	r.sweeps.Add(1)
	r.deleted.Add(uint64(report.Deleted))
	r.failed.Add(uint64(report.Failed))
	r.lastRun.Store(start.UnixNano())

	if report.Candidates > 0 {
		r.logger.Info("sweep finished",
			"candidates", report.Candidates, "deleted", report.Deleted,
			"gone", report.Gone, "failed", report.Failed, "duration", report.Duration)
	}
	return report, nil
}

// Stats returns accumulated counters.
func (r *Reaper) Stats() Stats {
	st := Stats{
		Sweeps:  r.sweeps.Load(),
		Deleted: r.deleted.Load(),
		Failed:  r.failed.Load(),
		Overrun: r.overrun.Load(),
	}
	if ns := r.lastRun.Load(); ns != 0 {
		st.LastRun = time.Unix(0, ns).UTC()
	}
	return st
}
