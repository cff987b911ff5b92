// Package room keeps shared voice rooms in step with session status: a room
// is provisioned once a session fills and torn down once it ends.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"partyboard/internal/coordinator"
	"partyboard/internal/hub"
	"partyboard/internal/session"
	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

// Sessions is the part of the coordinator the manager drives.
type Sessions interface {
	Apply(ctx context.Context, sessionID string, op session.Op) (session.Result, error)
	List(ctx context.Context, filter types.ListFilter) ([]*types.Session, error)
}

// Config bounds retries of room side effects.
type Config struct {
	MaxAttempts       int           `json:"max_attempts" mapstructure:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff    time.Duration `json:"initial_backoff" mapstructure:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `json:"max_backoff" mapstructure:"max_backoff" env:"MAX_BACKOFF"`
	CallTimeout       time.Duration `json:"call_timeout" mapstructure:"call_timeout" env:"CALL_TIMEOUT"`
	Workers           int           `json:"workers" mapstructure:"workers" env:"WORKERS"`
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval" env:"RECONCILE_INTERVAL"`
}

// DefaultConfig returns the default retry schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		CallTimeout:       10 * time.Second,
		Workers:           4,
		ReconcileInterval: time.Minute,
	}
}

// Validate checks the retry schedule.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("room max attempts must be at least 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return errors.New("room backoff must be positive and max backoff at least the initial backoff")
	}
	if c.CallTimeout <= 0 {
		return errors.New("room call timeout must be positive")
	}
	if c.Workers < 1 {
		return errors.New("room workers must be at least 1")
	}
	if c.ReconcileInterval < 0 {
		return errors.New("room reconcile interval cannot be negative")
	}
	return nil
}

// Stats counts room side effects since start.
type Stats struct {
	Provisioned       uint64 `json:"provisioned"`
	ProvisionFailures uint64 `json:"provision_failures"`
	TornDown          uint64 `json:"torn_down"`
	TeardownFailures  uint64 `json:"teardown_failures"`
	InFlight          int    `json:"in_flight"`
}

var systemActor = session.System("room-manager")

const (
	retiredPruneThreshold = 1024
	retiredTTL            = time.Hour
)

// Manager reacts to session transitions with room side effects. Side
// effects run off the commit path, are retried on a bounded schedule and are
// never reported back to the caller whose commit triggered them.
type Manager struct {
	provisioner interfaces.RoomProvisioner
	sessions    Sessions
	cfg         Config
	logger      *slog.Logger
	tracer      trace.Tracer

	mu sync.Mutex
	// provisioning holds sessions whose Provision call is in progress.
	provisioning map[string]bool
	// provisioned maps a session to the room this manager created for it,
	// until the room is torn down.
	provisioned map[string]string
	// tearing and retired hold room refs being or already torn down.
	tearing map[string]bool
	retired map[string]time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	provisionedCount  atomic.Uint64
	provisionFailures atomic.Uint64
	tornDown          atomic.Uint64
	teardownFailures  atomic.Uint64
}

// NewManager creates a room lifecycle manager.
func NewManager(p interfaces.RoomProvisioner, sessions Sessions, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Manager{
		provisioner:  p,
		sessions:     sessions,
		cfg:          cfg,
		logger:       logger.With("component", "room"),
		tracer:       otel.Tracer("partyboard/room"),
		provisioning: make(map[string]bool),
		provisioned:  make(map[string]string),
		tearing:      make(map[string]bool),
		retired:      make(map[string]time.Time),
		sem:          make(chan struct{}, cfg.Workers),
	}
}

// Run consumes sub until ctx is done or the subscription is closed, and
// periodically reconciles against the store. It waits for in-flight side
// effects before returning.
func (m *Manager) Run(ctx context.Context, sub *hub.Subscription) error {
	defer m.wg.Wait()

	events := make(chan hub.Event)
	errc := make(chan error, 1)
	go func() {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	var tick <-chan time.Time
	if m.cfg.ReconcileInterval > 0 {
		ticker := time.NewTicker(m.cfg.ReconcileInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev := <-events:
			m.Handle(ctx, ev)
		case <-tick:
			if err := m.Reconcile(ctx); err != nil {
				m.logger.Warn("periodic reconcile failed", "error", err)
			}
		case err := <-errc:
			if errors.Is(err, hub.ErrSubscriptionClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// Handle inspects one transition and starts whatever room side effect it
// calls for. It does not wait for the side effect.
func (m *Manager) Handle(ctx context.Context, ev hub.Event) {
	switch ev.Kind {
	case hub.EventDeleted:
		m.onDeleted(ctx, ev.SessionID, ev.Old)
	case hub.EventCreated, hub.EventUpdated:
		m.onSnapshot(ctx, ev.New, false)
	}
}

// onSnapshot starts the side effect s calls for. Transitions provision only
// for an ongoing session; catchUp also covers a session that filled, lost
// its provisioning attempt and has since reopened.
func (m *Manager) onSnapshot(ctx context.Context, s *types.Session, catchUp bool) {
	if s == nil {
		return
	}
	switch {
	case s.Status.Terminal() && s.RoomRef != "":
		m.startTeardown(ctx, s.ID, s.RoomRef, true)
	case needsRoom(s) && (catchUp || s.Status == types.StatusOngoing):
		m.startProvision(ctx, s)
	}
}

func (m *Manager) onDeleted(ctx context.Context, sessionID string, last *types.Session) {
	ref := ""
	if last != nil {
		ref = last.RoomRef
	}
	m.mu.Lock()
	if ref == "" {
		ref = m.provisioned[sessionID]
	}
	m.mu.Unlock()

	if ref != "" {
		m.startTeardown(ctx, sessionID, ref, false)
	}
}

// needsRoom reports whether s has filled at least once, is still live and
// has no room yet.
func needsRoom(s *types.Session) bool {
	return s.RoomEverFilled && !s.RoomRetired && s.RoomRef == "" && !s.Status.Terminal()
}

func (m *Manager) startProvision(ctx context.Context, s *types.Session) {
	m.mu.Lock()
	if m.provisioning[s.ID] || m.provisioned[s.ID] != "" {
		m.mu.Unlock()
		return
	}
	m.provisioning[s.ID] = true
	m.mu.Unlock()

	m.spawn(func() {
		defer func() {
			m.mu.Lock()
			delete(m.provisioning, s.ID)
			m.mu.Unlock()
		}()
		m.provision(ctx, s)
	})
}

func (m *Manager) startTeardown(ctx context.Context, sessionID, ref string, clearRef bool) {
	m.mu.Lock()
	if _, done := m.retired[ref]; done || m.tearing[ref] {
		m.mu.Unlock()
		return
	}
	m.tearing[ref] = true
	m.pruneRetired()
	m.mu.Unlock()

	m.spawn(func() {
		defer func() {
			m.mu.Lock()
			delete(m.tearing, ref)
			m.mu.Unlock()
		}()
		m.teardown(ctx, sessionID, ref, clearRef)
	})
}

// pruneRetired forgets refs retired long ago. Caller holds m.mu.
func (m *Manager) pruneRetired() {
	if len(m.retired) < retiredPruneThreshold {
		return
	}
	cutoff := time.Now().Add(-retiredTTL)
	for ref, at := range m.retired {
		if at.Before(cutoff) {
			delete(m.retired, ref)
		}
	}
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sem <- struct{}{}
		defer func() { <-m.sem }()
		fn()
	}()
}

func (m *Manager) provision(ctx context.Context, s *types.Session) {
	ctx, span := m.tracer.Start(ctx, "room.Provision", trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	var ref string
	err := m.retry(ctx, "provision", s.ID, func(ctx context.Context) error {
		var err error
		ref, err = m.provisioner.Provision(ctx, s.ID, s.MemberRefs())
		return err
	})
	if err != nil {
		m.provisionFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provision failed")
		m.logger.Error("room provisioning failed", "session_id", s.ID, "error", err)
		return
	}
	m.provisionedCount.Add(1)

	m.mu.Lock()
	m.provisioned[s.ID] = ref
	m.mu.Unlock()
	m.logger.Info("room provisioned", "session_id", s.ID, "room_ref", ref)

	// Persist the ref. If the session ended meanwhile, the commit event
	// carries both the terminal status and the ref and triggers teardown.
	err = m.retry(ctx, "persist room ref", s.ID, func(ctx context.Context) error {
		_, err := m.sessions.Apply(ctx, s.ID, session.Update(systemActor, types.Patch{RoomRef: &ref}))
		return permanentUnlessTransient(err)
	})
	switch {
	case err == nil:
		return
	case errors.Is(err, coordinator.ErrSessionNotFound):
		m.logger.Info("session deleted while provisioning, releasing room", "session_id", s.ID, "room_ref", ref)
	default:
		m.logger.Warn("room ref not persisted, releasing room", "session_id", s.ID, "room_ref", ref, "error", err)
	}
	m.startTeardown(ctx, s.ID, ref, false)
}

func (m *Manager) teardown(ctx context.Context, sessionID, ref string, clearRef bool) {
	ctx, span := m.tracer.Start(ctx, "room.Teardown", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("room.ref", ref),
	))
	defer span.End()

	err := m.retry(ctx, "teardown", sessionID, func(ctx context.Context) error {
		err := m.provisioner.Teardown(ctx, ref)
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		m.teardownFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
		m.logger.Error("room teardown failed", "session_id", sessionID, "room_ref", ref, "error", err)
		return
	}
	m.tornDown.Add(1)

	m.mu.Lock()
	m.retired[ref] = time.Now()
	if m.provisioned[sessionID] == ref {
		delete(m.provisioned, sessionID)
	}
	m.mu.Unlock()
	m.logger.Info("room torn down", "session_id", sessionID, "room_ref", ref)

	if !clearRef {
		return
	}
	empty := ""
	err = m.retry(ctx, "clear room ref", sessionID, func(ctx context.Context) error {
		_, err := m.sessions.Apply(ctx, sessionID, session.Update(systemActor, types.Patch{RoomRef: &empty}))
		return permanentUnlessTransient(err)
	})
	if err != nil && !errors.Is(err, coordinator.ErrSessionNotFound) {
		m.logger.Warn("room ref not cleared", "session_id", sessionID, "room_ref", ref, "error", err)
	}
}

// Reconcile compares stored sessions with their rooms: live filled sessions
// without a room get one, ended sessions still holding a room lose it. It is
// run at startup and on the reconcile interval.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.sessions.List(ctx, types.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range sessions {
		m.onSnapshot(ctx, s, true)
	}
	m.logger.Debug("room reconcile pass", "sessions", len(sessions))
	return nil
}

// Stats returns side effect counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	inFlight := len(m.provisioning) + len(m.tearing)
	m.mu.Unlock()
	return Stats{
		Provisioned:       m.provisionedCount.Load(),
		ProvisionFailures: m.provisionFailures.Load(),
		TornDown:          m.tornDown.Load(),
		TeardownFailures:  m.teardownFailures.Load(),
		InFlight:          inFlight,
	}
}

// Wait blocks until every started side effect has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) retry(ctx context.Context, what, sessionID string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("room call failed, retrying",
				"op", what, "session_id", sessionID, "retry_in", next, "error", err)
		}),
	)
	return err
}

// permanentUnlessTransient stops retrying coordinator errors that will not
// change by waiting.
func permanentUnlessTransient(err error) error {
	if err == nil || coordinator.Classify(err).Retryable() {
		return err
	}
	return backoff.Permanent(err)
}
