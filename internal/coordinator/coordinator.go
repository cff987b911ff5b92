// Package coordinator applies session operations with optimistic
// concurrency: read, transition, commit if the version is unchanged, retry on
// a lost race, publish on success.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"partyboard/internal/hub"
	"partyboard/internal/session"
	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

// Publisher receives every committed transition.
type Publisher interface {
	Publish(ev hub.Event) error
}

// Config bounds retries and store calls.
type Config struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff" env:"MAX_BACKOFF"`
	StoreTimeout   time.Duration `json:"store_timeout" mapstructure:"store_timeout" env:"STORE_TIMEOUT"`
}

// DefaultConfig returns the default retry budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		StoreTimeout:   2 * time.Second,
	}
}

// Validate checks the retry budget.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return errors.New("backoff must be positive and max backoff at least the initial backoff")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	return nil
}

// Stats counts coordinator outcomes since start.
type Stats struct {
	Commits      uint64 `json:"commits"`
	VersionRaces uint64 `json:"version_races"`
	Conflicts    uint64 `json:"conflicts"`
	Unavailable  uint64 `json:"unavailable"`
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// Coordinator serialises committed mutations of each session through the
// store's version check. It holds no locks across an operation.
type Coordinator struct {
	store  interfaces.SessionStore
	bus    Publisher
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	commits      atomic.Uint64
	versionRaces atomic.Uint64
	conflicts    atomic.Uint64
	unavailable  atomic.Uint64
}

// New creates a coordinator over store that publishes to bus.
func New(store interfaces.SessionStore, bus Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "coordinator"),
		tracer: otel.Tracer("partyboard/coordinator"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenRequest is a request to open a new session.
type OpenRequest struct {
	Owner session.Actor
	Draft session.Draft
}

// Open creates a session with the owner in the first slot and publishes a
// created event.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (*types.Session, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Open",
		trace.WithAttributes(attribute.String("session.owner", req.Owner.Ref)))
	defer span.End()

	snap, err := session.Open(c.newID(), req.Owner, req.Draft, c.now().UTC())
	if err != nil {
		return nil, c.fail(span, err)
	}
	span.SetAttributes(attribute.String("session.id", snap.ID))

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	err = c.store.CreateSession(storeCtx, snap)
	cancel()
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionExists) {
			return nil, c.fail(span, fmt.Errorf("%w: session id collision", ErrConflict))
		}
		return nil, c.fail(span, c.unavailableErr(err))
	}
	c.commits.Add(1)

	c.publish(hub.Created(snap))
	c.logger.Info("session opened",
		"session_id", snap.ID, "owner", snap.OwnerRef, "capacity", snap.Capacity, "game", snap.Game)
	return snap.Clone(), nil
}

// Apply runs op against the current snapshot of sessionID and commits the
// result conditionally on the version it read. A lost version race re-reads
// and retries with jittered exponential backoff; running out of attempts
// yields ErrConflict. Rejections, missing sessions and store failures are
// returned immediately.
//
// For a delete, Result.Prev holds the removed snapshot and Result.Next is nil.
// FUNCTIONAL DISCOVERY: The event is published after the commit and before
// Apply returns, so a caller never observes state its feeds have not been
// offered
func (c *Coordinator) Apply(ctx context.Context, sessionID string, op session.Op) (session.Result, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Apply", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.op", string(op.Kind)),
		attribute.String("session.actor", op.Actor.Ref),
	))
	defer span.End()

	attempts := 0
	attempt := func() (session.Result, error) {
		attempts++
		return c.attempt(ctx, sessionID, op)
	}

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
	)
	span.SetAttributes(attribute.Int("coordinator.attempts", attempts))
	if err != nil {
		switch {
		case errors.Is(err, errVersionRace):
			c.conflicts.Add(1)
			c.logger.Warn("retry budget exhausted",
				"session_id", sessionID, "op", op.Kind, "attempts", attempts)
			err = fmt.Errorf("%w: %s after %d attempts", ErrConflict, op.Kind, attempts)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if !errors.Is(err, ErrUnavailable) {
				err = c.unavailableErr(err)
			}
		}
		return session.Result{}, c.fail(span, err)
	}

	c.commits.Add(1)
	if res.Deleted {
		c.publish(hub.Deleted(op, res.Prev))
		c.logger.Info("session deleted", "session_id", sessionID, "actor", op.Actor.Ref)
	} else {
		c.publish(hub.Updated(op, res.Prev, res.Next))
		c.logger.Debug("session updated",
			"session_id", sessionID, "op", op.Kind, "version", res.Next.Version,
			"status", res.Next.Status, "occupied", res.Next.Occupied)
	}

	out := session.Result{Prev: res.Prev.Clone(), Deleted: res.Deleted}
	if res.Next != nil {
		out.Next = res.Next.Clone()
	}
	return out, nil
}

// attempt is one read-transition-commit round. Only errVersionRace is
// retryable; everything else is wrapped as permanent.
func (c *Coordinator) attempt(ctx context.Context, sessionID string, op session.Op) (session.Result, error) {
	snap, err := c.read(ctx, sessionID)
	if err != nil {
		return session.Result{}, backoff.Permanent(err)
	}

	if op.At.IsZero() {
		op.At = c.now().UTC()
	}
	res, err := session.Transition(snap, op)
	if err != nil {
		if errors.Is(err, session.ErrInvariant) {
			c.logger.Error("state machine invariant violated",
				"session_id", sessionID, "op", op.Kind, "error", err)
		}
		return session.Result{}, backoff.Permanent(err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	var ok bool
	if res.Deleted {
		ok, err = c.store.DeleteIfVersion(storeCtx, sessionID, snap.Version)
	} else {
		ok, err = c.store.CommitIfVersion(storeCtx, res.Next, snap.Version)
	}
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return session.Result{}, backoff.Permanent(ErrSessionNotFound)
	case err != nil:
		return session.Result{}, backoff.Permanent(c.unavailableErr(err))
	case !ok:
		c.versionRaces.Add(1)
		return session.Result{}, errVersionRace
	}
	return res, nil
}

func (c *Coordinator) read(ctx context.Context, sessionID string) (*types.Session, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	snap, err := c.store.GetSession(storeCtx, sessionID)
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, c.unavailableErr(err)
	}
	return snap, nil
}

// Get returns the current snapshot of a session.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.read(ctx, sessionID)
}

// List returns sessions matching filter.
func (c *Coordinator) List(ctx context.Context, filter types.ListFilter) ([]*types.Session, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	sessions, err := c.store.ListSessions(storeCtx, filter)
	if err != nil {
		return nil, c.unavailableErr(err)
	}
	return sessions, nil
}

// Stats returns outcome counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Commits:      c.commits.Load(),
		VersionRaces: c.versionRaces.Load(),
		Conflicts:    c.conflicts.Load(),
		Unavailable:  c.unavailable.Load(),
	}
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	return b
}

// publish hands the event to the bus. The commit has already happened, so a
// closed bus is logged and otherwise ignored.
func (c *Coordinator) publish(ev hub.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ev); err != nil {
		c.logger.Warn("event not published",
			"session_id", ev.SessionID, "kind", ev.Kind, "version", ev.Version, "error", err)
	}
}

func (c *Coordinator) unavailableErr(err error) error {
	c.unavailable.Add(1)
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (c *Coordinator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, Classify(err).String())
	return err
}
