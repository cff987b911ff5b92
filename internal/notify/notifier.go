// Package notify pushes session changes to a chat-bot webhook.
//
// Every delivery carries the full current snapshot and its version, so the
// bot overwrites its announcement instead of applying deltas. Deliveries for
// one session are made in version order; different sessions are spread over
// independent workers so one slow session does not hold up the rest.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"partyboard/internal/hub"
	"partyboard/pkg/types"
)

// Config controls webhook delivery.
type Config struct {
	URL            string        `json:"url" mapstructure:"url" env:"URL"`
	Token          string        `json:"-" mapstructure:"token" env:"TOKEN"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout" env:"TIMEOUT"`
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff" env:"MAX_BACKOFF"`
	Workers        int           `json:"workers" mapstructure:"workers" env:"WORKERS"`
	QueueSize      int           `json:"queue_size" mapstructure:"queue_size" env:"QUEUE_SIZE"`
	// SkipActors lists actor refs whose changes are not echoed back, usually
	// the bot itself storing its message ref.
	SkipActors []string `json:"skip_actors" mapstructure:"skip_actors" env:"SKIP_ACTORS"`
}

// DefaultConfig returns delivery settings with no webhook configured.
func DefaultConfig() Config {
	return Config{
		Timeout:        5 * time.Second,
		MaxAttempts:    4,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Workers:        4,
		QueueSize:      128,
	}
}

// Enabled reports whether a webhook URL is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Validate checks the delivery settings.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("notify url must be http(s): %q", c.URL)
	}
	if c.Timeout <= 0 {
		return errors.New("notify timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("notify max attempts must be at least 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return errors.New("notify backoff must be positive and max >= initial")
	}
	if c.Workers < 1 || c.QueueSize < 1 {
		return errors.New("notify workers and queue size must be at least 1")
	}
	return nil
}

// Notification is the webhook body.
type Notification struct {
	Event     string              `json:"event"`
	SessionID string              `json:"sessionId"`
	Version   int64               `json:"version"`
	Actor     string              `json:"actor"`
	Snapshot  *types.FeedSnapshot `json:"snapshot,omitempty"`
	// MessageRef and ChannelRef of a deleted session, so the bot can
	// remove its announcement.
	MessageRef string    `json:"messageRef,omitempty"`
	ChannelRef string    `json:"channelRef,omitempty"`
	At         time.Time `json:"at"`
}

// NotificationFromEvent builds the webhook body for ev.
func NotificationFromEvent(ev hub.Event) Notification {
	n := Notification{
		Event:     string(ev.Kind),
		SessionID: ev.SessionID,
		Version:   ev.Version,
		Actor:     ev.Actor,
		At:        ev.At,
	}
	if ev.Kind == hub.EventDeleted {
		if ev.Old != nil {
			n.MessageRef = ev.Old.MessageRef
			n.ChannelRef = ev.Old.ChannelRef
		}
		return n
	}
	snap := types.NewFeedSnapshot(ev.New)
	n.Snapshot = &snap
	return n
}

// StatusError is a non-2xx answer from the webhook.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the same delivery may succeed later.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Stats reports delivery counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

// Notifier delivers bus events to the webhook.
type Notifier struct {
	cfg    Config
	client *http.Client
	skip   map[string]bool
	logger *slog.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// New creates a notifier. client may be nil.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	skip := make(map[string]bool, len(cfg.SkipActors))
	for _, a := range cfg.SkipActors {
		skip[a] = true
	}
	return &Notifier{
		cfg:    cfg,
		client: client,
		skip:   skip,
		logger: logger.With("component", "notifier"),
	}
}

// Run reads sub until ctx is done or the subscription closes, then waits for
// in-flight deliveries.
func (n *Notifier) Run(ctx context.Context, sub *hub.Subscription) error {
	workers := max(n.cfg.Workers, 1)
	queues := make([]chan hub.Event, workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan hub.Event, max(n.cfg.QueueSize, 1))
		wg.Add(1)
		go func(q <-chan hub.Event) {
			defer wg.Done()
			for ev := range q {
				_ = n.Deliver(ctx, ev)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n.skip[ev.Actor] {
			n.skipped.Add(1)
			continue
		}
		q := queues[shard(ev.SessionID, workers)]
		select {
		case q <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// Deliver posts one event, retrying transient failures.
func (n *Notifier) Deliver(ctx context.Context, ev hub.Event) error {
	body, err := json.Marshal(NotificationFromEvent(ev))
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialBackoff
	b.MaxInterval = n.cfg.MaxBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := n.post(ctx, ev, body)
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(n.cfg.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			n.logger.Debug("webhook delivery failed, retrying",
				"session_id", ev.SessionID, "version", ev.Version, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("webhook delivery failed",
			"session_id", ev.SessionID, "kind", ev.Kind, "version", ev.Version, "error", err)
		return err
	}
	n.delivered.Add(1)
	return nil
}

func (n *Notifier) post(ctx context.Context, ev hub.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Partyboard-Event", string(ev.Kind))
	req.Header.Set("Idempotency-Key", ev.SessionID+":"+strconv.FormatInt(ev.Version, 10))
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

// Stats returns delivery counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
		Skipped:   n.skipped.Load(),
	}
}

func shard(sessionID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(n))
}
