package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"partyboard/internal/coordinator"
	"partyboard/internal/reaper"
	"partyboard/internal/session"
	"partyboard/pkg/types"
)

// Sessions is the coordinator surface the API drives.
type Sessions interface {
	Open(ctx context.Context, req coordinator.OpenRequest) (*types.Session, error)
	Apply(ctx context.Context, sessionID string, op session.Op) (session.Result, error)
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	List(ctx context.Context, filter types.ListFilter) ([]*types.Session, error)
}

// Sweeper runs a manual expiry sweep.
type Sweeper interface {
	Sweep(ctx context.Context, ttl, grace time.Duration) (reaper.Report, error)
}

// HealthChecker reports store reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators of the API server. Sweeper and Stats are
// optional.
type Deps struct {
	Sessions  Sessions
	Sweeper   Sweeper
	Store     HealthChecker
	Stats     func() map[string]any
	RateLimit int
	Logger    *slog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// No business rules here: identity, decoding, and mapping coordinator outcomes to status codes
type Server struct {
	sessions Sessions
	sweeper  Sweeper
	store    HealthChecker
	stats    func() map[string]any
	limiter  *RateLimiter
	logger   *slog.Logger
	router   *http.ServeMux
	started  time.Time
}

// NewServer creates the API server and registers its routes.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 100
	}
	s := &Server{
		sessions: d.Sessions,
		sweeper:  d.Sweeper,
		store:    d.Store,
		stats:    d.Stats,
		limiter:  NewRateLimiter(d.RateLimit, time.Minute),
		logger:   d.Logger.With("component", "api"),
		router:   http.NewServeMux(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.handle("POST /api/recruitments", s.limited(s.openRecruitment))
	s.handle("GET /api/recruitments", s.listRecruitments)
	s.handle("GET /api/recruitments/{id}", s.getRecruitment)
	s.handle("POST /api/recruitments/{id}/join", s.limited(s.apply(func(a session.Actor, _ *http.Request) (session.Op, error) {
		return session.Join(a), nil
	})))
	s.handle("POST /api/recruitments/{id}/leave", s.limited(s.apply(func(a session.Actor, _ *http.Request) (session.Op, error) {
		return session.Leave(a), nil
	})))
	s.handle("POST /api/recruitments/{id}/close", s.limited(s.apply(func(a session.Actor, _ *http.Request) (session.Op, error) {
		return session.Close(a), nil
	})))
	s.handle("POST /api/recruitments/{id}/cancel", s.limited(s.apply(func(a session.Actor, _ *http.Request) (session.Op, error) {
		return session.Cancel(a), nil
	})))
	s.handle("DELETE /api/recruitments/{id}", s.limited(s.apply(func(a session.Actor, _ *http.Request) (session.Op, error) {
		return session.Delete(a), nil
	})))
	s.handle("PATCH /api/recruitments/{id}", s.limited(s.apply(decodePatch)))
	s.handle("POST /api/recruitments/cleanup", s.limited(s.cleanup))
	s.handle("GET /health", s.healthCheck)
	// Preflight for every route above.
	s.handle("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(h)))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CleanupLimiter drops idle rate-limit state every interval until ctx is done.
func (s *Server) CleanupLimiter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Request/Response types for JSON serialization
type OpenRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Game        string `json:"game"`
	Platform    string `json:"platform"`
	RankFilter  string `json:"rank_filter"`
	Capacity    int    `json:"capacity"`
	ChannelRef  string `json:"channel_ref"`
}

type RecruitmentResponse struct {
	Recruitment *types.Session `json:"recruitment"`
}

type ListResponse struct {
	Recruitments []*types.Session `json:"recruitments"`
	Count        int              `json:"count"`
}

type DeletedResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type CleanupResponse struct {
	Hours  int           `json:"hours"`
	Report reaper.Report `json:"report"`
}

type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Uptime     string         `json:"uptime"`
	Database   string         `json:"database"`
	Components map[string]any `json:"components,omitempty"`
}

// actor reads the requester identity. Authentication happens upstream.
func actor(r *http.Request) (session.Actor, error) {
	ref := strings.TrimSpace(r.Header.Get("X-User-ID"))
	name := strings.TrimSpace(r.Header.Get("X-User-Name"))
	if ref == "" {
		return session.Actor{}, ErrMissingIdentity
	}
	if !types.IsValidUserRef(ref) || strings.HasPrefix(ref, "system:") || !types.IsValidDisplayName(name) {
		return session.Actor{}, ErrInvalidIdentity
	}
	if name == "" {
		name = ref
	}
	return session.User(ref, name), nil
}

// POST /api/recruitments
func (s *Server) openRecruitment(w http.ResponseWriter, r *http.Request) {
	owner, err := actor(r)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req OpenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := s.sessions.Open(r.Context(), coordinator.OpenRequest{
		Owner: owner,
		Draft: session.Draft{
			Title:       req.Title,
			Description: req.Description,
			Game:        req.Game,
			Platform:    req.Platform,
			RankFilter:  req.RankFilter,
			Capacity:    req.Capacity,
			ChannelRef:  req.ChannelRef,
		},
	})
	if err != nil {
		s.sendOpError(w, r, "open", "", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, RecruitmentResponse{Recruitment: snap})
}

// GET /api/recruitments?game=&platform=&status=&limit=
// status defaults to open; "any" lists every status.
func (s *Server) listRecruitments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.ListFilter{
		Game:     q.Get("game"),
		Platform: q.Get("platform"),
		Statuses: []types.Status{types.StatusOpen},
	}
	if raw := q.Get("status"); raw != "" {
		filter.Statuses = nil
		if raw != "any" {
			for _, part := range strings.Split(raw, ",") {
				st := types.Status(strings.TrimSpace(part))
				if !st.Valid() {
					s.sendError(w, ErrInvalidQuery.Error()+": status", http.StatusBadRequest)
					return
				}
				filter.Statuses = append(filter.Statuses, st)
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.sendError(w, ErrInvalidQuery.Error()+": limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	list, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		s.sendOpError(w, r, "list", "", err)
		return
	}
	if list == nil {
		list = []*types.Session{}
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Recruitments: list, Count: len(list)})
}

// GET /api/recruitments/{id}
func (s *Server) getRecruitment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.sendOpError(w, r, "get", id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, RecruitmentResponse{Recruitment: snap})
}

// apply builds a handler that runs one state-machine operation on {id}.
func (s *Server) apply(build func(session.Actor, *http.Request) (session.Op, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := actor(r)
		if err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		op, err := build(a, r)
		if err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}

		id := r.PathValue("id")
		res, err := s.sessions.Apply(r.Context(), id, op)
		if err != nil {
			s.sendOpError(w, r, string(op.Kind), id, err)
			return
		}
		if res.Deleted {
			s.sendJSON(w, http.StatusOK, DeletedResponse{ID: id, Deleted: true})
			return
		}
		s.sendJSON(w, http.StatusOK, RecruitmentResponse{Recruitment: res.Next})
	}
}

func decodePatch(a session.Actor, r *http.Request) (session.Op, error) {
	var patch types.Patch
	if err := decodeJSON(r, &patch); err != nil {
		return session.Op{}, err
	}
	return session.Update(a, patch), nil
}

// POST /api/recruitments/cleanup?hours=N
// Deletes sessions older than N hours (default: the configured TTL).
func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		s.sendError(w, "cleanup is not enabled", http.StatusNotImplemented)
		return
	}
	hours := 2
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 24*30 {
			s.sendError(w, ErrInvalidQuery.Error()+": hours must be between 1 and 720", http.StatusBadRequest)
			return
		}
		hours = n
	}
	ttl := time.Duration(hours) * time.Hour
	grace := min(30*time.Minute, ttl)

	report, err := s.sweeper.Sweep(r.Context(), ttl, grace)
	if errors.Is(err, reaper.ErrSweepInProgress) {
		setRetryAfter(w, retryAfter)
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("manual cleanup failed", "hours", hours, "error", err)
		setRetryAfter(w, retryAfter)
		s.sendError(w, "cleanup failed", http.StatusServiceUnavailable)
		return
	}
	s.logger.Info("manual cleanup", "hours", hours, "deleted", report.Deleted, "failed", report.Failed)
	s.sendJSON(w, http.StatusOK, CleanupResponse{Hours: hours, Report: report})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "healthy",
	}
	if s.store != nil {
		if err := s.store.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	}
	if s.stats != nil {
		resp.Components = s.stats()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

// limited rejects requesters over their per-minute budget.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-User-ID")
		if key == "" {
			key = r.RemoteAddr
		}
		if ok, wait := s.limiter.Allow(key); !ok {
			setRetryAfter(w, wait)
			s.sendError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ErrInvalidJSON
	}
	return nil
}

func (s *Server) sendOpError(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	code, body := statusFor(err)
	switch {
	case code == http.StatusServiceUnavailable:
		setRetryAfter(w, retryAfter)
		s.logger.Warn("operation unavailable", "op", op, "session_id", id, "class", body.Class, "error", err)
	case code >= 500:
		s.logger.Error("operation failed", "op", op, "session_id", id, "error", err)
	default:
		s.logger.Debug("operation refused", "op", op, "session_id", id, "reason", body.Reason, "error", err)
	}
	s.sendJSON(w, code, body)
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-User-Name")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

// JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
