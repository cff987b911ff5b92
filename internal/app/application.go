package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"partyboard/internal/api"
	"partyboard/internal/config"
	"partyboard/internal/coordinator"
	"partyboard/internal/database"
	"partyboard/internal/hub"
	"partyboard/internal/notify"
	"partyboard/internal/reaper"
	"partyboard/internal/room"
	"partyboard/internal/websocket"
	pkgdatabase "partyboard/pkg/database"
	"partyboard/pkg/interfaces"
)

// Application coordinates all system components
// Initialization follows strict dependency order:
// Database → Bus → Coordinator → Rooms → Feeds → Reaper → API → HTTP
type Application struct {
	config *config.Config
	logger *slog.Logger

	dbManager   *database.Manager
	bus         *hub.Hub
	coordinator *coordinator.Coordinator
	rooms       *room.Manager
	registry    *websocket.Registry
	broadcaster *websocket.Broadcaster
	notifier    *notify.Notifier
	reaper      *reaper.Reaper
	apiServer   *api.Server
	httpServer  *http.Server

	roomSub   *hub.Subscription
	feedSub   *hub.Subscription
	notifySub *hub.Subscription

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewApplication creates a new application instance with all components initialized
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Database, migrations and schema check
	dbManager, err := database.NewManager(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB())
	applied, err := migrations.ApplyMigrations(context.Background())
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database.DatabasePath, "migrations_applied", applied)

	// STEP 2: Event bus and the coordinator publishing to it
	bus := hub.NewHub(hub.Options{ReorderWindow: cfg.Bus.ReorderWindow, MaxPending: cfg.Bus.MaxPending}, logger)
	coord := coordinator.New(dbManager, bus, cfg.Coordinator, logger)

	app := &Application{
		config:      cfg,
		logger:      logger,
		dbManager:   dbManager,
		bus:         bus,
		coordinator: coord,
	}
	if err := app.wireSubscribers(); err != nil {
		bus.Close()
		_ = dbManager.Close()
		return nil, err
	}

	// STEP 6: Reaper shares the coordinator delete path
	app.reaper = reaper.New(dbManager, coord, cfg.Reaper, logger, nil)

	// STEP 7: API server and HTTP mux
	app.apiServer = api.NewServer(api.Deps{
		Sessions:  coord,
		Sweeper:   app.reaper,
		Store:     dbManager,
		Stats:     app.componentStats,
		RateLimit: cfg.HTTP.RateLimit,
		Logger:    logger,
	})
	wsHandler := websocket.NewHandler(app.registry, coord, originChecker(cfg.WebSocket.AllowedOrigins), logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", app.apiServer)
	mux.Handle("/health", app.apiServer)
	mux.HandleFunc("GET /ws/recruitments", wsHandler.HandleAll)
	mux.HandleFunc("GET /ws/recruitments/{id}", wsHandler.HandleSession)

	app.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           mux,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return app, nil
}

// wireSubscribers creates the room manager and the push feeds with their
// bus subscriptions.
func (app *Application) wireSubscribers() error {
	cfg := app.config
	policy, err := hub.ParsePolicy(cfg.Bus.Policy)
	if err != nil {
		return err
	}

	// STEP 3: Room lifecycle. Block keeps fills in the subscriber's backlog
	// instead of dropping them; Reconcile covers anything past the backlog.
	var provisioner interfaces.RoomProvisioner = room.NewMemoryProvisioner()
	if cfg.Rooms.ServiceURL != "" {
		provisioner = room.NewHTTPProvisioner(cfg.Rooms.ServiceURL, cfg.Rooms.Token, cfg.Rooms.CallTimeout)
	}
	app.rooms = room.NewManager(provisioner, app.coordinator, cfg.Rooms.Config, app.logger)
	if app.roomSub, err = app.bus.Subscribe("rooms", hub.SubscriberOptions{QueueSize: cfg.Bus.QueueSize, Policy: hub.Block}); err != nil {
		return fmt.Errorf("failed to subscribe room manager: %w", err)
	}

	// STEP 4: Web push feed
	app.registry = websocket.NewRegistry(cfg.WebSocket.MaxConnections)
	app.broadcaster = websocket.NewBroadcaster(app.registry, app.logger)
	if app.feedSub, err = app.bus.Subscribe("websocket", hub.SubscriberOptions{QueueSize: cfg.Bus.QueueSize, Policy: policy}); err != nil {
		return fmt.Errorf("failed to subscribe web feed: %w", err)
	}

	// STEP 5: Chat-bot feed, only when a webhook is configured
	if cfg.Notify.Enabled() {
		app.notifier = notify.New(cfg.Notify, nil, app.logger)
		if app.notifySub, err = app.bus.Subscribe("notify", hub.SubscriberOptions{QueueSize: cfg.Bus.QueueSize, Policy: policy}); err != nil {
			return fmt.Errorf("failed to subscribe bot feed: %w", err)
		}
	}
	return nil
}

// Start launches background workers and begins serving HTTP. It returns
// once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := app.rooms.Reconcile(gctx); err != nil {
			app.logger.Warn("startup reconcile failed", "error", err)
		}
		return app.rooms.Run(gctx, app.roomSub)
	})
	g.Go(func() error { return app.broadcaster.Run(gctx, app.feedSub) })
	if app.notifier != nil {
		g.Go(func() error { return app.notifier.Run(gctx, app.notifySub) })
	}
	g.Go(func() error {
		app.reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		app.apiServer.CleanupLimiter(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	// A failed worker takes the HTTP server down with it.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
		defer done()
		_ = app.httpServer.Shutdown(shutdownCtx)
		return nil
	})

	app.mu.Lock()
	app.listener = ln
	app.cancel = cancel
	app.group = g
	app.mu.Unlock()

	app.logger.Info("partyboard started", "addr", ln.Addr().String(), "notify", app.notifier != nil)
	return nil
}

// Wait blocks until a background worker fails or the application stops.
func (app *Application) Wait() error {
	app.mu.Lock()
	g := app.group
	app.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → workers and bus → database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down partyboard")

	// STEP 1: Stop accepting new requests
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", "error", err)
	}

	// STEP 2: Stop workers and close the bus. Late publishers get
	// ErrBusClosed.
	app.mu.Lock()
	cancel, g := app.cancel, app.group
	app.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	app.bus.Close()
	var runErr error
	if g != nil {
		runErr = g.Wait()
	}
	app.rooms.Wait()

	// STEP 3: Close the database
	if err := app.dbManager.Close(); err != nil {
		app.logger.Warn("database shutdown error", "error", err)
	}

	app.logger.Info("partyboard shutdown complete")
	return runErr
}

// GetAddr returns the bound address once started, or the configured one.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

func (app *Application) componentStats() map[string]any {
	stats := map[string]any{
		"bus":         app.bus.Stats(),
		"coordinator": app.coordinator.Stats(),
		"rooms":       app.rooms.Stats(),
		"reaper":      app.reaper.Stats(),
		"connections": app.registry.Stats(),
		"websocket":   app.broadcaster.Stats(),
	}
	if app.notifier != nil {
		stats["notify"] = app.notifier.Stats()
	}
	return stats
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
