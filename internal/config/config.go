package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"partyboard/internal/coordinator"
	"partyboard/internal/hub"
	"partyboard/internal/notify"
	"partyboard/internal/reaper"
	"partyboard/internal/room"
	dbconfig "partyboard/pkg/database"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "PARTYBOARD_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Each component owns its Config type; this struct only assembles them
type Config struct {
	HTTP        HTTPConfig         `json:"http" mapstructure:"http" envPrefix:"HTTP_"`
	Database    dbconfig.Config    `json:"database" mapstructure:"database" envPrefix:"DB_"`
	Coordinator coordinator.Config `json:"coordinator" mapstructure:"coordinator" envPrefix:"COORDINATOR_"`
	Bus         BusConfig          `json:"bus" mapstructure:"bus" envPrefix:"BUS_"`
	Rooms       RoomsConfig        `json:"rooms" mapstructure:"rooms" envPrefix:"ROOMS_"`
	Reaper      reaper.Config      `json:"reaper" mapstructure:"reaper" envPrefix:"REAPER_"`
	Notify      notify.Config      `json:"notify" mapstructure:"notify" envPrefix:"NOTIFY_"`
	WebSocket   WebSocketConfig    `json:"websocket" mapstructure:"websocket" envPrefix:"WS_"`
	Log         LogConfig          `json:"log" mapstructure:"log" envPrefix:"LOG_"`
}

// HTTPConfig configures the caller surface.
type HTTPConfig struct {
	Host            string        `json:"host" mapstructure:"host" env:"HOST"`
	Port            int           `json:"port" mapstructure:"port" env:"PORT"`
	ReadTimeout     time.Duration `json:"read_timeout" mapstructure:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimit is the number of mutating requests one requester may make
	// per minute.
	RateLimit int `json:"rate_limit" mapstructure:"rate_limit" env:"RATE_LIMIT"`
}

// Addr returns host:port for net.Listen.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// BusConfig configures the event bus and its subscriber queues.
type BusConfig struct {
	ReorderWindow time.Duration `json:"reorder_window" mapstructure:"reorder_window" env:"REORDER_WINDOW"`
	MaxPending    int           `json:"max_pending" mapstructure:"max_pending" env:"MAX_PENDING"`
	QueueSize     int           `json:"queue_size" mapstructure:"queue_size" env:"QUEUE_SIZE"`
	// Policy is the overflow policy of the web and bot feeds. The room
	// manager always blocks so no provisioning trigger is lost.
	Policy string `json:"policy" mapstructure:"policy" env:"POLICY"`
}

// RoomsConfig selects the room service. An empty ServiceURL keeps rooms in
// memory.
type RoomsConfig struct {
	ServiceURL  string `json:"service_url" mapstructure:"service_url" env:"SERVICE_URL"`
	Token       string `json:"-" mapstructure:"token" env:"TOKEN"`
	room.Config `mapstructure:",squash"`
}

// WebSocketConfig configures the web push feed.
type WebSocketConfig struct {
	MaxConnections int      `json:"max_connections" mapstructure:"max_connections" env:"MAX_CONNECTIONS"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level" env:"LEVEL"`
	Format string `json:"format" mapstructure:"format" env:"FORMAT"`
}

// DefaultConfig returns production-ready defaults: SQLite next to the
// binary, HTTP on 8080, in-memory rooms and no bot webhook.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
		},
		Database:    *dbconfig.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Bus: BusConfig{
			ReorderWindow: 2 * time.Second,
			MaxPending:    64,
			QueueSize:     256,
			Policy:        string(hub.DropOldest),
		},
		Rooms:     RoomsConfig{Config: room.DefaultConfig()},
		Reaper:    reaper.DefaultConfig(),
		Notify:    notify.DefaultConfig(),
		WebSocket: WebSocketConfig{MaxConnections: 1000},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.RateLimit <= 0 {
		return fmt.Errorf("HTTP rate limit must be positive")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if c.Bus.ReorderWindow <= 0 || c.Bus.MaxPending < 1 || c.Bus.QueueSize < 1 {
		return fmt.Errorf("bus: reorder window, max pending and queue size must be positive")
	}
	if _, err := hub.ParsePolicy(c.Bus.Policy); err != nil {
		return fmt.Errorf("bus: %w: %q", err, c.Bus.Policy)
	}
	if c.Rooms.ServiceURL != "" &&
		!strings.HasPrefix(c.Rooms.ServiceURL, "http://") && !strings.HasPrefix(c.Rooms.ServiceURL, "https://") {
		return fmt.Errorf("rooms: service url must be http(s): %q", c.Rooms.ServiceURL)
	}
	if err := c.Rooms.Config.Validate(); err != nil {
		return fmt.Errorf("rooms: %w", err)
	}
	if err := c.Reaper.Validate(); err != nil {
		return fmt.Errorf("reaper: %w", err)
	}
	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if c.WebSocket.MaxConnections < 0 {
		return fmt.Errorf("websocket: max connections cannot be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: format must be text or json, got %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// LoadFromEnv overlays PARTYBOARD_* environment variables on the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile overlays a config file (json, yaml or toml, by extension) on
// the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves configuration with precedence file > environment > defaults.
// path may be empty.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}
