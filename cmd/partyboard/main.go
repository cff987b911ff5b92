package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"partyboard/internal/app"
	"partyboard/internal/config"
)

// options are the command-line overrides. They win over file, env and
// defaults.
type options struct {
	configPath string
	addr       string
	dbPath     string
	logFormat  string
	logLevel   string
	help       bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("partyboard", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a json, yaml or toml config file")
	fs.StringVar(&opts.addr, "addr", "", "listen address host:port (overrides http.host and http.port)")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database path")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if fs.NArg() > 0 {
		return nil, fs, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, fs, nil
}

// apply copies the set flags onto cfg.
func (o *options) apply(cfg *config.Config) error {
	if o.addr != "" {
		host, port, err := net.SplitHostPort(o.addr)
		if err != nil {
			return fmt.Errorf("invalid --addr %q: %w", o.addr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid --addr port %q", port)
		}
		cfg.HTTP.Host = host
		cfg.HTTP.Port = p
	}
	if o.dbPath != "" {
		cfg.Database.DatabasePath = o.dbPath
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg.Validate()
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "partyboard:", err)
		os.Exit(1)
	}
}

// run loads configuration, starts the application and blocks until a
// signal arrives or a worker fails.
func run(args []string, stderr io.Writer) error {
	opts, fs, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) || (err == nil && opts.help) {
		fmt.Fprintf(stderr, "Usage: partyboard [flags]\n\n%s", fs.FlagUsages())
		return nil
	}
	if err != nil {
		return err
	}

	// STEP 1: Configuration with precedence flags > file > env > defaults
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(stderr)

	// STEP 2: Build and start the application
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return err
	}

	// STEP 3: Wait for a shutdown signal or a failed worker
	failed := make(chan error, 1)
	go func() { failed <- application.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-failed:
		logger.Error("worker stopped", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout+20*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
