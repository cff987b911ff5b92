package main

import (
	"bytes"
	"strings"
	"testing"

	"partyboard/internal/config"
)

func TestParseFlags(t *testing.T) {
	opts, _, err := parseFlags([]string{"--addr", "127.0.0.1:9090", "--db", "/tmp/pb.db", "--log-format", "json", "--log-level", "debug"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}

	cfg := config.DefaultConfig()
	if err := opts.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.HTTP.Host != "127.0.0.1" || cfg.HTTP.Port != 9090 {
		t.Errorf("expected 127.0.0.1:9090, got %s", cfg.HTTP.Addr())
	}
	if cfg.Database.DatabasePath != "/tmp/pb.db" {
		t.Errorf("expected db path override, got %q", cfg.Database.DatabasePath)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("expected json/debug logging, got %s/%s", cfg.Log.Format, cfg.Log.Level)
	}
}

func TestParseFlags_NoOverrides(t *testing.T) {
	opts, _, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg := config.DefaultConfig()
	want := *config.DefaultConfig()
	if err := opts.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.HTTP.Addr() != want.HTTP.Addr() || cfg.Database.DatabasePath != want.Database.DatabasePath {
		t.Error("defaults should be untouched without flags")
	}
}

func TestParseFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--nope"}},
		{"positional argument", []string{"serve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseFlags(tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApply_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		opts options
	}{
		{"addr without port", options{addr: "localhost"}},
		{"non-numeric port", options{addr: "localhost:http"}},
		{"port out of range", options{addr: "localhost:70000"}},
		{"bad log level", options{logLevel: "loud"}},
		{"bad log format", options{logFormat: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.opts.apply(config.DefaultConfig()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-h"}, &out); err != nil {
		t.Fatalf("run -h: %v", err)
	}
	if !strings.Contains(out.String(), "--config") {
		t.Errorf("help should list flags, got %q", out.String())
	}
}

func TestRun_MissingConfigFile(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"--config", "/nonexistent/partyboard.yaml"}, &out); err == nil {
		t.Error("expected error for missing config file")
	}
}
