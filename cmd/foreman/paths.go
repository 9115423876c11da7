package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved foreman state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	ForemanHome string // ~/.foreman or FOREMAN_HOME
	ConfigPath  string // config.toml or FOREMAN_CONFIG
	SocketPath  string // foreman.sock or FOREMAN_SOCKET_PATH
	DBPath      string // state.db or FOREMAN_DB_PATH
	SignalsDir  string // signals/ (respects FOREMAN_HOME)
}

// ResolvePaths returns all foreman paths, respecting env var overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all foreman state (default: ~/.foreman)
//   - FOREMAN_CONFIG: config file (default: $FOREMAN_HOME/config.toml)
//   - FOREMAN_SOCKET_PATH: observer UDS socket (default: $FOREMAN_HOME/foreman.sock)
//   - FOREMAN_DB_PATH: task database (default: $FOREMAN_HOME/state.db)
func ResolvePaths() (*Paths, error) {
	home, err := resolveForemanHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		ForemanHome: home,
		ConfigPath:  resolvePathWithEnv("FOREMAN_CONFIG", home, "config.toml"),
		SocketPath:  resolvePathWithEnv("FOREMAN_SOCKET_PATH", home, "foreman.sock"),
		DBPath:      resolvePathWithEnv("FOREMAN_DB_PATH", home, "state.db"),
		SignalsDir:  filepath.Join(home, "signals"),
	}, nil
}

func resolveForemanHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".foreman"), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
