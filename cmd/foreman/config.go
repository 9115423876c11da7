package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the serve configuration, loaded from config.toml. Durations
// are written as strings ("90s", "1h"). Every field has a default; a
// missing config file runs entirely on defaults.
type Config struct {
	AgentCommand string   `toml:"agent_command"` // agent CLI binary (default "claude")
	AgentArgs    []string `toml:"agent_args"`    // extra args prepended to every invocation

	CleanupGrace    string `toml:"cleanup_grace"`    // delay before session teardown (default "1h")
	StopGrace       string `toml:"stop_grace"`       // SIGTERM→SIGKILL window (default "3s")
	LivenessTimeout string `toml:"liveness_timeout"` // terminate stalled agents; "0" disables (default)
	FallbackPoll    string `toml:"fallback_poll"`    // queue poll safety net (default "60s")

	TmuxPrefix string `toml:"tmux_prefix"` // per-task terminal session prefix (default "foreman-")
}

// LoadConfig reads the TOML config at path. A missing file is not an
// error; it yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg.withDefaults(), nil
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.AgentCommand == "" {
		out.AgentCommand = "claude"
	}
	if out.CleanupGrace == "" {
		out.CleanupGrace = "1h"
	}
	if out.StopGrace == "" {
		out.StopGrace = "3s"
	}
	if out.LivenessTimeout == "" {
		out.LivenessTimeout = "0"
	}
	if out.FallbackPoll == "" {
		out.FallbackPoll = "60s"
	}
	if out.TmuxPrefix == "" {
		out.TmuxPrefix = "foreman-"
	}
	return &out
}

// Durations parses the config's duration strings. "0" disables the
// corresponding behavior where that is meaningful.
func (c *Config) Durations() (cleanupGrace, stopGrace, liveness, fallbackPoll time.Duration, err error) {
	parse := func(name, v string) (time.Duration, error) {
		if v == "0" {
			return 0, nil
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return 0, fmt.Errorf("config %s = %q: %w", name, v, perr)
		}
		return d, nil
	}

	if cleanupGrace, err = parse("cleanup_grace", c.CleanupGrace); err != nil {
		return
	}
	if stopGrace, err = parse("stop_grace", c.StopGrace); err != nil {
		return
	}
	if liveness, err = parse("liveness_timeout", c.LivenessTimeout); err != nil {
		return
	}
	fallbackPoll, err = parse("fallback_poll", c.FallbackPoll)
	return
}
