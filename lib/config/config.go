/*
 * Corral
 * Copyright (C) 2025  Josh Moyers
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config resolves the daemon configuration from command-line
// flags, an optional corral.yaml and built-in defaults, in that order
// of precedence.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/defaults"
)

// CLIFlags carries the command-line values the daemon accepts. Zero
// values mean the flag was not given.
type CLIFlags struct {
	// ConfigPath is the corral.yaml location.
	ConfigPath string
	// Host is the control endpoint bind host.
	Host string
	// Port is the control endpoint bind port.
	Port int
	// AuthToken guards the control endpoint.
	AuthToken string
	// StateDBPath is the sqlite database path.
	StateDBPath string
	// Debug forces debug-level logging.
	Debug bool
}

// Config is the fully resolved daemon configuration.
type Config struct {
	// ListenAddr is the control endpoint bind address.
	ListenAddr string
	// AuthToken guards the control endpoint. Required for non-loopback
	// binds.
	AuthToken string
	// StateDBPath is the sqlite database path.
	StateDBPath string
	// SettingsDir is where per-session agent settings files live.
	SettingsDir string
	// TombstoneTTL is how long an exited session stays queryable. Nil
	// picks the default; zero removes exited sessions immediately.
	TombstoneTTL *time.Duration
	// Severity is the minimum log level.
	Severity string

	Telemetry TelemetrySettings
	Git       GitSettings
	GitHub    GitHubSettings
	Hooks     HooksSettings
	Perf      PerfSettings
}

// TelemetrySettings resolves the telemetry section.
type TelemetrySettings struct {
	Disabled    bool
	ListenAddr  string
	Mode        string
	HistoryFile string
}

// GitSettings resolves the git section.
type GitSettings struct {
	Disabled       bool
	PollInterval   time.Duration
	MinRefresh     time.Duration
	MaxConcurrency int
}

// GitHubSettings resolves the github section.
type GitHubSettings struct {
	Disabled       bool
	TokenEnv       string
	PollInterval   time.Duration
	MaxConcurrency int
}

// HooksSettings resolves the hooks section.
type HooksSettings struct {
	Endpoints         []string
	DisabledProviders []string
}

// PerfSettings resolves the perf section.
type PerfSettings struct {
	Path        string
	SampleRates map[string]float64
}

// FromCLI reads the config file named by the flags (or the default
// location), overlays the flags and fills in defaults.
func FromCLI(flags CLIFlags) (*Config, error) {
	path := flags.ConfigPath
	if path == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(dir, ".corral", "corral.yaml")
		}
	}
	var fc *FileConfig
	var err error
	if path != "" {
		fc, err = ReadConfigFile(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		fc = &FileConfig{}
	}

	cfg := &Config{}
	if err := applyFileConfig(fc, cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	if flags.Host != "" || flags.Port != 0 {
		host := flags.Host
		port := flags.Port
		if host == "" || port == 0 {
			// One of the pair came from the file or defaults.
			dh, dp := splitAddr(cfg.ListenAddr)
			if host == "" {
				host = dh
			}
			if port == 0 {
				port = dp
			}
		}
		cfg.ListenAddr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if flags.AuthToken != "" {
		cfg.AuthToken = flags.AuthToken
	}
	if flags.StateDBPath != "" {
		cfg.StateDBPath = flags.StateDBPath
	}
	if flags.Debug {
		cfg.Severity = "debug"
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func applyFileConfig(fc *FileConfig, cfg *Config) error {
	cfg.ListenAddr = fc.Daemon.ListenAddr
	cfg.AuthToken = fc.Daemon.AuthToken
	cfg.StateDBPath = fc.Daemon.StateDB
	cfg.SettingsDir = fc.Daemon.SettingsDir
	cfg.Severity = fc.Log.Severity

	if fc.Daemon.TombstoneTTL != "" {
		ttl, err := time.ParseDuration(fc.Daemon.TombstoneTTL)
		if err != nil || ttl < 0 {
			return trace.BadParameter("invalid daemon.tombstone_ttl %q", fc.Daemon.TombstoneTTL)
		}
		cfg.TombstoneTTL = &ttl
	}

	cfg.Telemetry = TelemetrySettings{
		Disabled:    fc.Telemetry.Disabled,
		ListenAddr:  fc.Telemetry.ListenAddr,
		Mode:        fc.Telemetry.Mode,
		HistoryFile: fc.Telemetry.HistoryFile,
	}
	cfg.Hooks = HooksSettings{
		Endpoints:         fc.Hooks.Endpoints,
		DisabledProviders: fc.Hooks.DisabledProviders,
	}
	cfg.Perf = PerfSettings{
		Path:        fc.Perf.Path,
		SampleRates: fc.Perf.SampleRates,
	}

	cfg.Git = GitSettings{
		Disabled:       fc.Git.Disabled,
		MaxConcurrency: fc.Git.MaxConcurrency,
	}
	var err error
	if cfg.Git.PollInterval, err = parseInterval("git.poll_interval", fc.Git.PollInterval); err != nil {
		return trace.Wrap(err)
	}
	if cfg.Git.MinRefresh, err = parseInterval("git.min_refresh", fc.Git.MinRefresh); err != nil {
		return trace.Wrap(err)
	}

	cfg.GitHub = GitHubSettings{
		Disabled:       fc.GitHub.Disabled,
		TokenEnv:       fc.GitHub.TokenEnv,
		MaxConcurrency: fc.GitHub.MaxConcurrency,
	}
	if cfg.GitHub.PollInterval, err = parseInterval("github.poll_interval", fc.GitHub.PollInterval); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// CheckAndSetDefaults validates the resolved config and fills in
// defaults. Binding a non-loopback control address without an auth
// token is refused here, before any listener opens.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = net.JoinHostPort(defaults.ControlHost, strconv.Itoa(defaults.ControlPort))
	}
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return trace.BadParameter("invalid listen address %q: %v", c.ListenAddr, err)
	}
	if c.AuthToken == "" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return trace.BadParameter("binding %q requires an auth token", c.ListenAddr)
		}
	}
	if c.SettingsDir == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		c.SettingsDir = filepath.Join(dir, ".corral")
	}
	if c.StateDBPath == "" {
		c.StateDBPath = filepath.Join(c.SettingsDir, "corral.db")
	}
	if c.Severity == "" {
		c.Severity = "info"
	}
	if c.Telemetry.ListenAddr == "" {
		c.Telemetry.ListenAddr = net.JoinHostPort(defaults.TelemetryHost, strconv.Itoa(defaults.TelemetryPort))
	}
	switch c.Telemetry.Mode {
	case "", "lifecycle-fast", "full":
	default:
		return trace.BadParameter("unknown telemetry.mode %q", c.Telemetry.Mode)
	}
	if c.GitHub.TokenEnv == "" {
		c.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
	return nil
}

func parseInterval(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, trace.BadParameter("invalid %s %q", name, value)
	}
	return d, nil
}

func splitAddr(addr string) (string, int) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return defaults.ControlHost, defaults.ControlPort
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		port = defaults.ControlPort
	}
	return host, port
}
