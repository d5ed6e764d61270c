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

package config

import (
	"os"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
)

// FileConfig is the shape of corral.yaml. Every field is optional;
// durations are strings accepted by time.ParseDuration. Flags given on
// the command line win over values read from the file.
type FileConfig struct {
	Daemon    DaemonYAML    `json:"daemon,omitempty"`
	Telemetry TelemetryYAML `json:"telemetry,omitempty"`
	Git       GitYAML       `json:"git,omitempty"`
	GitHub    GitHubYAML    `json:"github,omitempty"`
	Hooks     HooksYAML     `json:"hooks,omitempty"`
	Perf      PerfYAML      `json:"perf,omitempty"`
	Log       LogYAML       `json:"log,omitempty"`
}

// DaemonYAML configures the control-plane listener and the state store.
type DaemonYAML struct {
	// ListenAddr is the host:port the control endpoint binds.
	ListenAddr string `json:"listen_addr,omitempty"`
	// AuthToken guards the control endpoint. Required when ListenAddr
	// is not loopback.
	AuthToken string `json:"auth_token,omitempty"`
	// StateDB is the sqlite database path.
	StateDB string `json:"state_db,omitempty"`
	// SettingsDir is where per-session agent settings files are
	// written.
	SettingsDir string `json:"settings_dir,omitempty"`
	// TombstoneTTL is how long an exited session stays queryable.
	// "0" removes exited sessions immediately.
	TombstoneTTL string `json:"tombstone_ttl,omitempty"`
}

// TelemetryYAML configures the OTLP ingest listener and the history
// tailer.
type TelemetryYAML struct {
	// Disabled turns the ingest listener off entirely.
	Disabled bool `json:"disabled,omitempty"`
	// ListenAddr is the host:port the ingest endpoint binds.
	ListenAddr string `json:"listen_addr,omitempty"`
	// Mode selects the retention filter: lifecycle-fast or full.
	Mode string `json:"mode,omitempty"`
	// HistoryFile is the provider prompt history file to tail. Empty
	// disables the tailer.
	HistoryFile string `json:"history_file,omitempty"`
}

// GitYAML configures the directory git-status refresher.
type GitYAML struct {
	// Disabled turns the refresher off.
	Disabled bool `json:"disabled,omitempty"`
	// PollInterval is the base period between enumeration passes.
	PollInterval string `json:"poll_interval,omitempty"`
	// MinRefresh floors the per-directory refresh cooldown.
	MinRefresh string `json:"min_refresh,omitempty"`
	// MaxConcurrency bounds parallel directory refreshes.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// GitHubYAML configures the pull request poller. The poller only runs
// when a token source is configured.
type GitHubYAML struct {
	// Disabled turns the poller off even when a token is available.
	Disabled bool `json:"disabled,omitempty"`
	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `json:"token_env,omitempty"`
	// PollInterval is the base period between sync passes.
	PollInterval string `json:"poll_interval,omitempty"`
	// MaxConcurrency bounds parallel branch syncs.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// HooksYAML configures the lifecycle webhook runtime.
type HooksYAML struct {
	// Endpoints are the webhook URLs lifecycle events are POSTed to.
	Endpoints []string `json:"endpoints,omitempty"`
	// DisabledProviders lists agent kinds whose events are skipped.
	DisabledProviders []string `json:"disabled_providers,omitempty"`
}

// PerfYAML configures the performance event sink.
type PerfYAML struct {
	// Path is the JSONL file perf events are appended to. Empty
	// disables the sink.
	Path string `json:"path,omitempty"`
	// SampleRates maps an event name to the fraction kept, in [0, 1].
	SampleRates map[string]float64 `json:"sample_rates,omitempty"`
}

// LogYAML configures process logging.
type LogYAML struct {
	// Severity is the minimum emitted level: debug, info, warn or
	// error.
	Severity string `json:"severity,omitempty"`
}

// ReadConfigFile loads and parses a corral.yaml. A missing path returns
// an empty config so callers can treat the file as optional.
func ReadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	return ParseConfig(data)
}

// ParseConfig parses corral.yaml contents.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}
