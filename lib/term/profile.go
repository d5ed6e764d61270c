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

package term

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/jmoyers/corral"
)

// Profile is a resolved launch plan for one session: the binary, its
// arguments, extra environment, and any settings file written for it.
type Profile struct {
	Command      string
	Args         []string
	Env          []string
	SettingsPath string
}

// Cleanup removes files written for the launch. Safe to call when none
// were written.
func (p Profile) Cleanup() error {
	if p.SettingsPath == "" {
		return nil
	}
	if err := os.Remove(p.SettingsPath); err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err)
	}
	return nil
}

// ProfileParams describes one session launch.
type ProfileParams struct {
	// Kind is the agent kind. Unknown kinds launch like terminal
	// sessions.
	Kind string
	// SessionID names files written for the launch.
	SessionID string
	// Command is the command line for terminal sessions. Empty runs the
	// user's shell.
	Command string
	// ResumeThreadID resumes a previous provider thread for agents that
	// support it.
	ResumeThreadID string
	// TelemetryURL is the base URL of the ingest listener, e.g.
	// "http://127.0.0.1:7434". Empty disables telemetry wiring.
	TelemetryURL string
	// TelemetryToken is the per-session ingest token.
	TelemetryToken string
	// SettingsDir is where per-session settings files are written.
	SettingsDir string
}

// BuildProfile resolves the launch plan for an agent kind. Telemetry
// wiring is included only when both the ingest URL and token are set.
func BuildProfile(p ProfileParams) (Profile, error) {
	switch p.Kind {
	case corral.AgentCodex:
		profile := Profile{Command: "codex", Env: otlpEnv(p)}
		if p.ResumeThreadID != "" {
			profile.Args = []string{"--resume", p.ResumeThreadID}
		}
		return profile, nil
	case corral.AgentClaude:
		profile := Profile{Command: "claude"}
		if p.TelemetryURL != "" && p.TelemetryToken != "" {
			path, err := writeClaudeSettings(p)
			if err != nil {
				return Profile{}, trace.Wrap(err)
			}
			profile.SettingsPath = path
			profile.Args = []string{"--settings", path}
		}
		return profile, nil
	case corral.AgentCursor:
		return Profile{Command: "agent", Env: otlpEnv(p)}, nil
	case corral.AgentCritique:
		return Profile{Command: "critique", Env: otlpEnv(p)}, nil
	default:
		return terminalProfile(p.Command)
	}
}

func terminalProfile(command string) (Profile, error) {
	if command == "" {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		return Profile{Command: shell}, nil
	}
	argv, err := shellwords.Parse(command)
	if err != nil {
		return Profile{}, trace.BadParameter("parsing terminal command: %v", err)
	}
	if len(argv) == 0 {
		return Profile{}, trace.BadParameter("empty terminal command")
	}
	return Profile{Command: argv[0], Args: argv[1:]}, nil
}

func otlpEnv(p ProfileParams) []string {
	if p.TelemetryURL == "" || p.TelemetryToken == "" {
		return nil
	}
	token := url.PathEscape(p.TelemetryToken)
	return []string{
		"OTEL_EXPORTER_OTLP_PROTOCOL=http/json",
		"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT=" + p.TelemetryURL + "/v1/logs/" + token,
		"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT=" + p.TelemetryURL + "/v1/metrics/" + token,
		"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT=" + p.TelemetryURL + "/v1/traces/" + token,
	}
}

type claudeSettings struct {
	Env   map[string]string             `json:"env,omitempty"`
	Hooks map[string][]claudeHookGroups `json:"hooks,omitempty"`
}

type claudeHookGroups struct {
	Matcher string       `json:"matcher,omitempty"`
	Hooks   []claudeHook `json:"hooks"`
}

type claudeHook struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// writeClaudeSettings writes the per-session settings file: telemetry
// exporter env plus hooks that relay lifecycle callbacks to the ingest
// listener. Written atomically so a mid-write crash never leaves the
// agent a half-parsed file.
func writeClaudeSettings(p ProfileParams) (string, error) {
	if p.SettingsDir == "" {
		return "", trace.BadParameter("missing settings directory")
	}
	if err := os.MkdirAll(p.SettingsDir, 0o700); err != nil {
		return "", trace.Wrap(err)
	}
	token := url.PathEscape(p.TelemetryToken)
	settings := claudeSettings{
		Env: map[string]string{
			"CLAUDE_CODE_ENABLE_TELEMETRY":        "1",
			"OTEL_LOGS_EXPORTER":                  "otlp",
			"OTEL_METRICS_EXPORTER":               "otlp",
			"OTEL_EXPORTER_OTLP_PROTOCOL":         "http/json",
			"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT":    p.TelemetryURL + "/v1/logs/" + token,
			"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT": p.TelemetryURL + "/v1/metrics/" + token,
		},
		Hooks: map[string][]claudeHookGroups{
			"Notification": {{Hooks: []claudeHook{relayHook(p, "notify")}}},
			"Stop":         {{Hooks: []claudeHook{relayHook(p, "turn-completed")}}},
		},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", trace.Wrap(err)
	}
	path := filepath.Join(p.SettingsDir, p.SessionID+".settings.json")
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", trace.Wrap(err, "writing settings file %v", path)
	}
	return path, nil
}

// relayHook POSTs the hook's stdin payload to the ingest listener. The
// trailing "|| true" keeps a dead daemon from failing the agent's hook.
func relayHook(p ProfileParams, kind string) claudeHook {
	endpoint := fmt.Sprintf("%s/v1/hooks/%s/%s",
		p.TelemetryURL, url.PathEscape(p.TelemetryToken), kind)
	return claudeHook{
		Type: "command",
		Command: fmt.Sprintf(
			"curl -fsS -m 2 -X POST -H 'Content-Type: application/json' --data-binary @- %s >/dev/null 2>&1 || true",
			endpoint),
		Timeout: 5,
	}
}
