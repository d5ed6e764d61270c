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
	"os"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestBuildProfile(t *testing.T) {
	t.Run("codex", func(t *testing.T) {
		profile, err := BuildProfile(ProfileParams{
			Kind:           "codex",
			SessionID:      "sess-1",
			TelemetryURL:   "http://127.0.0.1:7434",
			TelemetryToken: "tok/en",
		})
		require.NoError(t, err)
		require.Equal(t, "codex", profile.Command)
		require.Empty(t, profile.Args)
		require.Contains(t, profile.Env, "OTEL_EXPORTER_OTLP_PROTOCOL=http/json")
		require.Contains(t, profile.Env,
			"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT=http://127.0.0.1:7434/v1/logs/tok%2Fen")
	})

	t.Run("codex resume", func(t *testing.T) {
		profile, err := BuildProfile(ProfileParams{
			Kind:           "codex",
			ResumeThreadID: "thread-9",
		})
		require.NoError(t, err)
		require.Equal(t, []string{"--resume", "thread-9"}, profile.Args)
		require.Empty(t, profile.Env)
	})

	t.Run("claude writes settings", func(t *testing.T) {
		dir := t.TempDir()
		profile, err := BuildProfile(ProfileParams{
			Kind:           "claude",
			SessionID:      "sess-2",
			TelemetryURL:   "http://127.0.0.1:7434",
			TelemetryToken: "token-2",
			SettingsDir:    dir,
		})
		require.NoError(t, err)
		require.Equal(t, "claude", profile.Command)
		require.Equal(t, []string{"--settings", profile.SettingsPath}, profile.Args)

		raw, err := os.ReadFile(profile.SettingsPath)
		require.NoError(t, err)
		var settings struct {
			Env   map[string]string `json:"env"`
			Hooks map[string][]struct {
				Hooks []struct {
					Type    string `json:"type"`
					Command string `json:"command"`
				} `json:"hooks"`
			} `json:"hooks"`
		}
		require.NoError(t, json.Unmarshal(raw, &settings))
		require.Equal(t, "1", settings.Env["CLAUDE_CODE_ENABLE_TELEMETRY"])
		require.Equal(t,
			"http://127.0.0.1:7434/v1/logs/token-2",
			settings.Env["OTEL_EXPORTER_OTLP_LOGS_ENDPOINT"])
		require.Contains(t, settings.Hooks, "Notification")
		require.Contains(t, settings.Hooks, "Stop")
		require.Contains(t,
			settings.Hooks["Stop"][0].Hooks[0].Command,
			"/v1/hooks/token-2/turn-completed")

		require.NoError(t, profile.Cleanup())
		_, err = os.Stat(profile.SettingsPath)
		require.True(t, os.IsNotExist(err))
		require.NoError(t, profile.Cleanup())
	})

	t.Run("claude without telemetry has no settings", func(t *testing.T) {
		profile, err := BuildProfile(ProfileParams{Kind: "claude"})
		require.NoError(t, err)
		require.Empty(t, profile.Args)
		require.Empty(t, profile.SettingsPath)
	})

	t.Run("cursor uses the agent binary", func(t *testing.T) {
		profile, err := BuildProfile(ProfileParams{Kind: "cursor"})
		require.NoError(t, err)
		require.Equal(t, "agent", profile.Command)
	})

	t.Run("terminal parses the command line", func(t *testing.T) {
		profile, err := BuildProfile(ProfileParams{
			Kind:    "terminal",
			Command: `echo "a b" c`,
		})
		require.NoError(t, err)
		require.Equal(t, "echo", profile.Command)
		require.Equal(t, []string{"a b", "c"}, profile.Args)
	})

	t.Run("terminal with no command runs the shell", func(t *testing.T) {
		t.Setenv("SHELL", "/bin/zsh")
		profile, err := BuildProfile(ProfileParams{Kind: "terminal"})
		require.NoError(t, err)
		require.Equal(t, "/bin/zsh", profile.Command)

		t.Setenv("SHELL", "")
		profile, err = BuildProfile(ProfileParams{Kind: "terminal"})
		require.NoError(t, err)
		require.Equal(t, "/bin/sh", profile.Command)
	})

	t.Run("terminal rejects unbalanced quotes", func(t *testing.T) {
		_, err := BuildProfile(ProfileParams{
			Kind:    "terminal",
			Command: `echo "unterminated`,
		})
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("unknown kind launches like terminal", func(t *testing.T) {
		t.Setenv("SHELL", "/bin/zsh")
		profile, err := BuildProfile(ProfileParams{Kind: "mystery"})
		require.NoError(t, err)
		require.Equal(t, "/bin/zsh", profile.Command)
	})
}
