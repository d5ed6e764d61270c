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

package srv

import (
	"context"
	"os/exec"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
)

// ToolStatus reports whether an agent binary is installed and which
// version answered the probe.
type ToolStatus struct {
	Kind        string `json:"kind"`
	Binary      string `json:"binary"`
	Found       bool   `json:"found"`
	Path        string `json:"path,omitempty"`
	Version     string `json:"version,omitempty"`
	InstallHint string `json:"installHint,omitempty"`
}

// agentTools maps each installable agent kind to its binary and install
// command. Terminal sessions run the user's shell and need no probe.
var agentTools = []struct {
	kind    string
	binary  string
	install string
}{
	{corral.AgentCodex, "codex", "npm install -g @openai/codex"},
	{corral.AgentClaude, "claude", "npm install -g @anthropic-ai/claude-code"},
	{corral.AgentCursor, "agent", "curl https://cursor.com/install -fsS | bash"},
	{corral.AgentCritique, "critique", "npm install -g @critique-ai/critique"},
}

// probeTools resolves every agent binary on PATH and captures its
// version, probing concurrently since each probe may wait on a slow
// --version.
func probeTools(ctx context.Context) ([]ToolStatus, error) {
	tools := make([]ToolStatus, len(agentTools))
	group, ctx := errgroup.WithContext(ctx)
	for i, spec := range agentTools {
		group.Go(func() error {
			tools[i] = probeTool(ctx, spec.kind, spec.binary, spec.install)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return tools, nil
}

func probeTool(ctx context.Context, kind, binary, install string) ToolStatus {
	status := ToolStatus{Kind: kind, Binary: binary, InstallHint: install}
	path, err := exec.LookPath(binary)
	if err != nil {
		return status
	}
	status.Found = true
	status.Path = path

	probeCtx, cancel := context.WithTimeout(ctx, defaults.ToolProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, path, "--version").CombinedOutput()
	if err != nil {
		return status
	}
	status.Version = parseToolVersion(string(out))
	return status
}

// parseToolVersion pulls a semver token out of --version output, e.g.
// "codex-cli 0.42.0" or "1.0.83 (Claude Code)". Output with no parseable
// token is reported as its trimmed first line.
func parseToolVersion(out string) string {
	line := out
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	for _, field := range strings.Fields(line) {
		token := strings.TrimPrefix(strings.Trim(field, "(),;"), "v")
		if v, err := semver.NewVersion(token); err == nil {
			return v.String()
		}
	}
	return line
}
