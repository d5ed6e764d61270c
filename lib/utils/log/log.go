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

// Package log configures the process-wide structured logger shared by all
// corral components.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// Config configures the process-wide logger.
type Config struct {
	// Severity is the minimum emitted level: debug, info, warn or error.
	// Defaults to info.
	Severity string
	// Output receives formatted records. Defaults to stderr.
	Output io.Writer
	// EnableColors is accepted for CLI compatibility; the text handler
	// ignores it.
	EnableColors bool
}

// Initialize builds the logger described by cfg and installs it as the
// slog default so package-level loggers inherit it.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ParseLevel converts a textual severity into a slog level. The empty
// string maps to info.
func ParseLevel(severity string) (slog.Level, error) {
	switch strings.ToLower(severity) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log severity %q", severity)
}

// NewPackageLogger creates a logger carrying the given attributes, rooted
// at the process default. Packages use it for their package-level logger.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}
