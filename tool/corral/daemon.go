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

package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/config"
	"github.com/jmoyers/corral/lib/git"
	"github.com/jmoyers/corral/lib/github"
	"github.com/jmoyers/corral/lib/hooks"
	"github.com/jmoyers/corral/lib/perf"
	"github.com/jmoyers/corral/lib/srv"
	"github.com/jmoyers/corral/lib/state/lite"
	"github.com/jmoyers/corral/lib/telemetry"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// daemon bundles every long-lived component the start command wires
// together, in the order close has to walk them back down.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *lite.Backend
	hooks     *hooks.Runtime
	server    *srv.Server
	ingestCol *telemetry.Server
	tailer    *telemetry.Tailer
	refresher *git.Refresher
	poller    *github.Poller

	stopPollers context.CancelFunc
}

// newDaemon builds the component graph. Nothing is listening yet; start
// launches the listeners and pollers.
func newDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{
		cfg:    cfg,
		logger: logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentCorral),
	}

	if cfg.Perf.Path != "" {
		if err := perf.Initialize(perf.Config{
			Path:        cfg.Perf.Path,
			SampleRates: cfg.Perf.SampleRates,
		}); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if err := os.MkdirAll(cfg.SettingsDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	store, err := lite.New(lite.Config{Path: cfg.StateDBPath})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.store = store

	registry := prometheus.NewRegistry()

	d.hooks, err = hooks.NewRuntime(hooks.Config{
		Endpoints:         cfg.Hooks.Endpoints,
		DisabledProviders: cfg.Hooks.DisabledProviders,
		Registry:          registry,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	serverCfg := srv.Config{
		ListenAddr:   cfg.ListenAddr,
		AuthToken:    cfg.AuthToken,
		Store:        store,
		Hooks:        d.hooks,
		SettingsDir:  cfg.SettingsDir,
		TombstoneTTL: cfg.TombstoneTTL,
		Registry:     registry,
	}

	var tokens *telemetry.Registry
	if !cfg.Telemetry.Disabled {
		tokens = telemetry.NewRegistry()
		serverCfg.Tokens = tokens
		serverCfg.TelemetryURL = "http://" + cfg.Telemetry.ListenAddr
	}

	d.server, err = srv.New(serverCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ingestor, err := telemetry.NewIngestor(telemetry.IngestorConfig{
		Core:     d.server,
		Store:    store,
		Mode:     telemetry.Mode(cfg.Telemetry.Mode),
		Registry: registry,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if !cfg.Telemetry.Disabled {
		d.ingestCol, err = telemetry.NewServer(telemetry.ServerConfig{
			ListenAddr: cfg.Telemetry.ListenAddr,
			Tokens:     tokens,
			Ingest:     ingestor,
			Core:       d.server,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if cfg.Telemetry.HistoryFile != "" {
		d.tailer, err = telemetry.NewTailer(telemetry.TailerConfig{
			Path:   cfg.Telemetry.HistoryFile,
			Core:   d.server,
			Ingest: ingestor,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if !cfg.Git.Disabled {
		d.refresher, err = git.NewRefresher(git.RefresherConfig{
			Store:          store,
			Events:         d.server,
			PollInterval:   cfg.Git.PollInterval,
			MinRefresh:     cfg.Git.MinRefresh,
			MaxConcurrency: cfg.Git.MaxConcurrency,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if !cfg.GitHub.Disabled {
		d.poller, err = github.NewPoller(github.PollerConfig{
			Store:          store,
			Events:         d.server,
			Token:          github.EnvToken(cfg.GitHub.TokenEnv),
			PollInterval:   cfg.GitHub.PollInterval,
			MaxConcurrency: cfg.GitHub.MaxConcurrency,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return d, nil
}

// start launches the listeners and pollers. Fatal listener errors are
// sent to errC; poller goroutines are tracked on wg so close can wait
// for in-flight polls.
func (d *daemon) start(ctx context.Context, wg *sync.WaitGroup, errC chan<- error) {
	pollCtx, cancel := context.WithCancel(ctx)
	d.stopPollers = cancel

	go func() {
		if err := d.server.Serve(); err != nil {
			errC <- trace.Wrap(err)
		}
	}()
	if d.ingestCol != nil {
		go func() {
			if err := d.ingestCol.Serve(); err != nil {
				errC <- trace.Wrap(err)
			}
		}()
	}
	if d.tailer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.tailer.Run(pollCtx)
		}()
	}
	if d.refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.refresher.Run(pollCtx)
		}()
	}
	if d.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.poller.Run(pollCtx); err != nil {
				d.logger.WarnContext(pollCtx, "Pull request poller stopped.", "error", err)
			}
		}()
	}
}

// close tears the daemon down: pollers first and wait for any in-flight
// pass, then sessions and connections through the server, then the
// telemetry listener, the hooks runtime, the store, and last the
// process-global perf sink.
func (d *daemon) close(wg *sync.WaitGroup) error {
	if d.stopPollers != nil {
		d.stopPollers()
	}
	wg.Wait()

	var errors []error
	if err := d.server.Close(); err != nil {
		errors = append(errors, err)
	}
	if d.ingestCol != nil {
		if err := d.ingestCol.Close(); err != nil {
			errors = append(errors, err)
		}
	}
	if err := d.hooks.Close(); err != nil {
		errors = append(errors, err)
	}
	if err := d.store.Close(); err != nil {
		errors = append(errors, err)
	}
	if err := perf.Close(); err != nil {
		errors = append(errors, err)
	}
	return trace.NewAggregate(errors...)
}
