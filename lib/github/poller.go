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

// Package github keeps the pull request records behind the daemon's
// watched branches in sync with the hosting platform.
//
// A poller pass expands the watched directories into (repository,
// branch) targets, asks the API for the pull request attached to each
// branch and for the check runs on its head commit, and reconciles the
// results into the state store. Consumers never talk to the API
// themselves; they read the store and follow the github-pr-* event
// stream.
//
// The poller is token gated: until its TokenResolver produces a
// credential every pass is a no-op, so a daemon without GitHub access
// simply never syncs.
package github

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v70/github"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/git"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/utils"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// TokenResolver produces the API bearer token. Resolution runs lazily
// on the first pass that needs it and a success is memoized for the
// lifetime of the poller.
type TokenResolver func(ctx context.Context) (string, error)

// StaticToken resolves to a fixed token.
func StaticToken(token string) TokenResolver {
	return func(context.Context) (string, error) {
		if token == "" {
			return "", trace.NotFound("no API token configured")
		}
		return token, nil
	}
}

// EnvToken resolves the token from an environment variable.
func EnvToken(name string) TokenResolver {
	return func(context.Context) (string, error) {
		if token := os.Getenv(name); token != "" {
			return token, nil
		}
		return "", trace.NotFound("environment variable %q is not set", name)
	}
}

// PollerConfig holds the settings to build a Poller.
type PollerConfig struct {
	// Store persists pull request records and per-branch sync outcomes.
	Store state.Store
	// Events receives github-pr-* publications.
	Events events.Publisher
	// Reader resolves the branch currently checked out in a directory.
	Reader git.SnapshotReader
	// Token resolves the API bearer token.
	Token TokenResolver
	// Clock schedules passes and stamps sync rows.
	Clock clockwork.Clock
	// PollInterval is the base period between sync passes.
	PollInterval time.Duration
	// BackoffCap bounds the delay while passes find nothing to sync.
	BackoffCap time.Duration
	// Jitter spreads pass wakeups.
	Jitter utils.Jitter
	// MaxConcurrency bounds parallel branch syncs.
	MaxConcurrency int
	// APIBaseURL overrides the API endpoint, for tests.
	APIBaseURL string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PollerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Events == nil {
		return trace.BadParameter("missing parameter Events")
	}
	if c.Token == nil {
		return trace.BadParameter("missing parameter Token")
	}
	if c.Reader == nil {
		reader, err := git.NewReader(git.ReaderConfig{})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Reader = reader
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.GitHubPollInterval
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.GitHubBackoffCap
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewPollJitter(defaults.PollJitterRatio)
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaults.GitHubMaxConcurrency
	}
	return nil
}

// Poller periodically reconciles pull request state for every watched
// branch.
type Poller struct {
	cfg     PollerConfig
	logger  *slog.Logger
	backoff *utils.IdleBackoff

	// flight coalesces concurrent token resolutions.
	flight singleflight.Group
	mu     sync.RWMutex
	token  string
	authed bool
}

// NewPoller creates a Poller. Call Run to start syncing.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	backoff, err := utils.NewIdleBackoff(utils.IdleBackoffConfig{
		Base:        cfg.PollInterval,
		Cap:         cfg.BackoffCap,
		StreakLimit: defaults.PollIdleStreakLimit,
		Jitter:      cfg.Jitter,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Poller{
		cfg:     cfg,
		logger:  logutils.NewPackageLogger(corral.ComponentKey, corral.ComponentGitHub),
		backoff: backoff,
	}, nil
}

// Run polls until the context is canceled. Passes that sync at least
// one branch keep the base poll interval; empty or failed passes back
// off.
func (p *Poller) Run(ctx context.Context) error {
	for {
		synced, err := p.pass(ctx)

		var delay time.Duration
		switch {
		case err != nil:
			p.logger.WarnContext(ctx, "Pull request sync pass failed.", "error", err)
			delay = p.backoff.Idle()
		case synced == 0:
			delay = p.backoff.Idle()
		default:
			delay = p.backoff.Busy()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.cfg.Clock.After(delay):
		}
	}
}

// pass syncs every eligible branch once and reports how many targets it
// found. A missing token is not an error; the pass just stays idle.
func (p *Poller) pass(ctx context.Context) (int, error) {
	token, err := p.resolveToken(ctx)
	if err != nil {
		if trace.IsNotFound(err) {
			p.logger.DebugContext(ctx, "No API token resolved, skipping pull request sync.")
			return 0, nil
		}
		return 0, trace.Wrap(err)
	}

	tuples, err := p.enumerate(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(tuples) == 0 {
		return 0, nil
	}

	client, err := p.client(ctx, token)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.MaxConcurrency)
	for _, target := range tuples {
		group.Go(func() error {
			if err := p.syncBranch(groupCtx, client, target); err != nil {
				p.logger.WarnContext(groupCtx, "Branch sync failed.",
					"repository", target.repo.Name,
					"branch", target.branch,
					"error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return len(tuples), nil
}

// resolveToken returns the memoized token or resolves one. Concurrent
// callers coalesce onto a single resolution; failures are not cached,
// so the next pass retries.
func (p *Poller) resolveToken(ctx context.Context) (string, error) {
	out, err, _ := p.flight.Do("token", func() (any, error) {
		p.mu.RLock()
		if p.authed {
			token := p.token
			p.mu.RUnlock()
			return token, nil
		}
		p.mu.RUnlock()

		token, err := p.cfg.Token(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		p.mu.Lock()
		p.token = token
		p.authed = true
		p.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return out.(string), nil
}

// client builds the API client for a pass.
func (p *Poller) client(ctx context.Context, token string) (*gogithub.Client, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := gogithub.NewClient(oauth2.NewClient(ctx, source))
	if p.cfg.APIBaseURL != "" {
		base, err := url.Parse(p.cfg.APIBaseURL)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// The client requires a trailing slash on its base URL.
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		client.BaseURL = base
	}
	return client, nil
}

// target is one (directory, repository, branch) sync unit.
type target struct {
	dir    state.Directory
	repo   state.Repository
	owner  string
	name   string
	branch string
}

// enumerate expands the watched directories into deduplicated sync
// targets. A directory binds to a repository through its normalized
// remote URL; directories whose remote has no repository record yet
// are skipped until the git refresher reconciles one.
func (p *Poller) enumerate(ctx context.Context) ([]target, error) {
	dirs, err := p.cfg.Store.ListDirectories(ctx, state.ListDirectoriesParams{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(dirs) == 0 {
		return nil, nil
	}
	repos, err := p.cfg.Store.ListRepositories(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	byURL := make(map[string]state.Repository, len(repos))
	for _, repo := range repos {
		byURL[repo.RemoteURL] = repo
	}

	var targets []target
	seen := make(map[string]struct{})
	for _, dir := range dirs {
		status, err := p.cfg.Reader.Snapshot(ctx, dir.Path)
		if err != nil {
			p.logger.DebugContext(ctx, "Skipping directory with unreadable git state.",
				"path", dir.Path, "error", err)
			continue
		}
		if !status.IsRepo || status.Snapshot.RemoteURL == "" {
			continue
		}
		repo, ok := byURL[status.Snapshot.RemoteURL]
		if !ok {
			continue
		}
		owner, name, ok := git.SplitOwnerRepo(repo.RemoteURL)
		if !ok {
			continue
		}
		branch := pickBranch(dir.BranchStrategy, dir.PinnedBranch, status.Summary.Branch)
		if branch == "" {
			continue
		}
		key := repo.ID + "\x00" + branch
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, target{
			dir:    dir,
			repo:   repo,
			owner:  owner,
			name:   name,
			branch: branch,
		})
	}
	return targets, nil
}

// pickBranch applies a directory's branch strategy. Unknown strategies
// fall back to pinned-then-current.
func pickBranch(strategy, pinned, current string) string {
	switch strategy {
	case state.BranchPinnedOnly:
		return pinned
	case state.BranchCurrentOnly:
		return current
	default:
		if pinned != "" {
			return pinned
		}
		return current
	}
}

// scope stamps publications with the tenancy coordinates of the
// directory that put the branch on the watch list.
func (p *Poller) scope(t target) events.Scope {
	return events.Scope{
		TenantID:    t.dir.TenantID,
		UserID:      t.dir.UserID,
		WorkspaceID: t.dir.WorkspaceID,
		DirectoryID: t.dir.ID,
	}
}
