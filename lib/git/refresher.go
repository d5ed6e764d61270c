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

package git

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/defaults"
	"github.com/jmoyers/corral/lib/events"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/utils"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

// RefresherConfig holds the settings to build a Refresher.
type RefresherConfig struct {
	// Store lists watched directories and records reconciled
	// repositories.
	Store state.Store
	// Events receives directory-git-updated and repository-upserted
	// publications.
	Events events.Publisher
	// Reader snapshots directory git state.
	Reader SnapshotReader
	// Clock schedules passes and stamps refresh bookkeeping.
	Clock clockwork.Clock
	// PollInterval is the base period between enumeration passes.
	PollInterval time.Duration
	// BackoffCap bounds the delay while passes keep finding every
	// directory inside its cooldown.
	BackoffCap time.Duration
	// Jitter spreads pass wakeups.
	Jitter utils.Jitter
	// MinRefresh floors the per-directory refresh cooldown.
	MinRefresh time.Duration
	// MaxRefresh caps the per-directory refresh cooldown.
	MaxRefresh time.Duration
	// CooldownFactor multiplies the last refresh duration to derive the
	// cooldown, so slow repositories are snapshotted less often.
	CooldownFactor int
	// MaxConcurrency bounds parallel directory refreshes in one pass.
	MaxConcurrency int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *RefresherConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Events == nil {
		return trace.BadParameter("missing parameter Events")
	}
	if c.Reader == nil {
		reader, err := NewReader(ReaderConfig{})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Reader = reader
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.GitStatusPollInterval
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.PollBackoffCap
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewPollJitter(defaults.PollJitterRatio)
	}
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaults.GitStatusMinDirectoryRefresh
	}
	if c.MaxRefresh <= 0 {
		c.MaxRefresh = defaults.GitStatusMaxDirectoryRefresh
	}
	if c.CooldownFactor <= 0 {
		c.CooldownFactor = defaults.GitStatusCooldownFactor
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaults.GitStatusMaxConcurrency
	}
	return nil
}

// Refresher keeps directory git status fresh. Each pass enumerates the
// non-archived directories, skips the ones still inside their adaptive
// cooldown and snapshots the rest concurrently, publishing
// directory-git-updated only when something actually changed.
type Refresher struct {
	cfg     RefresherConfig
	logger  *slog.Logger
	backoff *utils.IdleBackoff

	mu    sync.Mutex
	dirs  map[string]*dirState
	force map[string]struct{}
}

// dirState is the per-directory refresh bookkeeping.
type dirState struct {
	refreshedAt  time.Time
	duration     time.Duration
	summary      []byte
	snapshot     []byte
	repositoryID string
}

// NewRefresher builds a Refresher. Call Run to start polling.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
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
	return &Refresher{
		cfg: cfg,
		logger: logutils.NewPackageLogger(
			corral.ComponentKey, corral.ComponentGit),
		backoff: backoff,
		dirs:    make(map[string]*dirState),
		force:   make(map[string]struct{}),
	}, nil
}

// ForceRefresh marks a directory so the next pass snapshots it
// regardless of cooldown and publishes even when nothing changed. The
// mark stays until a snapshot succeeds.
func (r *Refresher) ForceRefresh(directoryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.force[directoryID] = struct{}{}
}

// Run refreshes directories until the context is canceled. Passes never
// overlap; the next one is scheduled only after the last finished.
func (r *Refresher) Run(ctx context.Context) {
	for {
		refreshed, err := r.pass(ctx)
		var delay time.Duration
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "Git refresh pass failed.", "error", err)
			delay = r.backoff.Idle()
		case refreshed == 0:
			delay = r.backoff.Idle()
		default:
			delay = r.backoff.Busy()
		}
		select {
		case <-ctx.Done():
			return
		case <-r.cfg.Clock.After(delay):
		}
	}
}

// pass runs one enumeration over the watched directories and returns
// how many were snapshotted.
func (r *Refresher) pass(ctx context.Context) (int, error) {
	dirs, err := r.cfg.Store.ListDirectories(ctx, state.ListDirectoriesParams{})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := r.cfg.Clock.Now()

	var eligible []state.Directory
	r.mu.Lock()
	known := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		known[dir.ID] = struct{}{}
		st := r.dirs[dir.ID]
		_, forced := r.force[dir.ID]
		if st != nil && !forced && now.Sub(st.refreshedAt) < r.cooldown(st.duration) {
			continue
		}
		eligible = append(eligible, dir)
	}
	for id := range r.dirs {
		if _, ok := known[id]; !ok {
			delete(r.dirs, id)
			delete(r.force, id)
		}
	}
	r.mu.Unlock()
	if len(eligible) == 0 {
		return 0, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.MaxConcurrency)
	for _, dir := range eligible {
		group.Go(func() error {
			r.refreshDirectory(groupCtx, dir)
			return nil
		})
	}
	_ = group.Wait()
	return len(eligible), nil
}

// cooldown derives a directory's refresh budget from how long its last
// snapshot took.
func (r *Refresher) cooldown(last time.Duration) time.Duration {
	scaled := last * time.Duration(r.cfg.CooldownFactor)
	if scaled < time.Second {
		scaled = time.Second
	}
	if scaled > r.cfg.MaxRefresh {
		scaled = r.cfg.MaxRefresh
	}
	if scaled < r.cfg.MinRefresh {
		scaled = r.cfg.MinRefresh
	}
	return scaled
}

// refreshDirectory snapshots one directory and publishes when the
// summary, snapshot or bound repository changed.
func (r *Refresher) refreshDirectory(ctx context.Context, dir state.Directory) {
	start := r.cfg.Clock.Now()
	status, err := r.cfg.Reader.Snapshot(ctx, dir.Path)
	elapsed := r.cfg.Clock.Now().Sub(start)
	if err != nil {
		r.logger.WarnContext(ctx, "Git snapshot failed.",
			"path", dir.Path, "error", err)
		// Broken repositories still honor the cooldown.
		r.note(dir.ID, start, elapsed)
		return
	}

	repoID := r.reconcileRepository(ctx, dir, status)
	summary, _ := json.Marshal(status.Summary)
	snapshot, _ := json.Marshal(status.Snapshot)

	r.mu.Lock()
	st := r.dirs[dir.ID]
	if st == nil {
		st = &dirState{}
		r.dirs[dir.ID] = st
	}
	_, forced := r.force[dir.ID]
	delete(r.force, dir.ID)
	changed := forced ||
		st.repositoryID != repoID ||
		!bytes.Equal(st.summary, summary) ||
		!bytes.Equal(st.snapshot, snapshot)
	st.refreshedAt = start
	st.duration = elapsed
	st.summary = summary
	st.snapshot = snapshot
	st.repositoryID = repoID
	r.mu.Unlock()

	if !changed {
		return
	}
	r.cfg.Events.PublishObserved(events.Scope{
		TenantID:    dir.TenantID,
		UserID:      dir.UserID,
		WorkspaceID: dir.WorkspaceID,
		DirectoryID: dir.ID,
	}, events.Event{
		Kind:         events.KindDirectoryGitUpdated,
		DirectoryID:  dir.ID,
		RepositoryID: repoID,
		GitSummary:   summary,
		GitSnapshot:  snapshot,
	})
}

// reconcileRepository upserts the repository record a directory's
// remote points at and returns its id. The store keys repositories by
// the normalized URL, so an unchanged remote keeps its id and the pull
// requests recorded against it.
func (r *Refresher) reconcileRepository(ctx context.Context, dir state.Directory, status Status) string {
	remote := status.Snapshot.RemoteURL
	if remote == "" {
		return ""
	}
	r.mu.Lock()
	previous := ""
	if st := r.dirs[dir.ID]; st != nil {
		previous = st.repositoryID
	}
	r.mu.Unlock()

	repo, err := r.cfg.Store.UpsertRepository(ctx, state.Repository{
		TenantID:    dir.TenantID,
		UserID:      dir.UserID,
		WorkspaceID: dir.WorkspaceID,
		RemoteURL:   remote,
		Name:        RepoName(remote),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "Repository upsert failed.",
			"remote", remote, "error", err)
		return previous
	}
	if repo.ID != previous {
		record, _ := json.Marshal(repo)
		r.cfg.Events.PublishObserved(events.Scope{
			TenantID:    repo.TenantID,
			UserID:      repo.UserID,
			WorkspaceID: repo.WorkspaceID,
		}, events.Event{
			Kind:         events.KindRepositoryUpserted,
			RepositoryID: repo.ID,
			Record:       record,
		})
	}
	return repo.ID
}

// note records refresh bookkeeping for a directory without touching its
// cached status.
func (r *Refresher) note(id string, at time.Time, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.dirs[id]
	if st == nil {
		st = &dirState{}
		r.dirs[id] = st
	}
	st.refreshedAt = at
	st.duration = took
}
