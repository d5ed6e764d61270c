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

// Package git watches the working trees behind the daemon's directories.
// A snapshot reader turns a directory path into the status summary shown
// next to sessions; the refresher schedules reads under per-directory
// budgets and reconciles remotes into repository records.
package git

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/defaults"
)

// Summary is the one-line view of a working tree: the checked out
// branch, dirty-file counts and how far the branch diverged from its
// upstream.
type Summary struct {
	Branch    string `json:"branch,omitempty"`
	Dirty     bool   `json:"dirty"`
	Staged    int    `json:"staged,omitempty"`
	Modified  int    `json:"modified,omitempty"`
	Untracked int    `json:"untracked,omitempty"`
	Ahead     int    `json:"ahead,omitempty"`
	Behind    int    `json:"behind,omitempty"`
}

// Commit identifies the tip commit of the checked out branch.
type Commit struct {
	SHA    string    `json:"sha"`
	Title  string    `json:"title,omitempty"`
	Author string    `json:"author,omitempty"`
	At     time.Time `json:"at"`
}

// Snapshot is the repository-identity half of a status read: where the
// tree pushes to and what its head commit is.
type Snapshot struct {
	RemoteURL  string  `json:"remoteUrl,omitempty"`
	Head       string  `json:"head,omitempty"`
	LastCommit *Commit `json:"lastCommit,omitempty"`
}

// Status is everything one snapshot read observed about a directory. A
// directory outside any repository reads as the zero value with IsRepo
// false.
type Status struct {
	IsRepo   bool     `json:"isRepo"`
	Summary  Summary  `json:"summary"`
	Snapshot Snapshot `json:"snapshot"`
}

// SnapshotReader reads the git state of a directory. The refresher
// takes the reader as an interface so tests can substitute fixtures for
// real repositories.
type SnapshotReader interface {
	Snapshot(ctx context.Context, path string) (Status, error)
}

// ReaderConfig holds the settings to build a Reader.
type ReaderConfig struct {
	// AheadBehindLimit bounds the commit walk when counting divergence
	// from the upstream. Counts saturate at the limit.
	AheadBehindLimit int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ReaderConfig) CheckAndSetDefaults() error {
	if c.AheadBehindLimit <= 0 {
		c.AheadBehindLimit = defaults.GitAheadBehindLimit
	}
	return nil
}

// Reader snapshots directories with go-git. Reads are purely local: no
// fetch is issued, so ahead/behind counts reflect the last fetched
// remote refs.
type Reader struct {
	cfg ReaderConfig
}

// NewReader builds a Reader.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Reader{cfg: cfg}, nil
}

// Snapshot reads the git state of the directory at path.
func (r *Reader) Snapshot(ctx context.Context, path string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, trace.Wrap(err)
	}
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return Status{}, nil
		}
		return Status{}, trace.Wrap(err)
	}

	status := Status{IsRepo: true}
	head, err := repo.Head()
	switch {
	case err == nil:
		if head.Name().IsBranch() {
			status.Summary.Branch = head.Name().Short()
		}
		status.Snapshot.Head = head.Hash().String()
		if commit, err := repo.CommitObject(head.Hash()); err == nil {
			status.Snapshot.LastCommit = &Commit{
				SHA:    commit.Hash.String(),
				Title:  commitTitle(commit.Message),
				Author: commit.Author.Name,
				At:     commit.Author.When.UTC(),
			}
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch: no commits yet, but the symbolic HEAD still
		// names the branch the first commit will land on.
		if ref, err := repo.Reference(plumbing.HEAD, false); err == nil &&
			ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
			status.Summary.Branch = ref.Target().Short()
		}
	default:
		return Status{}, trace.Wrap(err)
	}

	if raw := remoteURL(repo); raw != "" {
		status.Snapshot.RemoteURL = NormalizeRemoteURL(raw)
	}
	if err := countWorktree(repo, &status.Summary); err != nil {
		return Status{}, trace.Wrap(err)
	}
	if head != nil && status.Summary.Branch != "" {
		ahead, behind, err := r.aheadBehind(repo, head.Hash(), status.Summary.Branch)
		if err != nil {
			return Status{}, trace.Wrap(err)
		}
		status.Summary.Ahead, status.Summary.Behind = ahead, behind
	}
	return status, nil
}

// remoteURL prefers origin and falls back to the first remote by name.
func remoteURL(repo *gogit.Repository) string {
	if remote, err := repo.Remote(gogit.DefaultRemoteName); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			return urls[0]
		}
	}
	remotes, err := repo.Remotes()
	if err != nil || len(remotes) == 0 {
		return ""
	}
	sort.Slice(remotes, func(i, j int) bool {
		return remotes[i].Config().Name < remotes[j].Config().Name
	})
	if urls := remotes[0].Config().URLs; len(urls) > 0 {
		return urls[0]
	}
	return ""
}

// countWorktree fills the dirty-file counts. A file both staged and
// modified again counts in both columns, matching porcelain output.
func countWorktree(repo *gogit.Repository, sum *Summary) error {
	wt, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, gogit.ErrIsBareRepository) {
			return nil
		}
		return trace.Wrap(err)
	}
	st, err := wt.Status()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, file := range st {
		if file.Staging == gogit.Untracked || file.Worktree == gogit.Untracked {
			sum.Untracked++
			continue
		}
		if file.Staging != gogit.Unmodified {
			sum.Staged++
		}
		if file.Worktree != gogit.Unmodified {
			sum.Modified++
		}
	}
	sum.Dirty = sum.Staged+sum.Modified+sum.Untracked > 0
	return nil
}

// aheadBehind counts the commits separating the local branch from its
// remote tracking ref. A branch with no tracking ref reads as 0/0.
func (r *Reader) aheadBehind(repo *gogit.Repository, local plumbing.Hash, branch string) (int, int, error) {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(gogit.DefaultRemoteName, branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return 0, 0, nil
		}
		return 0, 0, trace.Wrap(err)
	}
	remote := ref.Hash()
	if remote == local {
		return 0, 0, nil
	}
	localSet, err := r.ancestors(repo, local)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	remoteSet, err := r.ancestors(repo, remote)
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	ahead, behind := 0, 0
	for h := range localSet {
		if _, ok := remoteSet[h]; !ok {
			ahead++
		}
	}
	for h := range remoteSet {
		if _, ok := localSet[h]; !ok {
			behind++
		}
	}
	return ahead, behind, nil
}

// ancestors walks parents breadth-first from a commit, stopping at the
// walk limit. Objects missing from a shallow clone end their branch of
// the walk instead of failing the read.
func (r *Reader) ancestors(repo *gogit.Repository, from plumbing.Hash) (map[plumbing.Hash]struct{}, error) {
	seen := make(map[plumbing.Hash]struct{})
	queue := []plumbing.Hash{from}
	for len(queue) > 0 && len(seen) < r.cfg.AheadBehindLimit {
		h := queue[0]
		queue = queue[1:]
		if _, ok := seen[h]; ok {
			continue
		}
		commit, err := repo.CommitObject(h)
		if err != nil {
			if errors.Is(err, plumbing.ErrObjectNotFound) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		seen[h] = struct{}{}
		queue = append(queue, commit.ParentHashes...)
	}
	return seen, nil
}

// commitTitle is the first line of a commit message.
func commitTitle(message string) string {
	title, _, _ := strings.Cut(message, "\n")
	return strings.TrimSpace(title)
}

// NormalizeRemoteURL rewrites a git remote URL into the canonical form
// repositories are keyed by, so the same remote reached over ssh, scp
// syntax or https resolves to one record.
func NormalizeRemoteURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		// scp syntax: git@host:owner/repo.git
		if at := strings.IndexByte(s, '@'); at >= 0 {
			if colon := strings.IndexByte(s[at+1:], ':'); colon >= 0 {
				rest := s[at+1:]
				s = "ssh://" + s[:at+1] + rest[:colon] + "/" + rest[colon+1:]
			}
		}
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.TrimRight(s, "/"), ".git")
	}
	host := strings.ToLower(u.Hostname())
	switch port := u.Port(); port {
	case "", "22", "80", "443":
	default:
		host += ":" + port
	}
	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	return "https://" + host + path
}

// SplitOwnerRepo extracts the owner and repository segments from a
// normalized remote URL. Nested group paths keep their final two
// segments.
func SplitOwnerRepo(remoteURL string) (owner, name string, ok bool) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return "", "", false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		return "", "", false
	}
	return segments[len(segments)-2], segments[len(segments)-1], true
}

// RepoName derives a display name from a normalized remote URL, the
// owner/repo pair when the path carries one and the final segment
// otherwise.
func RepoName(remoteURL string) string {
	if owner, name, ok := SplitOwnerRepo(remoteURL); ok {
		return owner + "/" + name
	}
	trimmed := strings.TrimRight(remoteURL, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}
