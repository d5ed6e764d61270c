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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) (string, *gogit.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	return dir, repo
}

func commitFile(t *testing.T, dir string, repo *gogit.Repository, name, content, message string) plumbing.Hash {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "dev",
			Email: "dev@example.com",
			When:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	return hash
}

func snapshot(t *testing.T, reader *Reader, dir string) Status {
	t.Helper()
	status, err := reader.Snapshot(context.Background(), dir)
	require.NoError(t, err)
	return status
}

func newReader(t *testing.T) *Reader {
	t.Helper()
	reader, err := NewReader(ReaderConfig{})
	require.NoError(t, err)
	return reader
}

func TestSnapshotNonRepo(t *testing.T) {
	status := snapshot(t, newReader(t), t.TempDir())
	require.False(t, status.IsRepo)
	require.Equal(t, Status{}, status)
}

func TestSnapshotCleanRepo(t *testing.T) {
	dir, repo := initRepo(t)
	hash := commitFile(t, dir, repo, "README.md", "hello", "initial commit")

	status := snapshot(t, newReader(t), dir)
	require.True(t, status.IsRepo)
	require.Equal(t, "master", status.Summary.Branch)
	require.False(t, status.Summary.Dirty)
	require.Zero(t, status.Summary.Staged)
	require.Zero(t, status.Summary.Modified)
	require.Zero(t, status.Summary.Untracked)
	require.Equal(t, hash.String(), status.Snapshot.Head)
	require.NotNil(t, status.Snapshot.LastCommit)
	require.Equal(t, hash.String(), status.Snapshot.LastCommit.SHA)
	require.Equal(t, "initial commit", status.Snapshot.LastCommit.Title)
	require.Equal(t, "dev", status.Snapshot.LastCommit.Author)
}

func TestSnapshotUnbornRepo(t *testing.T) {
	dir, _ := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("draft"), 0o600))

	status := snapshot(t, newReader(t), dir)
	require.True(t, status.IsRepo)
	require.Equal(t, "master", status.Summary.Branch)
	require.Empty(t, status.Snapshot.Head)
	require.Nil(t, status.Snapshot.LastCommit)
	require.Equal(t, 1, status.Summary.Untracked)
	require.True(t, status.Summary.Dirty)
}

func TestSnapshotDirtyCounts(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, dir, repo, "tracked.txt", "v1", "initial commit")

	// One modified, one staged, one untracked.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tracked.txt"), []byte("v2"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "staged.txt"), []byte("new"), 0o600))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("staged.txt")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loose.txt"), []byte("scratch"), 0o600))

	status := snapshot(t, newReader(t), dir)
	require.True(t, status.Summary.Dirty)
	require.Equal(t, 1, status.Summary.Modified)
	require.Equal(t, 1, status.Summary.Staged)
	require.Equal(t, 1, status.Summary.Untracked)
}

func TestSnapshotRemote(t *testing.T) {
	dir, repo := initRepo(t)
	commitFile(t, dir, repo, "README.md", "hello", "initial commit")
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@github.com:jmoyers/corral.git"},
	})
	require.NoError(t, err)

	status := snapshot(t, newReader(t), dir)
	require.Equal(t, "https://github.com/jmoyers/corral", status.Snapshot.RemoteURL)
}

func TestSnapshotAheadBehind(t *testing.T) {
	dir, repo := initRepo(t)
	c1 := commitFile(t, dir, repo, "a.txt", "one", "first")
	c2 := commitFile(t, dir, repo, "a.txt", "two", "second")
	c3 := commitFile(t, dir, repo, "a.txt", "three", "third")
	trackingRef := plumbing.NewRemoteReferenceName("origin", "master")

	t.Run("ahead", func(t *testing.T) {
		require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(trackingRef, c1)))
		status := snapshot(t, newReader(t), dir)
		require.Equal(t, 2, status.Summary.Ahead)
		require.Equal(t, 0, status.Summary.Behind)
	})

	t.Run("behind", func(t *testing.T) {
		require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(trackingRef, c3)))
		wt, err := repo.Worktree()
		require.NoError(t, err)
		require.NoError(t, wt.Reset(&gogit.ResetOptions{Commit: c2, Mode: gogit.HardReset}))
		status := snapshot(t, newReader(t), dir)
		require.Equal(t, 0, status.Summary.Ahead)
		require.Equal(t, 1, status.Summary.Behind)
	})

	t.Run("diverged", func(t *testing.T) {
		commitFile(t, dir, repo, "b.txt", "four", "fourth")
		status := snapshot(t, newReader(t), dir)
		require.Equal(t, 1, status.Summary.Ahead)
		require.Equal(t, 1, status.Summary.Behind)
	})
}

func TestSnapshotAheadBehindSaturates(t *testing.T) {
	dir, repo := initRepo(t)
	c1 := commitFile(t, dir, repo, "a.txt", "one", "first")
	commitFile(t, dir, repo, "a.txt", "two", "second")
	commitFile(t, dir, repo, "a.txt", "three", "third")
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(
		plumbing.NewRemoteReferenceName("origin", "master"), c1)))

	reader, err := NewReader(ReaderConfig{AheadBehindLimit: 1})
	require.NoError(t, err)
	status := snapshot(t, reader, dir)
	require.Equal(t, 1, status.Summary.Ahead)
	require.Equal(t, 1, status.Summary.Behind)
}

func TestNormalizeRemoteURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "scp syntax", in: "git@github.com:jmoyers/corral.git", want: "https://github.com/jmoyers/corral"},
		{name: "ssh default port", in: "ssh://git@github.com:22/jmoyers/corral", want: "https://github.com/jmoyers/corral"},
		{name: "https dot git", in: "https://github.com/jmoyers/corral.git", want: "https://github.com/jmoyers/corral"},
		{name: "trailing slash", in: "https://github.com/jmoyers/corral/", want: "https://github.com/jmoyers/corral"},
		{name: "user info stripped", in: "https://token@github.com/jmoyers/corral.git", want: "https://github.com/jmoyers/corral"},
		{name: "custom port kept", in: "https://gitea.internal:3000/team/app", want: "https://gitea.internal:3000/team/app"},
		{name: "host lowercased", in: "https://GitHub.com/Jmoyers/Corral", want: "https://github.com/Jmoyers/Corral"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeRemoteURL(tt.in))
		})
	}
}

func TestSplitOwnerRepo(t *testing.T) {
	owner, name, ok := SplitOwnerRepo("https://github.com/jmoyers/corral")
	require.True(t, ok)
	require.Equal(t, "jmoyers", owner)
	require.Equal(t, "corral", name)

	owner, name, ok = SplitOwnerRepo("https://gitlab.com/group/sub/project")
	require.True(t, ok)
	require.Equal(t, "sub", owner)
	require.Equal(t, "project", name)

	_, _, ok = SplitOwnerRepo("https://example.com/")
	require.False(t, ok)
}

func TestRepoName(t *testing.T) {
	require.Equal(t, "jmoyers/corral", RepoName("https://github.com/jmoyers/corral"))
	require.Equal(t, "solo", RepoName("https://example.com/solo"))
}
