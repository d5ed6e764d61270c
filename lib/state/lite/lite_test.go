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

package lite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/jmoyers/corral/lib/state"
)

func newBackend(t *testing.T) (*Backend, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	backend, err := New(Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backend.Close()) })
	return backend, clock
}

func TestDirectories(t *testing.T) {
	backend, clock := newBackend(t)
	ctx := context.Background()

	t.Run("upsert preserves creation time", func(t *testing.T) {
		dir, err := backend.UpsertDirectory(ctx, state.Directory{
			ID:   "dir-1",
			Path: "/home/user/project",
			Name: "project",
		})
		require.NoError(t, err)
		created := dir.CreatedAt
		require.False(t, created.IsZero())

		clock.Advance(time.Hour)
		dir.Name = "renamed"
		updated, err := backend.UpsertDirectory(ctx, dir)
		require.NoError(t, err)
		require.Equal(t, created, updated.CreatedAt)
		require.True(t, updated.UpdatedAt.After(created))

		got, err := backend.GetDirectory(ctx, "dir-1")
		require.NoError(t, err)
		require.Equal(t, "renamed", got.Name)
		require.Equal(t, created, got.CreatedAt)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := backend.GetDirectory(ctx, "no-such")
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("list excludes archived", func(t *testing.T) {
		_, err := backend.UpsertDirectory(ctx, state.Directory{
			ID:   "dir-2",
			Path: "/home/user/other",
		})
		require.NoError(t, err)
		require.NoError(t, backend.ArchiveDirectory(ctx, "dir-2", clock.Now()))

		active, err := backend.ListDirectories(ctx, state.ListDirectoriesParams{})
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, "dir-1", active[0].ID)

		all, err := backend.ListDirectories(ctx, state.ListDirectoriesParams{IncludeArchived: true})
		require.NoError(t, err)
		require.Len(t, all, 2)
	})

	t.Run("archive keeps original stamp", func(t *testing.T) {
		got, err := backend.GetDirectory(ctx, "dir-2")
		require.NoError(t, err)
		require.NotNil(t, got.ArchivedAt)
		first := *got.ArchivedAt

		clock.Advance(time.Hour)
		require.NoError(t, backend.ArchiveDirectory(ctx, "dir-2", clock.Now()))
		got, err = backend.GetDirectory(ctx, "dir-2")
		require.NoError(t, err)
		require.Equal(t, first, *got.ArchivedAt)
	})

	t.Run("archive missing", func(t *testing.T) {
		err := backend.ArchiveDirectory(ctx, "no-such", clock.Now())
		require.True(t, trace.IsNotFound(err))
	})
}

func TestConversations(t *testing.T) {
	backend, clock := newBackend(t)
	ctx := context.Background()

	conv, err := backend.UpsertConversation(ctx, state.Conversation{
		ID:          "conv-1",
		DirectoryID: "dir-1",
		AgentType:   "codex",
		Title:       "fix flaky test",
	})
	require.NoError(t, err)

	t.Run("runtime update is partial", func(t *testing.T) {
		at := clock.Now()
		err := backend.UpdateConversationRuntime(ctx, conv.ID, state.ConversationRuntime{
			Status:       "running",
			LastEventAt:  &at,
			AdapterState: json.RawMessage(`{"threadId":"t-123"}`),
		})
		require.NoError(t, err)

		// A later update that carries no adapter state must not wipe it.
		err = backend.UpdateConversationRuntime(ctx, conv.ID, state.ConversationRuntime{
			Status:          "needs-input",
			AttentionReason: "permission-prompt",
		})
		require.NoError(t, err)

		got, err := backend.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.Equal(t, "needs-input", got.RuntimeStatus)
		require.Equal(t, "permission-prompt", got.RuntimeAttentionReason)
		require.JSONEq(t, `{"threadId":"t-123"}`, string(got.AdapterState))
		require.NotNil(t, got.RuntimeLastEventAt)
		require.Equal(t, at, *got.RuntimeLastEventAt)
	})

	t.Run("runtime update for missing conversation", func(t *testing.T) {
		err := backend.UpdateConversationRuntime(ctx, "no-such", state.ConversationRuntime{Status: "running"})
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("list scoped to directory", func(t *testing.T) {
		_, err := backend.UpsertConversation(ctx, state.Conversation{
			ID:          "conv-2",
			DirectoryID: "dir-2",
			AgentType:   "claude",
		})
		require.NoError(t, err)

		convs, err := backend.ListConversations(ctx, state.ListConversationsParams{DirectoryID: "dir-1"})
		require.NoError(t, err)
		require.Len(t, convs, 1)
		require.Equal(t, "conv-1", convs[0].ID)
	})

	t.Run("archive then delete", func(t *testing.T) {
		require.NoError(t, backend.ArchiveConversation(ctx, "conv-2", clock.Now()))
		convs, err := backend.ListConversations(ctx, state.ListConversationsParams{})
		require.NoError(t, err)
		require.Len(t, convs, 1)

		require.NoError(t, backend.DeleteConversation(ctx, "conv-2"))
		_, err = backend.GetConversation(ctx, "conv-2")
		require.True(t, trace.IsNotFound(err))
		err = backend.DeleteConversation(ctx, "conv-2")
		require.True(t, trace.IsNotFound(err))
	})
}

func TestRepositories(t *testing.T) {
	backend, clock := newBackend(t)
	ctx := context.Background()

	repo, err := backend.UpsertRepository(ctx, state.Repository{
		RemoteURL: "github.com/jmoyers/corral",
		Name:      "corral",
	})
	require.NoError(t, err)
	require.NotEmpty(t, repo.ID)

	t.Run("remote url keeps identity", func(t *testing.T) {
		clock.Advance(time.Minute)
		again, err := backend.UpsertRepository(ctx, state.Repository{
			ID:        "some-other-id",
			RemoteURL: "github.com/jmoyers/corral",
			Name:      "corral-renamed",
		})
		require.NoError(t, err)
		require.Equal(t, repo.ID, again.ID)
		require.Equal(t, repo.CreatedAt, again.CreatedAt)
		require.Equal(t, "corral-renamed", again.Name)
	})

	t.Run("list", func(t *testing.T) {
		_, err := backend.UpsertRepository(ctx, state.Repository{
			RemoteURL: "github.com/jmoyers/another",
		})
		require.NoError(t, err)
		repos, err := backend.ListRepositories(ctx)
		require.NoError(t, err)
		require.Len(t, repos, 2)
		require.Equal(t, "github.com/jmoyers/another", repos[0].RemoteURL)
	})
}

func TestTasks(t *testing.T) {
	backend, _ := newBackend(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		_, err := backend.UpsertTask(ctx, state.Task{
			ID:          "task-" + title,
			DirectoryID: "dir-1",
			Title:       title,
		})
		require.NoError(t, err)
	}

	t.Run("new tasks append to the end", func(t *testing.T) {
		tasks, err := backend.ListTasks(ctx, state.ListTasksParams{DirectoryID: "dir-1"})
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		require.Equal(t, []int{1, 2, 3}, []int{tasks[0].SortOrder, tasks[1].SortOrder, tasks[2].SortOrder})
		require.Equal(t, "first", tasks[0].Title)
	})

	t.Run("update keeps position", func(t *testing.T) {
		_, err := backend.UpsertTask(ctx, state.Task{
			ID:          "task-second",
			DirectoryID: "dir-1",
			Title:       "second",
			Status:      "done",
		})
		require.NoError(t, err)
		got, err := backend.GetTask(ctx, "task-second")
		require.NoError(t, err)
		require.Equal(t, 2, got.SortOrder)
		require.Equal(t, "done", got.Status)
	})

	t.Run("partial reorder moves named tasks first", func(t *testing.T) {
		tasks, err := backend.ReorderTasks(ctx, "dir-1", []string{"task-third"})
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		require.Equal(t, "task-third", tasks[0].ID)
		require.Equal(t, "task-first", tasks[1].ID)
		require.Equal(t, "task-second", tasks[2].ID)
		require.Equal(t, 1, tasks[0].SortOrder)
	})

	t.Run("reorder rejects unknown and duplicate ids", func(t *testing.T) {
		_, err := backend.ReorderTasks(ctx, "dir-1", []string{"no-such"})
		require.True(t, trace.IsNotFound(err))
		_, err = backend.ReorderTasks(ctx, "dir-1", []string{"task-first", "task-first"})
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestTelemetryDedupe(t *testing.T) {
	backend, clock := newBackend(t)
	ctx := context.Background()

	rec := state.TelemetryRecord{
		Source:      "codex",
		SessionID:   "sess-1",
		EventName:   "codex.user_prompt",
		ObservedAt:  clock.Now(),
		Fingerprint: "abc123",
		Payload:     json.RawMessage(`{"prompt":"hello"}`),
	}
	require.NoError(t, backend.AppendTelemetry(ctx, rec))

	err := backend.AppendTelemetry(ctx, rec)
	require.True(t, trace.IsAlreadyExists(err))

	rec.Fingerprint = "def456"
	require.NoError(t, backend.AppendTelemetry(ctx, rec))
}

func TestPullRequests(t *testing.T) {
	backend, clock := newBackend(t)
	ctx := context.Background()

	pr, err := backend.UpsertPullRequest(ctx, state.PullRequest{
		RepositoryID: "repo-1",
		Branch:       "feature/fanout",
		Number:       42,
		Title:        "Add fanout",
		State:        "open",
		HeadSHA:      "aaa111",
	})
	require.NoError(t, err)
	require.NotEmpty(t, pr.ID)

	t.Run("number keeps identity", func(t *testing.T) {
		clock.Advance(time.Minute)
		again, err := backend.UpsertPullRequest(ctx, state.PullRequest{
			RepositoryID: "repo-1",
			Number:       42,
			Branch:       "feature/fanout",
			State:        "open",
			HeadSHA:      "bbb222",
		})
		require.NoError(t, err)
		require.Equal(t, pr.ID, again.ID)
		require.Equal(t, "bbb222", again.HeadSHA)
	})

	t.Run("jobs replace wholesale", func(t *testing.T) {
		done := clock.Now()
		require.NoError(t, backend.ReplacePullRequestJobs(ctx, pr.ID, []state.PullRequestJob{
			{PullRequestID: pr.ID, Name: "build", Status: "completed", Conclusion: "success", CompletedAt: &done},
			{PullRequestID: pr.ID, Name: "test", Status: "in_progress"},
		}))
		jobs, err := backend.ListPullRequestJobs(ctx, pr.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Equal(t, "build", jobs[0].Name)
		require.NotNil(t, jobs[0].CompletedAt)
		require.Nil(t, jobs[1].CompletedAt)

		require.NoError(t, backend.ReplacePullRequestJobs(ctx, pr.ID, []state.PullRequestJob{
			{PullRequestID: pr.ID, Name: "test", Status: "completed", Conclusion: "failure"},
		}))
		jobs, err = backend.ListPullRequestJobs(ctx, pr.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, "failure", jobs[0].Conclusion)
	})

	t.Run("sync state round trips", func(t *testing.T) {
		_, err := backend.GetPullRequestSync(ctx, "repo-1", "feature/fanout")
		require.True(t, trace.IsNotFound(err))

		require.NoError(t, backend.UpsertPullRequestSync(ctx, state.PullRequestSync{
			RepositoryID: "repo-1",
			Branch:       "feature/fanout",
			SyncedAt:     clock.Now(),
		}))
		sync, err := backend.GetPullRequestSync(ctx, "repo-1", "feature/fanout")
		require.NoError(t, err)
		require.Empty(t, sync.LastError)

		require.NoError(t, backend.UpsertPullRequestSync(ctx, state.PullRequestSync{
			RepositoryID: "repo-1",
			Branch:       "feature/fanout",
			SyncedAt:     clock.Now(),
			LastError:    "rate limited",
		}))
		sync, err = backend.GetPullRequestSync(ctx, "repo-1", "feature/fanout")
		require.NoError(t, err)
		require.Equal(t, "rate limited", sync.LastError)
	})

	t.Run("delete removes jobs", func(t *testing.T) {
		require.NoError(t, backend.DeletePullRequest(ctx, pr.ID))
		prs, err := backend.ListPullRequests(ctx, "repo-1")
		require.NoError(t, err)
		require.Empty(t, prs)
		jobs, err := backend.ListPullRequestJobs(ctx, pr.ID)
		require.NoError(t, err)
		require.Empty(t, jobs)
		err = backend.DeletePullRequest(ctx, pr.ID)
		require.True(t, trace.IsNotFound(err))
	})
}

func TestClosedBackend(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend, err := New(Config{Clock: clock})
	require.NoError(t, err)
	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())

	ctx := context.Background()
	_, err = backend.GetDirectory(ctx, "dir-1")
	require.True(t, state.IsClosed(err))
	_, err = backend.UpsertDirectory(ctx, state.Directory{ID: "dir-1", Path: "/tmp"})
	require.True(t, state.IsClosed(err))
	err = backend.AppendTelemetry(ctx, state.TelemetryRecord{Source: "codex", Fingerprint: "x"})
	require.True(t, state.IsClosed(err))
}
