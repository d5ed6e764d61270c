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
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/state"
)

const pullRequestColumns = `id, repository_id, branch, number, title, state,
	url, head_sha, status_rollup, created_at, updated_at`

func scanPullRequest(s scanner) (state.PullRequest, error) {
	var pr state.PullRequest
	var createdAt, updatedAt int64
	err := s.Scan(&pr.ID, &pr.RepositoryID, &pr.Branch, &pr.Number, &pr.Title,
		&pr.State, &pr.URL, &pr.HeadSHA, &pr.StatusRollup, &createdAt, &updatedAt)
	if err != nil {
		return state.PullRequest{}, trace.Wrap(convertError(err))
	}
	pr.CreatedAt = fromMillis(createdAt)
	pr.UpdatedAt = fromMillis(updatedAt)
	return pr, nil
}

// UpsertPullRequest creates or updates a pull request keyed by
// repository and number, keeping the stored id across updates.
func (l *Backend) UpsertPullRequest(ctx context.Context, pr state.PullRequest) (state.PullRequest, error) {
	if pr.RepositoryID == "" {
		return state.PullRequest{}, trace.BadParameter("missing pull request repository id")
	}
	if pr.Number <= 0 {
		return state.PullRequest{}, trace.BadParameter("missing pull request number")
	}
	now := l.Clock.Now().UTC()
	pr.UpdatedAt = now
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		var existingID string
		var createdAt int64
		err := tx.QueryRowContext(ctx,
			"SELECT id, created_at FROM pull_requests WHERE repository_id = ? AND number = ?",
			pr.RepositoryID, pr.Number).Scan(&existingID, &createdAt)
		switch {
		case err == nil:
			pr.ID = existingID
			pr.CreatedAt = fromMillis(createdAt)
		case errors.Is(err, sql.ErrNoRows):
			if pr.ID == "" {
				pr.ID = uuid.NewString()
			}
			if pr.CreatedAt.IsZero() {
				pr.CreatedAt = now
			}
		default:
			return trace.Wrap(convertError(err))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pull_requests (`+pullRequestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (repository_id, number) DO UPDATE SET
				branch = excluded.branch,
				title = excluded.title,
				state = excluded.state,
				url = excluded.url,
				head_sha = excluded.head_sha,
				status_rollup = excluded.status_rollup,
				updated_at = excluded.updated_at`,
			pr.ID, pr.RepositoryID, pr.Branch, pr.Number, pr.Title, pr.State,
			pr.URL, pr.HeadSHA, pr.StatusRollup, millis(pr.CreatedAt),
			millis(pr.UpdatedAt))
		return trace.Wrap(convertError(err))
	})
	if err != nil {
		return state.PullRequest{}, trace.Wrap(err)
	}
	return pr, nil
}

// ListPullRequests returns a repository's pull requests, most recently
// updated first.
func (l *Backend) ListPullRequests(ctx context.Context, repositoryID string) ([]state.PullRequest, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	if repositoryID == "" {
		return nil, trace.BadParameter("missing repository id")
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+pullRequestColumns+` FROM pull_requests
		WHERE repository_id = ? ORDER BY updated_at DESC, number DESC`, repositoryID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []state.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, pr)
	}
	return out, trace.Wrap(convertError(rows.Err()))
}

// DeletePullRequest removes a pull request and its recorded jobs.
func (l *Backend) DeletePullRequest(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing pull request id")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM pull_requests WHERE id = ?", id)
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		if affected == 0 {
			return trace.NotFound("pull request %v is not found", id)
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM pull_request_jobs WHERE pull_request_id = ?", id)
		return trace.Wrap(convertError(err))
	})
}

// ReplacePullRequestJobs swaps the recorded check jobs for a pull
// request with the given set.
func (l *Backend) ReplacePullRequestJobs(ctx context.Context, pullRequestID string, jobs []state.PullRequestJob) error {
	if pullRequestID == "" {
		return trace.BadParameter("missing pull request id")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM pull_request_jobs WHERE pull_request_id = ?", pullRequestID)
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		for _, job := range jobs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO pull_request_jobs (pull_request_id, name, status,
					conclusion, url, completed_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				pullRequestID, job.Name, job.Status, job.Conclusion, job.URL,
				nullableMillis(job.CompletedAt))
			if err != nil {
				return trace.Wrap(convertError(err))
			}
		}
		return nil
	})
}

// ListPullRequestJobs returns the check jobs recorded for a pull
// request in insertion order.
func (l *Backend) ListPullRequestJobs(ctx context.Context, pullRequestID string) ([]state.PullRequestJob, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	if pullRequestID == "" {
		return nil, trace.BadParameter("missing pull request id")
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT pull_request_id, name, status, conclusion, url, completed_at
		FROM pull_request_jobs WHERE pull_request_id = ? ORDER BY rowid ASC`,
		pullRequestID)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []state.PullRequestJob
	for rows.Next() {
		var job state.PullRequestJob
		var completedAt sql.NullInt64
		err := rows.Scan(&job.PullRequestID, &job.Name, &job.Status,
			&job.Conclusion, &job.URL, &completedAt)
		if err != nil {
			return nil, trace.Wrap(convertError(err))
		}
		job.CompletedAt = timePtr(completedAt)
		out = append(out, job)
	}
	return out, trace.Wrap(convertError(rows.Err()))
}

// UpsertPullRequestSync records the outcome of polling one repository
// branch.
func (l *Backend) UpsertPullRequestSync(ctx context.Context, s state.PullRequestSync) error {
	if s.RepositoryID == "" {
		return trace.BadParameter("missing repository id")
	}
	if s.Branch == "" {
		return trace.BadParameter("missing branch")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pull_request_sync (repository_id, branch, synced_at, last_error)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (repository_id, branch) DO UPDATE SET
				synced_at = excluded.synced_at,
				last_error = excluded.last_error`,
			s.RepositoryID, s.Branch, millis(s.SyncedAt), s.LastError)
		return trace.Wrap(convertError(err))
	})
}

// GetPullRequestSync reports when a repository branch was last polled.
func (l *Backend) GetPullRequestSync(ctx context.Context, repositoryID, branch string) (state.PullRequestSync, error) {
	if err := l.checkOpen(); err != nil {
		return state.PullRequestSync{}, err
	}
	if repositoryID == "" {
		return state.PullRequestSync{}, trace.BadParameter("missing repository id")
	}
	var s state.PullRequestSync
	var syncedAt int64
	err := l.db.QueryRowContext(ctx, `
		SELECT repository_id, branch, synced_at, last_error
		FROM pull_request_sync WHERE repository_id = ? AND branch = ?`,
		repositoryID, branch).Scan(&s.RepositoryID, &s.Branch, &syncedAt, &s.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.PullRequestSync{}, trace.NotFound(
				"no sync recorded for repository %v branch %v", repositoryID, branch)
		}
		return state.PullRequestSync{}, trace.Wrap(convertError(err))
	}
	s.SyncedAt = fromMillis(syncedAt)
	return s, nil
}
