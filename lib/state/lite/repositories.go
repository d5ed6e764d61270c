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

const repositoryColumns = `id, tenant_id, user_id, workspace_id, remote_url,
	name, created_at, updated_at`

func scanRepository(s scanner) (state.Repository, error) {
	var r state.Repository
	var createdAt, updatedAt int64
	err := s.Scan(&r.ID, &r.TenantID, &r.UserID, &r.WorkspaceID, &r.RemoteURL,
		&r.Name, &createdAt, &updatedAt)
	if err != nil {
		return state.Repository{}, trace.Wrap(convertError(err))
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

// UpsertRepository creates or updates a repository keyed by its remote
// URL. A repository that already exists for the URL keeps its id, so
// pull requests recorded against it stay attached.
func (l *Backend) UpsertRepository(ctx context.Context, r state.Repository) (state.Repository, error) {
	if r.RemoteURL == "" {
		return state.Repository{}, trace.BadParameter("missing repository remote url")
	}
	now := l.Clock.Now().UTC()
	r.UpdatedAt = now
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		var existingID string
		var createdAt int64
		err := tx.QueryRowContext(ctx,
			"SELECT id, created_at FROM repositories WHERE remote_url = ?",
			r.RemoteURL).Scan(&existingID, &createdAt)
		switch {
		case err == nil:
			r.ID = existingID
			r.CreatedAt = fromMillis(createdAt)
		case errors.Is(err, sql.ErrNoRows):
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
		default:
			return trace.Wrap(convertError(err))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO repositories (`+repositoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (remote_url) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				user_id = excluded.user_id,
				workspace_id = excluded.workspace_id,
				name = excluded.name,
				updated_at = excluded.updated_at`,
			r.ID, r.TenantID, r.UserID, r.WorkspaceID, r.RemoteURL,
			r.Name, millis(r.CreatedAt), millis(r.UpdatedAt))
		return trace.Wrap(convertError(err))
	})
	if err != nil {
		return state.Repository{}, trace.Wrap(err)
	}
	return r, nil
}

// GetRepository returns a repository by id.
func (l *Backend) GetRepository(ctx context.Context, id string) (state.Repository, error) {
	if err := l.checkOpen(); err != nil {
		return state.Repository{}, err
	}
	if id == "" {
		return state.Repository{}, trace.BadParameter("missing repository id")
	}
	r, err := scanRepository(l.db.QueryRowContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories WHERE id = ?", id))
	if err != nil {
		if trace.IsNotFound(err) {
			return state.Repository{}, trace.NotFound("repository %v is not found", id)
		}
		return state.Repository{}, trace.Wrap(err)
	}
	return r, nil
}

// ListRepositories returns all repositories ordered by remote URL.
func (l *Backend) ListRepositories(ctx context.Context) ([]state.Repository, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories ORDER BY remote_url ASC")
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []state.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, trace.Wrap(convertError(rows.Err()))
}
