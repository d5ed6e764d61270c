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
	"time"

	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/state"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const directoryColumns = `id, tenant_id, user_id, workspace_id, path, name,
	pinned_branch, branch_strategy, archived_at, created_at, updated_at`

func scanDirectory(s scanner) (state.Directory, error) {
	var d state.Directory
	var archivedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := s.Scan(&d.ID, &d.TenantID, &d.UserID, &d.WorkspaceID, &d.Path, &d.Name,
		&d.PinnedBranch, &d.BranchStrategy, &archivedAt, &createdAt, &updatedAt)
	if err != nil {
		return state.Directory{}, trace.Wrap(convertError(err))
	}
	d.ArchivedAt = timePtr(archivedAt)
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return d, nil
}

// UpsertDirectory creates or updates a tracked directory. The creation
// time of an existing row is preserved.
func (l *Backend) UpsertDirectory(ctx context.Context, d state.Directory) (state.Directory, error) {
	if d.ID == "" {
		return state.Directory{}, trace.BadParameter("missing directory id")
	}
	if d.Path == "" {
		return state.Directory{}, trace.BadParameter("missing directory path")
	}
	now := l.Clock.Now().UTC()
	d.UpdatedAt = now
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		var createdAt int64
		err := tx.QueryRowContext(ctx,
			"SELECT created_at FROM directories WHERE id = ?", d.ID).Scan(&createdAt)
		switch {
		case err == nil:
			d.CreatedAt = fromMillis(createdAt)
		case errors.Is(err, sql.ErrNoRows):
			if d.CreatedAt.IsZero() {
				d.CreatedAt = now
			}
		default:
			return trace.Wrap(convertError(err))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO directories (`+directoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				user_id = excluded.user_id,
				workspace_id = excluded.workspace_id,
				path = excluded.path,
				name = excluded.name,
				pinned_branch = excluded.pinned_branch,
				branch_strategy = excluded.branch_strategy,
				archived_at = excluded.archived_at,
				updated_at = excluded.updated_at`,
			d.ID, d.TenantID, d.UserID, d.WorkspaceID, d.Path, d.Name,
			d.PinnedBranch, d.BranchStrategy, nullableMillis(d.ArchivedAt),
			millis(d.CreatedAt), millis(d.UpdatedAt))
		return trace.Wrap(convertError(err))
	})
	if err != nil {
		return state.Directory{}, trace.Wrap(err)
	}
	return d, nil
}

// GetDirectory returns a directory by id.
func (l *Backend) GetDirectory(ctx context.Context, id string) (state.Directory, error) {
	if err := l.checkOpen(); err != nil {
		return state.Directory{}, err
	}
	if id == "" {
		return state.Directory{}, trace.BadParameter("missing directory id")
	}
	d, err := scanDirectory(l.db.QueryRowContext(ctx,
		"SELECT "+directoryColumns+" FROM directories WHERE id = ?", id))
	if err != nil {
		if trace.IsNotFound(err) {
			return state.Directory{}, trace.NotFound("directory %v is not found", id)
		}
		return state.Directory{}, trace.Wrap(err)
	}
	return d, nil
}

// ListDirectories returns directories ordered by path. Archived rows are
// excluded unless requested.
func (l *Backend) ListDirectories(ctx context.Context, p state.ListDirectoriesParams) ([]state.Directory, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + directoryColumns + " FROM directories"
	if !p.IncludeArchived {
		query += " WHERE archived_at IS NULL"
	}
	query += " ORDER BY path ASC, id ASC"
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []state.Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, d)
	}
	return out, trace.Wrap(convertError(rows.Err()))
}

// ArchiveDirectory stamps the directory archived. Already archived rows
// keep their original archive time.
func (l *Backend) ArchiveDirectory(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return trace.BadParameter("missing directory id")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE directories SET archived_at = ?, updated_at = ?
			WHERE id = ? AND archived_at IS NULL`,
			millis(at), millis(l.Clock.Now().UTC()), id)
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		if affected == 0 {
			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM directories WHERE id = ?", id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return trace.NotFound("directory %v is not found", id)
			}
			return trace.Wrap(convertError(err))
		}
		return nil
	})
}
