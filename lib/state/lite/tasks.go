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

	"github.com/gravitational/trace"

	"github.com/jmoyers/corral/lib/state"
)

const taskColumns = `id, tenant_id, user_id, workspace_id, directory_id,
	conversation_id, title, status, sort_order, created_at, updated_at`

func scanTask(s scanner) (state.Task, error) {
	var t state.Task
	var createdAt, updatedAt int64
	err := s.Scan(&t.ID, &t.TenantID, &t.UserID, &t.WorkspaceID, &t.DirectoryID,
		&t.ConversationID, &t.Title, &t.Status, &t.SortOrder, &createdAt, &updatedAt)
	if err != nil {
		return state.Task{}, trace.Wrap(convertError(err))
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

// UpsertTask creates or updates a task. A new task with no explicit sort
// order is appended to the end of its directory's list; on update a zero
// sort order keeps the stored position.
func (l *Backend) UpsertTask(ctx context.Context, t state.Task) (state.Task, error) {
	if t.ID == "" {
		return state.Task{}, trace.BadParameter("missing task id")
	}
	if t.Title == "" {
		return state.Task{}, trace.BadParameter("missing task title")
	}
	now := l.Clock.Now().UTC()
	t.UpdatedAt = now
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		var createdAt, sortOrder int64
		err := tx.QueryRowContext(ctx,
			"SELECT created_at, sort_order FROM tasks WHERE id = ?", t.ID).
			Scan(&createdAt, &sortOrder)
		switch {
		case err == nil:
			t.CreatedAt = fromMillis(createdAt)
			if t.SortOrder <= 0 {
				t.SortOrder = int(sortOrder)
			}
		case errors.Is(err, sql.ErrNoRows):
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			if t.SortOrder <= 0 {
				err := tx.QueryRowContext(ctx,
					"SELECT COALESCE(MAX(sort_order), 0) + 1 FROM tasks WHERE directory_id = ?",
					t.DirectoryID).Scan(&sortOrder)
				if err != nil {
					return trace.Wrap(convertError(err))
				}
				t.SortOrder = int(sortOrder)
			}
		default:
			return trace.Wrap(convertError(err))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				user_id = excluded.user_id,
				workspace_id = excluded.workspace_id,
				directory_id = excluded.directory_id,
				conversation_id = excluded.conversation_id,
				title = excluded.title,
				status = excluded.status,
				sort_order = excluded.sort_order,
				updated_at = excluded.updated_at`,
			t.ID, t.TenantID, t.UserID, t.WorkspaceID, t.DirectoryID,
			t.ConversationID, t.Title, t.Status, t.SortOrder,
			millis(t.CreatedAt), millis(t.UpdatedAt))
		return trace.Wrap(convertError(err))
	})
	if err != nil {
		return state.Task{}, trace.Wrap(err)
	}
	return t, nil
}

// GetTask returns a task by id.
func (l *Backend) GetTask(ctx context.Context, id string) (state.Task, error) {
	if err := l.checkOpen(); err != nil {
		return state.Task{}, err
	}
	if id == "" {
		return state.Task{}, trace.BadParameter("missing task id")
	}
	t, err := scanTask(l.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err != nil {
		if trace.IsNotFound(err) {
			return state.Task{}, trace.NotFound("task %v is not found", id)
		}
		return state.Task{}, trace.Wrap(err)
	}
	return t, nil
}

// ListTasks returns tasks in sort order, optionally scoped to a
// directory or conversation.
func (l *Backend) ListTasks(ctx context.Context, p state.ListTasksParams) ([]state.Task, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + taskColumns + " FROM tasks"
	var clauses []string
	var args []any
	if p.DirectoryID != "" {
		clauses = append(clauses, "directory_id = ?")
		args = append(args, p.DirectoryID)
	}
	if p.ConversationID != "" {
		clauses = append(clauses, "conversation_id = ?")
		args = append(args, p.ConversationID)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY sort_order ASC, created_at ASC, id ASC"
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []state.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, t)
	}
	return out, trace.Wrap(convertError(rows.Err()))
}

// ReorderTasks moves the named tasks to the front of the directory's
// list in the given order. Tasks not named keep their relative order
// after the named ones. Returns the directory's tasks in final order.
func (l *Backend) ReorderTasks(ctx context.Context, directoryID string, ids []string) ([]state.Task, error) {
	if directoryID == "" {
		return nil, trace.BadParameter("missing directory id")
	}
	var out []state.Task
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+taskColumns+` FROM tasks WHERE directory_id = ?
			ORDER BY sort_order ASC, created_at ASC, id ASC`, directoryID)
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		var existing []state.Task
		byID := make(map[string]int)
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return trace.Wrap(err)
			}
			byID[t.ID] = len(existing)
			existing = append(existing, t)
		}
		rows.Close()
		if err := convertError(rows.Err()); err != nil {
			return trace.Wrap(err)
		}

		named := make(map[string]bool, len(ids))
		ordered := make([]state.Task, 0, len(existing))
		for _, id := range ids {
			idx, ok := byID[id]
			if !ok {
				return trace.NotFound("task %v is not found in directory %v", id, directoryID)
			}
			if named[id] {
				return trace.BadParameter("task %v is listed twice", id)
			}
			named[id] = true
			ordered = append(ordered, existing[idx])
		}
		for _, t := range existing {
			if !named[t.ID] {
				ordered = append(ordered, t)
			}
		}

		now := millis(l.Clock.Now().UTC())
		for i := range ordered {
			ordered[i].SortOrder = i + 1
			ordered[i].UpdatedAt = fromMillis(now)
			_, err := tx.ExecContext(ctx,
				"UPDATE tasks SET sort_order = ?, updated_at = ? WHERE id = ?",
				ordered[i].SortOrder, now, ordered[i].ID)
			if err != nil {
				return trace.Wrap(convertError(err))
			}
		}
		out = ordered
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
