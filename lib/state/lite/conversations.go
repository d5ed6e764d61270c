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

const conversationColumns = `id, tenant_id, user_id, workspace_id, directory_id,
	worktree_id, agent_type, title, runtime_status, runtime_last_event_at,
	runtime_attention_reason, runtime_last_exit, adapter_state, archived_at,
	created_at, updated_at`

func scanConversation(s scanner) (state.Conversation, error) {
	var c state.Conversation
	var lastEventAt, archivedAt sql.NullInt64
	var lastExit, adapterState sql.NullString
	var createdAt, updatedAt int64
	err := s.Scan(&c.ID, &c.TenantID, &c.UserID, &c.WorkspaceID, &c.DirectoryID,
		&c.WorktreeID, &c.AgentType, &c.Title, &c.RuntimeStatus, &lastEventAt,
		&c.RuntimeAttentionReason, &lastExit, &adapterState, &archivedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return state.Conversation{}, trace.Wrap(convertError(err))
	}
	c.RuntimeLastEventAt = timePtr(lastEventAt)
	if lastExit.Valid {
		c.RuntimeLastExit = []byte(lastExit.String)
	}
	if adapterState.Valid {
		c.AdapterState = []byte(adapterState.String)
	}
	c.ArchivedAt = timePtr(archivedAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// UpsertConversation creates or updates a conversation record.
func (l *Backend) UpsertConversation(ctx context.Context, c state.Conversation) (state.Conversation, error) {
	if c.ID == "" {
		return state.Conversation{}, trace.BadParameter("missing conversation id")
	}
	if c.AgentType == "" {
		return state.Conversation{}, trace.BadParameter("missing conversation agent type")
	}
	now := l.Clock.Now().UTC()
	c.UpdatedAt = now
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		var createdAt int64
		err := tx.QueryRowContext(ctx,
			"SELECT created_at FROM conversations WHERE id = ?", c.ID).Scan(&createdAt)
		switch {
		case err == nil:
			c.CreatedAt = fromMillis(createdAt)
		case errors.Is(err, sql.ErrNoRows):
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
		default:
			return trace.Wrap(convertError(err))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				user_id = excluded.user_id,
				workspace_id = excluded.workspace_id,
				directory_id = excluded.directory_id,
				worktree_id = excluded.worktree_id,
				agent_type = excluded.agent_type,
				title = excluded.title,
				runtime_status = excluded.runtime_status,
				runtime_last_event_at = excluded.runtime_last_event_at,
				runtime_attention_reason = excluded.runtime_attention_reason,
				runtime_last_exit = excluded.runtime_last_exit,
				adapter_state = excluded.adapter_state,
				archived_at = excluded.archived_at,
				updated_at = excluded.updated_at`,
			c.ID, c.TenantID, c.UserID, c.WorkspaceID, c.DirectoryID,
			c.WorktreeID, c.AgentType, c.Title, c.RuntimeStatus,
			nullableMillis(c.RuntimeLastEventAt), c.RuntimeAttentionReason,
			nullableText(c.RuntimeLastExit), nullableText(c.AdapterState),
			nullableMillis(c.ArchivedAt), millis(c.CreatedAt), millis(c.UpdatedAt))
		return trace.Wrap(convertError(err))
	})
	if err != nil {
		return state.Conversation{}, trace.Wrap(err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (l *Backend) GetConversation(ctx context.Context, id string) (state.Conversation, error) {
	if err := l.checkOpen(); err != nil {
		return state.Conversation{}, err
	}
	if id == "" {
		return state.Conversation{}, trace.BadParameter("missing conversation id")
	}
	c, err := scanConversation(l.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id))
	if err != nil {
		if trace.IsNotFound(err) {
			return state.Conversation{}, trace.NotFound("conversation %v is not found", id)
		}
		return state.Conversation{}, trace.Wrap(err)
	}
	return c, nil
}

// ListConversations returns conversations in creation order, optionally
// scoped to a directory.
func (l *Backend) ListConversations(ctx context.Context, p state.ListConversationsParams) ([]state.Conversation, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + conversationColumns + " FROM conversations"
	var clauses []string
	var args []any
	if !p.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if p.DirectoryID != "" {
		clauses = append(clauses, "directory_id = ?")
		args = append(args, p.DirectoryID)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()
	var out []state.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, c)
	}
	return out, trace.Wrap(convertError(rows.Err()))
}

// UpdateConversationRuntime writes the live runtime fields without
// touching the rest of the record. Nil LastEventAt, LastExit and
// AdapterState leave the stored values in place.
func (l *Backend) UpdateConversationRuntime(ctx context.Context, id string, r state.ConversationRuntime) error {
	if id == "" {
		return trace.BadParameter("missing conversation id")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				runtime_status = ?,
				runtime_attention_reason = ?,
				runtime_last_event_at = COALESCE(?, runtime_last_event_at),
				runtime_last_exit = COALESCE(?, runtime_last_exit),
				adapter_state = COALESCE(?, adapter_state),
				updated_at = ?
			WHERE id = ?`,
			r.Status, r.AttentionReason, nullableMillis(r.LastEventAt),
			nullableText(r.LastExit), nullableText(r.AdapterState),
			millis(l.Clock.Now().UTC()), id)
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		if affected == 0 {
			return trace.NotFound("conversation %v is not found", id)
		}
		return nil
	})
}

// ArchiveConversation stamps the conversation archived, keeping the
// original archive time on repeat calls.
func (l *Backend) ArchiveConversation(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return trace.BadParameter("missing conversation id")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET archived_at = ?, updated_at = ?
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
				"SELECT 1 FROM conversations WHERE id = ?", id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return trace.NotFound("conversation %v is not found", id)
			}
			return trace.Wrap(convertError(err))
		}
		return nil
	})
}

// DeleteConversation removes the conversation row entirely.
func (l *Backend) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing conversation id")
	}
	return l.inTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(convertError(err))
		}
		if affected == 0 {
			return trace.NotFound("conversation %v is not found", id)
		}
		return nil
	})
}
