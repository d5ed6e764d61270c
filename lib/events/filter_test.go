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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	scope := Scope{
		TenantID:       "t1",
		UserID:         "u1",
		WorkspaceID:    "w1",
		DirectoryID:    "d1",
		ConversationID: "c1",
	}

	tests := []struct {
		name   string
		filter Filter
		scope  Scope
		event  Event
		match  bool
	}{
		{
			name:   "empty filter matches everything",
			filter: Filter{},
			scope:  scope,
			event:  Event{Kind: KindSessionStatus, SessionID: "c1"},
			match:  true,
		},
		{
			name:   "output needs includeOutput",
			filter: Filter{ConversationID: "c1"},
			scope:  scope,
			event:  Event{Kind: KindSessionOutput, SessionID: "c1"},
			match:  false,
		},
		{
			name:   "output with includeOutput",
			filter: Filter{ConversationID: "c1", IncludeOutput: true},
			scope:  scope,
			event:  Event{Kind: KindSessionOutput, SessionID: "c1"},
			match:  true,
		},
		{
			name:   "session id doubles as conversation id",
			filter: Filter{ConversationID: "c1"},
			scope:  Scope{},
			event:  Event{Kind: KindSessionStatus, SessionID: "c1"},
			match:  true,
		},
		{
			name:   "embedded directory beats scope directory",
			filter: Filter{DirectoryID: "d2"},
			scope:  scope,
			event:  Event{Kind: KindDirectoryGitUpdated, DirectoryID: "d2"},
			match:  true,
		},
		{
			name:   "scope fallback when kind embeds nothing",
			filter: Filter{DirectoryID: "d1"},
			scope:  scope,
			event:  Event{Kind: KindSessionStatus, SessionID: "c1"},
			match:  true,
		},
		{
			name:   "tenant mismatch",
			filter: Filter{TenantID: "other"},
			scope:  scope,
			event:  Event{Kind: KindSessionStatus},
			match:  false,
		},
		{
			name:   "task filter needs the id in the event",
			filter: Filter{TaskID: "task1"},
			scope:  scope,
			event:  Event{Kind: KindTaskUpdated, TaskIDs: []string{"task0", "task1"}},
			match:  true,
		},
		{
			name: "task filter on an unrelated kind never matches",
			// a session-status event carries no task ids, so a taskId
			// filter must reject it even when the scope matches.
			filter: Filter{TaskID: "task1"},
			scope:  scope,
			event:  Event{Kind: KindSessionStatus, SessionID: "c1"},
			match:  false,
		},
		{
			name:   "repository filter matches embedded id only",
			filter: Filter{RepositoryID: "r1"},
			scope:  scope,
			event:  Event{Kind: KindGitHubPRUpserted, RepositoryID: "r1"},
			match:  true,
		},
		{
			name:   "repository filter rejects events without the id",
			filter: Filter{RepositoryID: "r1"},
			scope:  scope,
			event:  Event{Kind: KindSessionStatus, SessionID: "c1"},
			match:  false,
		},
		{
			name:   "conjunction requires every set field",
			filter: Filter{TenantID: "t1", ConversationID: "c2"},
			scope:  scope,
			event:  Event{Kind: KindSessionStatus, SessionID: "c1"},
			match:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.match, tt.filter.Matches(tt.scope, tt.event))
		})
	}
}

func TestControllerDisplayLabel(t *testing.T) {
	t.Parallel()

	c := Controller{ID: "h1", Type: "human"}
	require.Equal(t, "human:h1", c.DisplayLabel())

	c.Label = "alice"
	require.Equal(t, "alice", c.DisplayLabel())
}
