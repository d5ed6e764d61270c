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

import "slices"

// Filter selects journal entries for a stream subscription. Every set
// field must match for an entry to be delivered; unset fields match
// anything. Output events are additionally gated by IncludeOutput.
type Filter struct {
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	RepositoryID   string `json:"repositoryId,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
	IncludeOutput  bool   `json:"includeOutput,omitempty"`
}

// Matches reports whether an entry published under scope matches the
// filter. Kinds that embed an identifier are compared on the embedded
// value; kinds that do not fall back to the publish scope. Task and
// repository filters match only when the event carries the id.
func (f Filter) Matches(scope Scope, event Event) bool {
	if event.Kind == KindSessionOutput && !f.IncludeOutput {
		return false
	}
	if f.TenantID != "" && f.TenantID != scope.TenantID {
		return false
	}
	if f.UserID != "" && f.UserID != scope.UserID {
		return false
	}
	if f.WorkspaceID != "" && f.WorkspaceID != scope.WorkspaceID {
		return false
	}
	if f.DirectoryID != "" && f.DirectoryID != firstSet(event.DirectoryID, scope.DirectoryID) {
		return false
	}
	if f.ConversationID != "" && f.ConversationID != firstSet(event.ConversationID, event.SessionID, scope.ConversationID) {
		return false
	}
	if f.RepositoryID != "" && f.RepositoryID != event.RepositoryID {
		return false
	}
	if f.TaskID != "" && !slices.Contains(event.TaskIDs, f.TaskID) {
		return false
	}
	return true
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
