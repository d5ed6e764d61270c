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

package wire

// Command names carried in command envelopes.
const (
	CmdSessionList      = "session.list"
	CmdAttentionList    = "attention.list"
	CmdSessionStatus    = "session.status"
	CmdSessionSnapshot  = "session.snapshot"
	CmdSessionRespond   = "session.respond"
	CmdSessionInterrupt = "session.interrupt"
	CmdSessionClaim     = "session.claim"
	CmdSessionRelease   = "session.release"
	CmdSessionRemove    = "session.remove"

	CmdPtyStart          = "pty.start"
	CmdPtyAttach         = "pty.attach"
	CmdPtyDetach         = "pty.detach"
	CmdSubscribeEvents   = "pty.subscribe-events"
	CmdUnsubscribeEvents = "pty.unsubscribe-events"

	CmdStreamSubscribe   = "stream.subscribe"
	CmdStreamUnsubscribe = "stream.unsubscribe"

	CmdDirectoryUpsert  = "directory.upsert"
	CmdDirectoryList    = "directory.list"
	CmdDirectoryArchive = "directory.archive"

	CmdConversationUpsert  = "conversation.upsert"
	CmdConversationList    = "conversation.list"
	CmdConversationArchive = "conversation.archive"
	CmdConversationDelete  = "conversation.delete"

	CmdTaskCreate  = "task.create"
	CmdTaskUpdate  = "task.update"
	CmdTaskList    = "task.list"
	CmdTaskReorder = "task.reorder"

	CmdRepositoryList = "repository.list"

	CmdAgentToolsStatus = "agent.tools.status"
)
