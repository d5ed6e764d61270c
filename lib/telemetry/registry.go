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

// Package telemetry is the OTLP ingest side of the daemon: it accepts
// the HTTP payloads agents export, normalizes them into key events for
// the session runtime, records them durably with fingerprint dedupe,
// and tails the provider history file to recover prompts submitted
// outside a managed session.
package telemetry

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps ingest tokens to session ids. A token is minted when a
// session starts, handed to the agent through its launch profile, and
// revoked when the session is destroyed. One token per session; minting
// again invalidates the previous token.
type Registry struct {
	mu        sync.Mutex
	bySession map[string]string
	byToken   map[string]string
}

// NewRegistry returns an empty token registry.
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[string]string),
		byToken:   make(map[string]string),
	}
}

// Mint issues a fresh token for the session, replacing any previous one.
func (r *Registry) Mint(sessionID string) string {
	token := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.bySession[sessionID]; ok {
		delete(r.byToken, prev)
	}
	r.bySession[sessionID] = token
	r.byToken[token] = sessionID
	return token
}

// Revoke forgets the session's token. Requests carrying it 404 afterwards.
func (r *Registry) Revoke(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.bySession[sessionID]; ok {
		delete(r.byToken, token)
		delete(r.bySession, sessionID)
	}
}

// Lookup resolves a token to its session id.
func (r *Registry) Lookup(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.byToken[token]
	return sessionID, ok
}
