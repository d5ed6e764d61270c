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

package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/srv"
	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/state/lite"
	logutils "github.com/jmoyers/corral/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.Initialize(logutils.Config{Severity: "error"})
	os.Exit(m.Run())
}

type keyEventCall struct {
	sessionID string
	ev        srv.KeyEvent
}

type promptCall struct {
	sessionID string
	text      string
	hash      string
	at        time.Time
}

type injectCall struct {
	sessionID string
	kind      string
	reason    string
	payload   []byte
}

type sessionCounts struct {
	ingested uint64
	retained uint64
	dropped  uint64
}

// fakeCore records every runtime call the ingest side makes.
type fakeCore struct {
	mu        sync.Mutex
	keyEvents []keyEventCall
	prompts   []promptCall
	threads   map[string]string
	injects   []injectCall
	injectErr error
	resolve   map[string]string
	counts    map[string]sessionCounts
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		threads: make(map[string]string),
		resolve: make(map[string]string),
		counts:  make(map[string]sessionCounts),
	}
}

func (f *fakeCore) ApplyKeyEvent(sessionID string, ev srv.KeyEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyEvents = append(f.keyEvents, keyEventCall{sessionID: sessionID, ev: ev})
}

func (f *fakeCore) PublishPromptEvent(sessionID, text, hash string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, promptCall{sessionID: sessionID, text: text, hash: hash, at: at})
}

func (f *fakeCore) ReconcileResumeThread(sessionID, threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[sessionID] = threadID
}

func (f *fakeCore) CountTelemetry(sessionID string, ingested, retained, dropped uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counts[sessionID]
	c.ingested += ingested
	c.retained += retained
	c.dropped += dropped
	f.counts[sessionID] = c
}

func (f *fakeCore) InjectSessionEvent(sessionID, kind, reason string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injects = append(f.injects, injectCall{
		sessionID: sessionID, kind: kind, reason: reason, payload: payload,
	})
	return f.injectErr
}

func (f *fakeCore) SessionForThread(threadID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessionID, ok := f.resolve[threadID]
	return sessionID, ok
}

func (f *fakeCore) countsFor(sessionID string) sessionCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[sessionID]
}

func (f *fakeCore) keyEventList() []keyEventCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]keyEventCall(nil), f.keyEvents...)
}

func (f *fakeCore) promptList() []promptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]promptCall(nil), f.prompts...)
}

func (f *fakeCore) injectList() []injectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]injectCall(nil), f.injects...)
}

func newTestIngestor(t *testing.T, mutate func(*IngestorConfig)) (*Ingestor, *fakeCore) {
	t.Helper()
	backend, err := lite.New(lite.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	core := newFakeCore()
	cfg := IngestorConfig{Core: core, Store: backend}
	if mutate != nil {
		mutate(&cfg)
	}
	ig, err := NewIngestor(cfg)
	require.NoError(t, err)
	return ig, core
}

func TestIngestRetainsLifecycleEvent(t *testing.T) {
	ig, core := newTestIngestor(t, nil)
	at := time.Unix(1700000000, 0).UTC()

	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{{
		Source:           state.TelemetrySourceOTLPLog,
		ObservedAt:       at,
		EventName:        EventUserPrompt,
		Severity:         "INFO",
		Summary:          "ship it",
		ProviderThreadID: "thread-1",
		StatusHint:       corral.StatusRunning,
		Payload:          json.RawMessage(`{"k":"v"}`),
	}})

	require.Equal(t, sessionCounts{ingested: 1, retained: 1, dropped: 0}, core.countsFor("sess-1"))

	keyEvents := core.keyEventList()
	require.Len(t, keyEvents, 1)
	require.Equal(t, "sess-1", keyEvents[0].sessionID)
	require.Equal(t, state.TelemetrySourceOTLPLog, keyEvents[0].ev.Source)
	require.Equal(t, EventUserPrompt, keyEvents[0].ev.EventName)
	require.Equal(t, corral.StatusRunning, keyEvents[0].ev.StatusHint)
	require.Equal(t, at, keyEvents[0].ev.ObservedAt)

	prompts := core.promptList()
	require.Len(t, prompts, 1)
	require.Equal(t, "ship it", prompts[0].text)
	require.Equal(t, PromptHash("ship it"), prompts[0].hash)

	core.mu.Lock()
	thread := core.threads["sess-1"]
	core.mu.Unlock()
	require.Equal(t, "thread-1", thread)
}

func TestIngestDropsDuplicates(t *testing.T) {
	ig, core := newTestIngestor(t, nil)
	ev := ParsedEvent{
		Source:     state.TelemetrySourceOTLPLog,
		ObservedAt: time.Unix(1700000000, 0).UTC(),
		EventName:  EventUserPrompt,
		Summary:    "ship it",
		Payload:    json.RawMessage(`{"k":"v"}`),
	}

	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{ev})
	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{ev})

	require.Equal(t, sessionCounts{ingested: 2, retained: 1, dropped: 1}, core.countsFor("sess-1"))
	require.Len(t, core.keyEventList(), 1)
	require.Len(t, core.promptList(), 1)
}

func TestIngestFiltersByMode(t *testing.T) {
	noise := ParsedEvent{
		Source:     state.TelemetrySourceOTLPLog,
		ObservedAt: time.Unix(1700000000, 0).UTC(),
		EventName:  "codex.sse.event",
		Payload:    json.RawMessage(`{"seq":1}`),
	}

	fast, fastCore := newTestIngestor(t, nil)
	fast.Ingest(context.Background(), "sess-1", []ParsedEvent{noise})
	require.Equal(t, sessionCounts{ingested: 1, retained: 0, dropped: 1}, fastCore.countsFor("sess-1"))
	require.Empty(t, fastCore.keyEventList())

	full, fullCore := newTestIngestor(t, func(cfg *IngestorConfig) { cfg.Mode = ModeFull })
	full.Ingest(context.Background(), "sess-1", []ParsedEvent{noise})
	require.Equal(t, sessionCounts{ingested: 1, retained: 1, dropped: 0}, fullCore.countsFor("sess-1"))
	require.Len(t, fullCore.keyEventList(), 1)
}

func TestIngestStampsMissingTimestamp(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ig, core := newTestIngestor(t, func(cfg *IngestorConfig) {
		cfg.Clock = clockwork.NewFakeClockAt(now)
	})

	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{{
		Source:    state.TelemetrySourceOTLPLog,
		EventName: EventConversationStart,
		Payload:   json.RawMessage(`{}`),
	}})

	keyEvents := core.keyEventList()
	require.Len(t, keyEvents, 1)
	require.Equal(t, now, keyEvents[0].ev.ObservedAt)
}

func TestIngestPromptDedupeWindow(t *testing.T) {
	ig, core := newTestIngestor(t, nil)
	at := time.Unix(1700000000, 0).UTC()
	prompt := func(payload string, at time.Time) ParsedEvent {
		return ParsedEvent{
			Source:     state.TelemetrySourceOTLPLog,
			ObservedAt: at,
			EventName:  EventUserPrompt,
			Summary:    "same prompt",
			Payload:    json.RawMessage(payload),
		}
	}

	// Same text in the same second arrives through two channels with
	// distinct payloads: both are recorded, one prompt event goes out.
	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{prompt(`{"a":1}`, at)})
	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{prompt(`{"a":2}`, at)})
	require.Len(t, core.promptList(), 1)
	require.Equal(t, sessionCounts{ingested: 2, retained: 2, dropped: 0}, core.countsFor("sess-1"))

	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{prompt(`{"a":3}`, at.Add(time.Second))})
	require.Len(t, core.promptList(), 2)
}

func TestIngestSkipsThreadReconcileWithoutThread(t *testing.T) {
	ig, core := newTestIngestor(t, nil)

	ig.Ingest(context.Background(), "sess-1", []ParsedEvent{{
		Source:     state.TelemetrySourceOTLPLog,
		ObservedAt: time.Unix(1700000000, 0).UTC(),
		EventName:  EventTurnDuration,
		Summary:    "2350",
		Payload:    json.RawMessage(`{"ms":2350}`),
	}})

	require.Len(t, core.keyEventList(), 1)
	core.mu.Lock()
	_, reconciled := core.threads["sess-1"]
	core.mu.Unlock()
	require.False(t, reconciled)
}
