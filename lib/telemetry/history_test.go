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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmoyers/corral/lib/state"
	"github.com/jmoyers/corral/lib/state/lite"
)

func newTestTailer(t *testing.T, path string) (*Tailer, *fakeCore) {
	t.Helper()
	backend, err := lite.New(lite.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	core := newFakeCore()
	ingest, err := NewIngestor(IngestorConfig{Core: core, Store: backend})
	require.NoError(t, err)

	tailer, err := NewTailer(TailerConfig{Path: path, Core: core, Ingest: ingest})
	require.NoError(t, err)
	return tailer, core
}

func historyRecord(thread string, ts int64, text string) string {
	return fmt.Sprintf(`{"session_id":%q,"ts":%d,"text":%q}`, thread, ts, text)
}

func TestTailerReadsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	tailer, core := newTestTailer(t, path)
	core.mu.Lock()
	core.resolve["thread-1"] = "sess-1"
	core.mu.Unlock()

	partial := `{"session_id":"thr`
	require.NoError(t, os.WriteFile(path, []byte(
		historyRecord("thread-1", 1700000000, "first")+"\n"+
			historyRecord("thread-1", 1700000001, "second")+"\n"+
			partial), 0o600))

	lines, err := tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, lines)

	keyEvents := core.keyEventList()
	require.Len(t, keyEvents, 2)
	require.Equal(t, "sess-1", keyEvents[0].sessionID)
	require.Equal(t, state.TelemetrySourceHistory, keyEvents[0].ev.Source)
	require.Empty(t, keyEvents[0].ev.StatusHint)
	require.Equal(t, "first", keyEvents[0].ev.Summary)
	require.Equal(t, "second", keyEvents[1].ev.Summary)

	// Completing the partial line makes it visible on the next poll.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`ead-1","ts":1700000002,"text":"third"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err = tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lines)
	require.Equal(t, "third", core.keyEventList()[2].ev.Summary)

	lines, err = tailer.poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, lines)
}

func TestTailerDetectsShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	tailer, core := newTestTailer(t, path)

	require.NoError(t, os.WriteFile(path, []byte(
		historyRecord("thread-1", 1700000000, "first")+"\n"+
			historyRecord("thread-1", 1700000001, "second")+"\n"), 0o600))
	lines, err := tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, lines)

	require.NoError(t, os.WriteFile(path, []byte(
		historyRecord("thread-2", 1700000005, "rewritten")+"\n"), 0o600))
	lines, err = tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lines)
	keyEvents := core.keyEventList()
	require.Equal(t, "rewritten", keyEvents[len(keyEvents)-1].ev.Summary)
}

func TestTailerDetectsRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	tailer, core := newTestTailer(t, path)

	first := historyRecord("thread-1", 1700000000, "alpha") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(first), 0o600))
	lines, err := tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lines)

	// Replace the file with longer content whose byte at the old offset
	// boundary is mid-record, which is how a rewrite announces itself.
	replacement := historyRecord("thread-1", 1700000000, "a considerably longer replacement prompt") + "\n"
	require.Greater(t, len(replacement), len(first))
	require.NotEqual(t, byte('\n'), replacement[len(first)-1])
	require.NoError(t, os.WriteFile(path, []byte(replacement), 0o600))

	lines, err = tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lines)
	keyEvents := core.keyEventList()
	require.Equal(t, "a considerably longer replacement prompt",
		keyEvents[len(keyEvents)-1].ev.Summary)
}

func TestTailerReplayDedupes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	tailer, core := newTestTailer(t, path)
	core.mu.Lock()
	core.resolve["thread-1"] = "sess-1"
	core.mu.Unlock()

	content := historyRecord("thread-1", 1700000000, "only once") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	lines, err := tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lines)

	// A rewrite that still contains the old line replays it, but the
	// stored fingerprint swallows the duplicate.
	rewritten := historyRecord("thread-1", 1700000005, "fresh") + "\n" + content
	require.NotEqual(t, byte('\n'), rewritten[len(content)-1])
	require.NoError(t, os.WriteFile(path, []byte(rewritten), 0o600))
	lines, err = tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, lines)

	require.Equal(t, sessionCounts{ingested: 3, retained: 2, dropped: 1}, core.countsFor("sess-1"))
	require.Len(t, core.keyEventList(), 2)
	require.Len(t, core.promptList(), 2)
}

func TestTailerMissingFile(t *testing.T) {
	tailer, core := newTestTailer(t, filepath.Join(t.TempDir(), "absent.jsonl"))
	lines, err := tailer.poll(context.Background())
	require.NoError(t, err)
	require.Zero(t, lines)
	require.Empty(t, core.keyEventList())
}

func TestTailerSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	tailer, core := newTestTailer(t, path)

	require.NoError(t, os.WriteFile(path, []byte(
		"garbage line\n"+historyRecord("thread-1", 1700000000, "valid")+"\n"), 0o600))
	lines, err := tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lines)
	keyEvents := core.keyEventList()
	require.Len(t, keyEvents, 1)
	require.Equal(t, "valid", keyEvents[0].ev.Summary)
}

func TestTailerUnattributedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	tailer, core := newTestTailer(t, path)

	require.NoError(t, os.WriteFile(path, []byte(
		historyRecord("thread-unknown", 1700000000, "orphan")+"\n"), 0o600))
	lines, err := tailer.poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lines)

	// No session claims the thread: the line is still recorded, under
	// no session.
	keyEvents := core.keyEventList()
	require.Len(t, keyEvents, 1)
	require.Empty(t, keyEvents[0].sessionID)
	require.Equal(t, sessionCounts{ingested: 1, retained: 1, dropped: 0}, core.countsFor(""))
}
