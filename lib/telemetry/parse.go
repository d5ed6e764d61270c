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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/jmoyers/corral"
	"github.com/jmoyers/corral/lib/state"
)

// Mode selects how aggressively the ingest filters parsed events.
type Mode string

const (
	// ModeLifecycleFast keeps only lifecycle events and events carrying a
	// status hint. Everything else is counted and dropped.
	ModeLifecycleFast Mode = "lifecycle-fast"

	// ModeFull keeps every parsed event.
	ModeFull Mode = "full"
)

// Lifecycle event names the fast mode always retains.
const (
	EventUserPrompt        = "codex.user_prompt"
	EventTurnDuration      = "codex.turn.e2e_duration_ms"
	EventConversationStart = "codex.conversation_starts"
)

var lifecycleEvents = map[string]bool{
	EventUserPrompt:        true,
	EventTurnDuration:      true,
	EventConversationStart: true,
}

// statusHints maps provider event names to the runtime status they pin.
// Approval requests park the session on the user; a submitted prompt,
// a fresh conversation, or an answered approval mean the agent resumed.
var statusHints = map[string]string{
	"codex.exec_approval_request":        corral.StatusNeedsInput,
	"codex.apply_patch_approval_request": corral.StatusNeedsInput,
	"codex.user_input_request":           corral.StatusNeedsInput,
	"codex.tool_decision":                corral.StatusRunning,
	EventUserPrompt:                      corral.StatusRunning,
	EventConversationStart:               corral.StatusRunning,
}

// threadKeys name the attributes a provider stores its conversation id
// under, most specific first. Record attributes out-rank resource ones.
var threadKeys = []string{"conversation.id", "thread.id", "session.id"}

// ParsedEvent is one telemetry event normalized from any ingest source:
// an OTLP log record, a metric data point, a span, or a history line.
type ParsedEvent struct {
	// Source is the ingest channel the event arrived on.
	Source string
	// ObservedAt is the event's own timestamp. Zero when the source
	// carried none; the ingest stamps receipt time then.
	ObservedAt time.Time
	// EventName identifies the provider event, e.g. codex.user_prompt.
	EventName string
	// Severity is the log severity text when the source carried one.
	Severity string
	// Summary is a short human-readable rendering: a log body, a metric
	// value, a span status message, or a submitted prompt.
	Summary string
	// ProviderThreadID is the provider-side conversation id when the
	// event carried one.
	ProviderThreadID string
	// StatusHint pins the session status when the event name implies
	// one. Only needs-input and running are meaningful.
	StatusHint string
	// Payload is the canonical JSON of the underlying record.
	Payload json.RawMessage
}

// Retained reports whether the mode keeps the event.
func Retained(mode Mode, ev ParsedEvent) bool {
	if mode == ModeFull {
		return true
	}
	return lifecycleEvents[ev.EventName] || ev.StatusHint != ""
}

// Fingerprint is the stable identity of an ingested event: a hash over
// the source, the session, the provider thread, the event name, the
// observed timestamp, and the canonical payload. Replayed history and
// retried exports collapse onto a single stored record through it.
func Fingerprint(ev ParsedEvent, sessionID string) string {
	h := sha256.New()
	for _, part := range []string{
		ev.Source,
		sessionID,
		ev.ProviderThreadID,
		ev.EventName,
		strconv.FormatInt(ev.ObservedAt.UnixMilli(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(ev.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// PromptText returns the submitted prompt carried by a user-prompt
// event, empty for everything else.
func PromptText(ev ParsedEvent) string {
	if ev.EventName != EventUserPrompt {
		return ""
	}
	return strings.TrimSpace(ev.Summary)
}

// PromptHash is the stable identity of a prompt's text, used to dedupe
// replays against live submissions.
func PromptHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var protojsonUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// ParseLogs normalizes an OTLP/JSON logs export request.
func ParseLogs(data []byte) ([]ParsedEvent, error) {
	var req collogspb.ExportLogsServiceRequest
	if err := protojsonUnmarshal.Unmarshal(data, &req); err != nil {
		return nil, trace.BadParameter("parsing logs payload: %v", err)
	}
	var parsed []ParsedEvent
	for _, rl := range req.GetResourceLogs() {
		resourceAttrs := rl.GetResource().GetAttributes()
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				name := rec.GetEventName()
				if name == "" {
					name = attrString(rec.GetAttributes(), "event.name")
				}
				summary := anyValueString(rec.GetBody())
				if summary == "" {
					summary = attrString(rec.GetAttributes(), "prompt")
				}
				if summary == "" {
					summary = attrString(rec.GetAttributes(), "message")
				}
				at := rec.GetObservedTimeUnixNano()
				if at == 0 {
					at = rec.GetTimeUnixNano()
				}
				payload, err := recordPayload(rec)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				parsed = append(parsed, ParsedEvent{
					Source:           state.TelemetrySourceOTLPLog,
					ObservedAt:       unixNanoTime(at),
					EventName:        name,
					Severity:         rec.GetSeverityText(),
					Summary:          summary,
					ProviderThreadID: threadID(rec.GetAttributes(), resourceAttrs),
					StatusHint:       statusHints[name],
					Payload:          payload,
				})
			}
		}
	}
	return parsed, nil
}

// ParseMetrics normalizes an OTLP/JSON metrics export request. Every
// data point becomes one event named after its metric.
func ParseMetrics(data []byte) ([]ParsedEvent, error) {
	var req colmetricspb.ExportMetricsServiceRequest
	if err := protojsonUnmarshal.Unmarshal(data, &req); err != nil {
		return nil, trace.BadParameter("parsing metrics payload: %v", err)
	}
	var parsed []ParsedEvent
	for _, rm := range req.GetResourceMetrics() {
		resourceAttrs := rm.GetResource().GetAttributes()
		for _, sm := range rm.GetScopeMetrics() {
			for _, metric := range sm.GetMetrics() {
				points, err := metricPoints(metric, resourceAttrs)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				parsed = append(parsed, points...)
			}
		}
	}
	return parsed, nil
}

// ParseTraces normalizes an OTLP/JSON trace export request. Every span
// becomes one event named after the span.
func ParseTraces(data []byte) ([]ParsedEvent, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := protojsonUnmarshal.Unmarshal(data, &req); err != nil {
		return nil, trace.BadParameter("parsing traces payload: %v", err)
	}
	var parsed []ParsedEvent
	for _, rs := range req.GetResourceSpans() {
		resourceAttrs := rs.GetResource().GetAttributes()
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				at := span.GetEndTimeUnixNano()
				if at == 0 {
					at = span.GetStartTimeUnixNano()
				}
				payload, err := recordPayload(span)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				parsed = append(parsed, ParsedEvent{
					Source:           state.TelemetrySourceOTLPTrace,
					ObservedAt:       unixNanoTime(at),
					EventName:        span.GetName(),
					Summary:          span.GetStatus().GetMessage(),
					ProviderThreadID: threadID(span.GetAttributes(), resourceAttrs),
					StatusHint:       statusHints[span.GetName()],
					Payload:          payload,
				})
			}
		}
	}
	return parsed, nil
}

// historyLine is one record of the provider's prompt history file.
type historyLine struct {
	SessionID string `json:"session_id"`
	TS        int64  `json:"ts"`
	Text      string `json:"text"`
}

// ParseHistoryLine normalizes one line of the history file into a
// user-prompt event. History events never carry a status hint; replay
// must not drive the status engine.
func ParseHistoryLine(line []byte) (ParsedEvent, error) {
	var rec historyLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return ParsedEvent{}, trace.BadParameter("parsing history line: %v", err)
	}
	if rec.Text == "" {
		return ParsedEvent{}, trace.BadParameter("history line carries no text")
	}
	payload, err := canonicalJSON(line)
	if err != nil {
		return ParsedEvent{}, trace.Wrap(err)
	}
	return ParsedEvent{
		Source:           state.TelemetrySourceHistory,
		ObservedAt:       historyTime(rec.TS),
		EventName:        EventUserPrompt,
		Summary:          rec.Text,
		ProviderThreadID: rec.SessionID,
		Payload:          payload,
	}, nil
}

func metricPoints(metric *metricspb.Metric, resourceAttrs []*commonpb.KeyValue) ([]ParsedEvent, error) {
	var parsed []ParsedEvent
	add := func(msg proto.Message, attrs []*commonpb.KeyValue, at uint64, summary string) error {
		payload, err := recordPayload(msg)
		if err != nil {
			return trace.Wrap(err)
		}
		parsed = append(parsed, ParsedEvent{
			Source:           state.TelemetrySourceOTLPMetric,
			ObservedAt:       unixNanoTime(at),
			EventName:        metric.GetName(),
			Summary:          summary,
			ProviderThreadID: threadID(attrs, resourceAttrs),
			StatusHint:       statusHints[metric.GetName()],
			Payload:          payload,
		})
		return nil
	}
	switch {
	case metric.GetGauge() != nil:
		for _, p := range metric.GetGauge().GetDataPoints() {
			if err := add(p, p.GetAttributes(), p.GetTimeUnixNano(), numberValue(p)); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	case metric.GetSum() != nil:
		for _, p := range metric.GetSum().GetDataPoints() {
			if err := add(p, p.GetAttributes(), p.GetTimeUnixNano(), numberValue(p)); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	case metric.GetHistogram() != nil:
		for _, p := range metric.GetHistogram().GetDataPoints() {
			summary := strconv.FormatUint(p.GetCount(), 10)
			if p.Sum != nil {
				summary = strconv.FormatFloat(p.GetSum(), 'f', -1, 64)
			}
			if err := add(p, p.GetAttributes(), p.GetTimeUnixNano(), summary); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	case metric.GetExponentialHistogram() != nil:
		for _, p := range metric.GetExponentialHistogram().GetDataPoints() {
			summary := strconv.FormatUint(p.GetCount(), 10)
			if p.Sum != nil {
				summary = strconv.FormatFloat(p.GetSum(), 'f', -1, 64)
			}
			if err := add(p, p.GetAttributes(), p.GetTimeUnixNano(), summary); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	case metric.GetSummary() != nil:
		for _, p := range metric.GetSummary().GetDataPoints() {
			if err := add(p, p.GetAttributes(), p.GetTimeUnixNano(),
				strconv.FormatFloat(p.GetSum(), 'f', -1, 64)); err != nil {
				return nil, trace.Wrap(err)
			}
		}
	}
	return parsed, nil
}

func numberValue(p *metricspb.NumberDataPoint) string {
	switch v := p.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsInt:
		return strconv.FormatInt(v.AsInt, 10)
	case *metricspb.NumberDataPoint_AsDouble:
		return strconv.FormatFloat(v.AsDouble, 'f', -1, 64)
	}
	return ""
}

func threadID(attrSets ...[]*commonpb.KeyValue) string {
	for _, attrs := range attrSets {
		for _, key := range threadKeys {
			if v := attrString(attrs, key); v != "" {
				return v
			}
		}
	}
	return ""
}

func attrString(attrs []*commonpb.KeyValue, key string) string {
	for _, kv := range attrs {
		if kv.GetKey() == key {
			return anyValueString(kv.GetValue())
		}
	}
	return ""
}

func anyValueString(v *commonpb.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'f', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	}
	return ""
}

// recordPayload renders a proto record as canonical JSON. protojson
// output is deliberately unstable, so the bytes are re-marshaled
// through encoding/json to keep fingerprints reproducible.
func recordPayload(msg proto.Message) (json.RawMessage, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return canonicalJSON(data)
}

func canonicalJSON(data []byte) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, trace.BadParameter("canonicalizing payload: %v", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func unixNanoTime(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}

// historyTime interprets a history timestamp that providers write in
// either seconds or milliseconds.
func historyTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	if ts >= 1e11 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
