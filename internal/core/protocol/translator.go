// Package protocol maps the worker's drifting message shapes onto the
// canonical lifecycle vocabulary and decides when a job is finished.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// Outcome is what one upstream message turns into. When Terminal is set the
// caller must emit done and tear the job down after pushing Events.
type Outcome struct {
	Events   []models.Event
	Terminal bool
}

var completionStatuses = map[string]bool{
	"completed": true,
	"done":      true,
	"finished":  true,
	"success":   true,
}

// IsCompletionStatus reports whether a worker status string means the job
// finished successfully.
func IsCompletionStatus(status string) bool {
	return completionStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// message is a decoded upstream frame. Values stay raw so explicit nulls and
// non-string shapes survive until a rule looks at them.
type message struct {
	fields map[string]json.RawMessage
	raw    json.RawMessage
}

// Translate classifies one upstream frame. Frames that are not JSON objects
// return an error marked with models.ErrUpstreamProtocol; callers log and
// drop them.
func Translate(raw []byte) (Outcome, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Outcome{}, errors.Wrap(models.ErrUpstreamProtocol, "frame is not a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Outcome{}, errors.Mark(errors.Wrap(err, "decode upstream frame"), models.ErrUpstreamProtocol)
	}
	m := message{fields: fields, raw: json.RawMessage(trimmed)}

	switch m.str("type") {
	case "task_created":
		return outcome(models.Event{
			Type:   models.EventTaskCreated,
			TaskID: m.str("task_id"),
		}), nil

	case "job_status", "job_update", "status":
		return m.translateStatus(), nil

	case "result", "complete", "finished":
		return terminalResult(m.payloadOrWhole()), nil

	case "error":
		msg := m.str("message", "error")
		if msg == "" {
			msg = "Unknown error"
		}
		return outcome(models.ErrorEvent(msg)), nil

	case "progress":
		return outcome(models.Event{
			Type:     models.EventProgress,
			Progress: m.fields["progress"],
			Bytes:    m.fields["bytes"],
		}), nil
	}

	// Unversioned shapes: anything carrying a payload or a completion status
	// is treated as the final result.
	if m.truthy("data") || m.truthy("result") || IsCompletionStatus(m.str("status")) {
		return terminalResult(m.payloadOrWhole()), nil
	}
	return outcome(models.Event{Type: models.EventMessage, Data: m.raw}), nil
}

func (m message) translateStatus() Outcome {
	status := m.str("status", "job_status", "message")
	ev := models.Event{
		Type:   models.EventStatus,
		Status: status,
		Data:   m.payloadField(),
		Error:  m.str("error"),
	}
	if msg := m.str("message"); msg != status {
		ev.Message = msg
	}

	if IsCompletionStatus(status) && (m.truthy("data") || m.truthy("result")) {
		return outcome(ev, models.ResultEvent(m.payloadOrWhole()))
	}
	return outcome(ev)
}

// outcome is terminal as soon as one of events is.
func outcome(events ...models.Event) Outcome {
	out := Outcome{Events: events}
	for _, ev := range events {
		if ev.Terminal() {
			out.Terminal = true
		}
	}
	return out
}

func terminalResult(data json.RawMessage) Outcome {
	return outcome(models.ResultEvent(data))
}

// payloadOrWhole is data, else result, else the message itself.
func (m message) payloadOrWhole() json.RawMessage {
	for _, k := range []string{"data", "result"} {
		if m.truthy(k) {
			return m.fields[k]
		}
	}
	return m.raw
}

// payloadField returns data or result verbatim, preferring a truthy value
// but keeping an explicit null when that is all there is.
func (m message) payloadField() json.RawMessage {
	for _, k := range []string{"data", "result"} {
		if m.truthy(k) {
			return m.fields[k]
		}
	}
	for _, k := range []string{"data", "result"} {
		if v, ok := m.fields[k]; ok {
			return v
		}
	}
	return nil
}

// str returns the first key holding a non-empty value, rendered as a string.
func (m message) str(keys ...string) string {
	for _, k := range keys {
		v, ok := m.fields[k]
		if !ok || !isTruthy(v) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		return string(v)
	}
	return ""
}

func (m message) truthy(key string) bool {
	v, ok := m.fields[key]
	return ok && isTruthy(v)
}

// isTruthy treats null, false, zero and the empty string as absent.
func isTruthy(v json.RawMessage) bool {
	s := string(bytes.TrimSpace(v))
	switch s {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}
