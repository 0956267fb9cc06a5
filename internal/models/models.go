package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// InputType selects which kind-specific payload a job carries.
type InputType string

const (
	InputDOI  InputType = "doi"
	InputText InputType = "text"
	InputPDF  InputType = "pdf"
)

// Valid reports whether t is one of the supported input kinds.
func (t InputType) Valid() bool {
	switch t {
	case InputDOI, InputText, InputPDF:
		return true
	}
	return false
}

// Document is a binary upload received from the caller.
type Document struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"-"`
	Content     []byte `json:"-"`
}

// JobRequest describes one extraction job. It is not modified after the
// connector opens the worker connection.
type JobRequest struct {
	ID          string    `json:"id"`
	InputType   InputType `json:"input_type"`
	DOI         string    `json:"doi,omitempty"`
	TextContent string    `json:"text_content,omitempty"`
	Document    *Document `json:"document,omitempty"`
	Endpoint    string    `json:"endpoint"`
	ClientID    string    `json:"client_id"`
	APIKey      string    `json:"-"`
}

// Credential is a short-lived bearer token fetched once per job.
type Credential struct {
	Token     string
	FetchedAt time.Time
}

// EventType is the discriminant of the canonical lifecycle vocabulary
// pushed to callers.
type EventType string

const (
	EventConnected   EventType = "connected"
	EventTaskCreated EventType = "task_created"
	EventStatus      EventType = "status"
	EventProgress    EventType = "progress"
	EventResult      EventType = "result"
	EventError       EventType = "error"
	EventMessage     EventType = "message"
	EventDone        EventType = "done"
)

// Event is one canonical lifecycle event. Data keeps an explicit JSON null
// when the upstream sent one, so callers can tell "null" from "absent".
type Event struct {
	Type     EventType       `json:"type"`
	Message  string          `json:"message,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress json.RawMessage `json:"progress,omitempty"`
	Bytes    json.RawMessage `json:"bytes,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the event ends a job's meaningful output.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError || e.Type == EventDone
}

func ConnectedEvent() Event {
	return Event{Type: EventConnected, Message: "Connected to server"}
}

func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

func ResultEvent(data json.RawMessage) Event {
	return Event{Type: EventResult, Data: data}
}

func DoneEvent() Event {
	return Event{Type: EventDone}
}

// UploadProgressEvent reports the fraction of the payload sent so far.
func UploadProgressEvent(fraction float64) Event {
	return Event{
		Type:     EventProgress,
		Progress: json.RawMessage(strconv.FormatFloat(fraction, 'f', -1, 64)),
	}
}
