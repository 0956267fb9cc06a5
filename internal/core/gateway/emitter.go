package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// Emitter writes canonical events to the caller's push-stream as
// "data: <json>\n\n" lines. It belongs to a single job's run loop and is not
// safe for concurrent use.
type Emitter struct {
	w       io.Writer
	flusher http.Flusher
	logger  *zap.SugaredLogger

	closed  bool
	written int
}

func NewEmitter(w io.Writer, logger *zap.SugaredLogger) *Emitter {
	e := &Emitter{w: w, logger: logger}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// PrepareHeaders sets the event-stream response headers.
func PrepareHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Emit writes ev. After Close, or after a failed write, it does nothing.
func (e *Emitter) Emit(ev models.Event) {
	if e.closed {
		e.logger.Debugw("Dropping event after stream close", "type", ev.Type)
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warnw("Failed to encode event", "type", ev.Type, "error", err)
		return
	}

	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')

	if _, err := e.w.Write(buf); err != nil {
		// The caller went away; nothing more can reach it.
		e.logger.Debugw("Push-stream write failed", "type", ev.Type, "error", err)
		e.closed = true
		return
	}
	e.written++
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// Close marks the stream closed. Calling it again is a no-op.
func (e *Emitter) Close() {
	e.closed = true
}

func (e *Emitter) Closed() bool { return e.closed }

// Written is the number of events successfully written.
func (e *Emitter) Written() int { return e.written }
