// Package client submits extraction jobs to the gateway and follows the
// resulting push-stream until the job settles.
package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/core/protocol"
	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// State is the consumer's view of a job.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateProcessing State = "processing"
	StateError      State = "error"
	StateDone       State = "done"
)

var stateRank = map[State]int{
	StateIdle:       0,
	StateConnecting: 1,
	StateConnected:  2,
	StateProcessing: 3,
	StateError:      4,
	StateDone:       4,
}

// Final reports whether no further transition is possible short of Reset.
func (s State) Final() bool {
	return s == StateError || s == StateDone
}

const (
	msgTaskFailed      = "Task failed. Please try again."
	msgProcessingError = "Processing error"
	msgDisguised       = "Task could not complete, likely upstream authorization failed. Please check your API key and try again."
	msgEmptyResult     = "Processing completed but no data was returned. The result may be empty."
	msgStreamFailed    = "Failed to process stream: "
)

const dataPrefix = "data: "

// Consumer follows one job's push-stream. It is driven by a single read
// loop and is not safe for concurrent use.
type Consumer struct {
	logger  *zap.SugaredLogger
	onState func(State)

	state  State
	result json.RawMessage
	errMsg string
	err    error
}

// NewConsumer builds a consumer in the idle state. onState, when set, is
// called on every transition.
func NewConsumer(logger *zap.SugaredLogger, onState func(State)) *Consumer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Consumer{logger: logger, onState: onState, state: StateIdle}
}

func (c *Consumer) State() State { return c.state }

// Result is the captured result once the consumer reached StateDone.
func (c *Consumer) Result() json.RawMessage {
	if c.state != StateDone {
		return nil
	}
	return c.result
}

// Err is the user-facing error message once the consumer reached
// StateError.
func (c *Consumer) Err() string { return c.errMsg }

// Reset returns the consumer to idle, discarding any result or error.
func (c *Consumer) Reset() {
	c.clear()
	c.state = StateIdle
	c.notify()
}

func (c *Consumer) clear() {
	c.result = nil
	c.errMsg = ""
	c.err = nil
}

// begin starts a new submission from whatever state the consumer was in.
func (c *Consumer) begin() {
	c.clear()
	c.state = StateIdle
	c.advance(StateConnecting)
}

func (c *Consumer) advance(next State) {
	if c.state.Final() || stateRank[next] <= stateRank[c.state] {
		return
	}
	c.state = next
	c.notify()
}

func (c *Consumer) notify() {
	if c.onState != nil {
		c.onState(c.state)
	}
}

// fail moves to StateError with msg. The first failure wins.
func (c *Consumer) fail(msg string, err error) {
	if c.state.Final() {
		return
	}
	c.errMsg = msg
	c.err = err
	c.advance(StateError)
}

// Consume reads push-stream events from r until a done event or the end of
// the stream and returns the captured result. Lines may be split across
// reads in any way.
func (c *Consumer) Consume(r io.Reader) (json.RawMessage, error) {
	if c.state == StateIdle {
		c.advance(StateConnecting)
	}

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err == nil {
			if c.handleLine(line) {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			// A stream that ends without done settles like done. Any
			// unterminated trailing line is incomplete and dropped.
			c.logger.Debugw("Push-stream ended without done event", "pending_bytes", len(line))
			break
		}
		c.logger.Warnw("Push-stream read failed", "error", err)
		c.fail(msgStreamFailed+SanitizeError(err.Error()), errors.Wrap(err, "read push-stream"))
		return nil, c.settleErr()
	}
	return c.settle()
}

func (c *Consumer) settle() (json.RawMessage, error) {
	if c.state == StateError {
		return nil, c.settleErr()
	}
	if isEmptyResult(c.result) {
		c.fail(msgEmptyResult, errors.New("empty result"))
		return nil, c.settleErr()
	}
	c.advance(StateDone)
	return c.result, nil
}

func (c *Consumer) settleErr() error {
	return &JobError{Message: c.errMsg, cause: c.err}
}

// JobError is a failed job. Message is already sanitized for display.
type JobError struct {
	Message string
	cause   error
}

func (e *JobError) Error() string { return e.Message }

func (e *JobError) Unwrap() error { return e.cause }

// handleLine processes one complete line and reports whether the stream is
// finished.
func (c *Consumer) handleLine(line []byte) bool {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return false
	}

	var ev map[string]json.RawMessage
	if err := json.Unmarshal(line[len(dataPrefix):], &ev); err != nil {
		c.logger.Warnw("Skipping unparseable push-stream line", "error", err)
		return false
	}
	return c.handleEvent(event(ev))
}

// event is a decoded push-stream event. Values stay raw so an explicit null
// can be told apart from a missing key.
type event map[string]json.RawMessage

func (e event) has(key string) bool {
	_, ok := e[key]
	return ok
}

func (e event) null(key string) bool {
	v, ok := e[key]
	return ok && string(bytes.TrimSpace(v)) == "null"
}

func (e event) truthy(key string) bool {
	v, ok := e[key]
	if !ok {
		return false
	}
	switch string(bytes.TrimSpace(v)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

func (e event) str(key string) string {
	if !e.truthy(key) {
		return ""
	}
	var s string
	if err := json.Unmarshal(e[key], &s); err == nil {
		return s
	}
	return string(e[key])
}

// object decodes key as a nested event, or nil if it is not an object.
func (e event) object(key string) event {
	v, ok := e[key]
	if !ok {
		return nil
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(v, &nested); err != nil {
		return nil
	}
	return event(nested)
}

func (c *Consumer) handleEvent(ev event) bool {
	switch models.EventType(ev.str("type")) {
	case models.EventConnected:
		c.advance(StateConnected)

	case models.EventTaskCreated, models.EventProgress:
		c.advance(StateProcessing)

	case models.EventStatus, "job_update":
		c.handleStatus(ev)

	case models.EventResult:
		if ev.has("data") {
			c.result = ev["data"]
		}
		c.advance(StateProcessing)

	case models.EventMessage:
		inner := ev.object("data")
		if inner == nil {
			break
		}
		switch {
		case inner.truthy("data"):
			c.result = inner["data"]
		case inner.truthy("result"):
			c.result = inner["result"]
		case protocol.IsCompletionStatus(inner.str("status")):
			c.result = ev["data"]
		}

	case models.EventError:
		raw := ev.str("error")
		if raw == "" {
			raw = msgProcessingError
		}
		c.fail(SanitizeError(raw), errors.Newf("job error: %s", raw))

	case models.EventDone:
		return true
	}
	return false
}

func (c *Consumer) handleStatus(ev event) {
	status := strings.ToLower(strings.TrimSpace(ev.str("status")))
	switch {
	case status == "processing" || status == "running" || status == "pending":
		c.advance(StateProcessing)

	case status == "failed" || status == "error":
		raw := firstMessage(ev)
		c.fail(SanitizeError(raw), errors.Newf("job status %s: %s", status, raw))

	case protocol.IsCompletionStatus(status):
		if ev.null("result") || (ev.null("data") && !ev.truthy("result")) {
			c.fail(msgDisguised, errors.Mark(errors.New("completion status with null payload"), models.ErrDisguisedFailure))
			return
		}
		switch {
		case ev.truthy("data"):
			c.result = ev["data"]
		case ev.truthy("result"):
			c.result = ev["result"]
		}
		c.advance(StateProcessing)
	}
}

// firstMessage picks the most specific error text a failed status carries.
func firstMessage(ev event) string {
	nested := ev.object("data")
	candidates := []string{
		nested.str("error"),
		ev.str("error"),
		nested.str("message"),
		ev.str("message"),
		ev.str("error_message"),
	}
	for _, s := range candidates {
		if s != "" {
			return s
		}
	}
	return msgTaskFailed
}

func isEmptyResult(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	switch string(trimmed) {
	case "", "null", "false", "0", `""`:
		return true
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		return json.Unmarshal(trimmed, &obj) == nil && len(obj) == 0
	case '[':
		var arr []json.RawMessage
		return json.Unmarshal(trimmed, &arr) == nil && len(arr) == 0
	}
	return false
}
