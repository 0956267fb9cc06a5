package gateway

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/contexta-gateway/internal/models"
)

type brokenWriter struct{ writes int }

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestEmitterWritesEventLines(t *testing.T) {
	rec := httptest.NewRecorder()
	PrepareHeaders(rec)
	e := NewEmitter(rec, zaptest.NewLogger(t).Sugar())

	e.Emit(models.ConnectedEvent())
	e.Emit(models.Event{Type: models.EventStatus, Status: "running", Data: []byte("null")})

	assert.Equal(t,
		"data: {\"type\":\"connected\",\"message\":\"Connected to server\"}\n\n"+
			"data: {\"type\":\"status\",\"status\":\"running\",\"data\":null}\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 2, e.Written())
}

func TestEmitterIgnoresEventsAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec, zaptest.NewLogger(t).Sugar())

	e.Emit(models.DoneEvent())
	e.Close()
	e.Close()
	e.Emit(models.ErrorEvent("late"))

	assert.Equal(t, "data: {\"type\":\"done\"}\n\n", rec.Body.String())
	assert.True(t, e.Closed())
	assert.Equal(t, 1, e.Written())
}

func TestEmitterStopsAfterWriteFailure(t *testing.T) {
	w := &brokenWriter{}
	e := NewEmitter(w, zaptest.NewLogger(t).Sugar())

	e.Emit(models.ConnectedEvent())
	e.Emit(models.DoneEvent())

	assert.Equal(t, 1, w.writes)
	assert.True(t, e.Closed())
	assert.Zero(t, e.Written())
}
