// Package upload slices a binary payload into ordered frames for streaming
// to the extraction worker.
package upload

import (
	"context"

	"github.com/cockroachdb/errors"
)

// DefaultFrameSize is the frame size used when none is configured.
const DefaultFrameSize = 64 * 1024

// EndMarker is sent after the last frame of an upload.
var EndMarker = []byte(`{"type":"end"}`)

// Frame is one slice of the payload. Offset is the number of payload bytes
// that precede it.
type Frame struct {
	Offset int64
	Data   []byte
}

// Encoder yields the frames of a payload in order. Frames alias the payload;
// callers must not modify them.
type Encoder struct {
	payload   []byte
	frameSize int
	pos       int
}

func NewEncoder(payload []byte, frameSize int) *Encoder {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &Encoder{payload: payload, frameSize: frameSize}
}

// Next returns the next frame, or false once the payload is exhausted.
func (e *Encoder) Next() (Frame, bool) {
	if e.pos >= len(e.payload) {
		return Frame{}, false
	}
	end := e.pos + e.frameSize
	if end > len(e.payload) {
		end = len(e.payload)
	}
	f := Frame{Offset: int64(e.pos), Data: e.payload[e.pos:end]}
	e.pos = end
	return f, true
}

// Sent is the number of payload bytes handed out so far.
func (e *Encoder) Sent() int64 { return int64(e.pos) }

// Total is the payload length.
func (e *Encoder) Total() int64 { return int64(len(e.payload)) }

// Progress is Sent/Total in [0, 1]. An empty payload counts as complete.
func (e *Encoder) Progress() float64 {
	if len(e.payload) == 0 {
		return 1
	}
	return float64(e.Sent()) / float64(e.Total())
}

// Sink receives frames and the end-of-upload marker.
type Sink interface {
	SendFrame(f Frame) error
	SendEnd() error
}

// Stream writes every frame of payload to sink, reports progress after each
// frame, then sends the end marker. It stops at the first send error or when
// ctx is cancelled.
func Stream(ctx context.Context, sink Sink, payload []byte, frameSize int, progress func(fraction float64)) error {
	enc := NewEncoder(payload, frameSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, ok := enc.Next()
		if !ok {
			break
		}
		if err := sink.SendFrame(f); err != nil {
			return errors.Wrapf(err, "send frame at offset %d", f.Offset)
		}
		if progress != nil {
			progress(enc.Progress())
		}
	}
	if err := sink.SendEnd(); err != nil {
		return errors.Wrap(err, "send end marker")
	}
	return nil
}
