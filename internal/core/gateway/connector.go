// Package gateway bridges one extraction job between a worker connection and
// the caller's push-stream.
//
// Every job is driven by a single run loop. The worker reader, the upload
// writer, the deadline and cancellation all feed that loop, so the job's
// terminated flag and captured result are never shared between goroutines.
package gateway

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta-gateway/internal/core"
	"github.com/markdave123-py/contexta-gateway/internal/core/protocol"
	"github.com/markdave123-py/contexta-gateway/internal/core/upload"
	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// DefaultTimeout is the absolute deadline for a job once the worker
// connection is open.
const DefaultTimeout = 30 * time.Minute

type Options struct {
	Timeout   time.Duration
	FrameSize int
}

// Connector opens worker connections for jobs. It holds no per-job state and
// may run many jobs concurrently.
type Connector struct {
	dialer Dialer
	tokens core.TokenProvider
	opts   Options
	logger *zap.SugaredLogger
}

// NewConnector builds a connector. tokens may be nil, in which case jobs
// connect without a token.
func NewConnector(dialer Dialer, tokens core.TokenProvider, opts Options, logger *zap.SugaredLogger) *Connector {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = upload.DefaultFrameSize
	}
	return &Connector{dialer: dialer, tokens: tokens, opts: opts, logger: logger}
}

// Run executes job and pushes its events to emitter until the job
// terminates. The event stream always ends with exactly one done event and
// the emitter is closed on return. The returned error classifies how the job
// failed; it is nil when a result was delivered.
func (c *Connector) Run(ctx context.Context, job models.JobRequest, emitter *Emitter) error {
	log := c.logger.With("job_id", job.ID, "client_id", job.ClientID, "input_type", job.InputType)

	descriptor, err := protocol.StartDescriptor(job)
	if err != nil {
		log.Warnw("Rejecting job with invalid input", "error", err)
		finish(emitter, models.ErrorEvent(msgInvalidInput))
		return err
	}

	var token string
	if c.tokens != nil {
		cred, err := c.tokens.GetToken(ctx)
		if err != nil {
			log.Warnw("Token fetch failed", "error", err)
			finish(emitter, models.ErrorEvent(msgTokenFailed))
			return err
		}
		token = cred.Token
	}

	wsURL, err := WorkerURL(job.Endpoint, job.ClientID, token)
	if err != nil {
		log.Warnw("Invalid worker endpoint", "endpoint", job.Endpoint, "error", err)
		finish(emitter, models.ErrorEvent(msgConnectionFailed))
		return errors.Mark(err, models.ErrValidation)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		msg, ferr := dialFailure(resp, err)
		log.Warnw("Worker dial failed", "endpoint", job.Endpoint, "error", err)
		finish(emitter, models.ErrorEvent(msg))
		return ferr
	}
	log.Infow("Worker connection open", "endpoint", job.Endpoint)

	s := &session{
		job:     job,
		conn:    conn,
		emitter: emitter,
		logger:  log,
	}
	return s.run(ctx, descriptor, c.opts)
}

// finish pushes ev, the final done event, and closes the stream.
func finish(e *Emitter, ev models.Event) {
	e.Emit(ev)
	e.Emit(models.DoneEvent())
	e.Close()
}

// Signals delivered to a session's run loop.
type (
	upstreamFrame  struct{ data []byte }
	upstreamClosed struct{ err error }
	uploadProgress struct{ fraction float64 }
	uploadFailed   struct{ err error }
)

// session is the state of one job. Only the run loop touches it.
type session struct {
	job     models.JobRequest
	conn    Conn
	emitter *Emitter
	logger  *zap.SugaredLogger

	stopPumps  context.CancelFunc
	terminated bool
	haveResult bool
	taskID     string
	failure    error
}

func (s *session) run(ctx context.Context, descriptor []byte, opts Options) error {
	s.emitter.Emit(models.ConnectedEvent())

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	pumpCtx, stop := context.WithCancel(context.Background())
	s.stopPumps = stop
	defer stop()

	inbox := make(chan any)
	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error {
		s.readPump(gctx, inbox)
		return nil
	})
	g.Go(func() error {
		s.writePump(gctx, inbox, descriptor, opts.FrameSize)
		return nil
	})

	for !s.terminated {
		select {
		case sig := <-inbox:
			s.handle(sig)
		case <-deadline.C:
			s.logger.Warnw("Job deadline reached", "timeout", opts.Timeout)
			s.fail(msgTimeout, errors.Wrapf(models.ErrTimeout, "no terminal event within %s", opts.Timeout))
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, models.ErrCancelled) {
				s.logger.Infow("Job cancelled")
				s.fail(msgCancelled, cause)
			} else {
				s.logger.Infow("Caller went away, closing job")
				s.failure = ctx.Err()
				s.terminate()
			}
		}
	}

	_ = g.Wait()
	s.logger.Infow("Job finished",
		"task_id", s.taskID,
		"result", s.haveResult,
		"events", s.emitter.Written(),
		"error", s.failure,
	)
	return s.failure
}

func (s *session) handle(sig any) {
	switch sig := sig.(type) {
	case upstreamFrame:
		s.handleFrame(sig.data)

	case uploadProgress:
		s.emitter.Emit(models.UploadProgressEvent(sig.fraction))

	case uploadFailed:
		// The reader sees the same broken connection and reports how it
		// closed; that report decides the error text.
		s.logger.Warnw("Upload to worker failed", "error", sig.err)

	case upstreamClosed:
		code, reason := closeCode(sig.err)
		s.logger.Infow("Worker connection closed", "code", code, "reason", reason)
		if code != websocket.CloseNormalClosure && !s.haveResult {
			msg, err := closeFailure(code, reason)
			s.fail(msg, err)
			return
		}
		if !s.haveResult {
			s.failure = errors.New("worker closed before sending a result")
		}
		s.terminate()
	}
}

func (s *session) handleFrame(data []byte) {
	out, err := protocol.Translate(data)
	if err != nil {
		s.logger.Warnw("Discarding malformed upstream frame", "error", err, "size_bytes", len(data))
		return
	}

	for _, ev := range out.Events {
		switch ev.Type {
		case models.EventTaskCreated:
			s.taskID = ev.TaskID
			s.logger.Infow("Worker task created", "task_id", ev.TaskID)
		case models.EventResult:
			s.haveResult = true
		case models.EventError:
			s.failure = errors.Newf("worker reported error: %s", ev.Error)
		}
		s.emitter.Emit(ev)
	}

	if out.Terminal {
		s.terminate()
	}
}

// fail pushes a terminal error and terminates. It is a no-op once the job
// has terminated.
func (s *session) fail(msg string, err error) {
	if s.terminated {
		return
	}
	s.failure = err
	s.emitter.Emit(models.ErrorEvent(msg))
	s.terminate()
}

// terminate runs the close sequence exactly once: done, close the
// push-stream, close the worker connection.
func (s *session) terminate() {
	if s.terminated {
		return
	}
	s.terminated = true

	s.emitter.Emit(models.DoneEvent())
	s.emitter.Close()

	s.stopPumps()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		s.logger.Debugw("Close frame not sent", "error", err)
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debugw("Worker connection close failed", "error", err)
	}
}

func deliver(ctx context.Context, inbox chan<- any, sig any) bool {
	select {
	case inbox <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *session) readPump(ctx context.Context, inbox chan<- any) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			deliver(ctx, inbox, upstreamClosed{err: err})
			return
		}
		if !deliver(ctx, inbox, upstreamFrame{data: data}) {
			return
		}
	}
}

// writePump is the only writer of data messages on the connection.
func (s *session) writePump(ctx context.Context, inbox chan<- any, descriptor []byte, frameSize int) {
	if err := s.conn.WriteMessage(websocket.TextMessage, descriptor); err != nil {
		deliver(ctx, inbox, uploadFailed{err: errors.Wrap(err, "send start descriptor")})
		return
	}
	if s.job.InputType != models.InputPDF || s.job.Document == nil {
		return
	}

	err := upload.Stream(ctx, frameSink{conn: s.conn}, s.job.Document.Content, frameSize, func(p float64) {
		deliver(ctx, inbox, uploadProgress{fraction: p})
	})
	if err != nil && ctx.Err() == nil {
		deliver(ctx, inbox, uploadFailed{err: err})
		return
	}
	if err == nil {
		s.logger.Debugw("Upload complete", "size_bytes", len(s.job.Document.Content))
	}
}
