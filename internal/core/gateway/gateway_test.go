package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/markdave123-py/contexta-gateway/internal/core"
	"github.com/markdave123-py/contexta-gateway/internal/models"
)

var upgrader = websocket.Upgrader{}

// fakeWorker is a websocket server standing in for the extraction worker.
type fakeWorker struct {
	srv      *httptest.Server
	mu       sync.Mutex
	requests []*url.URL
	closed   chan struct{}
}

func startWorker(t *testing.T, handle func(t *testing.T, conn *websocket.Conn)) *fakeWorker {
	t.Helper()
	w := &fakeWorker{closed: make(chan struct{})}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.requests = append(w.requests, r.URL)
		w.mu.Unlock()

		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer close(w.closed)
		defer conn.Close()
		handle(t, conn)
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWorker) endpoint() string {
	return "ws" + strings.TrimPrefix(w.srv.URL, "http") + "/api/ws/extract-resources"
}

func (w *fakeWorker) lastRequest(t *testing.T) *url.URL {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.requests)
	return w.requests[len(w.requests)-1]
}

// drain reads until the gateway closes the connection.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// readText and send run on the worker's goroutine, so they report with
// assert rather than stopping the test.
func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	mt, data, err := conn.ReadMessage()
	if !assert.NoError(t, err) {
		return ""
	}
	assert.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	drain(conn)
}

type stubTokens struct {
	token string
	err   error
	calls int
}

func (s *stubTokens) GetToken(ctx context.Context) (models.Credential, error) {
	s.calls++
	if s.err != nil {
		return models.Credential{}, s.err
	}
	return models.Credential{Token: s.token, FetchedAt: time.Now()}, nil
}

func decodeEvents(t *testing.T, raw string) []models.Event {
	t.Helper()
	var evs []models.Event
	for _, chunk := range strings.Split(raw, "\n\n") {
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), "bad line %q", chunk)
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &ev))
		evs = append(evs, ev)
	}
	return evs
}

func eventTypes(evs []models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

// assertSequence checks the lifecycle invariants every job stream must hold.
func assertSequence(t *testing.T, evs []models.Event) {
	t.Helper()
	require.NotEmpty(t, evs)
	counts := map[models.EventType]int{}
	for i, e := range evs {
		counts[e.Type]++
		if e.Type == models.EventConnected {
			assert.Equal(t, 0, i, "connected must be first")
		}
	}
	assert.LessOrEqual(t, counts[models.EventResult], 1)
	assert.LessOrEqual(t, counts[models.EventError], 1)
	assert.Equal(t, 1, counts[models.EventDone])
	assert.Equal(t, models.EventDone, evs[len(evs)-1].Type)
}

type harness struct {
	buf       *strings.Builder
	emitter   *Emitter
	connector *Connector
}

func newHarness(t *testing.T, tokens *stubTokens, opts Options) *harness {
	buf := &strings.Builder{}
	log := zaptest.NewLogger(t).Sugar()
	h := &harness{
		buf:     buf,
		emitter: NewEmitter(buf, log),
	}
	var provider core.TokenProvider
	if tokens != nil {
		provider = tokens
	}
	h.connector = NewConnector(NewWebsocketDialer(5*time.Second), provider, opts, log)
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context, job models.JobRequest) ([]models.Event, error) {
	t.Helper()
	err := h.connector.Run(ctx, job, h.emitter)
	assert.True(t, h.emitter.Closed())
	evs := decodeEvents(t, h.buf.String())
	assertSequence(t, evs)
	return evs, err
}

func TestConnectorDOIJob(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		assert.JSONEq(t, `{"type":"start","input_type":"doi","doi":"10.1/abc"}`, readText(t, conn))
		send(t, conn, `{"type":"task_created","task_id":"t-1"}`)
		send(t, conn, `{"type":"job_status","status":"running"}`)
		send(t, conn, `{"type":"result","data":{"judge_ner_terms":{"1":[]}}}`)
		drain(conn)
	})

	tokens := &stubTokens{token: "tok-abc"}
	h := newHarness(t, tokens, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		ID:        "job-1",
		InputType: models.InputDOI,
		DOI:       "10.1/abc",
		Endpoint:  worker.endpoint(),
		ClientID:  "client-1",
	})
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{
		models.EventConnected,
		models.EventTaskCreated,
		models.EventStatus,
		models.EventResult,
		models.EventDone,
	}, eventTypes(evs))
	assert.Equal(t, "t-1", evs[1].TaskID)
	assert.Equal(t, "running", evs[2].Status)
	assert.JSONEq(t, `{"judge_ner_terms":{"1":[]}}`, string(evs[3].Data))

	req := worker.lastRequest(t)
	assert.Equal(t, "/api/ws/extract-resources/client-1", req.Path)
	assert.Equal(t, "tok-abc", req.Query().Get("token"))
	assert.Equal(t, 1, tokens.calls)

	select {
	case <-worker.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker connection was not closed")
	}
}

func TestConnectorStatusCompletionWithPayload(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		readText(t, conn)
		send(t, conn, `{"type":"job_update","status":"completed","result":{"entities":{}}}`)
		drain(conn)
	})

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputText, TextContent: "text", Endpoint: worker.endpoint(), ClientID: "c",
	})
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{
		models.EventConnected, models.EventStatus, models.EventResult, models.EventDone,
	}, eventTypes(evs))
	assert.Empty(t, worker.lastRequest(t).Query().Get("token"))
}

func TestConnectorPDFUpload(t *testing.T) {
	payload := make([]byte, 150*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	received := make(chan []byte, 1)
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		assert.JSONEq(t, `{"type":"start","input_type":"pdf","name":"paper.pdf","size":153600}`, readText(t, conn))
		var got []byte
		for {
			mt, data, err := conn.ReadMessage()
			if !assert.NoError(t, err) {
				return
			}
			if mt == websocket.TextMessage {
				assert.JSONEq(t, `{"type":"end"}`, string(data))
				break
			}
			assert.LessOrEqual(t, len(data), 64*1024)
			got = append(got, data...)
		}
		received <- got
		send(t, conn, `{"type":"progress","bytes":153600}`)
		send(t, conn, `{"type":"complete","data":{"ok":true}}`)
		drain(conn)
	})

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second, FrameSize: 64 * 1024})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputPDF,
		Document:  &models.Document{Name: "paper.pdf", Size: int64(len(payload)), Content: payload},
		Endpoint:  worker.endpoint(),
		ClientID:  "c",
	})
	require.NoError(t, err)
	assert.Equal(t, payload, <-received)

	var fractions []string
	for _, e := range evs {
		if e.Type == models.EventProgress && e.Progress != nil {
			fractions = append(fractions, string(e.Progress))
		}
	}
	require.Len(t, fractions, 3)
	assert.Equal(t, "1", fractions[2])
	assert.Equal(t, models.EventResult, evs[len(evs)-2].Type)
}

func TestConnectorCloseCodes(t *testing.T) {
	tests := []struct {
		name   string
		close  func(conn *websocket.Conn)
		prefix string
	}{
		{
			name:   "policy violation",
			close:  func(conn *websocket.Conn) { closeWith(conn, websocket.ClosePolicyViolation, "forbidden") },
			prefix: "Authentication failed (403)",
		},
		{
			name:   "abnormal closure",
			close:  func(conn *websocket.Conn) { conn.UnderlyingConn().Close() },
			prefix: "Connection failed.",
		},
		{
			name:   "other code",
			close:  func(conn *websocket.Conn) { closeWith(conn, websocket.CloseInternalServerErr, "worker crashed") },
			prefix: "Connection closed with code 1011. worker crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
				tt.close(conn)
			})

			h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
			evs, err := h.run(t, context.Background(), models.JobRequest{
				InputType: models.InputDOI, DOI: "10.1/abc", Endpoint: worker.endpoint(), ClientID: "c",
			})
			require.Error(t, err)

			types := eventTypes(evs)
			assert.Equal(t, []models.EventType{models.EventConnected, models.EventError, models.EventDone}, types)
			assert.True(t, strings.HasPrefix(evs[1].Error, tt.prefix), evs[1].Error)
		})
	}
}

func TestConnectorPolicyCloseIsAuthenticationError(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		closeWith(conn, websocket.ClosePolicyViolation, "")
	})

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	_, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/abc", Endpoint: worker.endpoint(), ClientID: "c",
	})
	assert.True(t, errors.Is(err, models.ErrAuthentication), "unexpected error: %v", err)
}

func TestConnectorNormalCloseWithoutResult(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		readText(t, conn)
		closeWith(conn, websocket.CloseNormalClosure, "")
	})

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/abc", Endpoint: worker.endpoint(), ClientID: "c",
	})
	require.Error(t, err)
	assert.Equal(t, []models.EventType{models.EventConnected, models.EventDone}, eventTypes(evs))
}

func TestConnectorTimeout(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		readText(t, conn)
		send(t, conn, `{"type":"job_status","status":"running"}`)
		drain(conn)
	})

	h := newHarness(t, nil, Options{Timeout: 150 * time.Millisecond})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/abc", Endpoint: worker.endpoint(), ClientID: "c",
	})
	assert.True(t, errors.Is(err, models.ErrTimeout), "unexpected error: %v", err)

	require.GreaterOrEqual(t, len(evs), 3)
	tail := evs[len(evs)-2:]
	assert.Equal(t, models.EventError, tail[0].Type)
	assert.Equal(t, "Request timeout", tail[0].Error)
	assert.Equal(t, models.EventDone, tail[1].Type)

	select {
	case <-worker.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker connection was not closed after timeout")
	}
}

func TestConnectorDiscardsMalformedFrames(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		readText(t, conn)
		send(t, conn, `not json at all`)
		assert.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00}))
		send(t, conn, `{"type":"heartbeat"}`)
		send(t, conn, `{"type":"result","result":{"n":1}}`)
		drain(conn)
	})

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputText, TextContent: "x", Endpoint: worker.endpoint(), ClientID: "c",
	})
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{
		models.EventConnected, models.EventMessage, models.EventResult, models.EventDone,
	}, eventTypes(evs))
}

func TestConnectorWorkerError(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		readText(t, conn)
		send(t, conn, `{"type":"error","message":"DOI not found"}`)
		// The gateway may already be closing.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"result","data":{"late":true}}`))
		drain(conn)
	})

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/missing", Endpoint: worker.endpoint(), ClientID: "c",
	})
	require.Error(t, err)
	assert.Equal(t, []models.EventType{models.EventConnected, models.EventError, models.EventDone}, eventTypes(evs))
	assert.Equal(t, "DOI not found", evs[1].Error)
}

func TestConnectorTokenFailureNeverDials(t *testing.T) {
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) { drain(conn) })

	h := newHarness(t, &stubTokens{err: models.ErrAuthentication}, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/abc", Endpoint: worker.endpoint(), ClientID: "c",
	})
	assert.True(t, errors.Is(err, models.ErrAuthentication), "unexpected error: %v", err)
	assert.Equal(t, []models.EventType{models.EventError, models.EventDone}, eventTypes(evs))
	assert.Equal(t, "Authentication failed", evs[0].Error)

	worker.mu.Lock()
	defer worker.mu.Unlock()
	assert.Empty(t, worker.requests)
}

func TestConnectorHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/abc",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", ClientID: "c",
	})
	assert.True(t, errors.Is(err, models.ErrAuthentication), "unexpected error: %v", err)
	assert.Equal(t, []models.EventType{models.EventError, models.EventDone}, eventTypes(evs))
	assert.True(t, strings.HasPrefix(evs[0].Error, "Authentication failed (403)"))
}

func TestConnectorUnreachableWorker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/abc", Endpoint: endpoint, ClientID: "c",
	})
	assert.True(t, errors.Is(err, models.ErrTransientConnection), "unexpected error: %v", err)
	assert.Equal(t, "Connection failed. Please check the server and try again.", evs[0].Error)
}

func TestConnectorCancelledThroughRegistry(t *testing.T) {
	started := make(chan struct{})
	worker := startWorker(t, func(t *testing.T, conn *websocket.Conn) {
		readText(t, conn)
		send(t, conn, `{"type":"task_created","task_id":"t-9"}`)
		close(started)
		drain(conn)
	})

	reg := NewRegistry()
	ctx, release := reg.Register(context.Background(), "client-9", "job-9")
	defer release()

	go func() {
		<-started
		// Give the run loop a moment to forward task_created.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, reg.Cancel("client-9", models.ErrCancelled))
	}()

	h := newHarness(t, nil, Options{Timeout: 5 * time.Second})
	evs, err := h.run(t, ctx, models.JobRequest{
		InputType: models.InputDOI, DOI: "10.1/abc", Endpoint: worker.endpoint(), ClientID: "client-9",
	})
	assert.True(t, errors.Is(err, models.ErrCancelled), "unexpected error: %v", err)
	assert.Equal(t, "Job cancelled", evs[len(evs)-2].Error)
}

func TestConnectorInvalidInput(t *testing.T) {
	h := newHarness(t, nil, Options{Timeout: time.Second})
	evs, err := h.run(t, context.Background(), models.JobRequest{
		InputType: models.InputPDF, Endpoint: "ws://127.0.0.1:1/ws", ClientID: "c",
	})
	assert.True(t, errors.Is(err, models.ErrValidation), "unexpected error: %v", err)
	assert.Equal(t, "Invalid input data", evs[0].Error)
}
