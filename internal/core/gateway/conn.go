package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/markdave123-py/contexta-gateway/internal/core/upload"
)

// Conn abstracts the worker connection. Only one goroutine may call
// WriteMessage at a time; WriteControl and Close may be called concurrently
// with everything else.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens worker connections.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string) (Conn, *http.Response, error)
}

// WebsocketDialer dials workers with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{dialer: &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: false,
	}}
}

func (d *WebsocketDialer) DialContext(ctx context.Context, urlStr string) (Conn, *http.Response, error) {
	conn, resp, err := d.dialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// WorkerURL appends clientID as the final path segment of endpoint and, when
// token is non-empty, adds it as the token query parameter. http and https
// endpoints are rewritten to ws and wss.
func WorkerURL(endpoint, clientID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", errors.Wrap(err, "parse worker endpoint")
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported worker endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("worker endpoint has no host")
	}

	escaped := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + clientID
	u.RawPath = escaped + "/" + url.PathEscape(clientID)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// frameSink adapts a worker connection to upload.Sink.
type frameSink struct {
	conn Conn
}

func (s frameSink) SendFrame(f upload.Frame) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, f.Data)
}

func (s frameSink) SendEnd() error {
	return s.conn.WriteMessage(websocket.TextMessage, upload.EndMarker)
}
