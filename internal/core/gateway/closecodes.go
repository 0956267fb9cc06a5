package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/markdave123-py/contexta-gateway/internal/models"
)

const (
	msgAuthFailed       = "Authentication failed (403). Please check your credentials."
	msgConnectionFailed = "Connection failed. Please check the server and try again."
	msgTokenFailed      = "Authentication failed"
	msgTimeout          = "Request timeout"
	msgCancelled        = "Job cancelled"
	msgInvalidInput     = "Invalid input data"
)

// closeCode extracts the close code from a read error. Errors that are not
// close frames count as abnormal closure.
func closeCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// closeFailure maps a non-normal close code to the caller-facing message and
// the failure class it belongs to.
func closeFailure(code int, reason string) (string, error) {
	switch code {
	case websocket.ClosePolicyViolation, http.StatusForbidden:
		return msgAuthFailed, errors.Wrapf(models.ErrAuthentication, "worker closed with code %d", code)
	case websocket.CloseAbnormalClosure:
		return msgConnectionFailed, errors.Wrap(models.ErrTransientConnection, "worker connection dropped")
	default:
		msg := strings.TrimSpace(fmt.Sprintf("Connection closed with code %d. %s", code, reason))
		return msg, errors.Wrapf(models.ErrTransientConnection, "worker closed with code %d", code)
	}
}

// dialFailure maps a failed handshake to the caller-facing message.
func dialFailure(resp *http.Response, err error) (string, error) {
	if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
		return msgAuthFailed, errors.Mark(errors.Wrapf(err, "worker rejected handshake with %d", resp.StatusCode), models.ErrAuthentication)
	}
	return msgConnectionFailed, errors.Mark(errors.Wrap(err, "dial worker"), models.ErrTransientConnection)
}
