package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// StreamPath is the gateway route that starts a job and streams its events.
const StreamPath = "/api/ws-connection"

// Submission is one job as the gateway's form expects it.
type Submission struct {
	InputType   models.InputType
	DOI         string
	TextContent string
	PDFName     string
	PDF         io.Reader
	Endpoint    string
	ClientID    string
	APIKey      string
}

// Client submits jobs to a gateway.
type Client struct {
	baseURL string
	bearer  string
	http    *http.Client
	logger  *zap.SugaredLogger
}

type Option func(*Client)

// WithBearer sends token as an Authorization bearer on every request.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithHTTPClient replaces the default http.Client. Streams can run for a
// long time, so the client should not carry a total timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract submits sub and drives consumer over the response stream. It
// returns the captured result, or a *JobError whose message is safe to
// display.
func (c *Client) Extract(ctx context.Context, sub Submission, consumer *Consumer) (json.RawMessage, error) {
	consumer.begin()

	body, contentType, err := encodeForm(sub)
	if err != nil {
		consumer.fail(SanitizeError(err.Error()), err)
		return nil, consumer.settleErr()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+StreamPath, body)
	if err != nil {
		consumer.fail(msgStreamFailed+SanitizeError(err.Error()), err)
		return nil, consumer.settleErr()
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warnw("Gateway request failed", "error", err)
		consumer.fail(msgStreamFailed+SanitizeError(err.Error()), errors.Wrap(err, "submit job"))
		return nil, consumer.settleErr()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := rejectionMessage(resp)
		c.logger.Warnw("Gateway rejected job", "status", resp.StatusCode, "error", msg)
		consumer.fail(SanitizeError(msg), errors.Newf("gateway returned %d", resp.StatusCode))
		return nil, consumer.settleErr()
	}

	return consumer.Consume(resp.Body)
}

func rejectionMessage(resp *http.Response) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("Error: %d", resp.StatusCode)
}

func encodeForm(sub Submission) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"input_type", string(sub.InputType)},
		{"endpoint", sub.Endpoint},
		{"clientId", sub.ClientID},
		{"doi", sub.DOI},
		{"text_content", sub.TextContent},
		{"openrouter_api_key", sub.APIKey},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", errors.Wrapf(err, "write field %s", f[0])
		}
	}

	if sub.PDF != nil {
		name := sub.PDFName
		if name == "" {
			name = "document.pdf"
		}
		part, err := w.CreateFormFile("pdf_file", filepath.Base(name))
		if err != nil {
			return nil, "", errors.Wrap(err, "create pdf part")
		}
		if _, err := io.Copy(part, sub.PDF); err != nil {
			return nil, "", errors.Wrap(err, "read pdf")
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close form")
	}
	return &buf, w.FormDataContentType(), nil
}
