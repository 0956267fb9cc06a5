package token

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/markdave123-py/contexta-gateway/internal/core"
	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// Credentials are the service account presented to the credential endpoint.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// HTTPProvider fetches a fresh token from the credential endpoint on every
// call. It never caches and never retries.
type HTTPProvider struct {
	endpoint string
	creds    Credentials
	client   *http.Client
	now      func() time.Time
}

func NewHTTPProvider(endpoint string, creds Credentials, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{endpoint: endpoint, creds: creds, client: client, now: time.Now}
}

// GetToken posts the credentials and returns the issued access token. Any
// transport failure, non-2xx status or empty token is an authentication
// error.
func (p *HTTPProvider) GetToken(ctx context.Context) (models.Credential, error) {
	body, err := json.Marshal(p.creds)
	if err != nil {
		return models.Credential{}, errors.Wrap(err, "encode token request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Credential{}, errors.Mark(errors.Wrap(err, "build token request"), models.ErrAuthentication)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Credential{}, errors.Mark(errors.Wrap(err, "token endpoint unreachable"), models.ErrAuthentication)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return models.Credential{}, errors.Wrapf(models.ErrAuthentication, "token request failed: %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return models.Credential{}, errors.Mark(errors.Wrap(err, "decode token response"), models.ErrAuthentication)
	}
	if tok.AccessToken == "" {
		return models.Credential{}, errors.Wrap(models.ErrAuthentication, "token response has no access_token")
	}

	return models.Credential{Token: tok.AccessToken, FetchedAt: p.now()}, nil
}

var _ core.TokenProvider = (*HTTPProvider)(nil)
