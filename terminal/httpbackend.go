package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

// HTTPBackend talks to the authorization host over JSON/HTTP. All calls share
// one bounded client; there are no retries here.
type HTTPBackend struct {
	base string
	hc   *http.Client
}

func NewHTTPBackend(base string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) Authorize(ctx context.Context, req *models.AuthorizationRequest) (*models.AuthorizationResponse, error) {
	var resp models.AuthorizationResponse
	if err := b.post(ctx, "/authorizations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) Reverse(ctx context.Context, req *models.ReversalRequest) (*models.ReversalResponse, error) {
	var resp models.ReversalResponse
	if err := b.post(ctx, "/reversals", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) RotateKey(ctx context.Context, req *models.KeyRotationRequest) (*models.KeyRotationResponse, error) {
	var resp models.KeyRotationResponse
	if err := b.post(ctx, "/keys/rotate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.hc.Do(httpReq)
	if err != nil {
		return &models.TransportError{Kind: classifyHTTPError(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		return &models.TransportError{
			Kind:       models.HTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.DecodeError{Reason: fmt.Sprintf("decoding %s response: %v", path, err)}
	}
	return nil
}

func classifyHTTPError(err error) models.TransportFailureKind {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return models.Timeout
	}
	return models.ConnectFailure
}
