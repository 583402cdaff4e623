package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"icagent/go-identity/internal/principal"
)

const (
	cborContentType = "application/cbor"
	maxResponseSize = 4 << 20
)

// Transport delivers an encoded envelope for canister and returns the raw
// response body.
type Transport interface {
	Send(ctx context.Context, kind RequestType, canister principal.Principal, body []byte) ([]byte, error)
}

// HTTPError is a non-success status from the boundary node.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("boundary node returned %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport posts envelopes to /api/v2/canister/<id>/<kind>.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPTransport(baseURL string, timeout time.Duration) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, kind RequestType, canister principal.Principal, body []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/api/v2/canister/%s/%s", t.BaseURL, canister, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", cborContentType)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	return payload, nil
}
