package notify

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
)

const (
	triggerPath      = "/triggerSos"
	maxResponseBytes = 1 << 20
)

// HTTPGateway POSTs requests to {baseURL}/triggerSos and expects a JSON Response.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGateway validates baseURL and builds a gateway with the given request timeout.
func NewHTTPGateway(baseURL string, timeout time.Duration) (*HTTPGateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("notify: empty base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("notify: unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		endpoint: baseURL + triggerPath,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Endpoint returns the full trigger URL.
func (g *HTTPGateway) Endpoint() string { return g.endpoint }

func (g *HTTPGateway) Trigger(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, err
	}

	var out Response
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := ""
		if decodeErr == nil {
			msg = out.Error
		}
		return out, &GatewayError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return Response{}, fmt.Errorf("notify: invalid response body: %w", decodeErr)
	}
	return out, nil
}
