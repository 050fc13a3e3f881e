package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient posts outbound messages to the aggregator's send endpoint as
// JSON and expects {"id": "..."} back.
type HTTPClient struct {
	url    string
	token  string
	client *http.Client
}

// HTTPClientOpts holds parameters for creating an HTTPClient.
type HTTPClientOpts struct {
	URL     string
	Token   string        // sent as a bearer token when set
	Timeout time.Duration // per request, defaults to 5s
	Client  *http.Client  // for tests
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: send: status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type sendRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts HTTPClientOpts) (*HTTPClient, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{url: opts.URL, token: opts.Token, client: client}, nil
}

// Send implements Client.
func (c *HTTPClient) Send(ctx context.Context, phone, channel, text string) (string, error) {
	body, err := json.Marshal(sendRequest{To: phone, Channel: channel, Text: text})
	if err != nil {
		return "", fmt.Errorf("gateway: send: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gateway: send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: send: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	var out sendResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("gateway: send: decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("gateway: send: response has no id")
	}
	return out.ID, nil
}
