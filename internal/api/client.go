package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client performs broker requests over HTTP. Used by the in-container
// tools; the broker address is normally the container's default gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the broker listening at baseURL
// (e.g. "http://10.201.37.1:12345").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// Do sends a request and decodes the broker's reply. A non-nil error means
// the request never completed at the transport level; broker-reported
// failures come back as a Response with StatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/request", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach broker at %s: %w", c.baseURL, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode broker response: %w", err)
	}
	return &resp, nil
}
