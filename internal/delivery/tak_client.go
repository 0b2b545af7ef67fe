// Package delivery drains the queue into a TAK server. A single worker loop
// hands queue items to a bounded pool of push tasks; a separate prober tracks
// server reachability so the worker can idle instead of burning retries.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	connectTimeout = 2 * time.Second
	pushTimeout    = 5 * time.Second
)

// PushResult classifies one push attempt.
type PushResult int

const (
	PushOK PushResult = iota
	PushTransient
	PushTerminal
)

// TAKClient performs the HTTP PUT of CoT XML to the configured TAK endpoint.
type TAKClient struct {
	url    string
	client *http.Client
}

func NewTAKClient(url string) *TAKClient {
	return &TAKClient{
		url: url,
		client: &http.Client{
			Timeout: pushTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				MaxIdleConnsPerHost: 8,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Push PUTs the CoT payload. 2xx succeeds; 408, 429, 5xx and transport
// failures are transient; any other status is terminal.
func (c *TAKClient) Push(ctx context.Context, cotXML []byte) (PushResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(cotXML))
	if err != nil {
		return PushTerminal, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return PushTransient, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return PushOK, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return PushTransient, fmt.Errorf("server: status %d", resp.StatusCode)
	default:
		// A redirect or client error will never succeed on retry.
		return PushTerminal, fmt.Errorf("client_error: status %d", resp.StatusCode)
	}
}

// Probe checks reachability with a HEAD request. Any HTTP response at all,
// including an error status, proves the server is there.
func (c *TAKClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
