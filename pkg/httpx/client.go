package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Lookup is a GET-only JSON client for the gateway's directory
// collaborators (device attribution, cloaked user agents). Those
// services sit on the LAN and flap during boot, so transient failures
// are retried with a flat delay.
type Lookup struct {
	Client     *http.Client
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

// GetJSON fetches url and, on 200, decodes the body into out. Transport
// errors and 5xx responses are retried; any other status is returned to
// the caller without a decode attempt, since the directory protocols
// carry meaning in 404s.
func (l Lookup) GetJSON(ctx context.Context, url string, out any) (int, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	retries := l.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(l.RetryDelay)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range l.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode == http.StatusOK && out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}
	return 0, lastErr
}
