package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPForwarder delivers captures to a webhook endpoint. A non-2xx reply
// counts as unacknowledged.
type HTTPForwarder struct {
	URL   string
	httpc *http.Client
}

func NewHTTPForwarder(url string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPForwarder{URL: url, httpc: &http.Client{Timeout: timeout}}
}

func (f *HTTPForwarder) Forward(ctx context.Context, c Capture) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("forward endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NoopForwarder acknowledges every capture without delivering anywhere.
// Used when no forward endpoint is configured.
type NoopForwarder struct{}

func (NoopForwarder) Forward(ctx context.Context, c Capture) error { return nil }
