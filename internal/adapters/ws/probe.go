package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks that an endpoint's host answers before a reconnect.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

type httpProber struct {
	client *http.Client
	path   string
}

func newHTTPProber(path string, timeout time.Duration) *httpProber {
	return &httpProber{client: &http.Client{Timeout: timeout}, path: path}
}

func (p *httpProber) Probe(ctx context.Context, address string) error {
	u, err := probeURL(address, p.path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", u, resp.StatusCode)
	}
	return nil
}
