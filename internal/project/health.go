package project

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPProber verifies a backend accepts TCP connections and answers HTTP.
// Any status below 500 counts as alive: the runtime is up even if the app
// inside it rejects the particular request.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context, addr string) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("backend %s not reachable: %w", addr, err)
	}
	conn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s probe failed: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("backend %s unhealthy: status %d", addr, resp.StatusCode)
	}
	return nil
}
