package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// IsStatus reports whether err is a StatusError carrying code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// HTTPClient wraps an http.Client with a per-call timeout and a circuit
// breaker. Calls are single-shot: failures are reported, never retried.
type HTTPClient struct {
	Client  *http.Client
	Breaker *Breaker
	Timeout time.Duration
	Target  string
}

// Do executes req. When the breaker is open ErrOpenCircuit is returned
// without touching the network.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
		cl.count("open")
		return nil, ErrOpenCircuit
	}
	resp, err := cl.Client.Do(req.WithContext(ctx))
	success := err == nil && resp.StatusCode < http.StatusInternalServerError
	if cl.Breaker != nil {
		cl.Breaker.Report(ctx, success)
	}
	switch {
	case err != nil:
		cl.count("error")
	case !success:
		cl.count("server_error")
	default:
		cl.count("ok")
	}
	return resp, err
}

// GetJSON performs a GET and decodes a 2xx JSON body into dst.
func (cl HTTPClient) GetJSON(ctx context.Context, url string, dst any) error {
	if cl.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := cl.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (cl HTTPClient) count(result string) {
	if UpstreamRequests == nil {
		return
	}
	target := cl.Target
	if target == "" {
		target = "default"
	}
	UpstreamRequests.WithLabelValues(target, result).Inc()
}
