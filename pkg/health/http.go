package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint, usually the endpoint of an object
// store. Any status inside the accepted range counts as reachable.
type HTTPChecker struct {
	url       string
	method    string
	header    http.Header
	statusMin int
	statusMax int
	client    *http.Client
}

// NewHTTPChecker creates a HEAD prober accepting 2xx and 3xx
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url:       url,
		method:    http.MethodHead,
		header:    make(http.Header),
		statusMin: 200,
		statusMax: 399,
		client:    &http.Client{Timeout: DefaultConfig().Timeout},
	}
}

// Check sends one request. The message names the server software when the
// endpoint announces it, e.g. "HTTP 403 Forbidden (MinIO)".
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	done := func(healthy bool, format string, args ...any) Result {
		return Result{
			Healthy:   healthy,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, h.method, h.url, nil)
	if err != nil {
		return done(false, "invalid probe of %s: %v", h.url, err)
	}
	req.Header = h.header.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		return done(false, "request failed: %v", err)
	}
	defer resp.Body.Close()
	// keep the connection reusable for the next probe
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	msg := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if server := resp.Header.Get("Server"); server != "" {
		msg += " (" + server + ")"
	}
	if resp.StatusCode < h.statusMin || resp.StatusCode > h.statusMax {
		return done(false, "%s, expected %d-%d", msg, h.statusMin, h.statusMax)
	}
	return done(true, "%s", msg)
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.method = method
	return h
}

func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.header.Set(key, value)
	return h
}

// WithStatusRange sets the accepted status codes, both ends included
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.statusMin = min
	h.statusMax = max
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}
