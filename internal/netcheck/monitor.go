// Package netcheck answers whether the network is reachable, independently
// of the remote store.
package netcheck

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultURL is the endpoint probed when none is configured.
	DefaultURL = "https://www.google.com/generate_204"
	// DefaultTimeout bounds a single probe.
	DefaultTimeout = 2 * time.Second
)

// Monitor probes a well-known endpoint. Any HTTP response, whatever its
// status code, counts as online.
type Monitor struct {
	url     string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

// New returns a Monitor probing url. Empty url and non-positive timeout
// select the defaults.
func New(url string, timeout time.Duration, logger *zap.Logger) *Monitor {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout: timeout,
		MaxIdleConns:        1,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Monitor{
		url:     url,
		timeout: timeout,
		http:    &http.Client{Transport: tr},
		logger:  logger.Named("netcheck"),
	}
}

// Probe issues a HEAD request bounded by the monitor's timeout.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		m.logger.Error("build probe request", zap.String("url", m.url), zap.Error(err))
		return false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}
