// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"mcp-health-proxy/internal/client"
	"mcp-health-proxy/internal/config"
	"mcp-health-proxy/internal/model"
)

// requestHopByHopHeaders must never be forwarded to the backend. Host is
// included because the backend sees its own host, not the proxy's.
var requestHopByHopHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
}

// responseHopByHopHeaders must never be relayed back to the client.
// Content-Encoding is included because the Go client transparently
// decompresses bodies; relaying the header would mislabel the payload.
var responseHopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Content-Encoding",
}

// ProxyService handles the forwarding logic for proxied requests.
// Every path except the reserved health route passes through here.
type ProxyService struct {
	client     *client.BackendClient
	cfg        *config.Config
	logger     *slog.Logger
	backendURL *url.URL
}

// NewProxyService creates a ProxyService targeting the configured backend.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse("http://" + cfg.Backend.Addr())
	if err != nil {
		return nil, fmt.Errorf("parse backend address: %w", err)
	}

	return &ProxyService{
		client:     c,
		cfg:        cfg,
		logger:     logger.With("component", "proxy_service"),
		backendURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the backend and returns its response.
// Exactly one attempt is made; connectivity and timeout failures are
// returned to the caller for status mapping, never retried here.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	backendURL := s.buildBackendURL(pr.Path, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, backendURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildBackendURL substitutes the backend host:port while preserving the
// original path and raw query string.
func (s *ProxyService) buildBackendURL(path, rawQuery string) string {
	u := *s.backendURL
	u.Path = path
	u.RawQuery = rawQuery
	return u.String()
}

// filterRequestHeaders copies all request headers except the hop-by-hop set.
// Everything else passes through unchanged.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = vals
	}
	for _, key := range requestHopByHopHeaders {
		dst.Del(key)
	}
	return dst
}

// filterResponseHeaders copies all response headers except the hop-by-hop set.
func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = vals
	}
	for _, key := range responseHopByHopHeaders {
		dst.Del(key)
	}
	return dst
}
