// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded to the backend.
// The body is fully buffered; this proxy fronts a local service with small
// payloads and does not stream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResponse represents the backend response to be relayed to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
