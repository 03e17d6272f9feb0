// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to the backend.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	// RawPath is the escaped form of Path as received, or empty when the
	// default encoding of Path is equivalent.
	RawPath string
	Query   url.Values
	Header  http.Header
	Body    io.ReadCloser
}

// ProxyResponse represents the backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// BackendStatus is the outcome of a single backend health probe.
type BackendStatus string

const (
	// BackendOK means the health path answered 200.
	BackendOK BackendStatus = "ok"
	// BackendError means the backend answered with any other status.
	BackendError BackendStatus = "error"
	// BackendUnavailable means no HTTP response was received.
	BackendUnavailable BackendStatus = "unavailable"
)
