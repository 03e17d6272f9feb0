// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"pontohub-proxy-go/internal/client"
	"pontohub-proxy-go/internal/config"
	"pontohub-proxy-go/internal/model"
)

// ErrorKind classifies a failed forward. The values double as the "status"
// field of the JSON error body.
type ErrorKind string

const (
	KindConnection   ErrorKind = "connection_error"
	KindTimeout      ErrorKind = "timeout"
	KindProxy        ErrorKind = "proxy_error"
	KindClientClosed ErrorKind = "client_disconnected"
)

// ForwardError is returned by Forward when no backend response was obtained.
type ForwardError struct {
	Kind ErrorKind
	Err  error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to backend (%s): %v", e.Kind, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// hopByHopHeaders are connection-scoped and never relayed in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.BackendClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService targeting the configured backend.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend base url %q has no host", cfg.Backend.BaseURL())
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Target returns the backend origin every request is forwarded to.
func (s *ProxyService) Target() string {
	return s.baseURL.String()
}

// Forward sends a ProxyRequest to the backend and returns the response.
// The caller is responsible for closing the response body.
//
// Exactly one backend call is made; failures are never retried. Errors are
// always *ForwardError.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	backendURL := s.buildBackendURL(pr.Path, pr.RawPath, pr.Query)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	var body io.Reader
	if pr.Body != nil && pr.Body != http.NoBody {
		body = pr.Body
	}

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, backendURL, header, body)
	if err != nil {
		return nil, &ForwardError{Kind: classify(pr.Ctx, err), Err: err}
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildBackendURL keeps rawPath when it is a valid encoding of path, so
// escaped separators such as %2F reach the backend unchanged.
func (s *ProxyService) buildBackendURL(path, rawPath string, query url.Values) string {
	u := *s.baseURL
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = query.Encode()
	return u.String()
}

// filterRequestHeaders copies the inbound headers minus Host and hop-by-hop
// headers. The outbound Host is always derived from the backend URL.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Del("Host")
	removeHopByHop(dst)
	return dst
}

// filterResponseHeaders drops hop-by-hop headers and any CORS headers set by
// the backend, so the canonical CORS set can be applied without duplicates.
func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	for key := range dst {
		if strings.HasPrefix(key, "Access-Control-") {
			dst.Del(key)
		}
	}
	return dst
}

func removeHopByHop(h http.Header) {
	// Headers named in Connection are hop-by-hop too (RFC 9110 §7.6.1).
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// classify maps a transport error to an ErrorKind. ctx is the inbound request
// context and tells a client disconnect apart from a backend failure.
func classify(ctx context.Context, err error) ErrorKind {
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return KindClientClosed
	}

	// A connect that never completed is a connection error even when it
	// timed out; only an accepted connection can time out as KindTimeout.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindConnection
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	// The backend closed the connection without answering (e.g. it crashed mid-request).
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection
	}

	return KindProxy
}
