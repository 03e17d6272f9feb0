// Package client provides the HTTP client for the supervised backend.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"pontohub-proxy-go/internal/config"
	"pontohub-proxy-go/internal/metrics"
	"pontohub-proxy-go/internal/model"
)

// BackendClient sends requests to the supervised backend.
type BackendClient struct {
	httpClient   *http.Client
	healthClient *http.Client
	healthURL    string
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Backend.Timeout(),
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		healthClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Backend.HealthTimeout(),
		},
		healthURL: cfg.Backend.HealthURL(),
		logger:    logger.With("component", "backend_client"),
		metrics:   m,
	}
}

// Do executes an HTTP request against the backend and returns the raw response.
// The caller is responsible for closing the response body.
func (c *BackendClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("backend request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		c.metrics.BackendResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the backend request:
// when the context is canceled (e.g. client disconnects), the backend
// request is also canceled.
func (c *BackendClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = header
	// The transport ignores Content-Length in req.Header; without this a
	// streamed body would always go out chunked.
	if body != nil {
		if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
			req.ContentLength = n
		}
	}

	return c.Do(req)
}

// CheckHealth probes the backend health path once. It never returns an error:
// any failure to obtain a response is reported as BackendUnavailable.
func (c *BackendClient) CheckHealth(ctx context.Context) model.BackendStatus {
	status := c.probe(ctx)
	if c.metrics != nil {
		c.metrics.HealthProbes.WithLabelValues(string(status)).Inc()
	}
	return status
}

func (c *BackendClient) probe(ctx context.Context) model.BackendStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, http.NoBody)
	if err != nil {
		c.logger.Error("build health request", "err", err)
		return model.BackendUnavailable
	}

	resp, err := c.healthClient.Do(req)
	if err != nil {
		c.logger.Debug("health probe failed", "err", err)
		return model.BackendUnavailable
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusOK {
		return model.BackendOK
	}
	c.logger.Debug("health probe non-200", "status", resp.StatusCode)
	return model.BackendError
}
