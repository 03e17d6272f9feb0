package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"pontohub-proxy-go/internal/metrics"
	"pontohub-proxy-go/internal/model"
	"pontohub-proxy-go/internal/service"
)

// corsHeaders is the fixed CORS policy set on every /api response. Values
// replace whatever the backend sent.
var corsHeaders = [][2]string{
	{echo.HeaderAccessControlAllowOrigin, "*"},
	{echo.HeaderAccessControlAllowMethods, "GET, POST, PUT, DELETE, OPTIONS"},
	{echo.HeaderAccessControlAllowHeaders, "Content-Type, Authorization"},
}

func setCORS(h http.Header) {
	for _, kv := range corsHeaders {
		h.Set(kv[0], kv[1])
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

// ProxyHandler forwards /api requests to the supervised backend.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable error counting.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Dispatch returns a handler for one route. Methods in allowed are forwarded,
// OPTIONS is answered locally as a CORS preflight and anything else gets 405.
// Neither of the latter two reaches the backend.
func (h *ProxyHandler) Dispatch(allowed ...string) echo.HandlerFunc {
	methods := make(map[string]bool, len(allowed))
	for _, m := range allowed {
		methods[m] = true
	}
	allow := strings.Join(append(append([]string(nil), allowed...), http.MethodOptions), ", ")

	return func(c echo.Context) error {
		method := c.Request().Method
		switch {
		case method == http.MethodOptions:
			return h.Preflight(c)
		case methods[method]:
			return h.Handle(c)
		default:
			return h.methodNotAllowed(c, allow)
		}
	}
}

// RejectUnknownMethods answers requests on /api paths whose method the
// router has no table entry for (PURGE, LINK and the like). Such requests
// never reach a Dispatch handler, so they get the same 405 body and CORS
// headers here instead of the router's default response.
func (h *ProxyHandler) RejectUnknownMethods() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if knownMethods[req.Method] {
				return next(c)
			}
			switch p := req.URL.Path; {
			case p == "/api":
				return h.methodNotAllowed(c, apiRootAllow)
			case strings.HasPrefix(p, "/api/"):
				return h.methodNotAllowed(c, apiAllow)
			}
			return next(c)
		}
	}
}

var (
	knownMethods = map[string]bool{
		http.MethodConnect: true,
		http.MethodDelete:  true,
		http.MethodGet:     true,
		http.MethodHead:    true,
		http.MethodOptions: true,
		http.MethodPatch:   true,
		http.MethodPost:    true,
		http.MethodPut:     true,
		http.MethodTrace:   true,
		echo.PROPFIND:      true,
		echo.REPORT:        true,
	}

	apiRootAllow = "GET, OPTIONS"
	apiAllow     = "GET, POST, PUT, DELETE, OPTIONS"
)

func (h *ProxyHandler) methodNotAllowed(c echo.Context, allow string) error {
	h.logger.Warn("method not supported",
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)
	header := c.Response().Header()
	setCORS(header)
	header.Set(echo.HeaderAllow, allow)
	return c.JSON(http.StatusMethodNotAllowed, errorResponse{Error: "Method not supported"})
}

// Preflight answers a CORS preflight request.
func (h *ProxyHandler) Preflight(c echo.Context) error {
	setCORS(c.Response().Header())
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Handle proxies the request to the backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:     req.Context(),
		Method:  req.Method,
		Path:    req.URL.Path,
		RawPath: req.URL.RawPath,
		Query:   req.URL.Query(),
		Header:  req.Header,
		Body:    req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	setCORS(header)

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire; a copy failure leaves the client
	// with a truncated body and can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	kind := service.KindProxy
	cause := err
	var fe *service.ForwardError
	if errors.As(err, &fe) {
		kind = fe.Kind
		if fe.Err != nil {
			cause = fe.Err
		}
	}

	if h.metrics != nil {
		h.metrics.ForwardErrors.WithLabelValues(string(kind)).Inc()
	}
	setCORS(c.Response().Header())

	req := c.Request()
	attrs := []any{
		"err", cause,
		"kind", string(kind),
		"method", req.Method,
		"path", req.URL.Path,
	}

	switch kind {
	case service.KindConnection:
		h.logger.Error("backend connection failed", attrs...)
		return c.JSON(http.StatusServiceUnavailable, errorResponse{
			Error:  "Backend service unavailable",
			Status: string(kind),
		})
	case service.KindTimeout:
		h.logger.Error("backend request timed out", attrs...)
		return c.JSON(http.StatusGatewayTimeout, errorResponse{
			Error:  "Backend service timeout",
			Status: string(kind),
		})
	case service.KindClientClosed:
		h.logger.Info("client disconnected before backend answered", attrs...)
		return c.JSON(http.StatusBadGateway, errorResponse{
			Error:  "client disconnected",
			Status: string(kind),
		})
	default:
		h.logger.Error("proxy error", attrs...)
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:  cause.Error(),
			Status: string(service.KindProxy),
		})
	}
}
