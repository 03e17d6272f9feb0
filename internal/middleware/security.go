package middleware

import (
	"net"

	"github.com/labstack/echo/v4"
)

var securityDefaults = [][2]string{
	{echo.HeaderXContentTypeOptions, "nosniff"},
	{echo.HeaderXFrameOptions, "DENY"},
}

// SecurityHeaders returns an Echo middleware that adds baseline security
// headers to responses that lack them. A value relayed from the backend is
// left as is.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				for _, kv := range securityDefaults {
					if h.Get(kv[0]) == "" {
						h.Set(kv[0], kv[1])
					}
				}
			})
			return next(c)
		}
	}
}

// ForwardedHeaders returns an Echo middleware that records the original
// client on the request before it is forwarded. X-Forwarded-For gains the
// address of the directly connected peer. X-Forwarded-Host and
// X-Forwarded-Proto are only set when no earlier proxy set them.
func ForwardedHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			h := req.Header

			ip := req.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if prior := h.Get(echo.HeaderXForwardedFor); prior != "" {
				ip = prior + ", " + ip
			}
			h.Set(echo.HeaderXForwardedFor, ip)

			if h.Get("X-Forwarded-Host") == "" && req.Host != "" {
				h.Set("X-Forwarded-Host", req.Host)
			}
			if h.Get(echo.HeaderXForwardedProto) == "" {
				h.Set(echo.HeaderXForwardedProto, c.Scheme())
			}

			return next(c)
		}
	}
}
