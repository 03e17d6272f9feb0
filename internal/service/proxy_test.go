package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"pontohub-proxy-go/internal/client"
	"pontohub-proxy-go/internal/config"
	"pontohub-proxy-go/internal/model"
)

// newTestService builds a ProxyService pointed at rawURL with the given forward timeout.
func newTestService(t *testing.T, rawURL string, timeoutSeconds int) *ProxyService {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	port, _ := strconv.Atoi(u.Port())
	cfg := &config.Config{
		Backend: config.BackendConfig{
			Host:                 u.Hostname(),
			Port:                 port,
			HealthPath:           "/api/health",
			TimeoutSeconds:       timeoutSeconds,
			HealthTimeoutSeconds: 1,
			IdleConnections:      10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyService(client.NewBackendClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func TestFilterRequestHeaders(t *testing.T) {
	s := &ProxyService{}
	src := http.Header{
		"Host":            {"proxy.example.com"},
		"Accept":          {"application/json"},
		"Content-Type":    {"application/json"},
		"Authorization":   {"Bearer secret"},
		"Connection":      {"keep-alive, X-Hop"},
		"X-Hop":           {"1"},
		"Keep-Alive":      {"timeout=5"},
		"X-Custom-Header": {"kept"},
	}

	dst := s.filterRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Host stripped", "Host", 0},
		{"Accept forwarded", "Accept", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"X-Custom-Header forwarded", "X-Custom-Header", 1},
		{"Connection stripped", "Connection", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"header named in Connection stripped", "X-Hop", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if src.Get("Host") == "" {
		t.Error("filterRequestHeaders must not mutate the inbound header")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	s := &ProxyService{}
	src := http.Header{
		"Content-Type":                 {"application/json"},
		"Content-Length":               {"42"},
		"Set-Cookie":                   {"session=abc"},
		"Transfer-Encoding":            {"chunked"},
		"Access-Control-Allow-Origin":  {"https://app.example.com"},
		"Access-Control-Allow-Methods": {"GET"},
		"Access-Control-Max-Age":       {"600"},
		"X-Powered-By":                 {"Express"},
	}

	dst := s.filterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type relayed", "Content-Type", 1},
		{"Content-Length relayed", "Content-Length", 1},
		{"Set-Cookie relayed", "Set-Cookie", 1},
		{"X-Powered-By relayed", "X-Powered-By", 1},
		{"Transfer-Encoding stripped (hop-by-hop)", "Transfer-Encoding", 0},
		{"backend CORS origin stripped", "Access-Control-Allow-Origin", 0},
		{"backend CORS methods stripped", "Access-Control-Allow-Methods", 0},
		{"backend CORS max-age stripped", "Access-Control-Max-Age", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestBuildBackendURL(t *testing.T) {
	baseURL, _ := url.Parse("http://localhost:3001")
	s := &ProxyService{baseURL: baseURL}

	tests := []struct {
		name    string
		path    string
		rawPath string
		query   url.Values
		want    string
	}{
		{"api root", "/api", "", nil, "http://localhost:3001/api"},
		{"nested path", "/api/projects/42/tasks", "", url.Values{}, "http://localhost:3001/api/projects/42/tasks"},
		{"with query", "/api/users", "", url.Values{"page": {"2"}}, "http://localhost:3001/api/users?page=2"},
		{"repeated query", "/api/users", "", url.Values{"role": {"admin", "client"}}, "http://localhost:3001/api/users?role=admin&role=client"},
		{"escaped path", "/api/files/a b", "", nil, "http://localhost:3001/api/files/a%20b"},
		{"encoded slash kept", "/api/files/a/b", "/api/files/a%2Fb", nil, "http://localhost:3001/api/files/a%2Fb"},
		{"raw path not matching path ignored", "/api/files/x", "/api/files/y", nil, "http://localhost:3001/api/files/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.buildBackendURL(tt.path, tt.rawPath, tt.query); got != tt.want {
				t.Errorf("buildBackendURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_PreservesMethodPathAndBody(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			var gotMethod, gotPath, gotQuery, gotBody, gotHost string
			var gotLength int64
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod, gotPath, gotQuery, gotHost = r.Method, r.URL.Path, r.URL.RawQuery, r.Host
				gotLength = r.ContentLength
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":1}`))
			}))
			defer backend.Close()

			svc := newTestService(t, backend.URL, 10)
			payload := `{"name":"x"}`
			pr := &model.ProxyRequest{
				Ctx:    context.Background(),
				Method: method,
				Path:   "/api/projects/7",
				Query:  url.Values{"expand": {"tasks"}},
				Header: http.Header{
					"Host":           {"proxy.example.com"},
					"Content-Type":   {"application/json"},
					"Content-Length": {strconv.Itoa(len(payload))},
				},
				Body: io.NopCloser(strings.NewReader(payload)),
			}

			resp, err := svc.Forward(pr)
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if gotMethod != method {
				t.Errorf("backend method = %q, want %q", gotMethod, method)
			}
			if gotPath != "/api/projects/7" {
				t.Errorf("backend path = %q, want %q", gotPath, "/api/projects/7")
			}
			if gotQuery != "expand=tasks" {
				t.Errorf("backend query = %q, want %q", gotQuery, "expand=tasks")
			}
			if gotBody != payload {
				t.Errorf("backend body = %q, want %q", gotBody, payload)
			}
			if gotLength != int64(len(payload)) {
				t.Errorf("backend ContentLength = %d, want %d", gotLength, len(payload))
			}
			if gotHost == "proxy.example.com" {
				t.Error("inbound Host header leaked to the backend")
			}
			if resp.StatusCode != http.StatusCreated {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
			}
		})
	}
}

func TestForward_BackendDown(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", 10)

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/api/users",
		Header: http.Header{},
	})

	var fe *ForwardError
	if !errors.As(err, &fe) {
		t.Fatalf("Forward() error = %v, want *ForwardError", err)
	}
	if fe.Kind != KindConnection {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindConnection)
	}
}

func TestForward_Timeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer backend.Close()

	svc := newTestService(t, backend.URL, 1)

	start := time.Now()
	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/api/reports",
		Header: http.Header{},
	})

	var fe *ForwardError
	if !errors.As(err, &fe) {
		t.Fatalf("Forward() error = %v, want *ForwardError", err)
	}
	if fe.Kind != KindTimeout {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("Forward() took %v, want it bounded by the 1s timeout", elapsed)
	}
}

func TestForward_ClientDisconnected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()

	svc := newTestService(t, backend.URL, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    ctx,
		Method: http.MethodGet,
		Path:   "/api/users",
		Header: http.Header{},
	})

	var fe *ForwardError
	if !errors.As(err, &fe) {
		t.Fatalf("Forward() error = %v, want *ForwardError", err)
	}
	if fe.Kind != KindClientClosed {
		t.Errorf("Kind = %q, want %q", fe.Kind, KindClientClosed)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", fmt.Errorf("backend request: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", &url.Error{Op: "Get", URL: "http://localhost:3001/api", Err: timeoutErr{}}, KindTimeout},
		{"refused", &url.Error{Op: "Get", URL: "http://localhost:3001/api", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}, KindConnection},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnection},
		{"dial timeout", &url.Error{Op: "Get", URL: "http://10.255.255.1:3001/api", Err: &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}}, KindConnection},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "backend", IsTimeout: true}, KindConnection},
		{"read timeout", &url.Error{Op: "Get", URL: "http://localhost:3001/api", Err: &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}}, KindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "backend"}, KindConnection},
		{"eof", fmt.Errorf("backend request: %w", io.EOF), KindConnection},
		{"other", errors.New("net/http: invalid header field value"), KindProxy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(context.Background(), tt.err); got != tt.want {
				t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewProxyService_Target(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:3001", 30)
	if got := svc.Target(); got != "http://127.0.0.1:3001" {
		t.Errorf("Target() = %q, want %q", got, "http://127.0.0.1:3001")
	}
}
