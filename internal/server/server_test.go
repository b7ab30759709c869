package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/basichttpd/internal/auth"
	"example.com/basichttpd/internal/config"
	"example.com/basichttpd/internal/http1"
	"example.com/basichttpd/internal/logger"
	"example.com/basichttpd/internal/metrics"
	"example.com/basichttpd/internal/resource"
	"example.com/basichttpd/internal/router"
	"example.com/basichttpd/internal/testutil"
	"example.com/basichttpd/internal/util"
)

const (
	testUser = "alice"
	testPass = "secret"
)

var docTree = map[string]string{
	"index.html":  "0123456789",
	"docs/a.txt":  "alpha",
	"docs/sub/":   "",
	"style.css":   "body{}",
	"noextension": "raw",
}

func newTestConfig(root string) *config.Config {
	cfg := config.Default()
	addr, port := "127.0.0.1", 0
	cfg.Server.Address = &addr
	cfg.Server.Port = &port
	cfg.Server.DocumentRoot = &root
	return cfg
}

func newTestRouter(t *testing.T, root string, strict bool) *router.Router {
	t.Helper()
	res, err := resource.NewResolver(root)
	require.NoError(t, err)
	types, err := resource.NewMimeTypeResolver(nil, "")
	require.NoError(t, err)
	rtr, err := router.NewRouter(router.Options{
		Auth:     auth.NewStore(auth.Credential{Username: testUser, Password: testPass}),
		Resolver: res,
		Types:    types,
		Strict:   strict,
	})
	require.NoError(t, err)
	return rtr
}

// startServer serves cfg on a loopback port and returns the server and its address.
func startServer(t *testing.T, cfg *config.Config, rtr RequestRouter, opts ...Option) (*Server, string) {
	t.Helper()
	srv, err := NewServer(cfg, logger.NewDiscardLogger(), rtr, opts...)
	require.NoError(t, err)

	ln, err := util.CreateListener(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after shutdown")
		}
	})
	return srv, ln.Addr().String()
}

func startDefault(t *testing.T) (*Server, string) {
	t.Helper()
	root := testutil.WriteTree(t, docTree)
	return startServer(t, newTestConfig(root), newTestRouter(t, root, false))
}

func get(path string, extra ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\nHost: localhost\r\nAuthorization: %s\r\n", path, testutil.BasicAuth(testUser, testPass))
	for _, h := range extra {
		sb.WriteString(h + "\r\n")
	}
	sb.WriteString("\r\n")
	return sb.String()
}

func TestNewServer_NilArgs(t *testing.T) {
	lg := logger.NewDiscardLogger()
	cfg := config.Default()
	rtr := newTestRouter(t, t.TempDir(), false)

	tests := []struct {
		name        string
		cfg         *config.Config
		lg          *logger.Logger
		rt          RequestRouter
		expectedErr string
	}{
		{"nil config", nil, lg, rtr, "config cannot be nil"},
		{"nil logger", cfg, nil, rtr, "logger cannot be nil"},
		{"nil router", cfg, lg, nil, "router cannot be nil"},
		{"missing server section", &config.Config{}, lg, rtr, "server configuration section (server) is missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.cfg, tt.lg, tt.rt)
			require.Error(t, err)
			assert.Equal(t, tt.expectedErr, err.Error())
		})
	}
}

func TestNewServer_RejectsUnsetConnectionFields(t *testing.T) {
	lg := logger.NewDiscardLogger()
	rtr := newTestRouter(t, t.TempDir(), false)

	tests := []struct {
		name        string
		mutate      func(*config.ServerConfig)
		expectedErr string
	}{
		{"server name", func(sc *config.ServerConfig) { sc.ServerName = nil }, "server.server_name is not set"},
		{"read buffer", func(sc *config.ServerConfig) { sc.ReadBufferSize = nil }, "server.read_buffer_size must be positive"},
		{"header cap", func(sc *config.ServerConfig) { sc.MaxHeaderBytes = nil }, "server.max_header_bytes must be positive"},
		{"read mode", func(sc *config.ServerConfig) { sc.ReadMode = "chunked" }, `server.read_mode "chunked" is not supported`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg.Server)
			_, err := NewServer(cfg, lg, rtr)
			require.Error(t, err)
			assert.Equal(t, tt.expectedErr, err.Error())
		})
	}
}

func TestServer_ShutdownWaitsForTrackedConnection(t *testing.T) {
	srv, err := NewServer(config.Default(), logger.NewDiscardLogger(), newTestRouter(t, t.TempDir(), false))
	require.NoError(t, err)

	client, peer := net.Pipe()
	defer client.Close()
	c := srv.newConn(peer)
	require.True(t, srv.trackConn(c, true))

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Shutdown returned %v with a connection still tracked", err)
	case <-time.After(100 * time.Millisecond):
	}

	srv.trackConn(c, false)
	srv.connWG.Done()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the connection finished")
	}

	late := srv.newConn(peer)
	assert.False(t, srv.trackConn(late, true), "no connection is tracked once shutdown has begun")
	assert.Equal(t, 0, srv.ActiveConnections())
}

func TestServer_KeepAliveServesSequentialRequests(t *testing.T) {
	_, addr := startDefault(t)
	wc := testutil.Dial(t, addr)

	resp, body := wc.RoundTrip(get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", string(body))
	assert.Equal(t, int64(10), resp.ContentLength)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.Equal(t, config.DefaultServerName, resp.Header.Get("Server"))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	_, err := http.ParseTime(resp.Header.Get("Date"))
	assert.NoError(t, err)

	resp, body = wc.RoundTrip(get("/docs/a.txt"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", string(body))

	resp, body = wc.RoundTrip(get("/noextension"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "raw", string(body))
	assert.Empty(t, resp.Header.Values("Content-Type"))
}

func TestServer_PipelinedRequests(t *testing.T) {
	_, addr := startDefault(t)
	wc := testutil.Dial(t, addr)

	wc.Send(get("/docs/a.txt") + get("/style.css"))
	resp, body := wc.ReadResponse()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", string(body))
	resp, body = wc.ReadResponse()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", string(body))
}

func TestServer_AuthAndMissing(t *testing.T) {
	_, addr := startDefault(t)
	wc := testutil.Dial(t, addr)

	resp, body := wc.RoundTrip("POST /missing HTTP/1.1\r\nHost: localhost\r\n\r\n")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, body)

	resp, body = wc.RoundTrip(strings.Replace(get("/missing"), "GET", "POST", 1))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
}

func TestServer_MalformedRequestKeepsConnectionOpen(t *testing.T) {
	_, addr := startDefault(t)
	wc := testutil.Dial(t, addr)

	resp, body := wc.RoundTrip("GARBAGE\r\n\r\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))

	resp, body = wc.RoundTrip(get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", string(body))
}

func TestServer_ConnectionCloseHonoured(t *testing.T) {
	_, addr := startDefault(t)
	wc := testutil.Dial(t, addr)

	resp, body := wc.RoundTrip(get("/", "Connection: close"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", string(body))
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	wc.ExpectClosed()
}

func TestServer_HeadHasEmptyBody(t *testing.T) {
	_, addr := startDefault(t)
	wc := testutil.Dial(t, addr)

	raw := strings.Replace(get("/index.html"), "GET", "HEAD", 1)
	resp, body := wc.RoundTrip(raw)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))

	// The connection is still usable after HEAD.
	resp, body = wc.RoundTrip(get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body, 10)
}

func TestServer_StrictMethods(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	cfg := newTestConfig(root)
	strict := true
	cfg.Server.StrictMethods = &strict
	_, addr := startServer(t, cfg, newTestRouter(t, root, true))
	wc := testutil.Dial(t, addr)

	resp, _ := wc.RoundTrip(strings.Replace(get("/index.html"), "GET", "DELETE", 1))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_PostBodyIsDiscarded(t *testing.T) {
	_, addr := startDefault(t)
	wc := testutil.Dial(t, addr)

	raw := strings.Replace(get("/docs/a.txt", "Content-Length: 11"), "GET", "POST", 1) + "hello world"
	resp, body := wc.RoundTrip(raw)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", string(body))

	resp, body = wc.RoundTrip(get("/style.css"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", string(body))
}

func TestServer_HeaderTooLargeClosesConnection(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	cfg := newTestConfig(root)
	limit := 128
	cfg.Server.MaxHeaderBytes = &limit
	_, addr := startServer(t, cfg, newTestRouter(t, root, false))
	wc := testutil.Dial(t, addr)

	resp, _ := wc.RoundTrip(get("/", "X-Filler: "+strings.Repeat("a", 256)))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	wc.ExpectClosed()
}

func TestServer_SingleReadMode(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	cfg := newTestConfig(root)
	cfg.Server.ReadMode = config.ReadModeSingle
	_, addr := startServer(t, cfg, newTestRouter(t, root, false))
	wc := testutil.Dial(t, addr)

	resp, body := wc.RoundTrip(get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", string(body))

	resp, _ = wc.RoundTrip(get("/missing"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_IdleTimeoutClosesConnection(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	cfg := newTestConfig(root)
	cfg.Server.KeepAliveTimeout = &config.Duration{Duration: 100 * time.Millisecond}
	_, addr := startServer(t, cfg, newTestRouter(t, root, false))
	wc := testutil.Dial(t, addr)

	resp, _ := wc.RoundTrip(get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	wc.ExpectClosed()
}

func TestServer_NetHTTPClient(t *testing.T) {
	_, addr := startDefault(t)
	client := &http.Client{Timeout: 2 * time.Second}
	defer client.CloseIdleConnections()

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/docs", nil)
	require.NoError(t, err)
	req.SetBasicAuth(testUser, testPass)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "Directory listing for /docs")
	assert.Contains(t, string(body), `href="/docs/a.txt"`)
	assert.Contains(t, string(body), `href="/docs/sub/"`)

	req, err = http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	require.NoError(t, err)
	resp2, err := client.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestServer_ConcurrentClients(t *testing.T) {
	_, addr := startDefault(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(2 * time.Second))
			if _, err := conn.Write([]byte(get("/", "Connection: close"))); err != nil {
				errs <- err
				return
			}
			data, err := io.ReadAll(conn)
			if err != nil {
				errs <- err
				return
			}
			if !strings.HasSuffix(string(data), "\r\n\r\n0123456789") {
				errs <- fmt.Errorf("unexpected response %q", data)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServer_RecordsMetrics(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	reg := metrics.NewRegistry()
	_, addr := startServer(t, newTestConfig(root), newTestRouter(t, root, false), WithMetrics(reg))
	wc := testutil.Dial(t, addr)

	wc.RoundTrip(get("/"))
	wc.RoundTrip("NOPE\r\n\r\n")

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(reg.RequestsTotal.WithLabelValues("GET", "200")) == 1 &&
			promtest.ToFloat64(reg.RequestsTotal.WithLabelValues(unparsedMethod, "400")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), promtest.ToFloat64(reg.ConnectionsAccepted))
	assert.Equal(t, float64(1), promtest.ToFloat64(reg.ParseFailures.WithLabelValues(string(http1.MalformedRequestLine))))
}

func TestServer_CancelStopsAcceptingOnly(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	srv, err := NewServer(newTestConfig(root), logger.NewDiscardLogger(), newTestRouter(t, root, false))
	require.NoError(t, err)
	ln, err := util.CreateListener(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	wc := testutil.Dial(t, addr)
	resp, _ := wc.RoundTrip(get("/"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// The already accepted connection keeps working.
	resp, body := wc.RoundTrip(get("/docs/a.txt"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", string(body))
	assert.Equal(t, 1, srv.ActiveConnections())

	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err, "listener should be closed")

	shutdownCtx, done := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer done()
	err = srv.Shutdown(shutdownCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, srv.ActiveConnections())
	wc.ExpectClosed()
}

type panicRouter struct{ RequestRouter }

func (p panicRouter) Route(req *http1.Request) *http1.Response {
	if req.Target == "/boom" {
		panic("boom")
	}
	return p.RequestRouter.Route(req)
}

func TestServer_PanicEndsOnlyThatConnection(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	_, addr := startServer(t, newTestConfig(root), panicRouter{newTestRouter(t, root, false)})

	bad := testutil.Dial(t, addr)
	bad.Send(get("/boom"))
	bad.ExpectClosed()

	good := testutil.Dial(t, addr)
	resp, _ := good.RoundTrip(get("/"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MaxConnections(t *testing.T) {
	root := testutil.WriteTree(t, docTree)
	cfg := newTestConfig(root)
	one := 1
	cfg.Server.MaxConnections = &one
	_, addr := startServer(t, cfg, newTestRouter(t, root, false))

	first := testutil.Dial(t, addr)
	resp, _ := first.RoundTrip(get("/"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	second := testutil.Dial(t, addr)
	second.Send(get("/"))
	second.Conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := second.Conn.Read(buf)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "second connection should wait for a free slot, got %v", err)

	first.Send(get("/", "Connection: close"))
	first.ReadResponse()

	resp, body := second.ReadResponse()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", string(body))
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", connState(9).String())
}
