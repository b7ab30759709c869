// Package testutil runs the server binary as a subprocess and drives it with
// HTTP clients for end-to-end tests.
package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"example.com/basichttpd/internal/config"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
	// BasicAuth, when non-nil, holds user and password for the Authorization header.
	BasicAuth *[2]string
}

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string)
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", m.ExpectedBody, body)
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, body)
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      map[string]string
	BodyMatcher  BodyMatcher
	ExpectNoBody bool
}

// ActualResponse stores the outcome of an HTTP request from a client.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Check compares actual against expected and returns every mismatch.
func (e ExpectedResponse) Check(actual ActualResponse) []string {
	var problems []string
	if actual.StatusCode != e.StatusCode {
		problems = append(problems, fmt.Sprintf("status: expected %d, got %d", e.StatusCode, actual.StatusCode))
	}
	for name, want := range e.Headers {
		if got := actual.Headers.Get(name); got != want {
			problems = append(problems, fmt.Sprintf("header %s: expected %q, got %q", name, want, got))
		}
	}
	if e.ExpectNoBody {
		if len(actual.Body) != 0 {
			problems = append(problems, fmt.Sprintf("expected empty body, got %q", actual.Body))
		}
	} else if e.BodyMatcher != nil {
		if ok, why := e.BodyMatcher.Match(actual.Body); !ok {
			problems = append(problems, why)
		}
	}
	return problems
}

// ServerInstance is a running server subprocess.
type ServerInstance struct {
	Cmd        *exec.Cmd
	Address    string
	ConfigPath string

	logMu     sync.Mutex
	logBuffer bytes.Buffer
	cancelCtx context.CancelFunc
	waitDone  chan struct{}
	waitErr   error
}

type lockedWriter struct{ s *ServerInstance }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.s.logMu.Lock()
	defer w.s.logMu.Unlock()
	return w.s.logBuffer.Write(p)
}

// SafeGetLogs returns everything the server wrote to stdout and stderr so far.
func (s *ServerInstance) SafeGetLogs() string {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.logBuffer.String()
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig writes cfg as JSON or TOML into dir and returns the file path.
func WriteTempConfig(dir string, cfg *config.Config, format string) (string, error) {
	var (
		data []byte
		err  error
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(cfg); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}
	path := filepath.Join(dir, "config"+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write temp config file: %w", err)
	}
	return path, nil
}

// BuildServer compiles ./cmd/server from projectRoot into dir.
func BuildServer(projectRoot, dir string) (string, error) {
	bin := filepath.Join(dir, "basichttpd")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/server")
	cmd.Dir = projectRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("go build failed: %w\n%s", err, out)
	}
	return bin, nil
}

// StartTestServer launches the binary with args and waits until address
// accepts TCP connections.
func StartTestServer(binary, address string, args ...string) (*ServerInstance, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binary, args...)
	s := &ServerInstance{Cmd: cmd, Address: address, cancelCtx: cancel, waitDone: make(chan struct{})}
	cmd.Stdout = lockedWriter{s}
	cmd.Stderr = lockedWriter{s}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start server process '%s': %w", binary, err)
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.waitDone)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s, nil
		}
		select {
		case <-s.waitDone:
			return nil, fmt.Errorf("server exited before listening: %v. Logs captured:\n%s", s.waitErr, s.SafeGetLogs())
		default:
		}
		if time.Now().After(deadline) {
			s.Stop()
			return nil, fmt.Errorf("server not ready at %s: %v. Logs captured:\n%s", address, err, s.SafeGetLogs())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Wait blocks until the process exits or timeout elapses.
func (s *ServerInstance) Wait(timeout time.Duration) (exited bool, err error) {
	select {
	case <-s.waitDone:
		return true, s.waitErr
	case <-time.After(timeout):
		return false, nil
	}
}

// Stop sends SIGINT, then SIGKILL if the process does not exit in time.
func (s *ServerInstance) Stop() error {
	defer s.cancelCtx()
	if s.Cmd.Process == nil {
		return nil
	}
	select {
	case <-s.waitDone:
		return nil
	default:
	}
	if err := s.Cmd.Process.Signal(syscall.SIGINT); err == nil {
		if exited, _ := s.Wait(8 * time.Second); exited {
			return nil
		}
	}
	if err := s.Cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill server: %w", err)
	}
	<-s.waitDone
	return nil
}

// HTTPClientType identifies the type of HTTP client used for a test.
type HTTPClientType string

const (
	GoHTTPClient HTTPClientType = "go_http_client"
	CurlClient   HTTPClientType = "curl_client"
)

// TestRunner runs a TestRequest against a ServerInstance.
type TestRunner interface {
	Run(server *ServerInstance, req *TestRequest) (*ActualResponse, error)
	Type() HTTPClientType
}

// GoNetHTTPClient runs requests with net/http.
type GoNetHTTPClient struct {
	client *http.Client
}

// NewGoNetHTTPClient creates a GoNetHTTPClient.
func NewGoNetHTTPClient() *GoNetHTTPClient {
	return &GoNetHTTPClient{client: &http.Client{Timeout: 5 * time.Second}}
}

// Type returns the client type.
func (c *GoNetHTTPClient) Type() HTTPClientType { return GoHTTPClient }

// Run executes req against server.
func (c *GoNetHTTPClient) Run(server *ServerInstance, req *TestRequest) (*ActualResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequest(method, "http://"+server.Address+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth[0], req.BasicAuth[1])
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// CurlHTTPClient runs requests with the curl command-line tool over HTTP/1.1.
type CurlHTTPClient struct {
	CurlPath string
}

// NewCurlHTTPClient creates a CurlHTTPClient. An empty path means "curl" on $PATH.
func NewCurlHTTPClient(curlPath string) *CurlHTTPClient {
	if curlPath == "" {
		curlPath = "curl"
	}
	return &CurlHTTPClient{CurlPath: curlPath}
}

// Type returns the client type.
func (c *CurlHTTPClient) Type() HTTPClientType { return CurlClient }

// Run executes req against server.
func (c *CurlHTTPClient) Run(server *ServerInstance, req *TestRequest) (*ActualResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	args := []string{"--http1.1", "--silent", "--show-error", "--include", "-X", method}
	if method == http.MethodHead {
		args = append(args[:len(args)-2], "--head")
	}
	for name, values := range req.Headers {
		for _, v := range values {
			args = append(args, "-H", name+": "+v)
		}
	}
	if req.BasicAuth != nil {
		args = append(args, "-u", req.BasicAuth[0]+":"+req.BasicAuth[1])
	}
	if len(req.Body) > 0 {
		args = append(args, "--data-binary", "@-")
	}
	args = append(args, "http://"+server.Address+req.Path)

	cmd := exec.Command(c.CurlPath, args...)
	if len(req.Body) > 0 {
		cmd.Stdin = bytes.NewReader(req.Body)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("curl command execution failed: %w. Stderr: '%s'", err, strings.TrimSpace(stderr.String()))
	}
	return parseCurlOutput(stdout.Bytes())
}

// parseCurlOutput splits curl --include output into status, headers and body.
func parseCurlOutput(out []byte) (*ActualResponse, error) {
	br := bufio.NewReader(bytes.NewReader(out))
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read status line: %w", err)
	}
	parts := strings.Fields(statusLine)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code in %q: %w", statusLine, err)
	}
	hdr, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse MIME headers: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	return &ActualResponse{StatusCode: code, Headers: http.Header(hdr), Body: body}, nil
}
