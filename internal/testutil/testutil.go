// Package testutil holds helpers shared by package tests: document-root and
// credential-file builders and a raw wire client.
package testutil

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// WriteTree creates files under a new temporary directory and returns its path.
// Keys are slash-separated relative paths; a key ending in "/" creates an
// empty directory.
func WriteTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(p, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", p, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	return root
}

// WriteUsersFile writes one "user:pass" line per entry into a temporary file.
func WriteUsersFile(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "users.txt")
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write users file: %v", err)
	}
	return p
}

// BasicAuth returns an Authorization header value for user and pass.
func BasicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// WireClient writes raw bytes to a server and reads responses back with
// net/http's parser.
type WireClient struct {
	t    *testing.T
	Conn net.Conn
	br   *bufio.Reader
}

// Dial connects to addr. The connection is closed when the test ends.
func Dial(t *testing.T, addr string) *WireClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &WireClient{t: t, Conn: conn, br: bufio.NewReader(conn)}
}

// Send writes raw to the connection.
func (c *WireClient) Send(raw string) {
	c.t.Helper()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatalf("set write deadline: %v", err)
	}
	if _, err := c.Conn.Write([]byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// ReadResponse reads one response and its full body.
func (c *WireClient) ReadResponse() (*http.Response, []byte) {
	c.t.Helper()
	if err := c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatalf("set read deadline: %v", err)
	}
	resp, err := http.ReadResponse(c.br, nil)
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return resp, body
}

// RoundTrip sends raw and reads one response.
func (c *WireClient) RoundTrip(raw string) (*http.Response, []byte) {
	c.t.Helper()
	c.Send(raw)
	return c.ReadResponse()
}

// ExpectClosed asserts that the server closes the connection without sending
// anything more.
func (c *WireClient) ExpectClosed() {
	c.t.Helper()
	if err := c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		c.t.Fatalf("set read deadline: %v", err)
	}
	b, err := c.br.ReadByte()
	if err == nil {
		c.t.Fatalf("expected connection to be closed, read byte %q", b)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.t.Fatalf("expected connection to be closed, but it stayed open")
	}
}
