package http1

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Status is one of the response statuses the server emits.
type Status int

const (
	StatusOK               Status = 200
	StatusBadRequest       Status = 400
	StatusUnauthorized     Status = 401
	StatusNotFound         Status = 404
	StatusMethodNotAllowed Status = 405
)

var statusText = map[Status]string{
	StatusOK:               "OK",
	StatusBadRequest:       "Bad Request",
	StatusUnauthorized:     "Unauthorized",
	StatusNotFound:         "Not Found",
	StatusMethodNotAllowed: "Method Not Allowed",
}

// StatusText returns the reason phrase for s, or "" for an unknown status.
func StatusText(s Status) string {
	return statusText[s]
}

// Valid reports whether s has a reason phrase.
func (s Status) Valid() bool {
	_, ok := statusText[s]
	return ok
}

// ErrUnknownStatus is returned when building a response with a status that has
// no reason phrase.
var ErrUnknownStatus = errors.New("http1: unknown response status")

// Response is built once per request and then encoded.
type Response struct {
	Status      Status
	ContentType string // empty when unknown; the header is then omitted
	Body        []byte
	KeepAlive   bool
}

// ResponseBuilder encodes responses with the fixed header set
// Server, Date, Connection, Content-Length and Content-Type, in that order.
type ResponseBuilder struct {
	serverName string
	now        func() time.Time
}

// NewResponseBuilder returns a builder announcing serverName in the Server header.
func NewResponseBuilder(serverName string) *ResponseBuilder {
	return &ResponseBuilder{serverName: serverName, now: time.Now}
}

// WithClock replaces the time source used for the Date header.
func (b *ResponseBuilder) WithClock(now func() time.Time) *ResponseBuilder {
	b.now = now
	return b
}

// Build encodes a complete response.
func (b *ResponseBuilder) Build(status Status, body []byte, contentType string, keepAlive bool) ([]byte, error) {
	reason, ok := statusText[status]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(status))
	}

	var buf bytes.Buffer
	buf.Grow(160 + len(body))

	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(int(status)))
	buf.WriteByte(' ')
	buf.WriteString(reason)
	buf.WriteString("\r\n")

	writeHeader(&buf, "Server", b.serverName)
	writeHeader(&buf, "Date", b.now().UTC().Format(http.TimeFormat))
	if keepAlive {
		writeHeader(&buf, "Connection", "keep-alive")
	} else {
		writeHeader(&buf, "Connection", "close")
	}
	writeHeader(&buf, "Content-Length", strconv.Itoa(len(body)))
	if contentType != "" {
		writeHeader(&buf, "Content-Type", contentType)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// Encode builds resp.
func (b *ResponseBuilder) Encode(resp *Response) ([]byte, error) {
	return b.Build(resp.Status, resp.Body, resp.ContentType, resp.KeepAlive)
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}
