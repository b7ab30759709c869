package http1

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Method is the request method as far as routing is concerned.
type Method string

const (
	MethodGet   Method = "GET"
	MethodHead  Method = "HEAD"
	MethodPost  Method = "POST"
	MethodOther Method = "OTHER"
)

// ParseMethod matches token case-sensitively against the supported methods.
func ParseMethod(token string) Method {
	switch Method(token) {
	case MethodGet, MethodHead, MethodPost:
		return Method(token)
	default:
		return MethodOther
	}
}

// ParseFailureKind classifies why a request block could not be parsed.
type ParseFailureKind string

const (
	MalformedRequestLine ParseFailureKind = "malformed_request_line"
	TruncatedRequest     ParseFailureKind = "truncated_request"
)

// ParseError is returned by ParseRequest.
type ParseError struct {
	Kind ParseFailureKind
	Line string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("http1: %s", e.Kind)
	}
	return fmt.Sprintf("http1: %s: %q", e.Kind, e.Line)
}

// IsParseFailure reports whether err is a *ParseError of the given kind.
func IsParseFailure(err error, kind ParseFailureKind) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == kind
}

// Header maps lower-cased header names to values.
type Header map[string]string

// Get returns the value of name, matched case-insensitively.
func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Request is a parsed request. It is not modified after ParseRequest returns.
type Request struct {
	Method    Method
	RawMethod string
	// Target is the request-target exactly as sent.
	Target string
	// Path is the target used for resource resolution: "/" becomes
	// "/index.html" for every method except HEAD.
	Path          string
	Version       string
	Header        Header
	KeepAlive     bool
	ContentLength int64
}

const indexPath = "/index.html"

// ServedPath returns the path a GET for target resolves: "/" maps to
// "/index.html", anything else is unchanged.
func ServedPath(target string) string {
	if target == "/" {
		return indexPath
	}
	return target
}

// ParseRequest turns one framed request block into a Request.
//
// Header lines are read until a blank line or the end of raw; a block cut short
// by the read buffer simply yields fewer headers. When a header repeats, the
// last occurrence wins. Lines without a colon are ignored.
func ParseRequest(raw []byte) (*Request, error) {
	text := string(raw)
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Kind: TruncatedRequest}
	}

	lines := strings.Split(text, "\n")
	requestLine := strings.TrimSuffix(lines[0], "\r")

	tokens := strings.Split(requestLine, " ")
	if len(tokens) < 2 || tokens[0] == "" || tokens[1] == "" {
		return nil, &ParseError{Kind: MalformedRequestLine, Line: requestLine}
	}

	req := &Request{
		Method:    ParseMethod(tokens[0]),
		RawMethod: tokens[0],
		Target:    tokens[1],
		Header:    make(Header),
		KeepAlive: true,
	}
	if len(tokens) > 2 {
		req.Version = tokens[2]
	}

	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Header[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	req.Path = req.Target
	if req.Method != MethodHead {
		req.Path = ServedPath(req.Target)
	}
	if strings.EqualFold(req.Header.Get("Connection"), "close") {
		req.KeepAlive = false
	}
	if cl := req.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			req.ContentLength = n
		}
	}
	return req, nil
}
