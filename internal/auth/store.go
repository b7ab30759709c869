// Package auth holds the read-only credential store used for Basic-Auth.
//
// Credentials are plaintext username:password records compared verbatim.
// Transport security has to be provided outside this server.
package auth

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Credential is one username/password pair.
type Credential struct {
	Username string
	Password string
}

// Store is an immutable set of credentials. It is safe for concurrent use.
type Store struct {
	creds   []Credential
	index   map[Credential]struct{}
	skipped int
}

// Load reads newline-delimited username:password records from path.
// Blank lines and lines without a colon are skipped. The record is split on
// its first colon, so passwords may contain colons.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential file %s: %w", path, err)
	}
	defer f.Close()

	s := &Store{index: make(map[Credential]struct{})}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		username, password, ok := strings.Cut(line, ":")
		if !ok {
			s.skipped++
			continue
		}
		s.add(Credential{Username: username, Password: password})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credential file %s: %w", path, err)
	}
	return s, nil
}

// NewStore builds a Store from in-memory credentials.
func NewStore(creds ...Credential) *Store {
	s := &Store{index: make(map[Credential]struct{}, len(creds))}
	for _, c := range creds {
		s.add(c)
	}
	return s
}

func (s *Store) add(c Credential) {
	if _, dup := s.index[c]; dup {
		return
	}
	s.index[c] = struct{}{}
	s.creds = append(s.creds, c)
}

// Len returns the number of distinct credentials.
func (s *Store) Len() int { return len(s.creds) }

// Skipped returns how many malformed lines Load ignored.
func (s *Store) Skipped() int { return s.skipped }

// Credentials returns a copy of the credentials in file order.
func (s *Store) Credentials() []Credential {
	out := make([]Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// Authenticate reports whether the exact pair exists. Comparison is
// case-sensitive.
func (s *Store) Authenticate(username, password string) bool {
	_, ok := s.index[Credential{Username: username, Password: password}]
	return ok
}

// AuthenticateHeader checks an Authorization header value. A missing or
// malformed value fails like a wrong password.
func (s *Store) AuthenticateHeader(value string) bool {
	username, password, ok := ParseBasicAuth(value)
	if !ok {
		return false
	}
	return s.Authenticate(username, password)
}

// ParseBasicAuth extracts credentials from "Basic <base64(user:pass)>".
// The scheme is matched case-insensitively.
func ParseBasicAuth(value string) (username, password string, ok bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(decoded), ":")
}
