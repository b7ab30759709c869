package http1

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrHeaderTooLarge is returned by a framed Framer when a header block exceeds
// its limit. The stream cannot be resynchronized afterwards.
var ErrHeaderTooLarge = errors.New("http1: request header block too large")

// Framer cuts a connection's byte stream into request blocks.
type Framer interface {
	// Next returns the bytes of the next request. It returns io.EOF when the
	// peer closed the connection before sending anything.
	Next() ([]byte, error)
	// Discard skips n bytes of request body that will not be interpreted.
	Discard(n int64) error
}

// FrameMode selects a Framer implementation.
type FrameMode string

const (
	FrameSingleRead FrameMode = "single"
	FrameHeaders    FrameMode = "framed"
)

// NewFramer returns a Framer reading from r. bufSize bounds a single read in
// FrameSingleRead mode; maxHeaderBytes bounds a header block in FrameHeaders mode.
func NewFramer(r io.Reader, mode FrameMode, bufSize, maxHeaderBytes int) Framer {
	if mode == FrameSingleRead {
		return &singleReadFramer{r: r, buf: make([]byte, bufSize)}
	}
	return &headerFramer{br: bufio.NewReaderSize(r, bufSize), max: maxHeaderBytes}
}

// singleReadFramer treats whatever one Read returns as one request.
type singleReadFramer struct {
	r   io.Reader
	buf []byte
}

func (f *singleReadFramer) Next() ([]byte, error) {
	n, err := f.r.Read(f.buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, f.buf[:n])
	return out, nil
}

// Discard is a no-op: any body bytes already arrived with the single read, or
// will be read as the next request.
func (f *singleReadFramer) Discard(int64) error { return nil }

// headerFramer accumulates lines until the blank line ending the header block.
type headerFramer struct {
	br  *bufio.Reader
	max int
}

func (f *headerFramer) Next() ([]byte, error) {
	var block bytes.Buffer
	for {
		line, err := f.br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// A single line longer than the bufio buffer; keep accumulating.
			err = nil
		}
		if block.Len() == 0 && isBlankLine(line) && err == nil {
			// Blank lines before a request line are ignored.
			continue
		}
		if block.Len()+len(line) > f.max {
			return nil, ErrHeaderTooLarge
		}
		block.Write(line)

		if err != nil {
			if block.Len() == 0 || (err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF)) {
				return nil, err
			}
			// Peer stopped mid-block; hand over what arrived.
			return block.Bytes(), nil
		}
		if bytes.HasSuffix(block.Bytes(), []byte("\n\r\n")) || bytes.HasSuffix(block.Bytes(), []byte("\n\n")) {
			return block.Bytes(), nil
		}
	}
}

func (f *headerFramer) Discard(n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, f.br, n)
	return err
}

func isBlankLine(line []byte) bool {
	return len(line) == 0 || bytes.Equal(line, []byte("\n")) || bytes.Equal(line, []byte("\r\n"))
}
