package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"example.com/basichttpd/internal/http1"
	"example.com/basichttpd/internal/logger"
)

// connState tracks a connection through its lifetime.
type connState int32

const (
	StateOpen connState = iota
	StateClosing
	StateClosed
)

func (s connState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Label used for metrics when no request could be parsed.
const unparsedMethod = "INVALID"

const writeBufferSize = 4096

// conn serves the request/response loop of one accepted connection. Only the
// goroutine running serve touches its reader and writer.
type conn struct {
	srv        *Server
	rwc        net.Conn
	id         string
	remoteAddr string

	framer http1.Framer
	bw     *bufio.Writer

	state     atomic.Int32
	closeOnce sync.Once
}

func (s *Server) newConn(rwc net.Conn) *conn {
	c := &conn{
		srv:        s,
		rwc:        rwc,
		id:         ulid.Make().String(),
		remoteAddr: rwc.RemoteAddr().String(),
		bw:         bufio.NewWriterSize(rwc, writeBufferSize),
	}
	c.framer = http1.NewFramer(rwc, http1.FrameMode(s.cfg.ReadMode), *s.cfg.ReadBufferSize, *s.cfg.MaxHeaderBytes)
	c.setState(StateOpen)
	return c
}

func (c *conn) getState() connState  { return connState(c.state.Load()) }
func (c *conn) setState(s connState) { c.state.Store(int32(s)) }

func (c *conn) fields(extra logger.LogFields) logger.LogFields {
	f := logger.LogFields{"conn_id": c.id, "remote_addr": c.remoteAddr}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// serve runs until the peer closes, a response asks for close, or an I/O
// error occurs. A panic ends only this connection.
func (c *conn) serve() {
	c.srv.metrics.ConnectionOpened()
	c.srv.log.Debug("Connection accepted", c.fields(nil))

	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Error("Panic while serving connection", c.fields(logger.LogFields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}))
		}
		c.close()
		c.srv.metrics.ConnectionClosed()
		c.srv.log.Debug("Connection closed", c.fields(nil))
	}()

	idle := c.srv.idleTimeout()
	for c.getState() == StateOpen {
		if idle > 0 {
			if err := c.rwc.SetReadDeadline(time.Now().Add(idle)); err != nil {
				c.logIOError("set read deadline", err)
				return
			}
		}

		raw, err := c.framer.Next()
		if err != nil {
			if errors.Is(err, http1.ErrHeaderTooLarge) {
				c.srv.log.Warn("Request header block too large", c.fields(nil))
				c.srv.metrics.RecordParseFailure("header_too_large")
				c.respond(time.Now(), nil, &http1.Response{Status: http1.StatusBadRequest})
				return
			}
			c.logIOError("read", err)
			return
		}

		start := time.Now()
		req, err := http1.ParseRequest(raw)
		if err != nil {
			kind := "unknown"
			var pe *http1.ParseError
			if errors.As(err, &pe) {
				kind = string(pe.Kind)
			}
			c.srv.log.Debug("Rejecting unparsable request", c.fields(logger.LogFields{"error": err.Error()}))
			c.srv.metrics.RecordParseFailure(kind)
			if !c.respond(start, nil, &http1.Response{Status: http1.StatusBadRequest, KeepAlive: true}) {
				return
			}
			continue
		}

		resp := c.srv.router.Route(req)
		if !c.respond(start, req, resp) {
			return
		}
		if !resp.KeepAlive {
			c.setState(StateClosing)
			return
		}
		if err := c.framer.Discard(req.ContentLength); err != nil {
			c.logIOError("discard body", err)
			return
		}
	}
}

// respond writes resp and records it. It reports whether the connection can
// carry another request.
func (c *conn) respond(start time.Time, req *http1.Request, resp *http1.Response) bool {
	wire, err := c.srv.builder.Encode(resp)
	if err != nil {
		c.srv.log.Error("Failed to build response", c.fields(logger.LogFields{"status": int(resp.Status), "error": err.Error()}))
		return false
	}
	if _, err = c.bw.Write(wire); err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		c.logIOError("write", err)
		return false
	}

	elapsed := time.Since(start)
	method, rawMethod, target := unparsedMethod, "", ""
	if req != nil {
		method, rawMethod, target = string(req.Method), req.RawMethod, req.Target
	}
	c.srv.metrics.RecordRequest(method, strconv.Itoa(int(resp.Status)))
	c.srv.metrics.ObserveRequestDuration(method, elapsed.Seconds())
	c.srv.log.Access(logger.AccessEntry{
		ConnID:     c.id,
		RemoteAddr: c.remoteAddr,
		Method:     rawMethod,
		Target:     target,
		Status:     int(resp.Status),
		RespBytes:  len(wire),
		Duration:   elapsed,
		KeepAlive:  resp.KeepAlive,
	})
	return true
}

// logIOError reports the error that ended a connection. Ordinary endings are
// logged at DEBUG.
func (c *conn) logIOError(op string, err error) {
	f := c.fields(logger.LogFields{"op": op, "error": err.Error()})
	switch {
	case errors.Is(err, io.EOF):
		c.srv.log.Debug("Peer closed connection", f)
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.srv.log.Debug("Idle timeout, closing connection", f)
	case errors.Is(err, net.ErrClosed), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		c.srv.log.Debug("Connection reset", f)
	default:
		c.srv.log.Warn("Connection I/O error", f)
	}
}

// close shuts the socket once. It is safe to call from any goroutine.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		_ = c.rwc.Close()
	})
}
