package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR on the socket before bind so a restarted
// server can reclaim a port whose previous connections are still in TIME_WAIT.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("raw control on %s %s: %w", network, address, err)
	}
	if sockErr != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR on %s %s: %w", network, address, sockErr)
	}
	return nil
}

// CreateListener creates a TCP listener on address with SO_REUSEADDR set.
// The accept backlog is left to the kernel (net.core.somaxconn).
func CreateListener(ctx context.Context, network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return ln, nil
}

// LimitListener caps the number of simultaneously open accepted connections.
// n <= 0 returns l unchanged.
func LimitListener(l net.Listener, n int) net.Listener {
	if n <= 0 {
		return l
	}
	return netutil.LimitListener(l, n)
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// IsTemporary reports whether an Accept error is worth retrying.
func IsTemporary(err error) bool {
	var ne interface{ Temporary() bool }
	if errors.As(err, &ne) {
		return ne.Temporary()
	}
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ECONNABORTED)
}
