package tactile

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// LoopbackHost is where marimo servers are bound.
const LoopbackHost = "127.0.0.1"

// PickFreePort returns preferred when it can be bound on the loopback
// interface, otherwise a port chosen by the kernel. A preferred value of
// zero always asks the kernel.
func PickFreePort(preferred int) (int, error) {
	if preferred > 0 {
		if l, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, strconv.Itoa(preferred))); err == nil {
			l.Close()
			return preferred, nil
		}
	}
	l, err := net.Listen("tcp", net.JoinHostPort(LoopbackHost, "0"))
	if err != nil {
		return 0, fmt.Errorf("pick free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WaitForPort polls until something accepts TCP connections on the
// loopback port or the timeout elapses.
func WaitForPort(ctx context.Context, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(LoopbackHost, strconv.Itoa(port))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d not ready after %s: %w", port, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// URL returns the http URL of a loopback port with a trailing slash.
func URL(port int) string {
	return "http://" + net.JoinHostPort(LoopbackHost, strconv.Itoa(port)) + "/"
}
