package testutil

import (
	"net"
	"testing"
	"time"
)

// ReadTimeout bounds every read made through a connection from DialLoopback.
const ReadTimeout = 10 * time.Second

// FreePort returns a loopback TCP port that nothing is listening on.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		t.Fatalf("failed to release port: %v", err)
	}
	return port
}

// DialLoopback connects to addr with a read deadline of ReadTimeout. The
// connection is closed when the test ends.
func DialLoopback(t testing.TB, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	return conn
}
