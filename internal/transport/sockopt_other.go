//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is unavailable.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
