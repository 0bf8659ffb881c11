// Package errors provides utilities for error handling in scopewire.
package errors

import (
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
// Closing an already-closed network connection is not reported.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil && !IsClosed(err) {
		logger.Warn().Err(err).Msg(msg)
	}
}

// IsClosed reports whether err comes from using a closed network connection
// or listener.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
