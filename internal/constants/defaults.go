// Package constants defines shared configuration constants and defaults.
package constants

import "time"

// Transport limits.
const (
	// DefaultQueueLimit caps the number of packets waiting for the send worker.
	// Packets beyond the limit are dropped and counted.
	DefaultQueueLimit = 1 << 16

	// DefaultWriteTimeout is the per-peer write deadline. Zero disables it, so a
	// stalled peer blocks the broadcast pass.
	DefaultWriteTimeout = 0 * time.Second
)

// Backoffs - Default retry values.
const (
	// DefaultAcceptBackoff is the pause after a failed accept.
	DefaultAcceptBackoff = 50 * time.Millisecond

	// DefaultDialAttempts is the number of connect attempts per setup.
	DefaultDialAttempts = 3

	// DefaultDialBackoff is the initial backoff between connect attempts.
	DefaultDialBackoff = 100 * time.Millisecond

	// DefaultDialMaxBackoff caps the connect backoff.
	DefaultDialMaxBackoff = 2 * time.Second
)

// Timeouts - Default timeout values.
const (
	// DefaultDialTimeout bounds a single connect attempt.
	DefaultDialTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds how long a collector waits for the handshake.
	DefaultHandshakeTimeout = 5 * time.Second
)

// Demo workload defaults.
const (
	DefaultDemoWorkers = 4

	DefaultDemoInterval = 250 * time.Millisecond

	DefaultDemoPayloadSize = 64 << 10
)
