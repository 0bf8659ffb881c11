// Package collector is the receiving side of the scopewire protocol. It
// connects to a profiler, checks the handshake and streams decoded packets.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/scopewire/internal/constants"
	scopeerrors "github.com/coral-mesh/scopewire/internal/errors"
	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/retry"
)

// ErrBadHandshake is returned when the first packet is not a handshake or
// carries an unexpected magic.
var ErrBadHandshake = errors.New("collector: bad handshake")

// Options configures Dial and Accept.
type Options struct {
	// Magic is the expected handshake identifier. Zero means
	// protocol.DefaultMagic.
	Magic protocol.Magic

	Logger zerolog.Logger

	// DialTimeout bounds each connect attempt.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the wait for the handshake packet.
	HandshakeTimeout time.Duration

	// Retry controls connect attempts. The zero value tries once.
	Retry retry.Config
}

func (o *Options) applyDefaults() {
	if o.Magic == 0 {
		o.Magic = protocol.DefaultMagic
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = constants.DefaultDialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
}

// Collector is a connection to one profiler.
type Collector struct {
	conn      net.Conn
	reader    *protocol.Reader
	logger    zerolog.Logger
	handshake protocol.Packet

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the profiler at address (host:port) and validates the
// handshake.
func Dial(ctx context.Context, address string, opts Options) (*Collector, error) {
	opts.applyDefaults()
	logger := opts.Logger.With().
		Str("component", "collector").
		Str("address", address).
		Logger()

	var conn net.Conn
	err := retry.Do(ctx, opts.Retry, func(attempt int) error {
		dialer := net.Dialer{Timeout: opts.DialTimeout}
		c, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Connect attempt failed")
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	c := &Collector{
		conn:   conn,
		reader: protocol.NewReader(conn),
		logger: logger,
	}
	if err := c.readHandshake(opts.Magic, opts.HandshakeTimeout); err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.Info().
		Float64("profiler_time", c.handshake.Time).
		Msg("Connected to profiler")
	return c, nil
}

// Accept waits on ln for one client-mode profiler to connect. Client-mode
// profilers send no handshake, so packets are streamed from the first byte.
// Closing ln or cancelling ctx aborts the wait.
func Accept(ctx context.Context, ln net.Listener, opts Options) (*Collector, error) {
	opts.applyDefaults()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to accept profiler: %w", err)
	}

	logger := opts.Logger.With().
		Str("component", "collector").
		Str("address", conn.RemoteAddr().String()).
		Logger()
	logger.Info().Msg("Profiler connected")

	return &Collector{
		conn:   conn,
		reader: protocol.NewReader(conn),
		logger: logger,
	}, nil
}

func (c *Collector) readHandshake(magic protocol.Magic, timeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}

	p, err := c.reader.ReadPacket()
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			return fmt.Errorf("%w: %w", ErrBadHandshake, err)
		}
		return fmt.Errorf("failed to read handshake: %w", err)
	}
	if p.Kind != protocol.KindHandshake {
		return fmt.Errorf("%w: first packet is %s", ErrBadHandshake, p.Kind)
	}
	if p.Magic != magic {
		return fmt.Errorf("%w: magic %q, want %q", ErrBadHandshake, p.Magic, magic)
	}

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	c.handshake = p
	return nil
}

// Handshake returns the validated handshake packet. It is the zero Packet
// for collectors returned by Accept.
func (c *Collector) Handshake() protocol.Packet {
	return c.handshake
}

// RemoteAddr returns the profiler address.
func (c *Collector) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Run decodes packets and passes each to fn until the profiler closes the
// stream, fn returns an error, or ctx is done. A clean end of stream returns
// nil. A corrupt stream (protocol.ErrUnknownKind) closes the connection and
// returns the error. The connection is closed when Run returns.
func (c *Collector) Run(ctx context.Context, fn func(protocol.Packet) error) error {
	defer scopeerrors.DeferClose(c.logger, c, "Failed to close collector")

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	for {
		p, err := c.reader.ReadPacket()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info().Msg("Profiler closed the stream")
				return nil
			case errors.Is(err, protocol.ErrUnknownKind):
				c.logger.Error().Err(err).Msg("Corrupt stream, disconnecting")
				return err
			default:
				return fmt.Errorf("failed to read packet: %w", err)
			}
		}

		if err := fn(p); err != nil {
			return err
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Collector) Close() error {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !scopeerrors.IsClosed(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
