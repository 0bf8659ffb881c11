package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/retry"
)

// runWorker drains the queue until the transport closes. Setup runs first if
// Start has not already done it; if setup fails the worker exits and the
// queue is kept for the next attempt.
func (t *Transport) runWorker() {
	defer t.workerWG.Done()
	defer func() {
		t.lifecycle.Lock()
		t.lifecycle.workerRunning = false
		t.lifecycle.Unlock()
	}()

	if err := t.setup(); err != nil {
		if t.ctx.Err() == nil {
			t.logger.Warn().Err(err).Int("pending", t.queue.len()).Msg("Transport setup failed, worker exiting")
			t.deferRetry()
		}
		return
	}

	role := t.Role()
	var buf [protocol.MaxPacketSize]byte
	for {
		p, ok := t.queue.pop(t.ctx.Done())
		if !ok {
			return
		}

		n, err := p.MarshalTo(buf[:])
		if err != nil {
			t.logger.Error().Err(err).Str("kind", p.Kind.String()).Msg("Failed to encode packet")
			continue
		}

		switch role {
		case RoleServer:
			t.broadcast(buf[:n])
		case RoleClient:
			t.sendToServer(buf[:n])
		}
	}
}

// setup opens the primary socket for the configured role. It is a no-op once
// the transport is running.
func (t *Transport) setup() error {
	t.setupMu.Lock()
	defer t.setupMu.Unlock()

	switch t.State() {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrClosed
	}

	role, address, port := t.targetAddr()
	switch role {
	case RoleServer:
		return t.listen(address, port)
	case RoleClient:
		conn, err := t.dial(address, port)
		if err != nil {
			return err
		}
		return t.attachConn(conn)
	default:
		return ErrNotConfigured
	}
}

// attachConn installs conn as the client connection unless the transport has
// been closed in the meantime.
func (t *Transport) attachConn(conn net.Conn) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.lifecycle.closed {
		_ = conn.Close()
		return ErrClosed
	}

	t.net.Lock()
	t.net.conn = conn
	t.net.Unlock()

	t.lifecycle.state = StateRunning
	t.lifecycle.retryAt = time.Time{}
	t.logger.Info().
		Str("remote_addr", conn.RemoteAddr().String()).
		Msg("Connected to collector")
	return nil
}

// dial connects to the collector, retrying with backoff.
func (t *Transport) dial(address string, port int) (net.Conn, error) {
	var conn net.Conn
	err := retry.Do(t.ctx, t.cfg.Dial, func(attempt int) error {
		host, err := resolveHost(t.ctx, address)
		if err != nil {
			return retry.Permanent(err)
		}
		target := net.JoinHostPort(host, strconv.Itoa(port))

		dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
		c, err := dialer.DialContext(t.ctx, "tcp", target)
		if err != nil {
			t.logger.Debug().
				Err(err).
				Int("attempt", attempt+1).
				Str("address", target).
				Msg("Connect attempt failed")
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", address, port, err)
	}
	return conn, nil
}

// sendToServer writes one encoded packet to the collector. A failed write
// drops the connection; the next packet triggers a reconnect once the dial
// backoff has passed. Packets arriving with no connection are counted as lost.
func (t *Transport) sendToServer(data []byte) {
	t.net.Lock()
	conn := t.net.conn
	t.net.Unlock()

	if conn == nil {
		if !t.reconnect() {
			t.lost.Add(1)
			return
		}
		t.net.Lock()
		conn = t.net.conn
		t.net.Unlock()
	}

	if err := writeFull(conn, data, t.cfg.WriteTimeout); err != nil {
		t.lost.Add(1)
		t.logger.Warn().Err(err).Msg("Lost connection to collector")
		t.dropConn(conn)
	}
}

// reconnect tries one dial cycle if the cooldown since the last failure has
// passed.
func (t *Transport) reconnect() bool {
	t.lifecycle.Lock()
	wait := !t.lifecycle.retryAt.IsZero() && time.Now().Before(t.lifecycle.retryAt)
	t.lifecycle.Unlock()
	if wait || t.ctx.Err() != nil {
		return false
	}

	if err := t.setup(); err != nil {
		if t.ctx.Err() == nil {
			t.logger.Debug().Err(err).Msg("Reconnect failed")
			t.lifecycle.Lock()
			t.lifecycle.retryAt = time.Now().Add(t.cfg.Dial.InitialBackoff)
			t.lifecycle.Unlock()
		}
		return false
	}
	return true
}

func (t *Transport) dropConn(conn net.Conn) {
	t.net.Lock()
	if t.net.conn == conn {
		t.net.conn = nil
	}
	t.net.Unlock()
	_ = conn.Close()

	t.lifecycle.Lock()
	if !t.lifecycle.closed {
		t.lifecycle.state = StateConfigured
	}
	t.lifecycle.retryAt = time.Now().Add(t.cfg.Dial.InitialBackoff)
	t.lifecycle.Unlock()
}

// writeFull writes all of data, applying timeout as a deadline when set.
func writeFull(conn net.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// resolveHost turns a host name into an address, preferring IPv4. Literal IPs
// and the empty host are returned unchanged.
func resolveHost(ctx context.Context, host string) (string, error) {
	if host == "" || net.ParseIP(host) != nil {
		return host, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("failed to resolve %q: no addresses", host)
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}
