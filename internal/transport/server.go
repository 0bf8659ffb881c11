package transport

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/coral-mesh/scopewire/internal/constants"
	scopeerrors "github.com/coral-mesh/scopewire/internal/errors"
	"github.com/coral-mesh/scopewire/internal/protocol"
)

// peer is one accepted collector connection.
type peer struct {
	conn        net.Conn
	remote      string
	connectedAt time.Time
}

// listen binds the server socket and starts the accept loop.
func (t *Transport) listen(address string, port int) error {
	host, err := resolveHost(t.ctx, address)
	if err != nil {
		return err
	}
	bind := net.JoinHostPort(host, strconv.Itoa(port))

	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(t.ctx, "tcp", bind)
	if err != nil {
		t.logger.Error().Err(err).Str("address", bind).Msg("Failed to listen")
		return fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	t.lifecycle.Lock()
	if t.lifecycle.closed {
		t.lifecycle.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	t.net.Lock()
	t.net.listener = ln
	t.net.Unlock()
	t.lifecycle.state = StateRunning
	t.lifecycle.retryAt = time.Time{}
	t.acceptWG.Add(1)
	t.lifecycle.Unlock()

	t.logger.Info().Str("address", ln.Addr().String()).Msg("Listening for collectors")
	go t.acceptLoop(ln)
	return nil
}

func (t *Transport) requestAcceptStop() {
	t.acceptStop.Lock()
	t.acceptStop.requested = true
	t.acceptStop.Unlock()
}

func (t *Transport) acceptStopRequested() bool {
	t.acceptStop.Lock()
	defer t.acceptStop.Unlock()
	return t.acceptStop.requested
}

// acceptLoop accepts collectors until stopped. Each new connection receives
// the handshake before it joins the broadcast set.
func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.acceptWG.Done()

	for !t.acceptStopRequested() {
		conn, err := ln.Accept()
		if err != nil {
			if t.acceptStopRequested() || scopeerrors.IsClosed(err) {
				return
			}
			t.logger.Warn().Err(err).Msg("Accept failed")
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(t.cfg.AcceptBackoff):
			}
			continue
		}
		t.admit(conn)
	}
}

// admit sends the handshake to conn and adds it to the peer set. A connection
// whose handshake cannot be written is closed and discarded.
func (t *Transport) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := t.logger.With().Str("remote_addr", remote).Logger()

	hs := protocol.NewHandshake(t.cfg.Now(), t.cfg.Magic)
	timeout := t.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = constants.DefaultHandshakeTimeout
	}
	if err := writeFull(conn, hs.Marshal(), timeout); err != nil {
		logger.Warn().Err(err).Msg("Failed to send handshake, dropping connection")
		scopeerrors.DeferClose(logger, conn, "Failed to close connection")
		return
	}
	if t.cfg.WriteTimeout <= 0 {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	p := &peer{conn: conn, remote: remote, connectedAt: time.Now()}
	if !t.addPeer(p) {
		scopeerrors.DeferClose(logger, conn, "Failed to close connection")
		return
	}
	logger.Info().Int("peers", t.PeerCount()).Msg("Collector connected")
}

// addPeer appends p unless the transport is shutting down.
func (t *Transport) addPeer(p *peer) bool {
	t.lifecycle.Lock()
	closed := t.lifecycle.closed
	t.lifecycle.Unlock()
	if closed {
		return false
	}

	t.live.Lock()
	t.live.conns[p.conn] = struct{}{}
	t.live.Unlock()

	t.peers.Lock()
	t.peers.list = append(t.peers.list, p)
	t.peers.Unlock()
	return true
}

// PeerCount returns the number of connected collectors.
func (t *Transport) PeerCount() int {
	t.peers.Lock()
	defer t.peers.Unlock()
	return len(t.peers.list)
}

// broadcast writes data to every peer. Peers whose write fails are removed
// after the pass and then closed; the pass itself never skips a peer. A
// packet that reaches no peer counts as lost.
func (t *Transport) broadcast(data []byte) {
	var failed []*peer

	t.peers.Lock()
	for _, p := range t.peers.list {
		if err := writeFull(p.conn, data, t.cfg.WriteTimeout); err != nil {
			t.logger.Debug().Err(err).Str("remote_addr", p.remote).Msg("Write to collector failed")
			failed = append(failed, p)
		}
	}
	if len(failed) == len(t.peers.list) {
		t.lost.Add(1)
	}
	if len(failed) > 0 {
		kept := t.peers.list[:0]
		for _, p := range t.peers.list {
			if !slices.Contains(failed, p) {
				kept = append(kept, p)
			}
		}
		clear(t.peers.list[len(kept):])
		t.peers.list = kept
	}
	remaining := len(t.peers.list)
	t.peers.Unlock()

	for _, p := range failed {
		t.live.Lock()
		delete(t.live.conns, p.conn)
		t.live.Unlock()
		scopeerrors.DeferClose(t.logger, p.conn, "Failed to close collector connection")
		t.logger.Info().
			Str("remote_addr", p.remote).
			Dur("connected_for", time.Since(p.connectedAt)).
			Int("peers", remaining).
			Msg("Collector disconnected")
	}
}

// closePeers disconnects every collector. The sockets are closed before the
// peer lock is taken so that a broadcast blocked on a slow reader returns.
func (t *Transport) closePeers() {
	t.live.Lock()
	for conn := range t.live.conns {
		scopeerrors.DeferClose(t.logger, conn, "Failed to close collector connection")
	}
	clear(t.live.conns)
	t.live.Unlock()

	t.peers.Lock()
	t.peers.list = nil
	t.peers.Unlock()
}
