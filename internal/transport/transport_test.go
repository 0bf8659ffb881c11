package transport

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/retry"
	"github.com/coral-mesh/scopewire/internal/testutil"
)

func newTestTransport(t *testing.T, mutate func(*Config)) *Transport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = testutil.NewTestLoggerWithOutput(t).Level(zerolog.InfoLevel)
	cfg.Dial = retry.Config{MaxRetries: 1}
	if mutate != nil {
		mutate(&cfg)
	}
	tr := New(cfg)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func startServer(t *testing.T, tr *Transport) string {
	t.Helper()
	require.NoError(t, tr.ListenAsync("127.0.0.1", 0))
	require.NoError(t, tr.Start())
	require.NotNil(t, tr.Addr())
	return tr.Addr().String()
}

func dialCollector(t *testing.T, addr string) (net.Conn, *protocol.Reader) {
	t.Helper()
	conn := testutil.DialLoopback(t, addr)
	return conn, protocol.NewReader(conn)
}

func TestRole_Conflict(t *testing.T) {
	tr := newTestTransport(t, nil)
	assert.Equal(t, RoleNone, tr.Role())
	assert.Equal(t, StateUnconfigured, tr.State())

	require.NoError(t, tr.ConnectAsync("127.0.0.1", 5300))
	assert.Equal(t, RoleClient, tr.Role())
	assert.Equal(t, StateConfigured, tr.State())

	err := tr.ListenAsync("127.0.0.1", 5300)
	assert.ErrorIs(t, err, ErrRoleAlreadySet)
	err = tr.ConnectAsync("10.0.0.1", 9000)
	assert.ErrorIs(t, err, ErrRoleAlreadySet)

	role, address, port := tr.targetAddr()
	assert.Equal(t, RoleClient, role)
	assert.Equal(t, "127.0.0.1", address)
	assert.Equal(t, 5300, port)
}

func TestConfigure_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		call func(*Transport) error
	}{
		{"negative listen", func(tr *Transport) error { return tr.ListenAsync("127.0.0.1", -1) }},
		{"too large listen", func(tr *Transport) error { return tr.ListenAsync("127.0.0.1", 70000) }},
		{"zero connect", func(tr *Transport) error { return tr.ConnectAsync("127.0.0.1", 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(t, nil)
			assert.ErrorIs(t, tt.call(tr), ErrInvalidPort)
			assert.Equal(t, RoleNone, tr.Role())
		})
	}
}

func TestStart_NotConfigured(t *testing.T) {
	tr := newTestTransport(t, nil)
	assert.ErrorIs(t, tr.Start(), ErrNotConfigured)
}

func TestServer_HandshakeFirst(t *testing.T) {
	magic := protocol.MagicFromString("testmagi")
	tr := newTestTransport(t, func(cfg *Config) {
		cfg.Magic = magic
		cfg.Now = func() float64 { return 1.5 }
	})
	addr := startServer(t, tr)
	assert.Equal(t, StateRunning, tr.State())

	_, r := dialCollector(t, addr)

	hs, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindHandshake, hs.Kind)
	assert.Equal(t, magic, hs.Magic)
	assert.Equal(t, 1.5, hs.Time)

	require.Eventually(t, func() bool { return tr.PeerCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	tr.SendPacketAsync(protocol.NewScopeEnter(2, "frame"))
	tr.SendPacketAsync(protocol.NewScopeExit(3, "frame", 1))

	enter, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, *protocol.NewScopeEnter(2, "frame"), enter)

	exit, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, *protocol.NewScopeExit(3, "frame", 1), exit)
}

func TestServer_BroadcastToAllPeers(t *testing.T) {
	tr := newTestTransport(t, nil)
	addr := startServer(t, tr)

	const collectors = 3
	readers := make([]*protocol.Reader, collectors)
	for i := range readers {
		_, readers[i] = dialCollector(t, addr)
		hs, err := readers[i].ReadPacket()
		require.NoError(t, err)
		require.Equal(t, protocol.KindHandshake, hs.Kind)
	}
	require.Eventually(t, func() bool { return tr.PeerCount() == collectors }, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		tr.SendPacketAsync(protocol.NewScopeEnter(float64(i), "tick"))
	}

	for i, r := range readers {
		for seq := 0; seq < 10; seq++ {
			p, err := r.ReadPacket()
			require.NoError(t, err, "collector %d", i)
			assert.Equal(t, float64(seq), p.Time, "collector %d", i)
		}
	}
}

func TestServer_DisconnectedPeerIsPruned(t *testing.T) {
	tr := newTestTransport(t, nil)
	addr := startServer(t, tr)

	conn, r := dialCollector(t, addr)
	_, err := r.ReadPacket()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.PeerCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())

	// The kernel may accept a few writes after the remote closes; keep
	// sending until the failed write is noticed.
	require.Eventually(t, func() bool {
		tr.SendPacketAsync(protocol.NewGeneric(0))
		return tr.PeerCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// fakeConn records writes and can be made to fail them.
type fakeConn struct {
	net.Conn

	mu     sync.Mutex
	fail   bool
	writes [][]byte
	closed bool
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return 0, errors.New("broken pipe")
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) state() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes), c.closed
}

func TestBroadcast_FailedPeerRemovedAfterPass(t *testing.T) {
	tr := newTestTransport(t, nil)

	first := &fakeConn{}
	broken := &fakeConn{fail: true}
	last := &fakeConn{}
	for i, c := range []*fakeConn{first, broken, last} {
		require.True(t, tr.addPeer(&peer{conn: c, remote: "peer-" + strconv.Itoa(i), connectedAt: time.Now()}))
	}

	data := protocol.NewScopeEnter(0, "x").Marshal()
	tr.broadcast(data)

	firstWrites, firstClosed := first.state()
	lastWrites, lastClosed := last.state()
	_, brokenClosed := broken.state()

	assert.Equal(t, 1, firstWrites)
	assert.Equal(t, 1, lastWrites, "peers after a failed one still receive the packet")
	assert.False(t, firstClosed)
	assert.False(t, lastClosed)
	assert.True(t, brokenClosed)
	assert.Equal(t, 2, tr.PeerCount())

	tr.broadcast(data)
	firstWrites, _ = first.state()
	lastWrites, _ = last.state()
	assert.Equal(t, 2, firstWrites)
	assert.Equal(t, 2, lastWrites)
	assert.Zero(t, tr.Lost(), "a packet delivered to some peers is not lost")
}

func TestBroadcast_LostWhenNobodyReceives(t *testing.T) {
	tr := newTestTransport(t, nil)
	data := protocol.NewScopeEnter(0, "x").Marshal()

	tr.broadcast(data)
	assert.Equal(t, uint64(1), tr.Lost(), "no peers")

	require.True(t, tr.addPeer(&peer{conn: &fakeConn{fail: true}, remote: "broken", connectedAt: time.Now()}))
	tr.broadcast(data)
	assert.Equal(t, uint64(2), tr.Lost(), "every write failed")
	assert.Zero(t, tr.PeerCount())
}

func TestServer_LostWithoutCollectors(t *testing.T) {
	tr := newTestTransport(t, nil)
	startServer(t, tr)

	for i := 0; i < 3; i++ {
		tr.SendPacketAsync(protocol.NewScopeEnter(float64(i), "tick"))
	}
	require.Eventually(t, func() bool { return tr.Lost() == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.Pending())
	assert.Zero(t, tr.Dropped())
}

func TestClient_SendsInOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	tr := newTestTransport(t, nil)
	require.NoError(t, tr.ConnectAsync("127.0.0.1", port))

	// Packets queued before the connection exists are kept.
	tr.SendPacketAsync(protocol.NewScopeEnter(1, "early"))

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	tr.SendPacketAsync(protocol.NewScopeExit(2, "early", 1))

	r := protocol.NewReader(conn)
	p, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindScopeEnter, p.Kind)
	assert.Equal(t, "early", p.Name)

	p, err = r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindScopeExit, p.Kind)
	assert.Equal(t, 1.0, p.Elapsed)

	assert.Equal(t, StateRunning, tr.State())
	assert.Equal(t, RoleClient, tr.Role())
}

func TestClient_DialFailure(t *testing.T) {
	tr := newTestTransport(t, nil)
	require.NoError(t, tr.ConnectAsync("127.0.0.1", testutil.FreePort(t)))

	err := tr.Start()
	require.Error(t, err)
	assert.Equal(t, StateConfigured, tr.State())
}

func TestServer_ListenFailure(t *testing.T) {
	tr := newTestTransport(t, nil)
	// 203.0.113.0/24 is reserved for documentation and not assigned locally.
	require.NoError(t, tr.ListenAsync("203.0.113.1", 0))

	err := tr.Start()
	require.Error(t, err)
	assert.Equal(t, StateConfigured, tr.State())
	assert.Nil(t, tr.Addr())
}

func TestClose_Bounded(t *testing.T) {
	tr := newTestTransport(t, nil)
	addr := startServer(t, tr)

	// A collector that never reads lets the socket buffers fill up.
	_, r := dialCollector(t, addr)
	_, err := r.ReadPacket()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.PeerCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < 50000; i++ {
		tr.SendPacketAsync(protocol.NewScopeExit(float64(i), "stall", 0))
	}

	done := make(chan error, 1)
	go func() { done <- tr.Close() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, StateStopped, tr.State())
	assert.Zero(t, tr.PeerCount())
	assert.Zero(t, tr.Pending())
	assert.NoError(t, tr.Close(), "Close is idempotent")
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	tr := newTestTransport(t, nil)
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.ListenAsync("127.0.0.1", 0), ErrClosed)
	assert.ErrorIs(t, tr.Start(), ErrClosed)

	tr.SendPacketAsync(protocol.NewGeneric(0))
	assert.Equal(t, uint64(1), tr.Dropped())
}

func TestQueueLimit(t *testing.T) {
	tr := newTestTransport(t, func(cfg *Config) { cfg.QueueLimit = 3 })

	// No role: packets queue up without a worker.
	for i := 0; i < 5; i++ {
		tr.SendPacketAsync(protocol.NewGeneric(float64(i)))
	}
	assert.Equal(t, 3, tr.Pending())
	assert.Equal(t, uint64(2), tr.Dropped())
}

func TestRoleAndState_String(t *testing.T) {
	assert.Equal(t, "none", RoleNone.String())
	assert.Equal(t, "client", RoleClient.String())
	assert.Equal(t, "server", RoleServer.String())

	assert.Equal(t, "unconfigured", StateUnconfigured.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestResolveHost(t *testing.T) {
	host, err := resolveHost(t.Context(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	host, err = resolveHost(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, host)

	host, err = resolveHost(t.Context(), "localhost")
	require.NoError(t, err)
	assert.NotNil(t, net.ParseIP(host))
}
