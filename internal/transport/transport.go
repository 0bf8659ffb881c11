// Package transport streams profiling packets over TCP.
//
// A Transport is either a client that pushes packets to one remote
// collector, or a server that accepts any number of collectors and
// broadcasts every packet to all of them. The role is fixed by the first call
// to ConnectAsync or ListenAsync. Packets are queued by SendPacketAsync and
// written by a single background worker, so callers never block on the
// network.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/scopewire/internal/constants"
	scopeerrors "github.com/coral-mesh/scopewire/internal/errors"
	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/retry"
)

// Role is the side of the connection a Transport plays.
type Role int

const (
	RoleNone Role = iota
	RoleClient
	RoleServer
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "none"
	}
}

// State is the lifecycle position of a Transport.
type State int

const (
	// StateUnconfigured means no role has been chosen.
	StateUnconfigured State = iota
	// StateConfigured means a role and target are set but no socket is open.
	StateConfigured
	// StateRunning means the listener is bound (server) or the connection is
	// established (client).
	StateRunning
	// StateStopped means Close was called.
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrRoleAlreadySet is returned by ConnectAsync and ListenAsync once a
	// role has been chosen.
	ErrRoleAlreadySet = errors.New("transport: role already set")

	// ErrNotConfigured is returned by Start before a role is chosen.
	ErrNotConfigured = errors.New("transport: no role configured")

	// ErrClosed is returned by operations on a closed Transport.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidPort is returned for ports outside 0-65535.
	ErrInvalidPort = errors.New("transport: invalid port")
)

// Config configures a Transport.
type Config struct {
	// Logger receives transport events. Defaults to zerolog.Nop().
	Logger zerolog.Logger

	// Magic is sent in the handshake to every accepted connection.
	Magic protocol.Magic

	// Now returns the profiler time, in seconds, stamped on handshakes.
	// Defaults to a constant zero.
	Now func() float64

	// QueueLimit caps queued packets; zero means constants.DefaultQueueLimit
	// and a negative value means unlimited.
	QueueLimit int

	// WriteTimeout bounds each socket write. Zero means no deadline.
	WriteTimeout time.Duration

	// AcceptBackoff is the pause after a failed accept.
	AcceptBackoff time.Duration

	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration

	// Dial controls connect retries in the client role.
	Dial retry.Config
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		Logger:        zerolog.Nop(),
		Magic:         protocol.DefaultMagic,
		QueueLimit:    constants.DefaultQueueLimit,
		WriteTimeout:  constants.DefaultWriteTimeout,
		AcceptBackoff: constants.DefaultAcceptBackoff,
		DialTimeout:   constants.DefaultDialTimeout,
		Dial: retry.Config{
			MaxRetries:     constants.DefaultDialAttempts,
			InitialBackoff: constants.DefaultDialBackoff,
			MaxBackoff:     constants.DefaultDialMaxBackoff,
			Jitter:         0.1,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Magic == 0 {
		c.Magic = def.Magic
	}
	if c.Now == nil {
		c.Now = func() float64 { return 0 }
	}
	switch {
	case c.QueueLimit == 0:
		c.QueueLimit = def.QueueLimit
	case c.QueueLimit < 0:
		c.QueueLimit = 0
	}
	if c.AcceptBackoff <= 0 {
		c.AcceptBackoff = def.AcceptBackoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.Dial.MaxRetries <= 0 {
		c.Dial = def.Dial
	}
}

// Transport owns the sockets, the outbound queue and the background
// goroutines. The zero value is not usable; call New.
type Transport struct {
	id     uuid.UUID
	cfg    Config
	logger zerolog.Logger
	queue  *packetQueue

	// ctx is canceled by Close and stops the worker, dials and the accept
	// loop.
	ctx    context.Context
	cancel context.CancelFunc

	// lost counts dequeued packets that could not be written.
	lost atomic.Uint64

	// target is fixed by the first ConnectAsync or ListenAsync.
	target struct {
		sync.Mutex
		role    Role
		address string
		port    int
	}

	// lifecycle guards state transitions and the worker flag.
	lifecycle struct {
		sync.Mutex
		state         State
		workerRunning bool
		closed        bool
		// retryAt suppresses worker respawns after a failed setup.
		retryAt time.Time
	}

	// setupMu serializes socket setup between Start and the worker.
	setupMu sync.Mutex

	// net holds the primary socket: the listener or the client connection.
	net struct {
		sync.Mutex
		listener net.Listener
		conn     net.Conn
	}

	// peers is the broadcast set, held for a whole broadcast pass.
	peers struct {
		sync.Mutex
		list []*peer
	}

	// live mirrors the peer sockets under a separate lock for Close.
	live struct {
		sync.Mutex
		conns map[net.Conn]struct{}
	}

	acceptStop struct {
		sync.Mutex
		requested bool
	}

	workerWG sync.WaitGroup
	acceptWG sync.WaitGroup
}

// New creates an unconfigured Transport.
func New(cfg Config) *Transport {
	cfg.applyDefaults()
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:  id,
		cfg: cfg,
		logger: cfg.Logger.With().
			Str("component", "transport").
			Str("transport_id", id.String()).
			Logger(),
		queue:  newPacketQueue(cfg.QueueLimit),
		ctx:    ctx,
		cancel: cancel,
	}
	t.live.conns = make(map[net.Conn]struct{})
	return t
}

// ID returns the random identifier used in this transport's log lines.
func (t *Transport) ID() uuid.UUID {
	return t.id
}

// ConnectAsync records a remote collector and fixes the client role. The
// connection itself is made by Start or by the worker.
func (t *Transport) ConnectAsync(address string, port int) error {
	return t.configure(RoleClient, address, port)
}

// ListenAsync records the bind address and fixes the server role. The socket
// itself is bound by Start or by the worker.
func (t *Transport) ListenAsync(address string, port int) error {
	return t.configure(RoleServer, address, port)
}

func (t *Transport) configure(role Role, address string, port int) error {
	if port < 0 || port > 65535 || (role == RoleClient && port == 0) {
		t.logger.Error().Int("port", port).Str("role", role.String()).Msg("Invalid port")
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.lifecycle.closed {
		return ErrClosed
	}

	t.target.Lock()
	defer t.target.Unlock()
	if t.target.role != RoleNone {
		t.logger.Error().
			Str("role", t.target.role.String()).
			Str("requested_role", role.String()).
			Msg("Cannot change role: a connection type is already set")
		return fmt.Errorf("%w: %s", ErrRoleAlreadySet, t.target.role)
	}

	t.target.role = role
	t.target.address = address
	t.target.port = port
	t.lifecycle.state = StateConfigured

	t.logger.Debug().
		Str("role", role.String()).
		Str("address", address).
		Int("port", port).
		Msg("Transport configured")
	return nil
}

// Role returns the configured role.
func (t *Transport) Role() Role {
	t.target.Lock()
	defer t.target.Unlock()
	return t.target.role
}

func (t *Transport) targetAddr() (Role, string, int) {
	t.target.Lock()
	defer t.target.Unlock()
	return t.target.role, t.target.address, t.target.port
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	return t.lifecycle.state
}

func (t *Transport) setState(s State) {
	t.lifecycle.Lock()
	if !t.lifecycle.closed {
		t.lifecycle.state = s
	}
	t.lifecycle.Unlock()
}

// Start performs the connect-or-listen step synchronously and starts the
// send worker. On failure the error is logged and returned and the transport
// stays configured; a later SendPacketAsync retries the setup.
func (t *Transport) Start() error {
	t.lifecycle.Lock()
	closed := t.lifecycle.closed
	t.lifecycle.Unlock()
	if closed {
		return ErrClosed
	}
	if t.Role() == RoleNone {
		return ErrNotConfigured
	}

	if err := t.setup(); err != nil {
		t.deferRetry()
		return err
	}
	t.ensureWorker()
	return nil
}

// SendPacketAsync queues p for transmission. It never blocks on the network.
// If a role is configured and no worker is active, one is started. Packets
// are dropped only when the transport is closed or the queue is full.
func (t *Transport) SendPacketAsync(p *protocol.Packet) {
	if p == nil {
		return
	}
	if !t.queue.push(p) {
		t.logger.Trace().Str("kind", p.Kind.String()).Msg("Packet dropped")
		return
	}
	if t.Role() != RoleNone {
		t.ensureWorker()
	}
}

// ensureWorker starts the send worker unless it is running, the transport is
// closed, or a recent setup failure is cooling down.
func (t *Transport) ensureWorker() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.lifecycle.closed || t.lifecycle.workerRunning {
		return
	}
	if !t.lifecycle.retryAt.IsZero() && time.Now().Before(t.lifecycle.retryAt) {
		return
	}
	t.lifecycle.workerRunning = true
	t.workerWG.Add(1)
	t.logger.Debug().Int("pending", t.queue.len()).Msg("Starting send worker")
	go t.runWorker()
}

func (t *Transport) deferRetry() {
	t.lifecycle.Lock()
	t.lifecycle.retryAt = time.Now().Add(t.cfg.Dial.MaxBackoff + t.cfg.AcceptBackoff)
	t.lifecycle.Unlock()
}

// Addr returns the bound listener address (server) or the remote address
// (client), or nil when no socket is open.
func (t *Transport) Addr() net.Addr {
	t.net.Lock()
	defer t.net.Unlock()
	switch {
	case t.net.listener != nil:
		return t.net.listener.Addr()
	case t.net.conn != nil:
		return t.net.conn.RemoteAddr()
	}
	return nil
}

// Pending returns the number of queued packets.
func (t *Transport) Pending() int {
	return t.queue.len()
}

// Dropped returns the number of packets refused because the queue was full
// or closed.
func (t *Transport) Dropped() uint64 {
	return t.queue.droppedCount()
}

// Lost returns the number of dequeued packets that reached nobody: in the
// server role no peer was connected or every write failed, in the client
// role no connection was available.
func (t *Transport) Lost() uint64 {
	return t.lost.Load()
}

// Close stops the accept loop, disconnects all peers, cancels the worker and
// closes the primary socket. Queued packets that were not yet sent are
// discarded. Close is idempotent.
func (t *Transport) Close() error {
	t.lifecycle.Lock()
	if t.lifecycle.closed {
		t.lifecycle.Unlock()
		return nil
	}
	t.lifecycle.closed = true
	t.lifecycle.state = StateStopped
	t.lifecycle.Unlock()
	t.cancel()

	// Accept loop first, so no peer is added after the peer list is closed.
	t.requestAcceptStop()
	t.net.Lock()
	listener := t.net.listener
	t.net.listener = nil
	t.net.Unlock()
	var closeErr error
	if listener != nil {
		if err := listener.Close(); err != nil && !scopeerrors.IsClosed(err) {
			closeErr = fmt.Errorf("failed to close listener: %w", err)
		}
	}
	t.acceptWG.Wait()

	// Closing the sockets makes any in-flight write fail fast.
	t.closePeers()
	t.net.Lock()
	conn := t.net.conn
	t.net.conn = nil
	t.net.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !scopeerrors.IsClosed(err) && closeErr == nil {
			closeErr = fmt.Errorf("failed to close connection: %w", err)
		}
	}

	discarded := t.queue.close()
	t.workerWG.Wait()

	t.logger.Debug().
		Int("discarded", discarded).
		Uint64("dropped", t.queue.droppedCount()).
		Msg("Transport closed")
	return closeErr
}
