// Package profiler streams named scope timings to remote collectors.
//
// A process creates one Profiler with Initialize and wraps units of work in
// scopes. Every scope start and end is sent as a small binary packet over
// TCP, either to every collector connected to this process (server mode, the
// default) or to a single remote collector (client mode).
//
// Basic usage:
//
//	p, err := profiler.Initialize(profiler.Config{Port: 5300})
//	if err != nil {
//	    log.Printf("profiler: %v", err) // p is still usable
//	}
//	defer p.Destroy()
//
//	func load() {
//	    defer p.Scope("load").End()
//	    ...
//	}
//
// Code that cannot pass the Profiler around can install it as the process
// default with Init and use the package-level StartScope, EndScope and Scope.
//
// Profiling never fails the host program. Transport problems are logged and
// the affected packets are dropped; every method is safe on a nil *Profiler.
package profiler

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/scopewire/internal/constants"
	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/retry"
	"github.com/coral-mesh/scopewire/internal/timing"
	"github.com/coral-mesh/scopewire/internal/transport"
)

// Mode selects how the profiler reaches collectors.
type Mode string

const (
	// ModeServer listens and broadcasts to every connected collector.
	ModeServer Mode = "server"
	// ModeClient connects to one remote collector.
	ModeClient Mode = "client"
)

// Handle identifies an open scope. The zero Handle is never issued.
type Handle uint64

// AnyPort asks the server to bind an ephemeral port; see Profiler.Addr.
const AnyPort = -1

// ErrInvalidConfig is returned by Initialize for unusable settings.
var ErrInvalidConfig = errors.New("profiler: invalid config")

// TransportOptions tunes the network side.
type TransportOptions struct {
	// QueueLimit caps packets waiting to be sent. Zero uses the default and
	// a negative value removes the cap.
	QueueLimit int

	// WriteTimeout bounds each socket write. Zero means no deadline.
	WriteTimeout time.Duration

	// AcceptBackoff is the pause after a failed accept (server mode).
	AcceptBackoff time.Duration

	// DialAttempts and DialBackoff control connect retries (client mode).
	DialAttempts int
	DialBackoff  time.Duration
}

// Config configures a Profiler.
type Config struct {
	// Mode defaults to ModeServer.
	Mode Mode

	// Address is the bind address (server) or collector host (client).
	// Defaults to 127.0.0.1.
	Address string

	// Port defaults to 5300. AnyPort in server mode binds an ephemeral port.
	Port int

	// Magic is the handshake identifier, at most 8 bytes. Defaults to
	// "Schwifty".
	Magic string

	// Logger receives profiler and transport events.
	Logger zerolog.Logger

	// Clock is the time source. Defaults to the system clock.
	Clock timing.Clock

	Transport TransportOptions
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeServer
	}
	if c.Address == "" {
		c.Address = constants.DefaultAddress
	}
	if c.Port == 0 {
		c.Port = constants.DefaultPort
	}
	if c.Magic == "" {
		c.Magic = constants.DefaultMagic
	}
	if c.Clock == nil {
		c.Clock = timing.SystemClock{}
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeServer, ModeClient:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.Port == AnyPort && c.Mode == ModeClient {
		return fmt.Errorf("%w: client mode needs an explicit port", ErrInvalidConfig)
	}
	if c.Port < AnyPort || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if len(c.Magic) > 8 {
		return fmt.Errorf("%w: magic %q longer than 8 bytes", ErrInvalidConfig, c.Magic)
	}
	return nil
}

// scopeRecord is the state of one open scope. The exit packet is built with
// the enter packet and completed by EndScope.
type scopeRecord struct {
	watch timing.Stopwatch
	exit  *protocol.Packet
}

// Profiler is the process-wide profiling context.
type Profiler struct {
	logger    zerolog.Logger
	clock     timing.Clock
	start     timing.Stopwatch
	mode      Mode
	transport *transport.Transport

	next atomic.Uint64

	mu        sync.Mutex
	records   map[Handle]*scopeRecord
	destroyed bool

	destroyOnce sync.Once
}

// Initialize creates a Profiler and starts its transport.
//
// If the configuration is invalid Initialize returns a nil Profiler. If only
// the network setup fails (port in use, collector unreachable) it returns a
// usable Profiler together with the error: scopes still work and the
// transport retries when packets are sent.
func Initialize(cfg Config) (*Profiler, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "profiler").Logger()
	p := &Profiler{
		logger:  logger,
		clock:   cfg.Clock,
		start:   timing.StartWith(cfg.Clock),
		mode:    cfg.Mode,
		records: make(map[Handle]*scopeRecord),
	}

	tcfg := transport.DefaultConfig()
	tcfg.Logger = cfg.Logger
	tcfg.Magic = protocol.MagicFromString(cfg.Magic)
	tcfg.Now = p.start.Seconds
	if opts := cfg.Transport; opts != (TransportOptions{}) {
		tcfg.QueueLimit = opts.QueueLimit
		tcfg.WriteTimeout = opts.WriteTimeout
		tcfg.AcceptBackoff = opts.AcceptBackoff
		if opts.DialAttempts > 0 {
			tcfg.Dial = retry.Config{
				MaxRetries:     opts.DialAttempts,
				InitialBackoff: opts.DialBackoff,
				MaxBackoff:     constants.DefaultDialMaxBackoff,
				Jitter:         0.1,
			}
		}
	}
	p.transport = transport.New(tcfg)

	var err error
	switch cfg.Mode {
	case ModeServer:
		port := cfg.Port
		if port == AnyPort {
			port = 0
		}
		err = p.transport.ListenAsync(cfg.Address, port)
	case ModeClient:
		err = p.transport.ConnectAsync(cfg.Address, cfg.Port)
	}
	if err == nil {
		err = p.transport.Start()
	}
	if err != nil {
		logger.Warn().
			Err(err).
			Str("mode", string(cfg.Mode)).
			Str("address", cfg.Address).
			Int("port", cfg.Port).
			Msg("Profiler transport did not start, packets will be retried")
		return p, fmt.Errorf("failed to start %s transport: %w", cfg.Mode, err)
	}

	ev := logger.Info().Str("mode", string(cfg.Mode))
	if addr := p.transport.Addr(); addr != nil {
		ev = ev.Str("address", addr.String())
	}
	ev.Msg("Profiler initialized")

	return p, nil
}

// StartScope opens a scope and sends its enter packet. Names longer than 255
// bytes are truncated. The returned Handle must be passed to EndScope.
func (p *Profiler) StartScope(name string) Handle {
	if p == nil {
		return 0
	}

	if short, cut := protocol.TruncateName(name); cut {
		p.logger.Warn().
			Int("length", len(name)).
			Str("scope", short).
			Msg("Scope name truncated")
	}

	enter := protocol.NewScopeEnter(p.start.Seconds(), name)
	rec := &scopeRecord{
		watch: timing.StartWith(p.clock),
		exit:  protocol.NewScopeExit(0, name, 0),
	}

	h := Handle(p.next.Add(1))
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return 0
	}
	p.records[h] = rec
	p.mu.Unlock()

	p.transport.SendPacketAsync(enter)
	return h
}

// EndScope closes the scope identified by h and sends its exit packet with
// the elapsed time. Ending an unknown or already ended handle does nothing
// beyond a warning (or a panic in scopewire_debug builds).
func (p *Profiler) EndScope(h Handle) {
	if p == nil || h == 0 {
		return
	}

	p.mu.Lock()
	rec, ok := p.records[h]
	if ok {
		delete(p.records, h)
	}
	destroyed := p.destroyed
	p.mu.Unlock()

	if !ok {
		if destroyed {
			return
		}
		if debugAssertions {
			panic(fmt.Sprintf("profiler: EndScope called with unknown handle %d", h))
		}
		p.logger.Warn().Uint64("handle", uint64(h)).Msg("EndScope called with unknown handle")
		return
	}

	rec.exit.Elapsed = rec.watch.Seconds()
	rec.exit.Time = p.start.Seconds()
	p.transport.SendPacketAsync(rec.exit)
}

// Scope opens a scope and returns a Guard that ends it.
//
//	defer p.Scope("decode").End()
func (p *Profiler) Scope(name string) *Guard {
	if p == nil {
		return nil
	}
	return &Guard{p: p, h: p.StartScope(name)}
}

// FuncScope opens a scope named after the calling function.
//
//	defer p.FuncScope().End()
func (p *Profiler) FuncScope() *Guard {
	if p == nil {
		return nil
	}
	return p.Scope(callerName(2))
}

// callerName returns the fully qualified name of the function skip frames up.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	return fn.Name()
}

// Destroy closes the transport and forgets all open scopes. It is safe to
// call more than once.
func (p *Profiler) Destroy() {
	if p == nil {
		return
	}
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		open := len(p.records)
		clear(p.records)
		p.mu.Unlock()

		if err := p.transport.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to close profiler transport")
		}
		p.logger.Info().
			Int("open_scopes", open).
			Dur("uptime", p.start.Elapsed()).
			Msg("Profiler destroyed")
	})
}

// Addr returns the listening address in server mode or the collector address
// in client mode, or nil when no socket is open.
func (p *Profiler) Addr() net.Addr {
	if p == nil {
		return nil
	}
	return p.transport.Addr()
}

// Mode returns the configured mode.
func (p *Profiler) Mode() Mode {
	if p == nil {
		return ""
	}
	return p.mode
}

// Open returns the number of scopes started but not yet ended.
func (p *Profiler) Open() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Stats is a snapshot of the transport counters.
type Stats struct {
	Peers   int
	Pending int
	Dropped uint64
	Lost    uint64
}

// Stats returns the current transport counters.
func (p *Profiler) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		Peers:   p.transport.PeerCount(),
		Pending: p.transport.Pending(),
		Dropped: p.transport.Dropped(),
		Lost:    p.transport.Lost(),
	}
}
