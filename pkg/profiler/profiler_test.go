package profiler

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/testutil"
)

// newConnectedProfiler starts a server-mode profiler on an ephemeral port and
// attaches one collector that has already consumed the handshake.
func newConnectedProfiler(t *testing.T, clock *testutil.FakeClock) (*Profiler, *protocol.Reader, protocol.Packet) {
	t.Helper()

	cfg := Config{
		Port:   AnyPort,
		Logger: testutil.NewTestLoggerWithOutput(t),
	}
	if clock != nil {
		cfg.Clock = clock
	}
	p, err := Initialize(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	require.NotNil(t, p.Addr())

	conn := testutil.DialLoopback(t, p.Addr().String())
	r := protocol.NewReader(conn)
	hs, err := r.ReadPacket()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Peers == 1 }, 5*time.Second, 5*time.Millisecond)

	return p, r, hs
}

func TestInitialize_HandshakeFirst(t *testing.T) {
	_, _, hs := newConnectedProfiler(t, nil)

	assert.Equal(t, protocol.KindHandshake, hs.Kind)
	assert.Equal(t, protocol.DefaultMagic, hs.Magic)
	assert.Equal(t, "Schwifty", hs.Magic.String())
	assert.GreaterOrEqual(t, hs.Time, 0.0)
}

func TestScope_EnterThenExit(t *testing.T) {
	clock := testutil.NewFakeClock()
	p, r, _ := newConnectedProfiler(t, clock)

	clock.Advance(2 * time.Second)
	h := p.StartScope("load")
	require.NotZero(t, h)
	assert.Equal(t, 1, p.Open())

	clock.Advance(250 * time.Millisecond)
	p.EndScope(h)
	assert.Zero(t, p.Open())

	enter, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindScopeEnter, enter.Kind)
	assert.Equal(t, "load", enter.Name)
	assert.Equal(t, 2.0, enter.Time)

	exit, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindScopeExit, exit.Kind)
	assert.Equal(t, "load", exit.Name)
	assert.Equal(t, 2.25, exit.Time)
	assert.Equal(t, 0.25, exit.Elapsed)
}

func TestScope_ElapsedNonNegative(t *testing.T) {
	p, r, _ := newConnectedProfiler(t, nil)

	p.EndScope(p.StartScope("instant"))

	enter, err := r.ReadPacket()
	require.NoError(t, err)
	exit, err := r.ReadPacket()
	require.NoError(t, err)

	assert.Equal(t, protocol.KindScopeEnter, enter.Kind)
	assert.Equal(t, protocol.KindScopeExit, exit.Kind)
	assert.GreaterOrEqual(t, exit.Elapsed, 0.0)
	assert.GreaterOrEqual(t, exit.Time, enter.Time)
}

func TestEndScope_UnknownHandle(t *testing.T) {
	if debugAssertions {
		t.Skip("unknown handles panic in scopewire_debug builds")
	}
	p, r, _ := newConnectedProfiler(t, nil)

	assert.NotPanics(t, func() { p.EndScope(Handle(9999)) })

	h := p.StartScope("real")
	p.EndScope(h)
	assert.NotPanics(t, func() { p.EndScope(h) }, "second end is unknown")

	// Nothing was sent for the unknown handles.
	next, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindScopeEnter, next.Kind)
	assert.Equal(t, "real", next.Name)

	next, err = r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindScopeExit, next.Kind)
}

func TestGuard_EndIsIdempotent(t *testing.T) {
	p, r, _ := newConnectedProfiler(t, nil)

	g := p.Scope("guarded")
	assert.NotZero(t, g.Handle())
	g.End()
	g.End()

	p.Scope("after").End()

	want := []struct {
		kind protocol.Kind
		name string
	}{
		{protocol.KindScopeEnter, "guarded"},
		{protocol.KindScopeExit, "guarded"},
		{protocol.KindScopeEnter, "after"},
		{protocol.KindScopeExit, "after"},
	}
	for _, w := range want {
		got, err := r.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, w.kind, got.Kind)
		assert.Equal(t, w.name, got.Name)
	}
}

func TestFuncScope_NamesCaller(t *testing.T) {
	p, r, _ := newConnectedProfiler(t, nil)

	func() {
		defer p.FuncScope().End()
	}()

	enter, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Contains(t, enter.Name, "TestFuncScope_NamesCaller")
	assert.True(t, strings.HasPrefix(enter.Name, "github.com/coral-mesh/scopewire/pkg/profiler."))
}

func TestStartScope_TruncatesLongNames(t *testing.T) {
	p, r, _ := newConnectedProfiler(t, nil)

	long := strings.Repeat("n", 400)
	p.EndScope(p.StartScope(long))

	enter, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Len(t, enter.Name, protocol.MaxScopeNameLen)

	exit, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, enter.Name, exit.Name)
}

func TestStartScope_UniqueHandles(t *testing.T) {
	p, err := Initialize(Config{Port: AnyPort, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	defer p.Destroy()

	const goroutines = 8
	const perGoroutine = 500

	var (
		mu   sync.Mutex
		seen = make(map[Handle]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				h := p.StartScope("work")
				mu.Lock()
				seen[h] = true
				mu.Unlock()
				p.EndScope(h)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
	assert.NotContains(t, seen, Handle(0))
	assert.Zero(t, p.Open())
}

func TestInitialize_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown mode", Config{Mode: "peer"}},
		{"port too large", Config{Port: 70000}},
		{"negative port", Config{Port: -2}},
		{"client any port", Config{Mode: ModeClient, Port: AnyPort}},
		{"long magic", Config{Magic: "toolongmagic"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Initialize(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, p)
		})
	}
}

func TestInitialize_TransportFailureStillUsable(t *testing.T) {
	p, err := Initialize(Config{
		Mode:      ModeClient,
		Port:      testutil.FreePort(t),
		Logger:    testutil.NewTestLogger(t),
		Transport: TransportOptions{DialAttempts: 1},
	})
	require.Error(t, err)
	require.NotNil(t, p)
	defer p.Destroy()

	assert.Equal(t, ModeClient, p.Mode())
	assert.NotPanics(t, func() {
		p.Scope("offline").End()
	})
	assert.Zero(t, p.Open())
}

func TestProfiler_NilSafe(t *testing.T) {
	var p *Profiler

	assert.NotPanics(t, func() {
		h := p.StartScope("nil")
		assert.Zero(t, h)
		p.EndScope(h)
		p.Scope("nil").End()
		p.FuncScope().End()
		p.Destroy()
	})
	assert.Nil(t, p.Addr())
	assert.Zero(t, p.Open())
	assert.Equal(t, Stats{}, p.Stats())
	assert.Empty(t, p.Mode())
}

func TestDestroy(t *testing.T) {
	p, err := Initialize(Config{Port: AnyPort, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	open := p.StartScope("left-open")
	require.NotZero(t, open)

	p.Destroy()
	p.Destroy()

	assert.Zero(t, p.Open())
	assert.Nil(t, p.Addr())
	assert.Zero(t, p.StartScope("late"), "no scopes after destroy")
	assert.NotPanics(t, func() { p.EndScope(open) })
}
