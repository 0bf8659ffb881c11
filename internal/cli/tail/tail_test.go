package tail

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pprofProfile "github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/internal/testutil"
	"github.com/coral-mesh/scopewire/pkg/profiler"
)

// lockedBuffer lets the test read output while Run is still writing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runAsync(ctx context.Context, opts Options) <-chan error {
	done := make(chan error, 1)
	go func() { done <- Run(ctx, opts) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func emitScopes(p *profiler.Profiler) {
	for range 3 {
		g := p.Scope("collect.cpu")
		p.EndScope(p.StartScope("collect.mem"))
		g.End()
	}
}

func TestRun_ServerProfiler(t *testing.T) {
	p, err := profiler.Initialize(profiler.Config{
		Port:   profiler.AnyPort,
		Logger: testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	defer p.Destroy()

	out := &lockedBuffer{}
	status := &lockedBuffer{}
	pprofPath := filepath.Join(t.TempDir(), "scopes.pb.gz")

	done := runAsync(context.Background(), Options{
		Address:       p.Addr().String(),
		JSON:          true,
		SummaryFormat: helpers.FormatTable,
		Tree:          true,
		PprofPath:     pprofPath,
		Verbose:       true,
		Out:           out,
		Status:        status,
		Logger:        testutil.NewTestLogger(t),
	})

	require.Eventually(t, func() bool { return p.Stats().Peers == 1 }, 5*time.Second, 5*time.Millisecond)
	emitScopes(p)
	require.Eventually(t, func() bool {
		return strings.Count(out.String(), `"scope-exit"`) == 6
	}, 5*time.Second, 5*time.Millisecond)

	p.Destroy()
	require.NoError(t, waitRun(t, done))

	text := out.String()
	assert.Contains(t, text, `"kind":"handshake"`)
	assert.Contains(t, text, "Scope")
	assert.Contains(t, text, "Calls")
	assert.Contains(t, text, "collect.cpu")
	assert.Contains(t, text, "└─ scopes")
	assert.Contains(t, status.String(), "Connected to")
	assert.Contains(t, status.String(), "Remote: "+p.Addr().String())
	assert.Contains(t, status.String(), `Handshake: magic "Schwifty"`)
	assert.Contains(t, status.String(), "Wrote profile to")

	f, err := os.Open(pprofPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	prof, err := pprofProfile.Parse(f)
	require.NoError(t, err)
	assert.Len(t, prof.Sample, 2)
}

func TestRun_ListenForClientProfiler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p, err := profiler.Initialize(profiler.Config{
		Mode:    profiler.ModeClient,
		Address: "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Logger:  testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	defer p.Destroy()

	out := &lockedBuffer{}
	status := &lockedBuffer{}
	done := runAsync(context.Background(), Options{
		Listen:        true,
		Listener:      ln,
		Quiet:         true,
		Verbose:       true,
		SummaryFormat: helpers.FormatCSV,
		Out:           out,
		Status:        status,
		Logger:        testutil.NewTestLogger(t),
	})

	require.Eventually(t, func() bool {
		return strings.Contains(status.String(), "Profiler connected from")
	}, 5*time.Second, 5*time.Millisecond)
	emitScopes(p)
	require.Eventually(t, func() bool { return p.Stats().Pending == 0 }, 5*time.Second, 5*time.Millisecond)

	// Let the last writes reach the socket before closing it.
	time.Sleep(50 * time.Millisecond)
	p.Destroy()
	require.NoError(t, waitRun(t, done))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3, out.String())
	assert.Contains(t, status.String(), "Handshake: none (client-mode profiler)")
	assert.Equal(t, "Scope,Calls,Total,Mean,Min,Max", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "collect.cpu,3,") || strings.HasPrefix(lines[1], "collect.mem,3,"), lines[1])
}

func TestRun_CancelPrintsSummary(t *testing.T) {
	p, err := profiler.Initialize(profiler.Config{
		Port:   profiler.AnyPort,
		Logger: testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	defer p.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	status := &lockedBuffer{}
	done := runAsync(ctx, Options{
		Address:       p.Addr().String(),
		Quiet:         true,
		SummaryFormat: helpers.FormatTable,
		Out:           out,
		Status:        status,
		Logger:        testutil.NewTestLogger(t),
	})

	require.Eventually(t, func() bool { return p.Stats().Peers == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	assert.Empty(t, out.String())
	assert.Contains(t, status.String(), "No scopes recorded.")
}

func TestRun_DialFailure(t *testing.T) {
	err := Run(context.Background(), Options{
		Address: net.JoinHostPort("127.0.0.1", "1"),
		Logger:  testutil.NewTestLogger(t),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestNewTailCmd_Flags(t *testing.T) {
	cmd := NewTailCmd()
	assert.Equal(t, "tail", cmd.Use)
	for _, name := range []string{"listen", "json", "quiet", "no-summary", "format", "tree", "slow", "pprof", "verbose"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
