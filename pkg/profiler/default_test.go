package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/testutil"
)

func TestDefault_Lifecycle(t *testing.T) {
	t.Cleanup(Shutdown)

	assert.Nil(t, Default())
	assert.Zero(t, StartScope("before init"))
	assert.NotPanics(t, func() { Scope("before init").End() })

	require.NoError(t, Init(Config{Port: AnyPort, Logger: testutil.NewTestLogger(t)}))
	p := Default()
	require.NotNil(t, p)

	conn := testutil.DialLoopback(t, p.Addr().String())
	r := protocol.NewReader(conn)
	_, err := r.ReadPacket()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Peers == 1 }, 5*time.Second, 5*time.Millisecond)

	EndScope(StartScope("global"))
	func() {
		defer FuncScope().End()
	}()

	enter, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, "global", enter.Name)
	exit, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindScopeExit, exit.Kind)

	fn, err := r.ReadPacket()
	require.NoError(t, err)
	assert.Contains(t, fn.Name, "TestDefault_Lifecycle")

	Shutdown()
	assert.Nil(t, Default())
	assert.Nil(t, p.Addr(), "shutdown destroys the profiler")
}

func TestInit_ReplacesDefault(t *testing.T) {
	t.Cleanup(Shutdown)

	require.NoError(t, Init(Config{Port: AnyPort, Logger: testutil.NewTestLogger(t)}))
	first := Default()

	require.NoError(t, Init(Config{Port: AnyPort, Logger: testutil.NewTestLogger(t)}))
	second := Default()

	assert.NotSame(t, first, second)
	assert.Nil(t, first.Addr(), "replaced profiler is destroyed")
	assert.NotNil(t, second.Addr())
}
