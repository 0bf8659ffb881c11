package tail

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/scopewire/internal/protocol"
)

var streamPackets = []protocol.Packet{
	*protocol.NewHandshake(0, protocol.DefaultMagic),
	*protocol.NewScopeEnter(1.25, "collect.cpu"),
	*protocol.NewScopeExit(1.2515, "collect.cpu", 0.0015),
	*protocol.NewGeneric(2),
}

func TestTextPrinter(t *testing.T) {
	var buf bytes.Buffer
	pr := newTextPrinter(&buf)
	for _, p := range streamPackets {
		require.NoError(t, pr.Print(p))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	assert.Contains(t, lines[0], "handshake")
	assert.Contains(t, lines[0], `"Schwifty"`)
	assert.Contains(t, lines[1], "1.250000s")
	assert.Contains(t, lines[1], "collect.cpu")
	assert.Contains(t, lines[2], "collect.cpu")
	assert.Contains(t, lines[2], "1.5ms")
	assert.Contains(t, lines[3], "generic")
}

func TestJSONPrinter(t *testing.T) {
	var buf bytes.Buffer
	pr := newJSONPrinter(&buf)
	for _, p := range streamPackets {
		require.NoError(t, pr.Print(p))
	}

	dec := json.NewDecoder(&buf)
	var got []packetJSON
	for dec.More() {
		var line packetJSON
		require.NoError(t, dec.Decode(&line))
		got = append(got, line)
	}
	require.Len(t, got, 4)

	assert.Equal(t, packetJSON{Kind: "handshake", Magic: "Schwifty"}, got[0])
	assert.Equal(t, packetJSON{Kind: "scope-enter", Time: 1.25, Name: "collect.cpu"}, got[1])
	assert.Equal(t, "scope-exit", got[2].Kind)
	assert.InDelta(t, 1_500_000, got[2].ElapsedNS, 1)
	assert.Equal(t, packetJSON{Kind: "generic", Time: 2}, got[3])
}

func TestMagicText_TrimsPadding(t *testing.T) {
	assert.Equal(t, "abc", magicText(protocol.MagicFromString("abc")))
}
