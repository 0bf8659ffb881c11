package tail

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/safe"
)

// printer writes one line per received packet.
type printer interface {
	Print(p protocol.Packet) error
}

// textPrinter renders packets as aligned, colored lines. Colors are dropped
// when the writer is not a terminal.
type textPrinter struct {
	w     io.Writer
	time  lipgloss.Style
	enter lipgloss.Style
	exit  lipgloss.Style
	hello lipgloss.Style
	dim   lipgloss.Style
}

func newTextPrinter(w io.Writer) *textPrinter {
	r := lipgloss.NewRenderer(w)
	return &textPrinter{
		w:     w,
		time:  r.NewStyle().Foreground(lipgloss.Color("8")),
		enter: r.NewStyle().Foreground(lipgloss.Color("6")),
		exit:  r.NewStyle().Foreground(lipgloss.Color("2")),
		hello: r.NewStyle().Foreground(lipgloss.Color("205")).Bold(true),
		dim:   r.NewStyle().Faint(true),
	}
}

func (t *textPrinter) Print(p protocol.Packet) error {
	ts := t.time.Render(fmt.Sprintf("%12.6fs", p.Time))

	var line string
	switch p.Kind {
	case protocol.KindHandshake:
		line = fmt.Sprintf("%s  %s %q", ts, t.hello.Render("● handshake"), magicText(p.Magic))
	case protocol.KindScopeEnter:
		line = fmt.Sprintf("%s  %s %s", ts, t.enter.Render("→"), p.Name)
	case protocol.KindScopeExit:
		elapsed, _ := safe.SecondsToDuration(p.Elapsed)
		line = fmt.Sprintf("%s  %s %s  %s", ts, t.exit.Render("←"), p.Name,
			t.exit.Render(helpers.FormatDuration(elapsed)))
	default:
		line = fmt.Sprintf("%s  %s", ts, t.dim.Render("· "+p.Kind.String()))
	}

	_, err := fmt.Fprintln(t.w, line)
	return err
}

// packetJSON is the JSON line written for each packet.
type packetJSON struct {
	Kind      string  `json:"kind"`
	Time      float64 `json:"time"`
	Magic     string  `json:"magic,omitempty"`
	Name      string  `json:"name,omitempty"`
	ElapsedNS int64   `json:"elapsed_ns,omitempty"`
}

// jsonPrinter writes one JSON object per line.
type jsonPrinter struct {
	enc *json.Encoder
}

func newJSONPrinter(w io.Writer) *jsonPrinter {
	return &jsonPrinter{enc: json.NewEncoder(w)}
}

func (j *jsonPrinter) Print(p protocol.Packet) error {
	out := packetJSON{
		Kind: p.Kind.String(),
		Time: p.Time,
		Name: p.Name,
	}
	switch p.Kind {
	case protocol.KindHandshake:
		out.Magic = magicText(p.Magic)
	case protocol.KindScopeExit:
		elapsed, _ := safe.SecondsToDuration(p.Elapsed)
		out.ElapsedNS = elapsed.Nanoseconds()
	}
	return j.enc.Encode(out)
}

// magicText drops the zero padding of magics shorter than 8 bytes.
func magicText(m protocol.Magic) string {
	return strings.TrimRight(m.String(), "\x00")
}
