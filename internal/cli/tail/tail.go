// Package tail implements the tail command: a collector that streams a
// profiler's packets to the terminal and reports a per-scope summary when
// the stream ends.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/internal/collector"
	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/retry"
	"github.com/coral-mesh/scopewire/internal/safe"
	"github.com/coral-mesh/scopewire/internal/timing"
)

// Options configures Run.
type Options struct {
	// Address is the profiler to dial, or the bind address with Listen.
	Address string

	// Listen waits for a client-mode profiler instead of dialing.
	Listen bool

	// Listener, when set, is used by Listen instead of binding Address. It is
	// closed once a profiler connects.
	Listener net.Listener

	Magic protocol.Magic
	Retry retry.Config

	// JSON writes live packets as JSON lines instead of styled text.
	JSON bool

	// Quiet suppresses the live packet lines.
	Quiet bool

	// SummaryFormat selects the end-of-stream summary layout. Empty skips
	// the summary.
	SummaryFormat helpers.OutputFormat

	// Tree adds the scope hierarchy to a table summary.
	Tree bool

	// Slow marks tree scopes whose mean exceeds it.
	Slow time.Duration

	// Verbose adds the remote address and handshake details to Status.
	Verbose bool

	// PprofPath, when set, receives the summary as a gzipped pprof profile.
	PprofPath string

	Out    io.Writer
	Status io.Writer
	Logger zerolog.Logger
}

// summaryRow is one summary line.
type summaryRow struct {
	Scope string        `header:"Scope" json:"scope"`
	Calls uint64        `header:"Calls" json:"calls"`
	Total time.Duration `header:"Total" json:"total_ns"`
	Mean  time.Duration `header:"Mean" json:"mean_ns"`
	Min   time.Duration `header:"Min" json:"min_ns"`
	Max   time.Duration `header:"Max" json:"max_ns"`
}

// Run connects to a profiler, streams its packets until the stream ends or
// ctx is done, then writes the summary and the optional pprof file.
// Cancellation is a normal stop.
func Run(ctx context.Context, opts Options) error {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Status == nil {
		opts.Status = io.Discard
	}

	c, err := connect(ctx, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if opts.Verbose {
		describe(c, opts.Status)
	}

	var pr printer
	switch {
	case opts.Quiet:
	case opts.JSON:
		pr = newJSONPrinter(opts.Out)
	default:
		pr = newTextPrinter(opts.Out)
	}

	summary := collector.NewSummary()
	watch := timing.Start()
	runErr := c.Run(ctx, func(p protocol.Packet) error {
		summary.Add(p)
		if pr == nil {
			return nil
		}
		return pr.Print(p)
	})
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	opts.Logger.Debug().
		Dur("wall", watch.Elapsed()).
		Uint64("exits", summary.Packets(protocol.KindScopeExit)).
		Msg("Stream ended")

	if err := report(summary, opts); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func connect(ctx context.Context, opts Options) (*collector.Collector, error) {
	copts := collector.Options{
		Magic:  opts.Magic,
		Logger: opts.Logger,
		Retry:  opts.Retry,
	}

	if !opts.Listen {
		c, err := collector.Dial(ctx, opts.Address, copts)
		if err != nil {
			return nil, err
		}
		_, _ = fmt.Fprintf(opts.Status, "Connected to %s\n", c.RemoteAddr())
		return c, nil
	}

	ln := opts.Listener
	if ln == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", opts.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", opts.Address, err)
		}
		ln = l
	}
	defer func() { _ = ln.Close() }()

	_, _ = fmt.Fprintf(opts.Status, "Waiting for a profiler on %s\n", ln.Addr())
	c, err := collector.Accept(ctx, ln, copts)
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(opts.Status, "Profiler connected from %s\n", c.RemoteAddr())
	return c, nil
}

// describe writes what is known about the connected profiler.
func describe(c *collector.Collector, w io.Writer) {
	_, _ = fmt.Fprintf(w, "Remote: %s\n", c.RemoteAddr())
	hs := c.Handshake()
	if hs.Kind != protocol.KindHandshake {
		_, _ = fmt.Fprintln(w, "Handshake: none (client-mode profiler)")
		return
	}
	_, _ = fmt.Fprintf(w, "Handshake: magic %q at %.6fs\n", magicText(hs.Magic), hs.Time)
}

func report(summary *collector.Summary, opts Options) error {
	stats := summary.Rows()
	wall, _ := safe.SecondsToDuration(summary.LastTime())

	if opts.PprofPath != "" {
		if err := writePprof(opts.PprofPath, stats, wall); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(opts.Status, "Wrote profile to %s\n", opts.PprofPath)
	}

	if opts.SummaryFormat == "" {
		return nil
	}
	if len(stats) == 0 {
		_, _ = fmt.Fprintln(opts.Status, "No scopes recorded.")
		return nil
	}

	formatter, err := helpers.NewFormatter(opts.SummaryFormat)
	if err != nil {
		return err
	}

	rows := make([]summaryRow, len(stats))
	for i, s := range stats {
		rows[i] = summaryRow{
			Scope: s.Name,
			Calls: s.Count,
			Total: s.Total,
			Mean:  s.Mean(),
			Min:   s.Min,
			Max:   s.Max,
		}
	}

	if opts.SummaryFormat == helpers.FormatTable {
		_, _ = fmt.Fprintln(opts.Out)
	}
	if err := formatter.Format(rows, opts.Out); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	if opts.Tree && opts.SummaryFormat == helpers.FormatTable {
		root := buildScopeTree("scopes", stats, opts.Slow)
		_, _ = fmt.Fprint(opts.Out, "\n"+helpers.RenderTree(root, root.duration))
	}
	return nil
}

func writePprof(path string, stats []collector.Stat, wall time.Duration) error {
	var buf bytes.Buffer
	if err := collector.WriteProfile(&buf, stats, wall); err != nil {
		return fmt.Errorf("failed to build profile: %w", err)
	}
	if err := safe.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
