// Package demo implements the demo command: a small host-metrics workload
// instrumented with profiler scopes, so that a collector has something to
// watch.
package demo

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/scopewire/pkg/profiler"
)

// Scope names emitted by a workload step.
const (
	ScopeStep    = "demo.step"
	ScopeCPU     = "collect.cpu"
	ScopeMemory  = "collect.mem"
	ScopePayload = "hash.payload"
)

// Sample is the result of one workload step.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	Digest        uint64
}

// Workload samples host metrics and hashes a payload, each inside its own
// scope. A Workload is not safe for concurrent use.
type Workload struct {
	profiler *profiler.Profiler
	payload  []byte
	steps    uint64
}

// NewWorkload returns a workload hashing a random buffer of payloadSize
// bytes per step.
func NewWorkload(p *profiler.Profiler, payloadSize int) *Workload {
	payload := make([]byte, max(payloadSize, 1))
	for i := range payload {
		payload[i] = byte(rand.Uint32())
	}
	return &Workload{profiler: p, payload: payload}
}

// Step runs one iteration. Metric failures are returned after every part has
// run; the scopes are closed either way.
func (w *Workload) Step(ctx context.Context) (Sample, error) {
	defer w.profiler.Scope(ScopeStep).End()

	var (
		s    Sample
		errs []error
	)

	g := w.profiler.Scope(ScopeCPU)
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	g.End()
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("failed to get CPU percent: %w", err))
	case len(pct) > 0:
		s.CPUPercent = pct[0]
	}

	g = w.profiler.Scope(ScopeMemory)
	vm, err := mem.VirtualMemoryWithContext(ctx)
	g.End()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to get memory stats: %w", err))
	} else {
		s.MemoryPercent = vm.UsedPercent
	}

	g = w.profiler.Scope(ScopePayload)
	w.payload[w.steps%uint64(len(w.payload))]++
	s.Digest = xxh3.Hash(w.payload)
	g.End()

	w.steps++
	return s, errors.Join(errs...)
}

// Options configures Run.
type Options struct {
	Workers     int
	Interval    time.Duration
	PayloadSize int

	// Duration stops the run after the given time. Zero runs until ctx is
	// done.
	Duration time.Duration

	Logger zerolog.Logger
}

// Run drives opts.Workers workloads against p until ctx is done or
// opts.Duration has passed. Cancellation is a normal stop and returns nil.
func Run(ctx context.Context, p *profiler.Profiler, opts Options) error {
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	opts.Logger.Info().
		Int("workers", opts.Workers).
		Dur("interval", opts.Interval).
		Int("payload_size", opts.PayloadSize).
		Msg("Starting demo workload")

	g, gctx := errgroup.WithContext(ctx)
	for i := range max(opts.Workers, 1) {
		w := NewWorkload(p, opts.PayloadSize)
		logger := opts.Logger.With().Int("worker", i).Logger()
		g.Go(func() error {
			return runWorker(gctx, w, opts.Interval, logger)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func runWorker(ctx context.Context, w *Workload, interval time.Duration, logger zerolog.Logger) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		s, err := w.Step(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Workload step failed")
		} else {
			logger.Trace().
				Float64("cpu_percent", s.CPUPercent).
				Float64("mem_percent", s.MemoryPercent).
				Uint64("digest", s.Digest).
				Msg("Workload step")
		}

		if tick == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		}
	}
}
