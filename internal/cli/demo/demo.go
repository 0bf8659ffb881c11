package demo

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/pkg/profiler"
)

// NewDemoCmd creates the demo command.
func NewDemoCmd() *cobra.Command {
	var (
		duration time.Duration
		workers  int
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an instrumented workload that streams scope packets",
		Long: `Run a small workload that samples CPU and memory usage and hashes a
payload, wrapping each part in a profiler scope.

In server mode (the default) the profiler listens on --address/--port and
any number of "scopewire tail" sessions can attach. In client mode it
connects out to a collector started with "scopewire tail --listen".`,
		Example: `  scopewire demo --port 5300
  scopewire demo --mode client --port 5400 --duration 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadValidConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Demo.Workers = workers
			}
			logger := helpers.NewLogger(cmd, cfg, "demo")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := profiler.Initialize(cfg.ProfilerConfig(logger))
			if p == nil {
				return err
			}
			defer p.Destroy()
			if err != nil {
				logger.Warn().Err(err).Msg("Transport unavailable, scopes are queued until it recovers")
			}
			if addr := p.Addr(); addr != nil && p.Mode() == profiler.ModeServer {
				cmd.Printf("Profiler listening on %s\n", addr)
			}

			runErr := Run(ctx, p, Options{
				Workers:     cfg.Demo.Workers,
				Interval:    cfg.Demo.Interval,
				PayloadSize: cfg.Demo.PayloadSize,
				Duration:    duration,
				Logger:      logger,
			})

			stats := p.Stats()
			cmd.Printf("Stopped: %d peers, %d pending, %d dropped, %d lost\n",
				stats.Peers, stats.Pending, stats.Dropped, stats.Lost)
			return runErr
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of concurrent workers (overrides demo.workers)")

	return cmd
}
