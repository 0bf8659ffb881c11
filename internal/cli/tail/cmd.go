package tail

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/internal/constants"
	"github.com/coral-mesh/scopewire/internal/protocol"
	"github.com/coral-mesh/scopewire/internal/retry"
)

var summaryFormats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
	helpers.FormatCSV,
}

// NewTailCmd creates the tail command.
func NewTailCmd() *cobra.Command {
	var (
		listen    bool
		jsonLines bool
		quiet     bool
		noSummary bool
		format    string
		tree      bool
		slow      time.Duration
		pprofPath string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream scope packets from a profiler",
		Long: `Connect to a profiler running in server mode and print every packet it
broadcasts. When the profiler goes away or the command is interrupted, a
per-scope summary is printed.

With --listen the roles are reversed: tail binds --address/--port and waits
for a profiler running in client mode to connect.`,
		Example: `  scopewire tail --port 5300
  scopewire tail --quiet --tree --slow 5ms
  scopewire tail --listen --port 5400 --json --pprof scopes.pb.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, summaryFormats); err != nil {
				return err
			}

			cfg, err := helpers.LoadValidConfig(cmd)
			if err != nil {
				return err
			}
			logger := helpers.NewLogger(cmd, cfg, "tail")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := Options{
				Address: net.JoinHostPort(cfg.Profiler.Address, strconv.Itoa(cfg.Profiler.Port)),
				Listen:  listen,
				Magic:   protocol.MagicFromString(cfg.Profiler.Magic),
				Retry: retry.Config{
					MaxRetries:     cfg.Transport.DialAttempts,
					InitialBackoff: cfg.Transport.DialBackoff,
					MaxBackoff:     constants.DefaultDialMaxBackoff,
					Jitter:         0.1,
				},
				JSON:          jsonLines,
				Quiet:         quiet,
				SummaryFormat: helpers.OutputFormat(format),
				Tree:          tree,
				Slow:          slow,
				PprofPath:     pprofPath,
				Verbose:       verbose,
				Out:           cmd.OutOrStdout(),
				Status:        cmd.ErrOrStderr(),
				Logger:        logger,
			}
			if noSummary {
				opts.SummaryFormat = ""
			}
			return Run(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&listen, "listen", false, "Wait for a client-mode profiler instead of dialing")
	cmd.Flags().BoolVar(&jsonLines, "json", false, "Print packets as JSON lines")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print packets, only the summary")
	cmd.Flags().BoolVar(&noSummary, "no-summary", false, "Skip the summary when the stream ends")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, summaryFormats)
	cmd.Flags().BoolVar(&tree, "tree", false, "Add the scope hierarchy to the table summary")
	cmd.Flags().DurationVar(&slow, "slow", 10*time.Millisecond, "Mark tree scopes whose mean exceeds this")
	helpers.AddVerboseFlag(cmd, &verbose)
	cmd.Flags().StringVar(&pprofPath, "pprof", "", "Write the summary as a pprof profile to this file")

	return cmd
}
