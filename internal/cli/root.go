// Package cli wires the scopewire commands together.
package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	configcmd "github.com/coral-mesh/scopewire/internal/cli/config"
	"github.com/coral-mesh/scopewire/internal/cli/demo"
	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/internal/cli/tail"
	"github.com/coral-mesh/scopewire/internal/config"
	"github.com/coral-mesh/scopewire/pkg/version"
)

// NewRootCmd builds the scopewire command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scopewire",
		Short: "Scopewire - stream named code scopes to remote collectors",
		Long: `Scopewire streams the start and end of named code scopes over TCP.

An instrumented program embeds the profiler and either listens for
collectors (server mode) or connects out to one (client mode). This tool
runs a demo workload and the collector side of the protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(helpers.FlagConfig, "",
		"config file (default $SCOPEWIRE_CONFIG or "+configcmd.DefaultPath()+")")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(demo.NewDemoCmd())
	rootCmd.AddCommand(tail.NewTailCmd())
	rootCmd.AddCommand(configcmd.NewConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			cmd.Printf("Scopewire version %s\n", info.Version)
			cmd.Printf("Git commit: %s\n", info.GitCommit)
			cmd.Printf("Build date: %s\n", info.BuildDate)
			cmd.Printf("Go version: %s\n", info.GoVersion)
			cmd.Printf("Platform: %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print version information as JSON")
	return cmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
