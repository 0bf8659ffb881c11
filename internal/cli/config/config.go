// Package config implements the 'scopewire config' command family.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/internal/config"
	"github.com/coral-mesh/scopewire/internal/constants"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create scopewire configuration",
		Long: `Inspect and create scopewire configuration.

Configuration Priority:
  1. Command-line flags (highest)
  2. SCOPEWIRE_* environment variables
  3. Config file (--config, $SCOPEWIRE_CONFIG or ~/.scopewire/config.yaml)
  4. Built-in defaults`,
	}

	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// newViewCmd creates the 'config view' command.
func newViewCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Display the configuration after all sources are merged.

Unless --raw is given, a comment header lists the sources that contributed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, src, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			return runView(cmd.OutOrStdout(), cfg, src, raw)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Output raw YAML without annotations")

	return cmd
}

func runView(w io.Writer, cfg *config.Config, src config.Sources, raw bool) error {
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}

	if !raw {
		file := src.File
		if file == "" {
			file = "none"
		}
		_, _ = fmt.Fprintln(w, "# Config sources (priority order):")
		_, _ = fmt.Fprintf(w, "#   1. Flags: %s\n", listOrNone(src.Flags))
		_, _ = fmt.Fprintf(w, "#   2. Environment: %s\n", listOrNone(src.Env))
		_, _ = fmt.Fprintf(w, "#   3. File: %s\n", file)
		_, _ = fmt.Fprintln(w, "#   4. Defaults")
		_, _ = fmt.Fprintln(w)
	}

	_, err = w.Write(data)
	return err
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// newValidateCmd creates the 'config validate' command.
func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		Long: `Validate the merged configuration and report every problem found.

Checks:
- Mode is server or client, and client mode has an address and a port
- Port range and a 1 to 8 byte handshake magic
- Non-negative timeouts and backoffs
- Known log level and a usable demo workload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, validateFormats); err != nil {
				return err
			}
			cfg, _, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			return runValidate(cmd.OutOrStdout(), cfg, helpers.OutputFormat(format))
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, validateFormats)

	return cmd
}

var validateFormats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
}

type validationProblem struct {
	Field   string `header:"Field" json:"field"`
	Message string `header:"Problem" json:"message"`
}

func runValidate(w io.Writer, cfg *config.Config, format helpers.OutputFormat) error {
	var problems []validationProblem

	err := cfg.Validate()
	var multi *config.MultiValidationError
	switch {
	case err == nil:
	case errors.As(err, &multi):
		for _, e := range multi.Errors {
			problems = append(problems, validationProblem{Field: e.Field, Message: e.Message})
		}
	default:
		return err
	}

	if format == helpers.FormatJSON {
		output := struct {
			Valid    bool                `json:"valid"`
			Problems []validationProblem `json:"problems"`
		}{
			Valid:    len(problems) == 0,
			Problems: problems,
		}
		if output.Problems == nil {
			output.Problems = []validationProblem{}
		}
		formatter, err := helpers.NewFormatter(format)
		if err != nil {
			return err
		}
		if err := formatter.Format(output, w); err != nil {
			return err
		}
	} else {
		if len(problems) == 0 {
			_, _ = fmt.Fprintln(w, "Configuration is valid.")
			return nil
		}
		formatter, err := helpers.NewFormatter(helpers.FormatTable)
		if err != nil {
			return err
		}
		if err := formatter.Format(problems, w); err != nil {
			return err
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration has %d problem(s)", len(problems))
	}
	return nil
}

// newInitCmd creates the 'config init' command.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the built-in defaults",
		Long: `Write the built-in defaults to the config file location
(--config, $SCOPEWIRE_CONFIG or ~/.scopewire/config.yaml).

An existing file is left alone unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit, _ := cmd.Flags().GetString(helpers.FlagConfig)
			path, err := config.ResolvePath(explicit)
			if err != nil {
				return err
			}
			if err := runInit(path, force); err != nil {
				return err
			}
			cmd.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func runInit(path string, force bool) error {
	if !force {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("failed to check %s: %w", path, err)
		}
	}

	cfg := config.Default()
	// Pretty is picked per run from the terminal.
	cfg.Logging.Pretty = false
	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// newSchemaCmd creates the 'config schema' command.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		Long: `Print a JSON Schema describing the YAML config file, for editor
completion and validation. Every key is optional; unknown keys are rejected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

// DefaultPath returns the config location used when neither --config nor
// $SCOPEWIRE_CONFIG is set.
func DefaultPath() string {
	return "~/" + constants.DefaultDir + "/" + constants.ConfigFile
}
