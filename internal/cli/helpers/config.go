package helpers

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/scopewire/internal/config"
	"github.com/coral-mesh/scopewire/internal/logging"
)

// FlagConfig is the persistent flag naming the config file.
const FlagConfig = "config"

// LoadConfig resolves the config file for cmd and layers it with the
// environment and the flags set on cmd. A config file named explicitly with
// --config must exist.
func LoadConfig(cmd *cobra.Command) (*config.Config, config.Sources, error) {
	explicit, _ := cmd.Flags().GetString(FlagConfig)

	path, err := config.ResolvePath(explicit)
	if err != nil {
		return nil, config.Sources{}, err
	}

	cfg, src, err := config.NewLoader().WithFlags(cmd.Flags()).Load(path)
	if err != nil {
		return nil, src, err
	}
	if explicit != "" && src.File == "" {
		return nil, src, fmt.Errorf("config file not found: %s", explicit)
	}
	return cfg, src, nil
}

// LoadValidConfig is LoadConfig followed by validation.
func LoadValidConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, _, err := LoadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the component logger for cmd, writing to its error
// stream.
func NewLogger(cmd *cobra.Command, cfg *config.Config, component string) zerolog.Logger {
	return logging.NewWithComponent(cfg.LoggerConfig(cmd.ErrOrStderr()), component)
}
