package config

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/coral-mesh/scopewire/internal/constants"
)

// Flag names bound to configuration fields.
const (
	FlagMode      = "mode"
	FlagAddress   = "address"
	FlagPort      = "port"
	FlagMagic     = "magic"
	FlagLogLevel  = "log-level"
	FlagLogPretty = "log-pretty"
)

// RegisterFlags adds the configuration flags to fs. Their defaults are only
// shown in help; a flag is applied only when set on the command line.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagMode, constants.DefaultMode, "profiler mode: server or client")
	fs.String(FlagAddress, constants.DefaultAddress, "profiler address")
	fs.Int(FlagPort, constants.DefaultPort, "profiler port")
	fs.String(FlagMagic, constants.DefaultMagic, "handshake magic (8 bytes)")
	fs.String(FlagLogLevel, "info", "log level: trace, debug, info, warn, error")
	fs.Bool(FlagLogPretty, false, "human-readable console logs")
}

// ApplyFlags copies every flag set on the command line into cfg and returns
// the names applied. Flags not registered on fs are skipped.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) ([]string, error) {
	if fs == nil {
		return nil, nil
	}

	var applied []string
	apply := func(name string, set func() error) error {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			return nil
		}
		if err := set(); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		applied = append(applied, name)
		return nil
	}

	steps := []struct {
		name string
		set  func() error
	}{
		{FlagMode, func() (err error) { cfg.Profiler.Mode, err = fs.GetString(FlagMode); return }},
		{FlagAddress, func() (err error) { cfg.Profiler.Address, err = fs.GetString(FlagAddress); return }},
		{FlagPort, func() (err error) { cfg.Profiler.Port, err = fs.GetInt(FlagPort); return }},
		{FlagMagic, func() (err error) { cfg.Profiler.Magic, err = fs.GetString(FlagMagic); return }},
		{FlagLogLevel, func() (err error) { cfg.Logging.Level, err = fs.GetString(FlagLogLevel); return }},
		{FlagLogPretty, func() (err error) { cfg.Logging.Pretty, err = fs.GetBool(FlagLogPretty); return }},
	}
	for _, s := range steps {
		if err := apply(s.name, s.set); err != nil {
			return applied, err
		}
	}
	return applied, nil
}
