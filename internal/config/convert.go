package config

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/scopewire/internal/logging"
	"github.com/coral-mesh/scopewire/pkg/profiler"
)

// ProfilerConfig maps the profiler and transport sections onto
// profiler.Config. Port 0 in server mode binds an ephemeral port.
func (c *Config) ProfilerConfig(logger zerolog.Logger) profiler.Config {
	port := c.Profiler.Port
	if port == 0 && c.Profiler.Mode == string(profiler.ModeServer) {
		port = profiler.AnyPort
	}
	return profiler.Config{
		Mode:    profiler.Mode(c.Profiler.Mode),
		Address: c.Profiler.Address,
		Port:    port,
		Magic:   c.Profiler.Magic,
		Logger:  logger,
		Transport: profiler.TransportOptions{
			QueueLimit:    c.Transport.QueueLimit,
			WriteTimeout:  c.Transport.WriteTimeout,
			AcceptBackoff: c.Transport.AcceptBackoff,
			DialAttempts:  c.Transport.DialAttempts,
			DialBackoff:   c.Transport.DialBackoff,
		},
	}
}

// LoggerConfig maps the logging section onto logging.Config.
func (c *Config) LoggerConfig(out io.Writer) logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Pretty: c.Logging.Pretty,
		Output: out,
	}
}
