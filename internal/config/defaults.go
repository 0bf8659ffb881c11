package config

import (
	"os"

	"golang.org/x/term"

	"github.com/coral-mesh/scopewire/internal/constants"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Profiler: ProfilerConfig{
			Mode:    constants.DefaultMode,
			Address: constants.DefaultAddress,
			Port:    constants.DefaultPort,
			Magic:   constants.DefaultMagic,
		},
		Transport: TransportConfig{
			QueueLimit:    constants.DefaultQueueLimit,
			WriteTimeout:  constants.DefaultWriteTimeout,
			AcceptBackoff: constants.DefaultAcceptBackoff,
			DialAttempts:  constants.DefaultDialAttempts,
			DialBackoff:   constants.DefaultDialBackoff,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: term.IsTerminal(int(os.Stderr.Fd())),
		},
		Demo: DemoConfig{
			Workers:     constants.DefaultDemoWorkers,
			Interval:    constants.DefaultDemoInterval,
			PayloadSize: constants.DefaultDemoPayloadSize,
		},
	}
}
