// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".scopewire"

	// ConfigEnvVar overrides the config file location.
	ConfigEnvVar = "SCOPEWIRE_CONFIG"

	// DefaultAddress is the loopback address the profiler listens on.
	DefaultAddress = "127.0.0.1"

	// DefaultPort is the profiler's TCP port.
	DefaultPort = 5300

	// DefaultMagic identifies the scopewire protocol in the handshake packet.
	// It must be exactly 8 bytes.
	DefaultMagic = "Schwifty"

	// DefaultMode is the transport role used by the profiler.
	DefaultMode = "server"
)
