// Package config loads scopewire settings from defaults, a YAML file,
// SCOPEWIRE_* environment variables and command-line flags, in that order of
// precedence.
package config

import "time"

// Config is the complete scopewire configuration.
type Config struct {
	Profiler  ProfilerConfig  `yaml:"profiler"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Demo      DemoConfig      `yaml:"demo"`
}

// ProfilerConfig selects the transport role and endpoint.
type ProfilerConfig struct {
	// Mode is "server" (listen and broadcast) or "client" (connect out).
	Mode string `yaml:"mode" env:"SCOPEWIRE_MODE" jsonschema:"enum=server,enum=client"`

	// Address is the bind address in server mode and the collector host in
	// client mode.
	Address string `yaml:"address" env:"SCOPEWIRE_ADDRESS"`

	Port int `yaml:"port" env:"SCOPEWIRE_PORT" jsonschema:"minimum=0,maximum=65535"`

	// Magic is the 8-byte handshake identifier.
	Magic string `yaml:"magic" env:"SCOPEWIRE_MAGIC" jsonschema:"minLength=1,maxLength=8"`
}

// TransportConfig tunes queueing, timeouts and retries.
type TransportConfig struct {
	QueueLimit    int           `yaml:"queue_limit" env:"SCOPEWIRE_QUEUE_LIMIT" jsonschema:"description=packets waiting for the send worker; negative removes the cap"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"SCOPEWIRE_WRITE_TIMEOUT"`
	AcceptBackoff time.Duration `yaml:"accept_backoff" env:"SCOPEWIRE_ACCEPT_BACKOFF"`
	DialAttempts  int           `yaml:"dial_attempts" env:"SCOPEWIRE_DIAL_ATTEMPTS" jsonschema:"minimum=1"`
	DialBackoff   time.Duration `yaml:"dial_backoff" env:"SCOPEWIRE_DIAL_BACKOFF"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"SCOPEWIRE_LOG_LEVEL" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=error,enum=disabled"`
	Pretty bool   `yaml:"pretty" env:"SCOPEWIRE_LOG_PRETTY"`
}

// DemoConfig sizes the built-in demo workload.
type DemoConfig struct {
	Workers     int           `yaml:"workers" env:"SCOPEWIRE_DEMO_WORKERS" jsonschema:"minimum=1"`
	Interval    time.Duration `yaml:"interval" env:"SCOPEWIRE_DEMO_INTERVAL"`
	PayloadSize int           `yaml:"payload_size" env:"SCOPEWIRE_DEMO_PAYLOAD_SIZE" jsonschema:"minimum=1"`
}
