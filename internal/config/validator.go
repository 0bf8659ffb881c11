package config

import (
	"fmt"
	"strings"

	"github.com/coral-mesh/scopewire/internal/logging"
)

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "validation failed with %d errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&builder, "  %d. %s\n", i+1, err.Error())
	}
	return builder.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch c.Profiler.Mode {
	case "server", "client":
	default:
		add("profiler.mode", fmt.Sprintf("must be 'server' or 'client', got %q", c.Profiler.Mode))
	}
	if c.Profiler.Mode == "client" && c.Profiler.Address == "" {
		add("profiler.address", "required in client mode")
	}
	if c.Profiler.Port < 0 || c.Profiler.Port > 65535 {
		add("profiler.port", fmt.Sprintf("must be between 0 and 65535, got %d", c.Profiler.Port))
	}
	if c.Profiler.Mode == "client" && c.Profiler.Port == 0 {
		add("profiler.port", "required in client mode")
	}
	if n := len(c.Profiler.Magic); n == 0 || n > 8 {
		add("profiler.magic", fmt.Sprintf("must be 1 to 8 bytes, got %d", n))
	}

	if c.Transport.WriteTimeout < 0 {
		add("transport.write_timeout", "must not be negative")
	}
	if c.Transport.AcceptBackoff < 0 {
		add("transport.accept_backoff", "must not be negative")
	}
	if c.Transport.DialAttempts < 1 {
		add("transport.dial_attempts", "must be at least 1")
	}
	if c.Transport.DialBackoff < 0 {
		add("transport.dial_backoff", "must not be negative")
	}

	if _, ok := logging.LookupLevel(c.Logging.Level); !ok {
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	if c.Demo.Workers < 1 {
		add("demo.workers", "must be at least 1")
	}
	if c.Demo.Interval < 0 {
		add("demo.interval", "must not be negative")
	}
	if c.Demo.PayloadSize < 1 {
		add("demo.payload_size", "must be at least 1")
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}
