package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/scopewire/internal/constants"
	"github.com/coral-mesh/scopewire/internal/safe"
)

// Layer names a configuration source.
type Layer string

const (
	LayerDefaults Layer = "defaults"
	LayerFile     Layer = "file"
	LayerEnv      Layer = "env"
	LayerFlags    Layer = "flags"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Sources records where the loaded configuration came from.
type Sources struct {
	// File is the config file that was read, empty if none existed.
	File string

	// Env lists the environment variables that were applied.
	Env []string

	// Flags lists the command-line flags that were applied.
	Flags []string
}

// Loader builds a Config from its layers. Later layers override earlier
// ones: defaults, then the YAML file, then the environment, then flags.
type Loader struct {
	enabled map[Layer]bool
	flags   *pflag.FlagSet
}

// NewLoader returns a Loader with the defaults, file and env layers enabled.
// The flag layer is enabled by WithFlags.
func NewLoader() *Loader {
	return &Loader{
		enabled: map[Layer]bool{
			LayerDefaults: true,
			LayerFile:     true,
			LayerEnv:      true,
		},
	}
}

// WithFlags enables the flag layer, reading flags registered by
// RegisterFlags from fs.
func (l *Loader) WithFlags(fs *pflag.FlagSet) *Loader {
	l.flags = fs
	l.enabled[LayerFlags] = fs != nil
	return l
}

// DisableLayer turns a layer off.
func (l *Loader) DisableLayer(layer Layer) {
	l.enabled[layer] = false
}

// Load builds the configuration. A missing file at path is not an error.
func (l *Loader) Load(path string) (*Config, Sources, error) {
	var src Sources

	cfg := &Config{}
	if l.enabled[LayerDefaults] {
		cfg = Default()
	}

	if l.enabled[LayerFile] && path != "" {
		err := mergeFromFile(cfg, path)
		switch {
		case err == nil:
			src.File = path
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, src, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if l.enabled[LayerEnv] {
		applied, err := LoadFromEnv(cfg)
		if err != nil {
			return nil, src, fmt.Errorf("failed to load config from environment: %w", err)
		}
		src.Env = applied
	}

	if l.enabled[LayerFlags] {
		applied, err := ApplyFlags(l.flags, cfg)
		if err != nil {
			return nil, src, fmt.Errorf("failed to apply flags: %w", err)
		}
		src.Flags = applied
	}

	return cfg, src, nil
}

// mergeFromFile decodes the YAML file at path over cfg. Unknown keys are
// rejected.
func mergeFromFile(cfg *Config, path string) error {
	data, err := safe.ReadFile(path, maxConfigSize)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	return nil
}

// ResolvePath picks the config file location: the explicit path if set, then
// $SCOPEWIRE_CONFIG, then ~/.scopewire/config.yaml.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(constants.ConfigEnvVar); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, constants.DefaultDir, constants.ConfigFile), nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(cfg *Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return safe.WriteFileAtomic(path, data, 0o600)
}
