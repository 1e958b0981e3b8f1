// Package config loads dump settings from a YAML file.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	yaml "gopkg.in/yaml.v3"

	"github.com/willibrandon/ChronoDump/pkg/minidump"
	"github.com/willibrandon/ChronoDump/pkg/minidump/memory"
	"github.com/willibrandon/ChronoDump/pkg/minidump/modules"
	"github.com/willibrandon/ChronoDump/pkg/sink"
)

// Size is a byte count written either as a number or as a humanized
// string such as "32KiB" or "4 MB".
type Size uint64

// UnmarshalYAML accepts integers and humanized sizes.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// UserMapping is a module the caller identifies itself.
type UserMapping struct {
	Start   uint64 `yaml:"start"`
	Size    Size   `yaml:"size"`
	Path    string `yaml:"path"`
	BuildID string `yaml:"build_id,omitempty"`
}

// Config is the on-disk configuration.
type Config struct {
	StackLimit               Size          `yaml:"stack_limit,omitempty"`
	MaxReadSize              Size          `yaml:"max_read_size,omitempty"`
	Retry                    string        `yaml:"retry,omitempty"`
	SizeLimit                Size          `yaml:"size_limit,omitempty"`
	Sanitize                 bool          `yaml:"sanitize,omitempty"`
	StrictSanitize           bool          `yaml:"strict_sanitize,omitempty"`
	SkipStacksIfUnreferenced uint64        `yaml:"skip_stacks_if_unreferenced,omitempty"`
	UserMappings             []UserMapping `yaml:"user_mappings,omitempty"`

	Compression       string `yaml:"compression,omitempty"`
	EncryptionKeyFile string `yaml:"encryption_key_file,omitempty"`
	IntegrityKeyFile  string `yaml:"integrity_key_file,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the configuration used without a file.
func Default() Config {
	mem := memory.DefaultOptions()
	return Config{
		StackLimit:  Size(minidump.DefaultOptions().StackLimit),
		MaxReadSize: Size(mem.MaxReadSize),
		Retry:       mem.Retry.String(),
		Compression: sink.NoCompression.String(),
		LogLevel:    "info",
	}
}

// Load reads the configuration file at path on top of Default.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	log.WithField("file", path).Debug("loading config file")
	return LoadReader(f)
}

// LoadReader reads a configuration from r on top of Default.
func LoadReader(r io.Reader) (Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	if _, err := memory.ParseRetryPolicy(c.Retry); err != nil {
		return err
	}
	if _, err := sink.ParseCompression(c.Compression); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	for _, m := range c.UserMappings {
		if _, err := hex.DecodeString(m.BuildID); err != nil {
			return fmt.Errorf("user mapping %s: build_id: %w", m.Path, err)
		}
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// WriterOptions converts the configuration into minidump writer options.
func (c Config) WriterOptions() ([]minidump.Option, error) {
	retry, err := memory.ParseRetryPolicy(c.Retry)
	if err != nil {
		return nil, err
	}
	opts := []minidump.Option{
		minidump.WithStackLimit(int(c.StackLimit)),
		minidump.WithMemoryOptions(memory.Options{
			MaxReadSize: int(c.MaxReadSize),
			Retry:       retry,
		}),
		minidump.WithSizeLimit(int64(c.SizeLimit)),
		minidump.WithStrictSanitize(c.StrictSanitize),
	}
	if c.SkipStacksIfUnreferenced != 0 {
		opts = append(opts, minidump.WithSkipStacksIfMappingUnreferenced(c.SkipStacksIfUnreferenced))
	}
	for _, m := range c.UserMappings {
		id, err := hex.DecodeString(m.BuildID)
		if err != nil {
			return nil, fmt.Errorf("user mapping %s: build_id: %w", m.Path, err)
		}
		opts = append(opts, minidump.WithUserMapping(modules.UserMapping{
			Start:   m.Start,
			Size:    uint64(m.Size),
			Path:    m.Path,
			BuildID: id,
		}))
	}
	return opts, nil
}

// SinkOptions converts the configuration into file sink options, loading
// key files as needed.
func (c Config) SinkOptions() ([]func(*sink.Options), error) {
	compression, err := sink.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	opts := []func(*sink.Options){sink.WithCompression(compression)}

	var security []func(*sink.SecurityOptions)
	if c.EncryptionKeyFile != "" {
		key, err := sink.LoadKey(c.EncryptionKeyFile)
		if err != nil {
			return nil, err
		}
		security = append(security, sink.WithEncryption(key))
	}
	if c.IntegrityKeyFile != "" {
		key, err := os.ReadFile(c.IntegrityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading integrity key: %w", err)
		}
		security = append(security, sink.WithIntegrityCheck(key))
	}
	if len(security) > 0 {
		opts = append(opts, sink.WithSecurity(security...))
	}
	return opts, nil
}
