package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apex/log"

	"github.com/willibrandon/ChronoDump/pkg/minidump"
	"github.com/willibrandon/ChronoDump/pkg/minidump/memory"
	"github.com/willibrandon/ChronoDump/pkg/sink"
)

const sample = `
stack_limit: 64KiB
max_read_size: 1048576
retry: shrink
size_limit: 10 MB
sanitize: true
strict_sanitize: true
skip_stacks_if_unreferenced: 0x400000
compression: zstd
log_level: debug
user_mappings:
  - start: 0x900000
    size: 12KiB
    path: /opt/jit/code.so
    build_id: 0102030405060708
`

func TestLoadReader(t *testing.T) {
	cfg, err := LoadReader(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	if cfg.StackLimit != 64<<10 {
		t.Errorf("stack_limit = %s", cfg.StackLimit)
	}
	if cfg.MaxReadSize != 1<<20 {
		t.Errorf("max_read_size = %s", cfg.MaxReadSize)
	}
	if cfg.SizeLimit != 10_000_000 {
		t.Errorf("size_limit = %d", cfg.SizeLimit)
	}
	if !cfg.Sanitize || !cfg.StrictSanitize {
		t.Error("sanitize flags not set")
	}
	if cfg.SkipStacksIfUnreferenced != 0x400000 {
		t.Errorf("skip_stacks_if_unreferenced = %#x", cfg.SkipStacksIfUnreferenced)
	}
	if cfg.Level() != log.DebugLevel {
		t.Errorf("level = %v", cfg.Level())
	}
	if len(cfg.UserMappings) != 1 || cfg.UserMappings[0].Start != 0x900000 || cfg.UserMappings[0].Size != 12<<10 {
		t.Errorf("user mappings = %+v", cfg.UserMappings)
	}

	opts, err := cfg.WriterOptions()
	if err != nil {
		t.Fatal(err)
	}
	o := minidump.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.StackLimit != 64<<10 || o.SizeLimit != 10_000_000 || !o.StrictSanitize {
		t.Errorf("writer options = %+v", o)
	}
	if o.Memory.Retry != memory.RetryShrink || o.Memory.MaxReadSize != 1<<20 {
		t.Errorf("memory options = %+v", o.Memory)
	}
	if o.PrincipalMapping != 0x400000 {
		t.Errorf("principal mapping = %#x", o.PrincipalMapping)
	}
	if len(o.UserMappings) != 1 || len(o.UserMappings[0].BuildID) != 8 {
		t.Errorf("user mappings = %+v", o.UserMappings)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StackLimit != Size(minidump.DefaultOptions().StackLimit) {
		t.Errorf("stack_limit = %s", cfg.StackLimit)
	}
	if cfg.MaxReadSize != memory.DefaultMaxReadSize {
		t.Errorf("max_read_size = %s", cfg.MaxReadSize)
	}
	if cfg.Level() != log.InfoLevel {
		t.Errorf("level = %v", cfg.Level())
	}
	sopts, err := cfg.SinkOptions()
	if err != nil {
		t.Fatal(err)
	}
	o := sink.DefaultOptions()
	for _, fn := range sopts {
		fn(&o)
	}
	if o.Compression != sink.NoCompression || o.Security.EnableEncryption {
		t.Errorf("sink options = %+v", o)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"retry", "retry: sometimes"},
		{"compression", "compression: lz4"},
		{"log level", "log_level: loud"},
		{"size", "stack_limit: lots"},
		{"build id", "user_mappings: [{start: 1, size: 1, path: x, build_id: zz}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadReader(strings.NewReader(tt.yaml)); err == nil {
				t.Errorf("LoadReader(%q) succeeded", tt.yaml)
			}
		})
	}
}

func TestSinkOptionsKeys(t *testing.T) {
	dir := t.TempDir()
	encPath := filepath.Join(dir, "dump.key")
	macPath := filepath.Join(dir, "mac.key")
	if err := os.WriteFile(encPath, []byte("000102030405060708090a0b0c0d0e0f"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(macPath, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "chronodump.yaml")
	data := "compression: zstd\nencryption_key_file: " + encPath + "\nintegrity_key_file: " + macPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	fns, err := cfg.SinkOptions()
	if err != nil {
		t.Fatal(err)
	}
	o := sink.DefaultOptions()
	for _, fn := range fns {
		fn(&o)
	}
	if o.Compression != sink.ZstdCompression {
		t.Errorf("compression = %s", o.Compression)
	}
	if !o.Security.EnableEncryption || len(o.Security.EncryptionKey) != 16 {
		t.Errorf("encryption = %v, key %d bytes", o.Security.EnableEncryption, len(o.Security.EncryptionKey))
	}
	if !o.Security.EnableIntegrityCheck || string(o.Security.IntegrityKey) != "secret" {
		t.Errorf("integrity = %v", o.Security.EnableIntegrityCheck)
	}

	cfg.EncryptionKeyFile = filepath.Join(dir, "missing.key")
	if _, err := cfg.SinkOptions(); err == nil {
		t.Error("missing key file accepted")
	}
}
