// Package config loads sessionctl configuration from YAML.
//
// Files are decoded strictly (unknown keys are errors) and then checked
// against the embedded CUE schema in schema.cue. Omitted fields keep their
// defaults.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sessionstore/internal/session"
)

//go:embed schema.cue
var schemaCUE string

// DefaultStorePath is used when neither the file nor a flag names a store.
const DefaultStorePath = ".sessions/default.jsonl"

// Config is the resolved configuration.
type Config struct {
	Store string
	Lock  LockConfig
	Log   LogConfig
}

// LockConfig mirrors session.LockPolicy.
type LockConfig struct {
	Timeout    time.Duration
	StaleAfter time.Duration
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: DefaultStorePath,
		Lock: LockConfig{
			Timeout:    session.DefaultLockTimeout,
			StaleAfter: session.DefaultLockStaleAfter,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// fileConfig is the on-disk shape. Empty strings mean "not set".
type fileConfig struct {
	Store string   `yaml:"store"`
	Lock  fileLock `yaml:"lock"`
	Log   fileLog  `yaml:"log"`
}

type fileLock struct {
	Timeout    string `yaml:"timeout"`
	StaleAfter string `yaml:"stale_after"`
}

type fileLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the file at path. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (Config, error) {
	var raw fileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateSchema(raw); err != nil {
		return Config{}, err
	}
	return raw.resolve()
}

// validateSchema unifies the set fields with #Config.
func validateSchema(raw fileConfig) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	value := ctx.Encode(raw.setFields())
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", firstCUEError(err))
	}
	return nil
}

func firstCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}

// setFields returns only the fields present in the file, so absent keys are
// not checked against the schema.
func (raw fileConfig) setFields() map[string]any {
	out := map[string]any{}
	if raw.Store != "" {
		out["store"] = raw.Store
	}
	lock := map[string]any{}
	if raw.Lock.Timeout != "" {
		lock["timeout"] = raw.Lock.Timeout
	}
	if raw.Lock.StaleAfter != "" {
		lock["stale_after"] = raw.Lock.StaleAfter
	}
	if len(lock) > 0 {
		out["lock"] = lock
	}
	log := map[string]any{}
	if raw.Log.Level != "" {
		log["level"] = raw.Log.Level
	}
	if raw.Log.Format != "" {
		log["format"] = raw.Log.Format
	}
	if len(log) > 0 {
		out["log"] = log
	}
	return out
}

func (raw fileConfig) resolve() (Config, error) {
	cfg := Default()
	if raw.Store != "" {
		cfg.Store = raw.Store
	}
	if raw.Lock.Timeout != "" {
		d, err := time.ParseDuration(raw.Lock.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("invalid lock.timeout: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid lock.timeout: must be positive, got %s", raw.Lock.Timeout)
		}
		cfg.Lock.Timeout = d
	}
	if raw.Lock.StaleAfter != "" {
		d, err := time.ParseDuration(raw.Lock.StaleAfter)
		if err != nil {
			return Config{}, fmt.Errorf("invalid lock.stale_after: %w", err)
		}
		cfg.Lock.StaleAfter = d
	}
	if raw.Log.Level != "" {
		cfg.Log.Level = raw.Log.Level
	}
	if raw.Log.Format != "" {
		cfg.Log.Format = raw.Log.Format
	}
	return cfg, nil
}

// LockPolicy converts the lock section.
func (c Config) LockPolicy() session.LockPolicy {
	return session.LockPolicy{Timeout: c.Lock.Timeout, StaleAfter: c.Lock.StaleAfter}
}

// NewLogger builds a slog logger writing to w per the log section.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Log.Format)
	}
}
