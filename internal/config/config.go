// Package config loads service settings from defaults, an optional YAML file
// and CLAIMDESK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"claimdesk.org/internal/auth"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
)

const envPrefix = "CLAIMDESK_"

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves gRPC health checks; empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	CipherKey   string        `yaml:"cipher_key"`
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`

	Storage     string `yaml:"storage"`
	PostgresDSN string `yaml:"postgres_dsn"`
	BadgerDir   string `yaml:"badger_dir"`
	SealNotes   bool   `yaml:"seal_notes"`

	DocumentsDir   string `yaml:"documents_dir"`
	ScratchDir     string `yaml:"scratch_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MinFreeBytes   uint64 `yaml:"min_free_bytes"`

	RateLimit RateLimit `yaml:"rate_limit"`
	// TrustProxy takes client addresses from X-Forwarded-For. Set it only
	// behind a reverse proxy that appends the header.
	TrustProxy bool `yaml:"trust_proxy"`

	// Bootstrap accounts are created at startup unless their email exists.
	Bootstrap []auth.Account `yaml:"bootstrap"`
}

// RateLimit bounds requests per client address. RPS 0 disables limiting.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in settings. CipherKey and TokenSecret have no default.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		LogLevel:       "info",
		TokenTTL:       8 * time.Hour,
		Storage:        StorageMemory,
		BadgerDir:      "data/db",
		DocumentsDir:   "data/documents",
		MaxUploadBytes: 5 << 20,
		MinFreeBytes:   64 << 20,
		RateLimit:      RateLimit{RPS: 20, Burst: 40},
	}
}

// Load builds the configuration. A missing file at path is not an error; an
// empty path skips the file. lookup is usually os.LookupEnv.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HTTP_ADDR":     &c.HTTPAddr,
		"GRPC_ADDR":     &c.GRPCAddr,
		"LOG_LEVEL":     &c.LogLevel,
		"CIPHER_KEY":    &c.CipherKey,
		"TOKEN_SECRET":  &c.TokenSecret,
		"STORAGE":       &c.Storage,
		"PG_DSN":        &c.PostgresDSN,
		"BADGER_DIR":    &c.BadgerDir,
		"DOCUMENTS_DIR": &c.DocumentsDir,
		"SCRATCH_DIR":   &c.ScratchDir,
	}
	for name, dst := range str {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}

	var errs []error
	parse := func(name string, fn func(string) error) {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return
		}
		if err := fn(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		}
	}
	parse("TOKEN_TTL", func(v string) (err error) {
		c.TokenTTL, err = time.ParseDuration(v)
		return err
	})
	parse("SEAL_NOTES", func(v string) (err error) {
		c.SealNotes, err = strconv.ParseBool(v)
		return err
	})
	parse("TRUST_PROXY", func(v string) (err error) {
		c.TrustProxy, err = strconv.ParseBool(v)
		return err
	})
	parse("MAX_UPLOAD_BYTES", func(v string) (err error) {
		c.MaxUploadBytes, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	parse("MIN_FREE_BYTES", func(v string) (err error) {
		c.MinFreeBytes, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	parse("RATE_LIMIT_RPS", func(v string) (err error) {
		c.RateLimit.RPS, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("RATE_LIMIT_BURST", func(v string) (err error) {
		c.RateLimit.Burst, err = strconv.Atoi(v)
		return err
	})
	return errors.Join(errs...)
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch len(c.CipherKey) {
	case 16, 24, 32:
	case 0:
		errs = append(errs, errors.New("cipher_key is required"))
	default:
		errs = append(errs, fmt.Errorf("cipher_key must be 16, 24 or 32 bytes, got %d", len(c.CipherKey)))
	}
	if len(c.TokenSecret) < 16 {
		errs = append(errs, errors.New("token_secret must be at least 16 bytes"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	switch c.Storage {
	case StorageMemory:
	case StorageBadger:
		if c.BadgerDir == "" {
			errs = append(errs, errors.New("badger_dir is required for the badger driver"))
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage))
	}
	if c.SealNotes && c.Storage != StoragePostgres {
		errs = append(errs, errors.New("seal_notes needs the postgres driver"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.DocumentsDir == "" {
		errs = append(errs, errors.New("documents_dir is required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit needs rps >= 0 and burst >= 1"))
	}
	for i, a := range c.Bootstrap {
		if !a.Role.Valid() {
			errs = append(errs, fmt.Errorf("bootstrap[%d]: role is required", i))
		}
	}
	return errors.Join(errs...)
}
