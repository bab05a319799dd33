// Package config loads pixelledger configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and PIXELLEDGER_* environment variables (plus DB_DSN).
// The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendGRPC   = "grpc"
)

// Config is the master configuration.
type Config struct {
	// HTTPAddr is the listen address of the upload API.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// SpoolDir holds staged uploads between receipt and persistence.
	SpoolDir string `yaml:"spool_dir"`

	// MaxUploadBytes caps the request body of upload endpoints.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// MaxPixels caps the declared width*height of an uploaded image.
	MaxPixels int64 `yaml:"max_pixels"`

	// Workers is the persistence pool size.
	Workers int `yaml:"workers"`

	Similarity SimilarityConfig `yaml:"similarity"`
	Registry   RegistryConfig   `yaml:"registry"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Storage    StorageConfig    `yaml:"storage"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Auth       AuthConfig       `yaml:"auth"`
	Seal       SealConfig       `yaml:"seal"`
	Classifier ClassifierConfig `yaml:"classifier"`
}

// SimilarityConfig tunes duplicate detection.
type SimilarityConfig struct {
	// Threshold is the maximum Hamming distance counted as a duplicate.
	Threshold int `yaml:"threshold"`

	// ScanTimeout bounds one registry scan. Default: 10s
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// RegistryConfig selects and tunes the registry client.
type RegistryConfig struct {
	// Backend is memory, sqlite or grpc.
	Backend string `yaml:"backend"`

	// Path is the SQLite ledger file (sqlite backend).
	Path string `yaml:"path"`

	// Addr is the ledger server address (grpc backend).
	Addr string `yaml:"addr"`

	// CallTimeout bounds each read RPC (grpc backend).
	CallTimeout time.Duration `yaml:"call_timeout"`

	// AppendTimeout bounds one append, independent of the caller.
	AppendTimeout time.Duration `yaml:"append_timeout"`
}

// LedgerConfig configures the standalone ledger server.
type LedgerConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// StorageConfig configures the blob store.
type StorageConfig struct {
	BlobDir string `yaml:"blob_dir"`

	// PublicBaseURL prefixes returned artifact URLs.
	PublicBaseURL string `yaml:"public_base_url"`
}

// MetadataConfig configures the metadata database.
type MetadataConfig struct {
	// Driver is mysql or sqlite3.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig lists accepted upload tokens. Empty means anonymous uploads.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig binds an identity to a bcrypt token hash.
type TokenConfig struct {
	Identity  string `yaml:"identity"`
	TokenHash string `yaml:"token_hash"`
}

// SealConfig lists age recipients for upload messages. Empty disables sealing.
type SealConfig struct {
	Recipients []string `yaml:"recipients"`
}

// ClassifierConfig extends the built-in sentiment lexicon.
type ClassifierConfig struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

// Default returns the built-in configuration: a SQLite ledger and SQLite
// metadata store under ./data.
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		LogLevel:       "info",
		SpoolDir:       "./data/spool",
		MaxUploadBytes: 32 << 20,
		MaxPixels:      40 << 20,
		Workers:        5,
		Similarity: SimilarityConfig{
			Threshold:   10,
			ScanTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			Backend:       BackendSQLite,
			Path:          "./data/ledger.db",
			Addr:          "127.0.0.1:50051",
			CallTimeout:   5 * time.Second,
			AppendTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Listen: ":50051",
			Path:   "./data/ledger.db",
		},
		Storage: StorageConfig{
			BlobDir:       "./data/blobs",
			PublicBaseURL: "http://localhost:8080/blobs",
		},
		Metadata: MetadataConfig{
			Driver: "sqlite3",
			DSN:    "./data/metadata.db",
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadFile merges a YAML file into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOrDefault("PIXELLEDGER_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = envOrDefault("PIXELLEDGER_LOG_LEVEL", c.LogLevel)
	c.SpoolDir = envOrDefault("PIXELLEDGER_SPOOL_DIR", c.SpoolDir)
	c.Registry.Backend = envOrDefault("PIXELLEDGER_REGISTRY_BACKEND", c.Registry.Backend)
	c.Registry.Path = envOrDefault("PIXELLEDGER_REGISTRY_PATH", c.Registry.Path)
	c.Registry.Addr = envOrDefault("PIXELLEDGER_REGISTRY_ADDR", c.Registry.Addr)
	c.Ledger.Listen = envOrDefault("PIXELLEDGER_LEDGER_LISTEN", c.Ledger.Listen)
	c.Storage.BlobDir = envOrDefault("PIXELLEDGER_BLOB_DIR", c.Storage.BlobDir)
	c.Storage.PublicBaseURL = envOrDefault("PIXELLEDGER_PUBLIC_BASE_URL", c.Storage.PublicBaseURL)
	c.Metadata.Driver = envOrDefault("PIXELLEDGER_DB_DRIVER", c.Metadata.Driver)
	c.Metadata.DSN = envOrDefault("DB_DSN", c.Metadata.DSN)

	if v := os.Getenv("PIXELLEDGER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIXELLEDGER_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("PIXELLEDGER_MAX_PIXELS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PIXELLEDGER_MAX_PIXELS: %w", err)
		}
		c.MaxPixels = n
	}
	if v := os.Getenv("PIXELLEDGER_SIMILARITY_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIXELLEDGER_SIMILARITY_THRESHOLD: %w", err)
		}
		c.Similarity.Threshold = n
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.SpoolDir == "" {
		errs = append(errs, errors.New("spool_dir is required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.MaxPixels <= 0 {
		errs = append(errs, errors.New("max_pixels must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Similarity.Threshold < 0 {
		errs = append(errs, errors.New("similarity.threshold must not be negative"))
	}
	if c.Similarity.ScanTimeout <= 0 {
		errs = append(errs, errors.New("similarity.scan_timeout must be positive"))
	}
	if c.Registry.AppendTimeout <= 0 {
		errs = append(errs, errors.New("registry.append_timeout must be positive"))
	}

	switch c.Registry.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Registry.Path == "" {
			errs = append(errs, errors.New("registry.path is required for the sqlite backend"))
		}
	case BackendGRPC:
		if c.Registry.Addr == "" {
			errs = append(errs, errors.New("registry.addr is required for the grpc backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid registry.backend: %q", c.Registry.Backend))
	}

	switch c.Metadata.Driver {
	case "mysql", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("invalid metadata.driver: %q", c.Metadata.Driver))
	}
	if c.Metadata.DSN == "" {
		errs = append(errs, errors.New("metadata.dsn is required"))
	}
	if c.Storage.BlobDir == "" {
		errs = append(errs, errors.New("storage.blob_dir is required"))
	}

	for i, t := range c.Auth.Tokens {
		if t.Identity == "" || t.TokenHash == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d]: identity and token_hash are required", i))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// envOrDefault reads an env variable or returns the fallback.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
