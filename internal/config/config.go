package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreBadger = "badger"

	DirectoryKV = "kv"
	DirectoryFS = "fs"
)

type Store struct {
	// Kind is "memory" or "badger".
	Kind     string `yaml:"kind"`
	Path     string `yaml:"path,omitempty"`
	InMemory bool   `yaml:"inMemory,omitempty"`

	MaxTransactionBytes    int           `yaml:"maxTransactionBytes,omitempty"`
	MaxTransactionDuration time.Duration `yaml:"maxTransactionDuration,omitempty"`
	SequenceBandwidth      uint64        `yaml:"sequenceBandwidth,omitempty"`
}

type Directory struct {
	// Kind is "kv" or "fs".
	Kind                string `yaml:"kind"`
	Path                string `yaml:"path"`
	Root                string `yaml:"root,omitempty"`
	PageSize            int    `yaml:"pageSize"`
	PagesPerTransaction int    `yaml:"pagesPerTransaction"`
}

type Allocator struct {
	// Shards forces sharded read-modify-write counters when above 1.
	Shards int `yaml:"shards,omitempty"`
}

type Writer struct {
	MaxBatchBytes    int           `yaml:"maxBatchBytes,omitempty"`
	MaxBatchDuration time.Duration `yaml:"maxBatchDuration,omitempty"`
}

type Server struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metricsPath"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Store     Store     `yaml:"store"`
	Directory Directory `yaml:"directory"`
	Allocator Allocator `yaml:"allocator"`
	Writer    Writer    `yaml:"writer"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrInvalid                  = errors.New("invalid config")
)

func Default() Config {
	return Config{
		Store: Store{Kind: StoreMemory},
		Directory: Directory{
			Kind:                DirectoryKV,
			Path:                "kvindex",
			PageSize:            64 << 10,
			PagesPerTransaction: 100,
		},
		Server: Server{Addr: ":8080", MetricsPath: "/metrics"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that do not depend on the opened store.
// Page size against the store's transaction budget is checked when the
// directory opens.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Path == "" && !c.Store.InMemory {
			return fmt.Errorf("%w: store.path is required for badger unless store.inMemory is set", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: store.kind %q", ErrInvalid, c.Store.Kind)
	}
	if c.Store.MaxTransactionBytes < 0 || c.Store.MaxTransactionDuration < 0 {
		return fmt.Errorf("%w: negative store limits", ErrInvalid)
	}

	switch c.Directory.Kind {
	case DirectoryKV:
		if c.Directory.PageSize <= 0 {
			return fmt.Errorf("%w: directory.pageSize must be positive", ErrInvalid)
		}
		if c.Directory.PagesPerTransaction <= 0 {
			return fmt.Errorf("%w: directory.pagesPerTransaction must be positive", ErrInvalid)
		}
	case DirectoryFS:
		if c.Directory.Root == "" {
			return fmt.Errorf("%w: directory.root is required for the fs directory", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: directory.kind %q", ErrInvalid, c.Directory.Kind)
	}

	if c.Allocator.Shards < 0 {
		return fmt.Errorf("%w: allocator.shards must not be negative", ErrInvalid)
	}
	if c.Writer.MaxBatchBytes < 0 || c.Writer.MaxBatchDuration < 0 {
		return fmt.Errorf("%w: negative writer budget", ErrInvalid)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger described by l.
func (l Log) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Generate writes the default configuration to path.
func Generate(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
