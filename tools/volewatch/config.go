package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
)

// Config carries the command line options for the seed and tail commands.
type Config struct {
	// Store access
	DataDir string
	Store   string
	Backend string
	Path    string

	// Seed options
	BatchSize int

	// Tail options
	Mode        string
	DocID       string
	DDoc        string
	View        string
	Selector    string
	StartKey    string
	EndKey      string
	Limit       int
	Skip        int
	IncludeDocs bool
	Descending  bool
}

func (c *Config) validateStore() error {
	if c.Store == "" {
		return fmt.Errorf("store name cannot be empty")
	}
	switch c.Backend {
	case docstore.BackendMemory, docstore.BackendPebble, docstore.BackendBadger:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend != docstore.BackendMemory && c.DataDir == "" && c.Path == "" {
		return fmt.Errorf("%s backend requires --data-dir or --path", c.Backend)
	}
	return nil
}

func (c *Config) ValidateSeed() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.Backend == docstore.BackendMemory {
		return fmt.Errorf("memory backend does not persist; use pebble or badger")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch-size must be at least 1")
	}
	return nil
}

func (c *Config) ValidateTail() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	switch c.Mode {
	case "doc":
		if c.DocID == "" {
			return fmt.Errorf("doc mode requires --id")
		}
	case "all_docs":
	case "view":
		if c.DDoc == "" || c.View == "" {
			return fmt.Errorf("view mode requires --ddoc and --view")
		}
	case "find":
		if c.Selector == "" {
			return fmt.Errorf("find mode requires --selector")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// openStore opens the store addressed by the command line options.
func (c *Config) openStore() (*docstore.LocalStore, error) {
	path := c.Path
	if path == "" && c.Backend != docstore.BackendMemory {
		path = filepath.Join(c.DataDir, c.Store)
	}
	return docstore.Open(c.Store, docstore.Options{
		Backend: c.Backend,
		Path:    path,
	})
}

// StoreConfiguration declares one store served by the serve command.
type StoreConfiguration struct {
	Name        string `toml:"name"`
	Backend     string `toml:"backend"`
	Path        string `toml:"path"` // defaults to {data_dir}/{name}
	CacheSizeMB int64  `toml:"cache_size_mb"`
	SyncWrites  bool   `toml:"sync_writes"`
}

// RelayConfiguration declares one changes relay.
type RelayConfiguration struct {
	Name          string   `toml:"name"`
	Store         string   `toml:"store"`
	Sink          string   `toml:"sink"`
	URL           string   `toml:"url"`
	Brokers       []string `toml:"brokers"`
	SubjectPrefix string   `toml:"subject_prefix"`
	IncludeDocs   bool     `toml:"include_docs"`
	Tombstones    bool     `toml:"tombstones"`
	IDPatterns    []string `toml:"id_patterns"`
	IncludeDesign bool     `toml:"include_design"`
	QueueSize     int      `toml:"queue_size"`
	MaxRetries    int      `toml:"max_retries"`
}

// HTTPConfiguration controls the HTTP server.
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"`
	EnablePprof bool   `toml:"enable_pprof"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the serve command configuration.
type Configuration struct {
	DataDir string `toml:"data_dir"`

	HTTP       HTTPConfiguration       `toml:"http"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`

	Stores []StoreConfiguration `toml:"stores"`
	Relays []RelayConfiguration `toml:"relays"`
}

func defaultConfiguration() *Configuration {
	return &Configuration{
		DataDir: "./vole-data",
		HTTP: HTTPConfiguration{
			BindAddress: "0.0.0.0",
			Port:        5984,
		},
		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},
		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// loadConfiguration loads the serve configuration from file, falling back
// to defaults when the file does not exist.
func loadConfiguration(path string) (*Configuration, error) {
	cfg := defaultConfiguration()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			log.Info().Str("path", path).Msg("Loading configuration")
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", path).Msg("Config file not found, using defaults")
		}
	}
	return cfg, nil
}

// Validate checks the serve configuration for errors and fills in derived
// defaults.
func (c *Configuration) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if len(c.Stores) == 0 {
		return fmt.Errorf("at least one store must be configured")
	}

	seen := make(map[string]bool, len(c.Stores))
	for i := range c.Stores {
		sc := &c.Stores[i]
		if sc.Name == "" {
			return fmt.Errorf("store %d: name cannot be empty", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate store name %q", sc.Name)
		}
		seen[sc.Name] = true

		if sc.Backend == "" {
			sc.Backend = docstore.BackendPebble
		}
		switch sc.Backend {
		case docstore.BackendMemory, docstore.BackendPebble, docstore.BackendBadger:
		default:
			return fmt.Errorf("store %q: unknown backend %q", sc.Name, sc.Backend)
		}
		if sc.Path == "" && sc.Backend != docstore.BackendMemory {
			sc.Path = filepath.Join(c.DataDir, sc.Name)
		}
	}

	for i, rc := range c.Relays {
		if rc.Name == "" {
			return fmt.Errorf("relay %d: name cannot be empty", i)
		}
		if !seen[rc.Store] {
			return fmt.Errorf("relay %q: unknown store %q", rc.Name, rc.Store)
		}
		if rc.Sink == "" {
			return fmt.Errorf("relay %q: sink type cannot be empty", rc.Name)
		}
	}
	return nil
}
