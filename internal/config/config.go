package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlaceholderToken is the substring of a partition template that gets
// replaced by a concrete symbol, e.g. "data/spot/daily/klines/SYMBOL/1m/".
const PlaceholderToken = "SYMBOL"

// Default listing service and harvest settings.
const (
	DefaultBaseURL    = "https://data.binance.vision"
	DefaultSymbolGlob = "*USDT"
	DefaultChunkBytes = 1024 * 1024
)

var DefaultPatterns = []string{
	"data/spot/daily/klines/SYMBOL/1m/",
}

var DefaultNumWorkers = runtime.NumCPU()

// Config holds application settings.
type Config struct {
	BaseURL        string   `yaml:"base_url"`
	Patterns       []string `yaml:"patterns"`
	SymbolGlob     string   `yaml:"symbol_glob"`
	OutputDir      string   `yaml:"output_dir"`
	DbPath         string   `yaml:"db_path"`
	NumWorkers     int      `yaml:"workers"`
	ChunkBytes     int      `yaml:"chunk_bytes"`
	ProxyURL       string   `yaml:"proxy_url"`
	CacheBucketURL string   `yaml:"cache_bucket"`
	VerifyChecksum bool     `yaml:"verify_checksum"`
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		Patterns:   DefaultPatterns,
		SymbolGlob: DefaultSymbolGlob,
		OutputDir:  "./parquet.binance.vision",
		DbPath:     "./binvision_state.duckdb",
		NumWorkers: DefaultNumWorkers,
		ChunkBytes: DefaultChunkBytes,
	}
}

// LoadFile overlays settings from a YAML file onto the defaults.
// Fields absent from the file keep their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks settings the harvest cannot run without.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	if len(c.Patterns) == 0 {
		return errors.New("config: at least one pattern is required")
	}
	for _, p := range c.Patterns {
		if !strings.Contains(p, PlaceholderToken) {
			return fmt.Errorf("config: pattern %q does not contain the %s placeholder", p, PlaceholderToken)
		}
	}
	if c.OutputDir == "" || c.DbPath == "" {
		return errors.New("config: output_dir and db_path are required")
	}
	if c.NumWorkers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.ChunkBytes <= 0 {
		return errors.New("config: chunk_bytes must be positive")
	}
	return nil
}
