package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/stevecastle/lightfield/correspond"
	"github.com/stevecastle/lightfield/lightfield"
	"github.com/stevecastle/lightfield/platform"
)

// Engine holds correspondence search settings.
type Engine struct {
	PatchRadius  int `json:"patchRadius"`
	MaxWalkSteps int `json:"maxWalkSteps"`
	Workers      int `json:"workers"`
}

// Loader holds light field loading settings.
type Loader struct {
	Channels     int `json:"channels"`
	MaxDimension int `json:"maxDimension"`
}

// S3 holds credentials and endpoint for light fields stored in S3.
type S3 struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle"`
}

// Config holds application configuration: storage, server, search engine
// and loader settings.
type Config struct {
	DBPath     string `json:"dbPath"`
	ListenAddr string `json:"listenAddr"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`

	Engine Engine `json:"engine"`
	Loader Loader `json:"loader"`
	S3     S3     `json:"s3"`

	// Directory debug images are written to
	DebugDir string `json:"debugDir"`

	SubmitRatePerSecond float64 `json:"submitRatePerSecond"`
	MaxRunningJobs      int     `json:"maxRunningJobs"`

	LogFormat string `json:"logFormat"`
	LogLevel  string `json:"logLevel"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default database path in the platform data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "lightfield.db")
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		DBPath:     DefaultDBPath(),
		ListenAddr: "127.0.0.1:8090",
		JWTSecret:  uuid.New().String(),
		Engine: Engine{
			PatchRadius: 3,
		},
		Loader: Loader{
			Channels: 3,
		},
		DebugDir:            filepath.Join(platform.GetCacheDir(), "debug"),
		SubmitRatePerSecond: 2,
		MaxRunningJobs:      2,
		LogFormat:           "text",
		LogLevel:            "info",
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj, srcObj map[string]json.RawMessage
			if json.Unmarshal(existing, &dstObj) != nil || json.Unmarshal(v, &srcObj) != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// ConfigPath returns the full path to the config.json file.
func ConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// applyDefaults fills zero fields from def and reports whether a field
// that must persist (database path, JWT secret) was missing.
func applyDefaults(c *Config, def Config) (needsSave bool) {
	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.JWTSecret == "" {
		c.JWTSecret = def.JWTSecret
		needsSave = true
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.Engine.PatchRadius == 0 {
		c.Engine.PatchRadius = def.Engine.PatchRadius
	}
	if c.Loader.Channels == 0 {
		c.Loader.Channels = def.Loader.Channels
	}
	if c.DebugDir == "" {
		c.DebugDir = def.DebugDir
	}
	if c.SubmitRatePerSecond == 0 {
		c.SubmitRatePerSecond = def.SubmitRatePerSecond
	}
	if c.MaxRunningJobs == 0 {
		c.MaxRunningJobs = def.MaxRunningJobs
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return needsSave
}

// Validate reports settings the engine or server would reject.
func (c Config) Validate() error {
	if c.Engine.PatchRadius < 0 {
		return fmt.Errorf("engine.patchRadius must be >= 0, got %d", c.Engine.PatchRadius)
	}
	if c.Engine.MaxWalkSteps < 0 {
		return fmt.Errorf("engine.maxWalkSteps must be >= 0, got %d", c.Engine.MaxWalkSteps)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	switch c.Loader.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("loader.channels must be 1, 3 or 4, got %d", c.Loader.Channels)
	}
	if c.Loader.MaxDimension < 0 {
		return fmt.Errorf("loader.maxDimension must be >= 0, got %d", c.Loader.MaxDimension)
	}
	if c.SubmitRatePerSecond < 0 {
		return fmt.Errorf("submitRatePerSecond must be >= 0")
	}
	return nil
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
func Load() (Config, string, error) {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %w", filepath.Dir(path), err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
		def := defaultConfig()
		if err := os.MkdirAll(filepath.Dir(def.DBPath), 0755); err != nil {
			return Config{}, "", fmt.Errorf("failed to create database directory: %w", err)
		}
		savedPath, saveErr := Save(def)
		if saveErr != nil {
			return Config{}, path, fmt.Errorf("failed to create default config file: %w", saveErr)
		}
		return def, savedPath, nil
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	needsSave := applyDefaults(&c, defaultConfig())
	if err := c.Validate(); err != nil {
		return Config{}, path, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory: %w", err)
	}

	if needsSave {
		if _, err := Save(c); err != nil {
			// Continue with the in-memory config.
			fmt.Fprintf(os.Stderr, "Warning: failed to save updated config: %v\n", err)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed. Keys in
// the existing file that Config does not know are kept. Returns the path.
func Save(c Config) (string, error) {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %w", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return path, nil
}

// EngineConfig returns the search engine settings.
func (c Config) EngineConfig() correspond.Config {
	return correspond.Config{
		PatchRadius:  c.Engine.PatchRadius,
		MaxWalkSteps: c.Engine.MaxWalkSteps,
		Workers:      c.Engine.Workers,
	}
}

// LoaderOptions returns the light field loader settings.
func (c Config) LoaderOptions() lightfield.Options {
	return lightfield.Options{
		Channels:     c.Loader.Channels,
		MaxDimension: c.Loader.MaxDimension,
		S3:           lightfield.S3Options(c.S3),
	}
}
