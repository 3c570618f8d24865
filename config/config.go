package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// StorageConfig represents configuration for the persistence layer.
type StorageConfig struct {
	Path                string  `yaml:"path,omitempty"`                 // SQLite database path (default: ~/.braind/brain.db)
	EmbeddingDim        int     `yaml:"embedding_dim,omitempty"`        // Expected embedding dimensionality
	Metric              string  `yaml:"metric,omitempty"`               // Similarity metric: cosine, euclidean, manhattan
	CacheDisabled       bool    `yaml:"cache_disabled,omitempty"`       // Disable the in-memory vector cache tier
	DefaultTopK         int     `yaml:"default_top_k,omitempty"`        // Default number of retrieval results
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty"` // Minimum score for retrieval results
}

// DeviceConfig represents the identity this daemon registers under.
// Empty fields are detected from the host at startup.
type DeviceConfig struct {
	ID             string `yaml:"id,omitempty"`             // Stable device id (default: detected from hostname+MAC)
	Tier           string `yaml:"tier,omitempty"`           // Hardware tier (default: detected from CPU count)
	Specialization string `yaml:"specialization,omitempty"` // Free-form role, e.g. "coding", "home_automation"
	Location       string `yaml:"location,omitempty"`       // Free-form location, e.g. "office"
}

// OllamaConfig represents configuration for the Ollama embedding provider.
type OllamaConfig struct {
	Host    string `yaml:"host,omitempty"`    // Ollama host (default: "http://localhost:11434")
	Model   string `yaml:"model,omitempty"`   // Embedding model name
	Timeout int    `yaml:"timeout,omitempty"` // Request timeout in seconds
}

// Config represents the configuration for the braind daemon.
type Config struct {
	Storage StorageConfig `yaml:"storage,omitempty"`
	Device  DeviceConfig  `yaml:"device,omitempty"`
	Ollama  OllamaConfig  `yaml:"ollama,omitempty"`

	OpTimeout            int    `yaml:"op_timeout,omitempty"`             // Per-operation timeout in seconds
	HeartbeatWindow      int    `yaml:"heartbeat_window,omitempty"`       // Seconds since last_seen before a device counts as stale
	OfflineSweepSchedule string `yaml:"offline_sweep_schedule,omitempty"` // Cron spec for the stale-device sweep
	LogFile              string `yaml:"log_file,omitempty"`               // Log file path (empty = stdout)
}

// GetConfigPath returns the default config file path.
// Can be overridden via BRAIN_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("BRAIN_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.braind/config.yaml"
	}
	return filepath.Join(homeDir, ".braind", "config.yaml")
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	cfg := Config{
		Storage: StorageConfig{
			Path:                defaultDBPath(),
			EmbeddingDim:        1024,
			Metric:              "cosine",
			DefaultTopK:         5,
			SimilarityThreshold: 0.0,
		},
		Ollama: OllamaConfig{
			Host:    "http://localhost:11434",
			Model:   "mxbai-embed-large",
			Timeout: 60,
		},
		OpTimeout:            30,
		HeartbeatWindow:      300,
		OfflineSweepSchedule: "@every 1m",
	}
	return cfg
}

// Load loads configuration from the specified path, merged onto the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	defaults := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err != nil {
		// File doesn't exist, return defaults
		return &defaults, nil
	}

	configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
	}

	var config Config
	if err := yaml.Unmarshal(configYAML, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Merge loaded config onto defaults
	if err := mergo.Merge(&defaults, config, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	return &defaults, nil
}

// Save saves the configuration to the specified path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func defaultDBPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.braind/brain.db"
	}
	return filepath.Join(homeDir, ".braind", "brain.db")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
