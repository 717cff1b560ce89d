// Package config loads the service configuration from YAML, JSON or TOML
// files, selected by extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelpool/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// Static instance list; replaced at runtime when workspace registry
	// events carry provider lists.
	Instances []types.InstanceConfig `json:"instances" yaml:"instances" toml:"instances"`

	// ReserveFraction of available memory held back from admission.
	ReserveFraction float64 `json:"reserve_fraction" yaml:"reserve_fraction" toml:"reserve_fraction"`

	// Poll cache lifetimes in seconds.
	StatusTTLSeconds int `json:"status_ttl_seconds" yaml:"status_ttl_seconds" toml:"status_ttl_seconds"`
	ModelsTTLSeconds int `json:"models_ttl_seconds" yaml:"models_ttl_seconds" toml:"models_ttl_seconds"`
	LoadTTLSeconds   int `json:"load_ttl_seconds" yaml:"load_ttl_seconds" toml:"load_ttl_seconds"`

	// Default chat timeout; individual requests may override it.
	ChatTimeoutSeconds int `json:"chat_timeout_seconds" yaml:"chat_timeout_seconds" toml:"chat_timeout_seconds"`

	NATS        NATSConfig        `json:"nats" yaml:"nats" toml:"nats"`
	VectorStore VectorStoreConfig `json:"vector_store" yaml:"vector_store" toml:"vector_store"`
	OpenAI      OpenAIConfig      `json:"openai" yaml:"openai" toml:"openai"`
	Worker      WorkerConfig      `json:"worker" yaml:"worker" toml:"worker"`
}

// NATSConfig selects between an external server and an embedded one.
type NATSConfig struct {
	URL string `json:"url" yaml:"url" toml:"url"`
	// Embedded starts an in-process JetStream server when true; URL is
	// ignored in that case.
	Embedded bool   `json:"embedded" yaml:"embedded" toml:"embedded"`
	StoreDir string `json:"store_dir" yaml:"store_dir" toml:"store_dir"`
	Port     int    `json:"port" yaml:"port" toml:"port"`
}

// VectorStoreConfig points at the vector database.
type VectorStoreConfig struct {
	URL    string `json:"url" yaml:"url" toml:"url"`
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

// OpenAIConfig configures the hosted embedding provider. Empty APIKey
// disables it.
type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
}

// WorkerConfig configures the embedding worker.
type WorkerConfig struct {
	ID       string `json:"id" yaml:"id" toml:"id"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" toml:"pool_size"`
	// StorageRoot is the directory markdown sources are resolved under.
	StorageRoot string `json:"storage_root" yaml:"storage_root" toml:"storage_root"`
	// Workspaces to watch for control events.
	Workspaces []string `json:"workspaces" yaml:"workspaces" toml:"workspaces"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
