package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// WorkerSpec declares one worker the serve command starts at boot.
type WorkerSpec struct {
	// Identity is the model identity: process name, routing key and
	// transport identity.
	Identity string `json:"identity" yaml:"identity" toml:"identity"`
	// Loader names the registered loader factory hosting the model.
	Loader string `json:"loader" yaml:"loader" toml:"loader"`
}

// Config holds runtime parameters for the dispatcher.
// Zero values mean "unspecified" and are replaced by defaults at wiring time.
type Config struct {
	FrontendAddr    string       `json:"frontend_addr" yaml:"frontend_addr" toml:"frontend_addr"`
	BackendNetwork  string       `json:"backend_network" yaml:"backend_network" toml:"backend_network"`
	BackendAddr     string       `json:"backend_addr" yaml:"backend_addr" toml:"backend_addr"`
	OpsAddr         string       `json:"ops_addr" yaml:"ops_addr" toml:"ops_addr"`
	ClientTimeoutS  int          `json:"client_timeout_s" yaml:"client_timeout_s" toml:"client_timeout_s"`
	StartTimeoutS   int          `json:"start_timeout_s" yaml:"start_timeout_s" toml:"start_timeout_s"`
	LogLevel        string       `json:"log_level" yaml:"log_level" toml:"log_level"`
	Workers         []WorkerSpec `json:"workers" yaml:"workers" toml:"workers"`
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
