// Package config loads a filechain node's runtime configuration and sets
// up its logger.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the settings for one filechain node process.
type Config struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	JoinHost       string `json:"join_host"`
	JoinPort       int    `json:"join_port"`
	MaxConnections int    `json:"max_connections"`
	LogLevel       string `json:"log_level"`
}

// Default returns a Config with the baseline values the CLI falls back to
// when no config file or flag overrides them.
func Default() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           9000,
		MaxConnections: 20,
		LogLevel:       "info",
	}
}

// LoadConfig reads and decodes a JSON config file on top of Default.
func LoadConfig(filepath string) (*Config, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", filepath, err)
	}
	defer file.Close()

	cfg := Default()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", filepath, err)
	}
	return cfg, nil
}
