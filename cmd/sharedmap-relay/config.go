package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

const defaultAddr = ":9000"

type config struct {
	Addr  string `yaml:"addr"`
	Path  string `yaml:"path"`
	Debug bool   `yaml:"debug"`
	// HistoryLimit caps the messages replayed to new peers; zero keeps all.
	HistoryLimit int `yaml:"history_limit"`
}

func defaultConfig() config {
	return config{Addr: defaultAddr, Path: "/"}
}

// loadConfig reads the YAML file at path over the defaults. An empty path
// gives the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.HistoryLimit < 0 {
		return cfg, fmt.Errorf("config %s: history_limit must not be negative", path)
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	return cfg, nil
}
