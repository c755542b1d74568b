package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/logger"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"gopkg.in/yaml.v3"
)

type clientConfig struct {
	Server          string        `yaml:"server"`
	Log             logger.Config `yaml:"log"`
	CachePath       string        `yaml:"cachePath"`
	ModelCacheTTL   time.Duration `yaml:"modelCacheTTL"`
	Model           string        `yaml:"model"`
	ReasoningEffort string        `yaml:"reasoningEffort"`
	ShowReasoning   bool          `yaml:"showReasoning"`
}

const (
	defaultServer        = "http://localhost:8080"
	defaultModelCacheTTL = 24 * time.Hour
)

// loadClientConfig reads the config file at path. A missing file yields the defaults.
func loadClientConfig(path, cfgDir string) (clientConfig, error) {
	var cfg clientConfig

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return clientConfig{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return clientConfig{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if cfg.Server == "" {
		cfg.Server = defaultServer
	}
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfgDir, "client-cache.db")
	}
	if cfg.ModelCacheTTL == 0 {
		cfg.ModelCacheTTL = defaultModelCacheTTL
	}
	if !models.ValidEffort(cfg.ReasoningEffort) {
		return clientConfig{}, fmt.Errorf("invalid reasoningEffort %q", cfg.ReasoningEffort)
	}
	return cfg, nil
}
