package config

import (
	"fmt"
	"path/filepath"

	"model-resolver/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// LoadConfig reads the configuration from the specified path (defaulting to
// "config.toml") and fills in defaults for anything left unset.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	if cfg.BasePath == "" {
		log.Warn("BasePath is not set in config, defaulting to ./models")
		cfg.BasePath = "models"
	}
	ApplyDefaults(&cfg)

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills zero-valued settings with their defaults. Safe to call
// on a hand-built Config (tests, embedding hosts).
func ApplyDefaults(cfg *models.Config) {
	if cfg.BasePath == "" {
		cfg.BasePath = "models"
	}
	if cfg.CatalogDBPath == "" {
		cfg.CatalogDBPath = filepath.Join(cfg.BasePath, ".resolver", "catalog.db")
	}
	if cfg.RegistryIndexPath == "" {
		cfg.RegistryIndexPath = filepath.Join(cfg.BasePath, ".resolver", "registry.bleve")
	}
	if cfg.CatalogTTLMinutes <= 0 {
		cfg.CatalogTTLMinutes = 5
	}
	if cfg.CopyTimeoutMinutes <= 0 {
		cfg.CopyTimeoutMinutes = 15
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = 60
	}
	if cfg.ApiDelayMs < 0 {
		cfg.ApiDelayMs = 200
	}
	if cfg.CopyCommand == "" {
		cfg.CopyCommand = "aws"
	}
}
