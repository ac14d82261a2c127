package config

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Config represents the configuration of the drift update client
type Config struct {
	// Default config file location
	configFile string

	Repository struct {
		// Base URL of the repository, http(s):// or a local directory path
		URL string `json:"url"`
		// Optional HTTP basic credentials
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty"`
	} `json:"repository"`

	Workspace struct {
		Path string `json:"path"`
	} `json:"workspace"`

	Tuning struct {
		// Bytes buffered between the downloader and the applier
		BufferBytes int `json:"bufferBytes"`
		ConnectTimeoutSeconds int `json:"connectTimeoutSeconds"`
		ReadIdleTimeoutSeconds int `json:"readIdleTimeoutSeconds"`
		// Path of the local package metadata cache, empty to disable
		MetadataCachePath string `json:"metadataCache,omitempty"`
	} `json:"tuning"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Workspace.Path = "."
	cfg.Tuning.BufferBytes = 4 * 1024 * 1024
	cfg.Tuning.ConnectTimeoutSeconds = 10
	cfg.Tuning.ReadIdleTimeoutSeconds = 60

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
