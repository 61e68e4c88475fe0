package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/mycoool/goota/internal/types"
)

// ConfigFile is the application config path, overridable via -config.
var ConfigFile = "agent.yaml"

// DefaultAppConfig returns the built-in configuration used when no
// agent.yaml exists yet.
func DefaultAppConfig() *types.AppConfig {
	return &types.AppConfig{
		Port:              9001,
		JWTSecret:         "goota-secret-key-change-in-production",
		JWTExpiryDuration: 24,
		Database: types.DatabaseConfig{
			Type:             "sqlite",
			Database:         "goota.db",
			LogRetentionDays: 30,
		},
		Device: types.DeviceConfig{
			DataDir: "./state",
		},
		Update: types.UpdateConfig{
			Enable:   true,
			Schedule: "0 2 * * *",
			Period:   "24h",
			Jitter:   "10m",
			Apply:    "0 3 * * *",
		},
		Timeouts: types.TimeoutConfig{
			API:      "30s",
			Download: "2h",
		},
	}
}

// LoadAppConfig loads agent.yaml, creating it with defaults when absent.
func LoadAppConfig() error {
	if _, err := os.Stat(ConfigFile); os.IsNotExist(err) {
		types.GootaAppConfig = DefaultAppConfig()
		if saveErr := SaveAppConfig(); saveErr != nil {
			log.Warnf("failed to save default app config: %v", saveErr)
		} else {
			log.Infof("created default %s configuration file", ConfigFile)
		}
		return nil
	}

	data, err := os.ReadFile(ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read app config file: %w", err)
	}

	config := DefaultAppConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse app config file: %w", err)
	}

	types.GootaAppConfig = config
	return nil
}

// SaveAppConfig writes the in-memory config back to agent.yaml.
func SaveAppConfig() error {
	if types.GootaAppConfig == nil {
		return fmt.Errorf("app config is empty")
	}

	data, err := yaml.Marshal(types.GootaAppConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal app config: %w", err)
	}

	if err := os.WriteFile(ConfigFile, data, 0644); err != nil {
		return fmt.Errorf("failed to save app config file: %w", err)
	}

	return nil
}

// GetAppConfig returns the loaded application config, loading it on demand.
func GetAppConfig() *types.AppConfig {
	if types.GootaAppConfig == nil {
		if err := LoadAppConfig(); err != nil {
			log.Warnf("failed to load app config: %v", err)
			return nil
		}
	}
	return types.GootaAppConfig
}
