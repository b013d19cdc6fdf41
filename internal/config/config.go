// Package config centralizes runtime configuration for ntm. It loads an
// optional JSON or YAML file with viper, applies NTM_-prefixed environment
// overrides (NTM_PORT, NTM_CLOUD_API_URL, NTM_AMQP_URL, ...), and falls
// back to defaults for anything unset. A missing file is not an error so
// development runs need no setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "NTM"

// Config holds configurable options for the ntm binaries.
type Config struct {
	Port              int           `mapstructure:"port"`
	DatabaseFile      string        `mapstructure:"database_file"`
	BackupDir         string        `mapstructure:"backup_dir"`
	MaxBackups        int           `mapstructure:"max_backups"`
	CredentialsFile   string        `mapstructure:"credentials_file"`
	CloudAPIURL       string        `mapstructure:"cloud_api_url"`
	ActivationTimeout time.Duration `mapstructure:"activation_timeout"`
	TabletCodeTTL     time.Duration `mapstructure:"tablet_code_ttl"`
	MaxClockSkew      time.Duration `mapstructure:"max_clock_skew"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	LogBuffer         int           `mapstructure:"log_buffer"`
	DocsDir           string        `mapstructure:"docs_dir"`
	AMQP              AMQP          `mapstructure:"amqp"`
}

// AMQP configures the optional lifecycle event publisher. An empty URL
// disables it.
type AMQP struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// Defaults returns the node defaults.
func Defaults() Config {
	return Config{
		Port:              8080,
		DatabaseFile:      "ntm.db",
		BackupDir:         "",
		MaxBackups:        20,
		CredentialsFile:   ".ntm-credentials.json",
		CloudAPIURL:       "http://localhost:3000",
		ActivationTimeout: 10 * time.Second,
		TabletCodeTTL:     10 * time.Minute,
		MaxClockSkew:      5 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "text",
		LogBuffer:         200,
		DocsDir:           "docs",
		AMQP: AMQP{
			Exchange:   "ntm.events",
			RoutingKey: "ntm",
		},
	}
}

// LoadConfig loads path over the node defaults.
func LoadConfig(path string) (*Config, error) {
	return Load(path, Defaults())
}

// Load reads path (if non-empty and present) over def and applies
// environment overrides.
func Load(path string, def Config) (*Config, error) {
	v := viper.New()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &c, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("port", def.Port)
	v.SetDefault("database_file", def.DatabaseFile)
	v.SetDefault("backup_dir", def.BackupDir)
	v.SetDefault("max_backups", def.MaxBackups)
	v.SetDefault("credentials_file", def.CredentialsFile)
	v.SetDefault("cloud_api_url", def.CloudAPIURL)
	v.SetDefault("activation_timeout", def.ActivationTimeout)
	v.SetDefault("tablet_code_ttl", def.TabletCodeTTL)
	v.SetDefault("max_clock_skew", def.MaxClockSkew)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("log_buffer", def.LogBuffer)
	v.SetDefault("docs_dir", def.DocsDir)
	v.SetDefault("amqp.url", def.AMQP.URL)
	v.SetDefault("amqp.exchange", def.AMQP.Exchange)
	v.SetDefault("amqp.routing_key", def.AMQP.RoutingKey)
}
