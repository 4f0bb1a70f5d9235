package config

import (
	"fmt"
	"strings"

	"github.com/toolgate/toolgate/internal/domain"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	HTTPAddress string `mapstructure:"http_address"`

	DatabaseURL string `mapstructure:"database_url"`

	// RedisURL enables the distributed refresh lock. Optional.
	RedisURL string `mapstructure:"redis_url"`

	// OAuthBrokerURL points at the internal token exchange service. Optional;
	// without it every refresh goes directly to the provider.
	OAuthBrokerURL string `mapstructure:"oauth_broker_url"`

	OwnerTokenSecret string `mapstructure:"owner_token_secret"`

	Providers []domain.ProviderConfig `mapstructure:"providers"`
}

// ProviderMap indexes the configured providers by name.
func (c Config) ProviderMap() map[string]domain.ProviderConfig {
	providers := make(map[string]domain.ProviderConfig, len(c.Providers))
	for _, p := range c.Providers {
		providers[p.Name] = p
	}

	return providers
}

// UpstreamBaseURLs maps provider name to the proxied API root.
func (c Config) UpstreamBaseURLs() map[string]string {
	urls := make(map[string]string, len(c.Providers))
	for _, p := range c.Providers {
		urls[p.Name] = p.APIBaseURL
	}

	return urls
}

// Load reads configuration from an optional YAML file and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("http_address", ":8080")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"http_address":       "HTTP_ADDRESS",
		"database_url":       "DATABASE_URL",
		"redis_url":          "REDIS_URL",
		"oauth_broker_url":   "OAUTH_BROKER_URL",
		"owner_token_secret": "OWNER_TOKEN_SECRET",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	v.SetConfigName("toolgate_config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.toolgate")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	var missing []string

	if config.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if config.OwnerTokenSecret == "" {
		missing = append(missing, "OWNER_TOKEN_SECRET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	for _, p := range config.Providers {
		if p.Name == "" || p.TokenURL == "" {
			return fmt.Errorf("provider entries require name and token_url")
		}
	}

	return nil
}
