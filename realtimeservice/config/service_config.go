package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
)

// envOverrides collects the environment variables that may override the
// embedded YAML values. Empty values mean "keep the YAML value".
type envOverrides struct {
	ProjectID       string `env:"GCP_PROJECT_ID"`
	RunMode         string `env:"RUN_MODE"`
	WebSocketPort   string `env:"WEBSOCKET_PORT"`
	JWTSecret       string `env:"JWT_SECRET"`
	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	ChatsCollection string `env:"CHATS_COLLECTION"`
	BroadcastTopic  string `env:"BROADCAST_TOPIC_ID"`
	BroadcastSub    string `env:"BROADCAST_SUBSCRIPTION_ID"`
	RelayEndpoint   string `env:"RELAY_ENDPOINT"`
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger *slog.Logger) (*AppConfig, error) {
	logger.Debug("Applying environment variable overrides...")

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	apply := func(key string, target *string, value string) {
		if value == "" {
			return
		}
		logger.Debug("Overriding config value", "key", key, "source", "env")
		*target = value
	}
	apply("GCP_PROJECT_ID", &cfg.ProjectID, overrides.ProjectID)
	apply("RUN_MODE", &cfg.RunMode, overrides.RunMode)
	apply("WEBSOCKET_PORT", &cfg.WebSocketPort, overrides.WebSocketPort)
	apply("JWT_SECRET", &cfg.JWTSecret, overrides.JWTSecret)
	apply("REDIS_ADDR", &cfg.Redis.Addr, overrides.RedisAddr)
	apply("REDIS_PASSWORD", &cfg.Redis.Password, overrides.RedisPassword)
	apply("CHATS_COLLECTION", &cfg.Firestore.ChatsCollection, overrides.ChatsCollection)
	apply("BROADCAST_TOPIC_ID", &cfg.Broadcast.TopicID, overrides.BroadcastTopic)
	apply("BROADCAST_SUBSCRIPTION_ID", &cfg.Broadcast.SubscriptionID, overrides.BroadcastSub)
	apply("RELAY_ENDPOINT", &cfg.Relay.Endpoint, overrides.RelayEndpoint)

	// Final validation. Local mode runs on in-memory dependencies, so the
	// cloud-only values are not required there.
	if cfg.WebSocketPort == "" {
		logger.Error("Final config validation failed", "error", "WEBSOCKET_PORT is not set")
		return nil, fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if cfg.JWTSecret == "" {
		logger.Error("Final config validation failed", "error", "JWT_SECRET is not set")
		return nil, fmt.Errorf("JWT_SECRET is not set in config or env var")
	}
	if cfg.RunMode != "local" {
		if cfg.ProjectID == "" {
			logger.Error("Final config validation failed", "error", "GCP_PROJECT_ID is not set")
			return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
		if cfg.Redis.Addr == "" {
			logger.Error("Final config validation failed", "error", "REDIS_ADDR is not set")
			return nil, fmt.Errorf("REDIS_ADDR is not set in config or env var")
		}
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
