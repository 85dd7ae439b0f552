package config_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixzhu97/whatschat-sub000/realtimeservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBaseConfig creates a mock "Stage 1" config, simulating what
// NewConfigFromYaml would produce.
func newBaseConfig() *config.AppConfig {
	return &config.AppConfig{
		ProjectID:     "base-project",
		RunMode:       "base-mode",
		WebSocketPort: "9091",
		JWTSecret:     "base-secret",
		Redis: config.YamlRedisConfig{
			Addr: "base-redis:6379",
		},
		Firestore: config.YamlFirestoreConfig{
			ChatsCollection: "chats",
		},
		Broadcast: config.YamlBroadcastConfig{
			TopicID:        "base-topic",
			SubscriptionID: "base-sub",
		},
		Relay: config.YamlRelayConfig{
			TimeoutSeconds: 5,
		},
	}
}

func TestNewConfigFromYaml(t *testing.T) {
	t.Run("Success - maps all fields correctly from YAML struct", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID:     "yaml-project",
			RunMode:       "yaml-mode",
			WebSocketPort: "8081",
			JWTSecret:     "yaml-secret",
			Redis: config.YamlRedisConfig{
				Addr: "yaml-redis:6379",
				DB:   2,
			},
			Firestore: config.YamlFirestoreConfig{
				ChatsCollection: "yaml-chats",
			},
			Broadcast: config.YamlBroadcastConfig{
				TopicID:        "yaml-topic",
				SubscriptionID: "yaml-sub",
			},
			Relay: config.YamlRelayConfig{
				Endpoint:       "http://yaml-relay:8081",
				TimeoutSeconds: 3,
			},
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, "yaml-mode", cfg.RunMode)
		assert.Equal(t, "8081", cfg.WebSocketPort)
		assert.Equal(t, "yaml-secret", cfg.JWTSecret)
		assert.Equal(t, "yaml-redis:6379", cfg.Redis.Addr)
		assert.Equal(t, 2, cfg.Redis.DB)
		assert.Equal(t, "yaml-chats", cfg.Firestore.ChatsCollection)
		assert.Equal(t, "yaml-topic", cfg.Broadcast.TopicID)
		assert.Equal(t, "yaml-sub", cfg.Broadcast.SubscriptionID)
		assert.Equal(t, "http://yaml-relay:8081", cfg.Relay.Endpoint)
		assert.Equal(t, 3, cfg.Relay.TimeoutSeconds)
	})
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - All overrides applied", func(t *testing.T) {
		baseCfg := newBaseConfig()

		t.Setenv("GCP_PROJECT_ID", "env-project")
		t.Setenv("WEBSOCKET_PORT", "8001")
		t.Setenv("JWT_SECRET", "env-secret")
		t.Setenv("REDIS_ADDR", "env-redis:6379")
		t.Setenv("BROADCAST_TOPIC_ID", "env-topic")
		t.Setenv("RELAY_ENDPOINT", "http://env-relay:8001")

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "env-project", cfg.ProjectID)
		assert.Equal(t, "8001", cfg.WebSocketPort)
		assert.Equal(t, "env-secret", cfg.JWTSecret)
		assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
		assert.Equal(t, "env-topic", cfg.Broadcast.TopicID)
		assert.Equal(t, "http://env-relay:8001", cfg.Relay.Endpoint)

		// Non-overridden fields remain.
		assert.Equal(t, "base-mode", cfg.RunMode)
		assert.Equal(t, "base-sub", cfg.Broadcast.SubscriptionID)
		assert.Equal(t, "chats", cfg.Firestore.ChatsCollection)
	})

	t.Run("Failure - Missing required JWT_SECRET", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.JWTSecret = ""

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "JWT_SECRET is not set")
	})

	t.Run("Failure - Missing required WEBSOCKET_PORT", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.WebSocketPort = ""

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "WEBSOCKET_PORT is not set")
	})

	t.Run("Failure - Cloud mode requires GCP_PROJECT_ID", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.ProjectID = ""

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "GCP_PROJECT_ID is not set")
	})

	t.Run("Success - Local mode runs without cloud settings", func(t *testing.T) {
		baseCfg := newBaseConfig()
		baseCfg.RunMode = "local"
		baseCfg.ProjectID = ""
		baseCfg.Redis.Addr = ""

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
		require.NoError(t, err)
		require.NotNil(t, cfg)
	})
}
