// Package config loads the service configuration in two stages: the embedded
// YAML file provides the base values, then environment variables override and
// final validation runs.
package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlFirestoreConfig struct {
	ChatsCollection string `yaml:"chats_collection"`
}

type YamlBroadcastConfig struct {
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
}

type YamlRelayConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID     string              `yaml:"project_id"`
	RunMode       string              `yaml:"run_mode"`
	WebSocketPort string              `yaml:"websocket_port"`
	JWTSecret     string              `yaml:"jwt_secret"`
	Redis         YamlRedisConfig     `yaml:"redis"`
	Firestore     YamlFirestoreConfig `yaml:"firestore"`
	Broadcast     YamlBroadcastConfig `yaml:"broadcast"`
	Relay         YamlRelayConfig     `yaml:"relay"`
}

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and finalized
// by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID     string
	RunMode       string
	WebSocketPort string
	JWTSecret     string
	Redis         YamlRedisConfig
	Firestore     YamlFirestoreConfig
	Broadcast     YamlBroadcastConfig
	Relay         YamlRelayConfig
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct, without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	// This mapping is 1:1, as AppConfig matches YamlConfig
	appCfg := &AppConfig{
		ProjectID:     yamlCfg.ProjectID,
		RunMode:       yamlCfg.RunMode,
		WebSocketPort: yamlCfg.WebSocketPort,
		JWTSecret:     yamlCfg.JWTSecret,
		Redis:         yamlCfg.Redis,
		Firestore:     yamlCfg.Firestore,
		Broadcast:     yamlCfg.Broadcast,
		Relay:         yamlCfg.Relay,
	}

	return appCfg, nil
}
