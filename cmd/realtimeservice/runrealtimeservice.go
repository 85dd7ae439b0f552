/*
File: cmd/realtimeservice/runrealtimeservice.go
Description: Main entrypoint for the realtime service.
Handles config loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog" // Components log through zerolog; the app shell uses slog.
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"gopkg.in/yaml.v3"

	"github.com/felixzhu97/whatschat-sub000/internal/app"
	"github.com/felixzhu97/whatschat-sub000/internal/platform/auth"
	"github.com/felixzhu97/whatschat-sub000/internal/platform/bus"
	"github.com/felixzhu97/whatschat-sub000/internal/platform/chatstore"
	"github.com/felixzhu97/whatschat-sub000/internal/platform/push"
	"github.com/felixzhu97/whatschat-sub000/internal/platform/registry"
	"github.com/felixzhu97/whatschat-sub000/internal/test/fakes"
	"github.com/felixzhu97/whatschat-sub000/realtimeservice"
	"github.com/felixzhu97/whatschat-sub000/realtimeservice/config"
)

//go:embed config.yaml
var configFile []byte

func main() {
	// --- 1. Setup structured logging (slog) ---
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "realtime-service")
	slog.SetDefault(logger)

	zlogger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "realtime-service").Logger()

	// --- 2. Load Configuration (Stage 0: Unmarshal) ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}

	// --- 3. Build Base Config (Stage 1: YAML to Base Struct) ---
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		logger.Error("Failed to build base configuration from YAML", "err", err)
		os.Exit(1)
	}

	// --- 4. Apply Overrides & Validate (Stage 2: Env Vars) ---
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Failed to finalize configuration with environment overrides", "err", err)
		os.Exit(1)
	}

	// --- 5. Create dependencies ---
	ctx := context.Background()

	deps, psClient, err := newDependencies(ctx, cfg, logger, zlogger)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "err", err)
		os.Exit(1)
	}

	// --- 6. Create the service ---
	service, err := realtimeservice.New(cfg, deps, zlogger)
	if err != nil {
		logger.Error("Failed to create realtime service", "err", err)
		os.Exit(1)
	}

	// The broadcast consumer pushes to this instance's sockets, so it can
	// only be built once the wrapper's direct table exists.
	if psClient != nil {
		consumer, err := newBroadcastConsumer(ctx, cfg, psClient, service, zlogger)
		if err != nil {
			logger.Error("Failed to create broadcast consumer", "err", err)
			os.Exit(1)
		}
		service.AttachBroadcastConsumer(consumer)
	}

	// --- 7. Run the application ---
	app.Run(ctx, logger, service)
}

// newDependencies builds the service dependency container. In local mode all
// external dependencies are in-memory fakes; otherwise real clients are
// created. The returned pubsub client is nil in local mode.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, zlogger zerolog.Logger) (*realtimeservice.Dependencies, *pubsub.Client, error) {
	if cfg.RunMode == "local" {
		logger.Warn("Running in 'local' mode. All external dependencies will be faked.")
		return newLocalDependencies(cfg), nil, nil
	}
	return newProdDependencies(ctx, cfg, logger, zlogger)
}

// newLocalDependencies wires the in-memory fakes for single-process
// development. The JWT verifier stays real so local clients authenticate the
// same way production ones do.
func newLocalDependencies(cfg *config.AppConfig) *realtimeservice.Dependencies {
	reg := fakes.NewRegistry()
	verifier, _ := auth.NewJWTVerifier(cfg.JWTSecret)
	return &realtimeservice.Dependencies{
		Registry:  reg,
		LastSeen:  reg,
		Auth:      verifier,
		Chats:     fakes.NewChatStore(),
		Broadcast: fakes.NewBroadcaster(),
	}
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, zlogger zerolog.Logger) (*realtimeservice.Dependencies, *pubsub.Client, error) {
	logger.Debug("Connecting to Redis", "addr", cfg.Redis.Addr)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	reg, err := registry.NewRedisRegistry(rdb, registry.DefaultConnectionTTL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection registry: %w", err)
	}

	logger.Debug("Connecting to Firestore", "project_id", cfg.ProjectID)
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to firestore: %w", err)
	}
	chats, err := chatstore.NewFirestoreStore(fsClient, cfg.Firestore.ChatsCollection, zlogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create chat store: %w", err)
	}

	logger.Debug("Connecting to PubSub", "project_id", cfg.ProjectID)
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to pubsub: %w", err)
	}
	if err := ensureBroadcastTopic(ctx, cfg, psClient, logger); err != nil {
		return nil, nil, err
	}
	broadcast, err := bus.NewProducer(psClient.Publisher(cfg.Broadcast.TopicID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create broadcast producer: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create jwt verifier: %w", err)
	}

	deps := &realtimeservice.Dependencies{
		Registry:  reg,
		LastSeen:  reg,
		Auth:      verifier,
		Chats:     chats,
		Broadcast: broadcast,
	}

	// Without a relay endpoint the router runs direct-only, which is valid
	// for single-instance deployments.
	if cfg.Relay.Endpoint != "" {
		relay, err := push.NewRelayClient(cfg.Relay.Endpoint, time.Duration(cfg.Relay.TimeoutSeconds)*time.Second, nil, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create relay client: %w", err)
		}
		deps.Relay = relay
	} else {
		logger.Warn("No relay endpoint configured; connections on other instances are unreachable.")
	}

	logger.Debug("All production dependencies initialized")
	return deps, psClient, nil
}

// ensureBroadcastTopic creates the broadcast topic if it doesn't already exist.
func ensureBroadcastTopic(ctx context.Context, cfg *config.AppConfig, psClient *pubsub.Client, logger *slog.Logger) error {
	topicName := fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.Broadcast.TopicID)
	logger.Debug("Ensuring topic exists", "topic", topicName)
	_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", topicName)
			return nil
		}
		return fmt.Errorf("could not create topic %s: %w", topicName, err)
	}
	return nil
}

// newBroadcastConsumer creates this instance's broadcast subscription and the
// consumer draining it. Each instance gets its own subscription so every
// instance sees every broadcast; unnamed subscriptions expire after a day of
// inactivity rather than outliving the instance.
func newBroadcastConsumer(ctx context.Context, cfg *config.AppConfig, psClient *pubsub.Client, service *realtimeservice.Wrapper, zlogger zerolog.Logger) (*bus.Consumer, error) {
	subID := cfg.Broadcast.SubscriptionID
	ephemeral := subID == ""
	if ephemeral {
		subID = "realtime-broadcast-" + uuid.NewString()
	}

	topicName := fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.Broadcast.TopicID)
	subName := fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, subID)

	subConfig := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
	}
	if ephemeral {
		subConfig.ExpirationPolicy = &pubsubpb.ExpirationPolicy{
			Ttl: durationpb.New(24 * time.Hour),
		}
	}

	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("could not create subscription %s: %w", subName, err)
	}

	return bus.NewConsumer(psClient.Subscriber(subID), service.DirectTable(), zlogger)
}
