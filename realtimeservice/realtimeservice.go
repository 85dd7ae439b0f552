// Package realtimeservice wires the realtime components into a runnable
// service: the shared registry, the transport router, presence, fan-out,
// call signaling, and the WebSocket edge.
package realtimeservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/internal/call"
	"github.com/felixzhu97/whatschat-sub000/internal/fanout"
	"github.com/felixzhu97/whatschat-sub000/internal/platform/bus"
	"github.com/felixzhu97/whatschat-sub000/internal/presence"
	"github.com/felixzhu97/whatschat-sub000/internal/realtime"
	"github.com/felixzhu97/whatschat-sub000/internal/session"
	"github.com/felixzhu97/whatschat-sub000/internal/transport"
	rt "github.com/felixzhu97/whatschat-sub000/pkg/realtime"
	"github.com/felixzhu97/whatschat-sub000/realtimeservice/config"
)

// Dependencies carries the externally provided collaborators. The entrypoint
// decides which concrete adapters to construct (Redis, Firestore, Pub/Sub, or
// in-memory fakes for local development); the wrapper wires them together.
type Dependencies struct {
	Registry  rt.ConnectionRegistry
	LastSeen  rt.LastSeenStore
	Auth      rt.Authenticator
	Chats     rt.ChatStore
	Broadcast rt.EventBroadcaster

	// Relay is the cross-instance push client. Nil means direct-only mode:
	// sockets held by other instances are unreachable.
	Relay transport.RelaySender

	// BroadcastConsumer drains this instance's broadcast subscription. Nil
	// means broadcast events from other instances are not received, which
	// is fine for single-instance deployments.
	BroadcastConsumer *bus.Consumer
}

func (d *Dependencies) validate() error {
	if d.Registry == nil {
		return errors.New("registry cannot be nil")
	}
	if d.LastSeen == nil {
		return errors.New("last-seen store cannot be nil")
	}
	if d.Auth == nil {
		return errors.New("authenticator cannot be nil")
	}
	if d.Chats == nil {
		return errors.New("chat store cannot be nil")
	}
	if d.Broadcast == nil {
		return errors.New("event broadcaster cannot be nil")
	}
	return nil
}

// Wrapper owns the assembled service and its lifecycle.
type Wrapper struct {
	cm       *realtime.ConnectionManager
	consumer *bus.Consumer
	table    *transport.DirectTable
	logger   zerolog.Logger

	consumerCancel context.CancelFunc
	consumerDone   chan error
}

// New creates and wires up the entire realtime service.
func New(cfg *config.AppConfig, dependencies *Dependencies, logger zerolog.Logger) (*Wrapper, error) {
	if dependencies == nil {
		return nil, errors.New("dependencies cannot be nil")
	}
	if err := dependencies.validate(); err != nil {
		return nil, err
	}

	table := transport.NewDirectTable()

	router, err := transport.NewRouter(dependencies.Registry, table, dependencies.Relay, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	tracker, err := presence.NewTracker(dependencies.Registry, dependencies.LastSeen, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence tracker: %w", err)
	}
	engine, err := fanout.NewEngine(dependencies.Chats, router, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fan-out engine: %w", err)
	}
	calls, err := call.NewRelay(router, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create call relay: %w", err)
	}

	deps := &session.Deps{
		Auth:      dependencies.Auth,
		Registry:  dependencies.Registry,
		Router:    router,
		Presence:  tracker,
		Fanout:    engine,
		Calls:     calls,
		Chats:     dependencies.Chats,
		Broadcast: dependencies.Broadcast,
	}

	cm, err := realtime.NewConnectionManager(cfg.WebSocketPort, deps, table, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	return &Wrapper{
		cm:       cm,
		consumer: dependencies.BroadcastConsumer,
		table:    table,
		logger:   logger.With().Str("service", "realtime").Logger(),
	}, nil
}

// DirectTable exposes the instance's socket table. The entrypoint needs it
// to construct the broadcast consumer, which pushes to the sockets the
// wrapper's table holds.
func (w *Wrapper) DirectTable() *transport.DirectTable { return w.table }

// AttachBroadcastConsumer sets the consumer after construction. Must be
// called before Start.
func (w *Wrapper) AttachBroadcastConsumer(consumer *bus.Consumer) {
	w.consumer = consumer
}

// InstanceID identifies this service instance.
func (w *Wrapper) InstanceID() string { return w.cm.InstanceID() }

// Start runs the broadcast consumer and then the WebSocket server. It blocks
// until the server stops.
func (w *Wrapper) Start(ctx context.Context) error {
	if w.consumer != nil {
		consumerCtx, cancel := context.WithCancel(context.Background())
		w.consumerCancel = cancel
		w.consumerDone = make(chan error, 1)
		go func() {
			w.consumerDone <- w.consumer.Start(consumerCtx)
		}()
		w.logger.Info().Msg("Broadcast consumer started.")
	}

	return w.cm.Start(ctx)
}

// Shutdown gracefully stops all service components in the correct order: the
// WebSocket edge first, so no new traffic arrives while the consumer drains.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.cm.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Connection manager shutdown failed.")
		finalErr = err
	}

	if w.consumerCancel != nil {
		w.consumerCancel()
		select {
		case err := <-w.consumerDone:
			if err != nil {
				w.logger.Error().Err(err).Msg("Broadcast consumer stopped with error.")
				if finalErr == nil {
					finalErr = err
				}
			}
		case <-ctx.Done():
			w.logger.Warn().Msg("Timed out waiting for broadcast consumer to stop.")
			if finalErr == nil {
				finalErr = ctx.Err()
			}
		}
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
