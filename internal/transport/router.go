package transport

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// DirectSender is the subset of the direct table the router needs.
type DirectSender interface {
	Has(connectionID string) bool
	Send(connectionID string, payload []byte) error
	Drop(connectionID string)
}

// RelaySender pushes a payload to a connection via the external push API.
type RelaySender interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
}

// Router presents the uniform deliver contract. Per connection it prefers the
// direct channel when this process holds the socket and falls back to the
// relay channel otherwise. When the relay is unconfigured the router runs
// direct-only: delivery to ids owned by other processes simply fails, a
// documented limitation of single-process deployments.
type Router struct {
	registry realtime.ConnectionRegistry
	direct   DirectSender
	relay    RelaySender // nil when unconfigured
	logger   zerolog.Logger
}

// NewRouter wires up a transport router. relay may be nil.
func NewRouter(registry realtime.ConnectionRegistry, direct DirectSender, relay RelaySender, logger zerolog.Logger) (*Router, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if direct == nil {
		return nil, errors.New("direct sender cannot be nil")
	}
	return &Router{
		registry: registry,
		direct:   direct,
		relay:    relay,
		logger:   logger.With().Str("component", "Router").Logger(),
	}, nil
}

// Deliver resolves the target to connection ids and sends the payload to each
// one, aggregating per-connection outcomes. One connection's failure never
// aborts delivery to the others. A "gone" failure prunes the registry entry
// before being reported, which is what keeps the registry free of dead
// entries without a separate sweep process.
func (r *Router) Deliver(ctx context.Context, target realtime.Target, payload []byte) realtime.DeliveryReport {
	var report realtime.DeliveryReport

	ids, err := r.resolve(ctx, target)
	if err != nil {
		r.logger.Warn().Err(err).Str("user", target.UserID).Msg("Failed to resolve delivery target.")
		return report
	}

	for _, id := range ids {
		if err := r.send(ctx, id, payload); err != nil {
			report.Failed = append(report.Failed, realtime.DeliveryFailure{
				ConnectionID: id,
				Reason:       err.Error(),
			})
			continue
		}
		report.Delivered = append(report.Delivered, id)
	}
	return report
}

// resolve turns a target into zero or more connection ids. A registry miss is
// a zero-recipient delivery, not an error.
func (r *Router) resolve(ctx context.Context, target realtime.Target) ([]string, error) {
	if target.ConnectionID != "" {
		if _, err := r.registry.Get(ctx, target.ConnectionID); err != nil {
			if errors.Is(err, realtime.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []string{target.ConnectionID}, nil
	}
	return r.registry.ListForUser(ctx, target.UserID)
}

// send picks the backend for one connection and handles pruning on failure.
func (r *Router) send(ctx context.Context, connectionID string, payload []byte) error {
	if r.direct.Has(connectionID) {
		if err := r.direct.Send(connectionID, payload); err != nil {
			// A failed write to a socket we hold means the remote is gone.
			r.prune(ctx, connectionID)
			r.direct.Drop(connectionID)
			return err
		}
		return nil
	}

	if r.relay == nil {
		return errors.New("no relay configured and socket is not held by this process")
	}

	if err := r.relay.Send(ctx, connectionID, payload); err != nil {
		if errors.Is(err, realtime.ErrConnectionGone) {
			r.prune(ctx, connectionID)
		}
		return err
	}
	return nil
}

func (r *Router) prune(ctx context.Context, connectionID string) {
	if err := r.registry.Remove(ctx, connectionID); err != nil {
		r.logger.Warn().Err(err).Str("connection", connectionID).Msg("Failed to prune dead connection.")
		return
	}
	r.logger.Debug().Str("connection", connectionID).Msg("Pruned dead connection from registry.")
}
