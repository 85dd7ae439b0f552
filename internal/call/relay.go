// Package call relays call-signaling payloads between parties. The relay only
// moves envelopes; it never interprets SDP or ICE content, and the media
// stream itself goes through the external conferencing provider.
package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// Relay is the point-to-point signaling relay. Addressing is by user id,
// independent of chat membership.
type Relay struct {
	router realtime.Deliverer
	logger zerolog.Logger
}

// NewRelay wires up a signaling relay.
func NewRelay(router realtime.Deliverer, logger zerolog.Logger) (*Relay, error) {
	if router == nil {
		return nil, errors.New("router cannot be nil")
	}
	return &Relay{
		router: router,
		logger: logger.With().Str("component", "CallRelay").Logger(),
	}, nil
}

// Relay delivers one signaling envelope to every connection of the callee.
// Zero delivered connections is not an error here: for incoming/offer the
// caller-facing layer decides whether to surface "unreachable", and answer or
// ICE payloads are fire-and-forget with no retry or buffering. A dropped
// candidate simply degrades call setup.
func (r *Relay) Relay(ctx context.Context, event string, env realtime.SignalingEnvelope) (realtime.DeliveryReport, error) {
	payload, err := encode(event, env)
	if err != nil {
		return realtime.DeliveryReport{}, err
	}

	report := r.router.Deliver(ctx, realtime.UserTarget(env.ToUserID), payload)
	r.logger.Debug().
		Str("kind", string(env.Kind)).
		Str("call", env.CallID).
		Str("to", env.ToUserID).
		Int("delivered", len(report.Delivered)).
		Msg("Signal relayed.")
	return report, nil
}

// End fans a call:end envelope out to every party still believed to hold the
// call. The caller-facing layer owns the party list (group calls included);
// the relay only addresses the ids it is given, skipping the sender.
func (r *Relay) End(ctx context.Context, event string, env realtime.SignalingEnvelope, participants []string) (realtime.DeliveryReport, error) {
	payload, err := encode(event, env)
	if err != nil {
		return realtime.DeliveryReport{}, err
	}

	var report realtime.DeliveryReport
	for _, userID := range participants {
		if userID == env.FromUserID {
			continue
		}
		report.Merge(r.router.Deliver(ctx, realtime.UserTarget(userID), payload))
	}
	r.logger.Debug().
		Str("call", env.CallID).
		Int("parties", len(participants)).
		Int("delivered", len(report.Delivered)).
		Msg("Call end relayed.")
	return report, nil
}

func encode(event string, env realtime.SignalingEnvelope) ([]byte, error) {
	wire, err := realtime.NewEnvelope(event, env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signaling envelope: %w", err)
	}
	return wire.Encode()
}
