package call

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixzhu97/whatschat-sub000/internal/test/fakes"
	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

func setupRelay(t *testing.T) (*Relay, *fakes.Registry, *fakes.Deliverer) {
	t.Helper()
	reg := fakes.NewRegistry()
	router := fakes.NewDeliverer(reg)
	relay, err := NewRelay(router, zerolog.Nop())
	require.NoError(t, err)
	return relay, reg, router
}

func TestRelay_DeliversToCallee(t *testing.T) {
	ctx := context.Background()
	relay, reg, router := setupRelay(t)
	require.NoError(t, reg.Register(ctx, realtime.Connection{ID: "cb", UserID: "bob"}))

	env := realtime.SignalingEnvelope{
		Kind:       realtime.SignalOffer,
		CallID:     "call1",
		FromUserID: "alice",
		ToUserID:   "bob",
		Payload:    json.RawMessage(`{"sdp":"offer"}`),
	}
	report, err := relay.Relay(ctx, realtime.EventCallOffer, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"cb"}, report.Delivered)

	deliveries := router.Deliveries()
	require.Len(t, deliveries, 1)

	var wire realtime.Envelope
	require.NoError(t, json.Unmarshal(deliveries[0].Payload, &wire))
	assert.Equal(t, realtime.EventCallOffer, wire.Event)

	var got realtime.SignalingEnvelope
	require.NoError(t, json.Unmarshal(wire.Data, &got))
	assert.Equal(t, "call1", got.CallID)
	assert.Equal(t, "alice", got.FromUserID)
}

func TestRelay_OfferToOfflineUserReturnsEmptyReport(t *testing.T) {
	relay, _, _ := setupRelay(t)

	// Callee has zero connections: empty delivered, no error thrown. The
	// caller-facing layer decides how to surface "unreachable".
	report, err := relay.Relay(context.Background(), realtime.EventCallOffer, realtime.SignalingEnvelope{
		Kind:       realtime.SignalOffer,
		CallID:     "call1",
		FromUserID: "alice",
		ToUserID:   "ghost",
	})
	require.NoError(t, err)
	assert.Empty(t, report.Delivered)
}

func TestRelay_EndFansOutToParticipantsExceptSender(t *testing.T) {
	ctx := context.Background()
	relay, reg, router := setupRelay(t)
	require.NoError(t, reg.Register(ctx, realtime.Connection{ID: "ca", UserID: "alice"}))
	require.NoError(t, reg.Register(ctx, realtime.Connection{ID: "cb", UserID: "bob"}))
	require.NoError(t, reg.Register(ctx, realtime.Connection{ID: "cc", UserID: "carol"}))

	report, err := relay.End(ctx, realtime.EventCallEnd, realtime.SignalingEnvelope{
		Kind:       realtime.SignalEnd,
		CallID:     "call1",
		FromUserID: "alice",
	}, []string{"alice", "bob", "carol"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"cb", "cc"}, report.Delivered)
	for _, d := range router.Deliveries() {
		assert.NotEqual(t, "alice", d.Target.UserID, "sender must not receive its own call:end")
	}
}
