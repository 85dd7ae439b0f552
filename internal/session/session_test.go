package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixzhu97/whatschat-sub000/internal/call"
	"github.com/felixzhu97/whatschat-sub000/internal/fanout"
	"github.com/felixzhu97/whatschat-sub000/internal/presence"
	"github.com/felixzhu97/whatschat-sub000/internal/test/fakes"
	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// testFixture wires real presence, fan-out, and call components over
// in-memory fakes, so session tests exercise the same paths production does.
type testFixture struct {
	deps       *Deps
	dispatcher *Dispatcher
	reg        *fakes.Registry
	router     *fakes.Deliverer
	chats      *fakes.ChatStore
	auth       *fakes.Authenticator
	bus        *fakes.Broadcaster
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	logger := zerolog.Nop()

	reg := fakes.NewRegistry()
	router := fakes.NewDeliverer(reg)
	chats := fakes.NewChatStore()
	auth := fakes.NewAuthenticator()
	bus := fakes.NewBroadcaster()

	tracker, err := presence.NewTracker(reg, reg, logger)
	require.NoError(t, err)
	engine, err := fanout.NewEngine(chats, router, logger)
	require.NoError(t, err)
	calls, err := call.NewRelay(router, logger)
	require.NoError(t, err)

	deps := &Deps{
		Auth:      auth,
		Registry:  reg,
		Router:    router,
		Presence:  tracker,
		Fanout:    engine,
		Calls:     calls,
		Chats:     chats,
		Broadcast: bus,
	}
	dispatcher, err := NewDispatcher(deps, logger)
	require.NoError(t, err)

	return &testFixture{
		deps:       deps,
		dispatcher: dispatcher,
		reg:        reg,
		router:     router,
		chats:      chats,
		auth:       auth,
		bus:        bus,
	}
}

// authSession creates and authenticates a session for userID.
func (fx *testFixture) authSession(t *testing.T, connID, userID string) *Session {
	t.Helper()
	fx.auth.Allow("token-"+userID, userID)
	s, err := New(connID, nil, fx.deps, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Authenticate(context.Background(), "token-"+userID))
	return s
}

// frame builds a wire frame for dispatching.
func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	env, err := realtime.NewEnvelope(event, data)
	require.NoError(t, err)
	raw, err := env.Encode()
	require.NoError(t, err)
	return raw
}

// eventsTo collects the decoded envelopes delivered to a connection target.
func eventsTo(t *testing.T, router *fakes.Deliverer, connID string) []realtime.Envelope {
	t.Helper()
	var out []realtime.Envelope
	for _, d := range router.Deliveries() {
		if d.Target.ConnectionID != connID {
			continue
		}
		var env realtime.Envelope
		require.NoError(t, json.Unmarshal(d.Payload, &env))
		out = append(out, env)
	}
	return out
}

func TestSession_AuthenticateRejectsBadCredential(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)

	s, err := New("c1", nil, fx.deps, zerolog.Nop())
	require.NoError(t, err)

	err = s.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, realtime.ErrInvalidToken)
	assert.Equal(t, StateClosed, s.State())

	// Nothing was registered, nothing was broadcast.
	ids, err := fx.reg.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, fx.bus.Events())
}

func TestSession_AuthenticateRejectsMissingCredential(t *testing.T) {
	fx := setup(t)
	s, err := New("c1", nil, fx.deps, zerolog.Nop())
	require.NoError(t, err)

	err = s.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, realtime.ErrInvalidToken)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_AuthenticateOnlyOnce(t *testing.T) {
	fx := setup(t)
	s := fx.authSession(t, "c1", "alice")

	err := s.Authenticate(context.Background(), "token-alice")
	require.Error(t, err, "re-auth mid-session is not allowed")
}

func TestSession_AuthenticateRegistersAndBroadcastsOnline(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)

	s := fx.authSession(t, "c1", "alice")
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "alice", s.Identity().UserID)

	conn, err := fx.reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", conn.UserID)

	// user:connect went to the session's own connection.
	own := eventsTo(t, fx.router, "c1")
	require.Len(t, own, 1)
	assert.Equal(t, realtime.EventUserConnect, own[0].Event)

	// user:online was broadcast for the 0->1 transition only.
	events := fx.bus.Events()
	require.Len(t, events, 1)
	assert.Equal(t, realtime.EventUserOnline, events[0].Envelope.Event)
	assert.Equal(t, "alice", events[0].Origin)

	// A second device does not re-announce the user.
	fx.authSession(t, "c2", "alice")
	online := 0
	for _, ev := range fx.bus.Events() {
		if ev.Envelope.Event == realtime.EventUserOnline {
			online++
		}
	}
	assert.Equal(t, 1, online)
}

func TestSession_CloseBroadcastsOfflineOnLastConnection(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)

	s1 := fx.authSession(t, "c1", "alice")
	s2 := fx.authSession(t, "c2", "alice")

	s1.Close(ctx)
	for _, ev := range fx.bus.Events() {
		assert.NotEqual(t, realtime.EventUserOffline, ev.Envelope.Event,
			"closing one of two devices must not announce offline")
	}

	s2.Close(ctx)
	last := fx.bus.Events()[len(fx.bus.Events())-1]
	assert.Equal(t, realtime.EventUserOffline, last.Envelope.Event)

	// Last-seen stamped on the transition to zero.
	_, err := fx.reg.GetLastSeen(ctx, "alice")
	require.NoError(t, err)

	ids, err := fx.reg.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	s := fx.authSession(t, "c1", "alice")

	s.Close(ctx)
	offline := len(fx.bus.Events())
	s.Close(ctx)
	assert.Len(t, fx.bus.Events(), offline, "second close must not re-broadcast")
}

func TestDispatcher_DropsEventsBeforeAuth(t *testing.T) {
	fx := setup(t)
	s, err := New("c1", nil, fx.deps, zerolog.Nop())
	require.NoError(t, err)

	fx.dispatcher.Dispatch(context.Background(), s, frame(t, realtime.EventMessageSend, sendMessageData{ChatID: "chat1", Content: "hi"}))
	assert.Empty(t, fx.router.Deliveries())
	assert.Empty(t, fx.chats.Messages())
}

func TestDispatcher_MessageSendFlow(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	fx.chats.SetParticipants("chat1", "alice", "bob")

	alice := fx.authSession(t, "ca", "alice")
	fx.authSession(t, "cb", "bob")

	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventMessageSend, sendMessageData{
		ChatID:  "chat1",
		Content: "hello bob",
		Type:    "text",
	}))

	// Message persisted.
	msgs := fx.chats.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.NotEmpty(t, msgs[0].ID)

	// Author got message:sent on its own connection.
	var gotSent bool
	for _, env := range eventsTo(t, fx.router, "ca") {
		if env.Event == realtime.EventMessageSent {
			gotSent = true
			var stored realtime.StoredMessage
			require.NoError(t, json.Unmarshal(env.Data, &stored))
			assert.Equal(t, msgs[0].ID, stored.ID)
		}
	}
	assert.True(t, gotSent, "author must receive message:sent")

	// Bob got message:received; alice never did.
	var bobReceived bool
	for _, d := range fx.router.Deliveries() {
		if d.Target.UserID == "bob" {
			var env realtime.Envelope
			require.NoError(t, json.Unmarshal(d.Payload, &env))
			if env.Event == realtime.EventMessageReceived {
				bobReceived = true
			}
		}
		assert.NotEqual(t, "alice", d.Target.UserID)
	}
	assert.True(t, bobReceived)
}

func TestDispatcher_MessageSendRejectsNonParticipant(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	fx.chats.SetParticipants("chat1", "bob", "carol")

	mallory := fx.authSession(t, "cm", "mallory")
	fx.dispatcher.Dispatch(ctx, mallory, frame(t, realtime.EventMessageSend, sendMessageData{
		ChatID:  "chat1",
		Content: "intrusion",
	}))

	assert.Empty(t, fx.chats.Messages(), "non-participant messages must not be persisted")

	envs := eventsTo(t, fx.router, "cm")
	var gotErr bool
	for _, env := range envs {
		if env.Event == realtime.EventError {
			gotErr = true
		}
	}
	assert.True(t, gotErr, "author must get an explicit failure for its own action")
}

func TestDispatcher_TypingForwardStampsSender(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	fx.chats.SetParticipants("chat1", "alice", "bob")

	alice := fx.authSession(t, "ca", "alice")
	fx.authSession(t, "cb", "bob")

	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventMessageTyping, map[string]any{
		"chatId":   "chat1",
		"isTyping": true,
	}))

	var forwarded realtime.Envelope
	found := false
	for _, d := range fx.router.Deliveries() {
		if d.Target.UserID == "bob" {
			require.NoError(t, json.Unmarshal(d.Payload, &forwarded))
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, realtime.EventMessageTyping, forwarded.Event)

	var data map[string]any
	require.NoError(t, json.Unmarshal(forwarded.Data, &data))
	assert.Equal(t, "alice", data["userId"])
	assert.Equal(t, true, data["isTyping"])
}

func TestDispatcher_CallOfferUnreachable(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)

	alice := fx.authSession(t, "ca", "alice")
	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventCallOffer, callOfferData{
		CallID:       "call1",
		TargetUserID: "ghost",
		Offer:        json.RawMessage(`{"sdp":"x"}`),
	}))

	var gotErr bool
	for _, env := range eventsTo(t, fx.router, "ca") {
		if env.Event == realtime.EventError {
			gotErr = true
		}
	}
	assert.True(t, gotErr, "offer to an offline user must surface unreachable to the caller")
}

func TestDispatcher_CallOfferDelivered(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)

	alice := fx.authSession(t, "ca", "alice")
	fx.authSession(t, "cb", "bob")

	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventCallOffer, callOfferData{
		CallID:       "call1",
		TargetUserID: "bob",
		Offer:        json.RawMessage(`{"sdp":"x"}`),
	}))

	var offer *realtime.SignalingEnvelope
	for _, d := range fx.router.Deliveries() {
		if d.Target.UserID != "bob" {
			continue
		}
		var env realtime.Envelope
		require.NoError(t, json.Unmarshal(d.Payload, &env))
		require.Equal(t, realtime.EventCallOffer, env.Event)
		var sig realtime.SignalingEnvelope
		require.NoError(t, json.Unmarshal(env.Data, &sig))
		offer = &sig
	}
	require.NotNil(t, offer)
	assert.Equal(t, "alice", offer.FromUserID)
	assert.Equal(t, "call1", offer.CallID)
	assert.Equal(t, realtime.SignalOffer, offer.Kind)
}

func TestDispatcher_CallEndReachesProvidedParties(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)

	alice := fx.authSession(t, "ca", "alice")
	fx.authSession(t, "cb", "bob")
	fx.authSession(t, "cc", "carol")

	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventCallEnd, callEndData{
		CallID:       "call1",
		Participants: []string{"alice", "bob", "carol"},
	}))

	delivered := map[string]bool{}
	for _, d := range fx.router.Deliveries() {
		if d.Target.UserID != "" {
			delivered[d.Target.UserID] = true
		}
	}
	assert.True(t, delivered["bob"])
	assert.True(t, delivered["carol"])
	assert.False(t, delivered["alice"])
}

func TestDispatcher_StatusCreateBroadcasts(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)

	alice := fx.authSession(t, "ca", "alice")
	before := len(fx.bus.Events())

	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventStatusCreate, map[string]any{
		"mediaUrl": "https://cdn.example/status.jpg",
	}))

	events := fx.bus.Events()
	require.Len(t, events, before+1)
	last := events[len(events)-1]
	assert.Equal(t, realtime.EventStatusCreate, last.Envelope.Event)
	assert.Equal(t, "alice", last.Origin)

	var data map[string]any
	require.NoError(t, json.Unmarshal(last.Envelope.Data, &data))
	assert.Equal(t, "alice", data["userId"])
}

func TestDispatcher_StatusCreateWithNullDataStillStamps(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	alice := fx.authSession(t, "ca", "alice")
	before := len(fx.bus.Events())

	// The data field is the JSON literal null, not a missing key.
	fx.dispatcher.Dispatch(ctx, alice, []byte(`{"event":"status:create","data":null}`))

	events := fx.bus.Events()
	require.Len(t, events, before+1)
	var data map[string]any
	require.NoError(t, json.Unmarshal(events[len(events)-1].Envelope.Data, &data))
	assert.Equal(t, "alice", data["userId"])
}

func TestDispatcher_TypingWithNullDataRejected(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	alice := fx.authSession(t, "ca", "alice")

	fx.dispatcher.Dispatch(ctx, alice, []byte(`{"event":"message:typing","data":null}`))

	envs := eventsTo(t, fx.router, "ca")
	require.NotEmpty(t, envs)
	assert.Equal(t, realtime.EventError, envs[len(envs)-1].Event)
}

func TestDispatcher_ChatHistoryReturnsRecentMessages(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	fx.chats.SetParticipants("chat1", "alice", "bob")

	alice := fx.authSession(t, "ca", "alice")
	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventMessageSend, sendMessageData{
		ChatID: "chat1", Content: "first",
	}))
	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventMessageSend, sendMessageData{
		ChatID: "chat1", Content: "second",
	}))

	fx.dispatcher.Dispatch(ctx, alice, frame(t, realtime.EventChatHistory, map[string]any{
		"chatId": "chat1",
	}))

	envs := eventsTo(t, fx.router, "ca")
	require.NotEmpty(t, envs)
	history := envs[len(envs)-1]
	require.Equal(t, realtime.EventChatHistory, history.Event)

	var payload struct {
		ChatID   string                   `json:"chatId"`
		Messages []realtime.StoredMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(history.Data, &payload))
	assert.Equal(t, "chat1", payload.ChatID)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "first", payload.Messages[0].Content, "catch-up comes back oldest first")
	assert.Equal(t, "second", payload.Messages[1].Content)
}

func TestDispatcher_ChatHistoryRejectsNonParticipant(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	fx.chats.SetParticipants("chat1", "bob", "carol")

	mallory := fx.authSession(t, "cm", "mallory")
	fx.dispatcher.Dispatch(ctx, mallory, frame(t, realtime.EventChatHistory, map[string]any{
		"chatId": "chat1",
	}))

	envs := eventsTo(t, fx.router, "cm")
	require.NotEmpty(t, envs)
	last := envs[len(envs)-1]
	assert.Equal(t, realtime.EventError, last.Event)
}

func TestDispatcher_MalformedFrameIsDropped(t *testing.T) {
	fx := setup(t)
	alice := fx.authSession(t, "ca", "alice")
	before := len(fx.router.Deliveries())

	fx.dispatcher.Dispatch(context.Background(), alice, []byte("{not json"))
	assert.Len(t, fx.router.Deliveries(), before)
}
