package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/internal/fanout"
	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// HandlerFunc processes one inbound event on an authenticated session.
// Handlers are fire-and-forget: they report nothing to the client unless the
// event type defines a response envelope.
type HandlerFunc func(ctx context.Context, s *Session, data json.RawMessage)

// Dispatcher routes inbound events to their handlers by event name. It is the
// single entry point for everything a client sends after the handshake.
type Dispatcher struct {
	deps     *Deps
	handlers map[string]HandlerFunc
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher with the full event vocabulary wired.
func NewDispatcher(deps *Deps, logger zerolog.Logger) (*Dispatcher, error) {
	if deps == nil {
		return nil, errors.New("deps cannot be nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		deps:     deps,
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With().Str("component", "Dispatcher").Logger(),
	}

	d.handlers[realtime.EventMessageSend] = d.handleMessageSend
	d.handlers[realtime.EventMessageRead] = d.forwardToChat(realtime.EventMessageRead)
	d.handlers[realtime.EventMessageTyping] = d.forwardToChat(realtime.EventMessageTyping)
	d.handlers[realtime.EventMessageReaction] = d.forwardToChat(realtime.EventMessageReaction)
	d.handlers[realtime.EventChatHistory] = d.handleChatHistory

	d.handlers[realtime.EventCallIncoming] = d.handleCallIncoming
	d.handlers[realtime.EventCallOffer] = d.handleCallOffer
	d.handlers[realtime.EventCallAnswer] = d.handleCallAnswer
	d.handlers[realtime.EventCallWebRTCAnswer] = d.handleCallWebRTCAnswer
	d.handlers[realtime.EventCallReject] = d.handleCallReject
	d.handlers[realtime.EventCallEnd] = d.handleCallEnd
	d.handlers[realtime.EventCallICECandidate] = d.handleCallICECandidate

	d.handlers[realtime.EventStatusCreate] = d.handleStatusCreate

	return d, nil
}

// Dispatch decodes one inbound frame and runs its handler. Events on
// non-authenticated sessions are dropped. Dispatch runs synchronously in the
// connection's read loop, which is what preserves per-connection FIFO order.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, raw []byte) {
	if s.State() != StateAuthenticated {
		d.logger.Warn().Str("connection", s.ConnectionID()).Msg("Dropping event on non-authenticated session.")
		return
	}

	var env realtime.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.logger.Warn().Err(err).Str("connection", s.ConnectionID()).Msg("Dropping malformed frame.")
		return
	}

	handler, ok := d.handlers[env.Event]
	if !ok {
		d.logger.Debug().Str("event", env.Event).Msg("No handler for event.")
		return
	}
	handler(ctx, s, env.Data)
}

// --- Error reporting ---

type errorPayload struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// sendError reports a failure of the client's own action back to its own
// connection. Recipients never see these.
func (d *Dispatcher) sendError(ctx context.Context, s *Session, source, reason string) {
	s.sendSelf(ctx, realtime.EventError, errorPayload{Source: source, Reason: reason})
}

func (d *Dispatcher) failureReason(err error) string {
	switch {
	case errors.Is(err, realtime.ErrNotParticipant):
		return "not a participant of this chat"
	case errors.Is(err, realtime.ErrChatNotFound):
		return "chat not found"
	default:
		return "internal error"
	}
}

// --- Messaging handlers ---

type sendMessageData struct {
	ChatID           string `json:"chatId"`
	Content          string `json:"content"`
	Type             string `json:"type"`
	MediaURL         string `json:"mediaUrl,omitempty"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

// handleMessageSend persists the message and fans it out. The author gets
// message:sent (its acknowledgement), the other participants get
// message:received. Persistence happens first so both envelopes carry the
// stored message, ids and server timestamp included.
func (d *Dispatcher) handleMessageSend(ctx context.Context, s *Session, data json.RawMessage) {
	var in sendMessageData
	if err := json.Unmarshal(data, &in); err != nil {
		d.sendError(ctx, s, realtime.EventMessageSend, "malformed payload")
		return
	}

	stored, err := d.deps.Chats.PersistMessage(ctx, realtime.ChatMessage{
		ChatID:           in.ChatID,
		SenderID:         s.Identity().UserID,
		Content:          in.Content,
		Type:             in.Type,
		MediaURL:         in.MediaURL,
		ReplyToMessageID: in.ReplyToMessageID,
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("chat", in.ChatID).Msg("Failed to persist message.")
		d.sendError(ctx, s, realtime.EventMessageSend, d.failureReason(err))
		return
	}

	received, err := encodeEvent(realtime.EventMessageReceived, stored)
	if err != nil {
		d.sendError(ctx, s, realtime.EventMessageSend, "internal error")
		return
	}
	sent, err := encodeEvent(realtime.EventMessageSent, stored)
	if err != nil {
		d.sendError(ctx, s, realtime.EventMessageSend, "internal error")
		return
	}

	if _, err := d.deps.Fanout.Fanout(ctx, in.ChatID, s.Identity().UserID, received, &fanout.Ack{
		ConnectionID: s.ConnectionID(),
		Payload:      sent,
	}); err != nil {
		d.logger.Warn().Err(err).Str("chat", in.ChatID).Msg("Fan-out failed.")
		d.sendError(ctx, s, realtime.EventMessageSend, d.failureReason(err))
	}
}

// chatScopedData is the common shape of read, typing, and reaction events:
// a chat id plus fields the relay passes through untouched.
type chatScopedData struct {
	ChatID string `json:"chatId"`
}

// forwardToChat builds a handler that relays a chat-scoped event to the other
// participants, stamping the sender's user id into the payload. These events
// are not persisted here and carry no acknowledgement.
func (d *Dispatcher) forwardToChat(event string) HandlerFunc {
	return func(ctx context.Context, s *Session, data json.RawMessage) {
		var scope chatScopedData
		if err := json.Unmarshal(data, &scope); err != nil || scope.ChatID == "" {
			d.sendError(ctx, s, event, "malformed payload")
			return
		}

		forwarded, err := stampUserID(data, s.Identity().UserID)
		if err != nil {
			d.sendError(ctx, s, event, "malformed payload")
			return
		}
		payload, err := encodeEvent(event, json.RawMessage(forwarded))
		if err != nil {
			d.sendError(ctx, s, event, "internal error")
			return
		}

		if _, err := d.deps.Fanout.Fanout(ctx, scope.ChatID, s.Identity().UserID, payload, nil); err != nil {
			d.logger.Warn().Err(err).Str("event", event).Str("chat", scope.ChatID).Msg("Fan-out failed.")
			d.sendError(ctx, s, event, d.failureReason(err))
		}
	}
}

type chatHistoryData struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit,omitempty"`
}

type chatHistoryPayload struct {
	ChatID   string                   `json:"chatId"`
	Messages []realtime.StoredMessage `json:"messages"`
}

// handleChatHistory answers a reconnecting client's catch-up request with the
// newest messages of a chat, oldest first. The requester must be a member.
func (d *Dispatcher) handleChatHistory(ctx context.Context, s *Session, data json.RawMessage) {
	var in chatHistoryData
	if err := json.Unmarshal(data, &in); err != nil || in.ChatID == "" {
		d.sendError(ctx, s, realtime.EventChatHistory, "malformed payload")
		return
	}

	participants, err := d.deps.Chats.GetChatParticipants(ctx, in.ChatID)
	if err != nil {
		d.sendError(ctx, s, realtime.EventChatHistory, d.failureReason(err))
		return
	}
	member := false
	for _, p := range participants {
		if p == s.Identity().UserID {
			member = true
			break
		}
	}
	if !member {
		d.sendError(ctx, s, realtime.EventChatHistory, d.failureReason(realtime.ErrNotParticipant))
		return
	}

	messages, err := d.deps.Chats.RecentMessages(ctx, in.ChatID, in.Limit)
	if err != nil {
		d.logger.Warn().Err(err).Str("chat", in.ChatID).Msg("History fetch failed.")
		d.sendError(ctx, s, realtime.EventChatHistory, "internal error")
		return
	}
	s.sendSelf(ctx, realtime.EventChatHistory, chatHistoryPayload{ChatID: in.ChatID, Messages: messages})
}

// --- Call handlers ---

type callIncomingData struct {
	CallID       string `json:"callId,omitempty"`
	TargetUserID string `json:"targetUserId"`
}

func (d *Dispatcher) handleCallIncoming(ctx context.Context, s *Session, data json.RawMessage) {
	var in callIncomingData
	if err := json.Unmarshal(data, &in); err != nil || in.TargetUserID == "" {
		d.sendError(ctx, s, realtime.EventCallIncoming, "malformed payload")
		return
	}
	d.relaySignal(ctx, s, realtime.EventCallIncoming, realtime.SignalingEnvelope{
		Kind:       realtime.SignalIncoming,
		CallID:     in.CallID,
		FromUserID: s.Identity().UserID,
		ToUserID:   in.TargetUserID,
	}, true)
}

type callOfferData struct {
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId"`
	Offer        json.RawMessage `json:"offer"`
}

func (d *Dispatcher) handleCallOffer(ctx context.Context, s *Session, data json.RawMessage) {
	var in callOfferData
	if err := json.Unmarshal(data, &in); err != nil || in.TargetUserID == "" {
		d.sendError(ctx, s, realtime.EventCallOffer, "malformed payload")
		return
	}
	d.relaySignal(ctx, s, realtime.EventCallOffer, realtime.SignalingEnvelope{
		Kind:       realtime.SignalOffer,
		CallID:     in.CallID,
		FromUserID: s.Identity().UserID,
		ToUserID:   in.TargetUserID,
		Payload:    in.Offer,
	}, true)
}

type callAnswerData struct {
	CallID      string `json:"callId"`
	InitiatorID string `json:"initiatorId"`
}

func (d *Dispatcher) handleCallAnswer(ctx context.Context, s *Session, data json.RawMessage) {
	var in callAnswerData
	if err := json.Unmarshal(data, &in); err != nil || in.InitiatorID == "" {
		d.sendError(ctx, s, realtime.EventCallAnswer, "malformed payload")
		return
	}
	d.relaySignal(ctx, s, realtime.EventCallAnswer, realtime.SignalingEnvelope{
		Kind:       realtime.SignalAnswer,
		CallID:     in.CallID,
		FromUserID: s.Identity().UserID,
		ToUserID:   in.InitiatorID,
	}, false)
}

type webRTCAnswerData struct {
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId"`
	Answer       json.RawMessage `json:"answer"`
}

func (d *Dispatcher) handleCallWebRTCAnswer(ctx context.Context, s *Session, data json.RawMessage) {
	var in webRTCAnswerData
	if err := json.Unmarshal(data, &in); err != nil || in.TargetUserID == "" {
		d.sendError(ctx, s, realtime.EventCallWebRTCAnswer, "malformed payload")
		return
	}
	d.relaySignal(ctx, s, realtime.EventCallWebRTCAnswer, realtime.SignalingEnvelope{
		Kind:       realtime.SignalAnswer,
		CallID:     in.CallID,
		FromUserID: s.Identity().UserID,
		ToUserID:   in.TargetUserID,
		Payload:    in.Answer,
	}, false)
}

func (d *Dispatcher) handleCallReject(ctx context.Context, s *Session, data json.RawMessage) {
	var in callAnswerData
	if err := json.Unmarshal(data, &in); err != nil || in.InitiatorID == "" {
		d.sendError(ctx, s, realtime.EventCallReject, "malformed payload")
		return
	}
	d.relaySignal(ctx, s, realtime.EventCallReject, realtime.SignalingEnvelope{
		Kind:       realtime.SignalReject,
		CallID:     in.CallID,
		FromUserID: s.Identity().UserID,
		ToUserID:   in.InitiatorID,
	}, false)
}

type iceCandidateData struct {
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId"`
	Candidate    json.RawMessage `json:"candidate"`
}

func (d *Dispatcher) handleCallICECandidate(ctx context.Context, s *Session, data json.RawMessage) {
	var in iceCandidateData
	if err := json.Unmarshal(data, &in); err != nil || in.TargetUserID == "" {
		// A dropped candidate only degrades call setup; still tell the
		// sender its own frame was unusable.
		d.sendError(ctx, s, realtime.EventCallICECandidate, "malformed payload")
		return
	}
	d.relaySignal(ctx, s, realtime.EventCallICECandidate, realtime.SignalingEnvelope{
		Kind:       realtime.SignalICECandidate,
		CallID:     in.CallID,
		FromUserID: s.Identity().UserID,
		ToUserID:   in.TargetUserID,
		Payload:    in.Candidate,
	}, false)
}

type callEndData struct {
	CallID       string   `json:"callId"`
	Participants []string `json:"participants"`
}

func (d *Dispatcher) handleCallEnd(ctx context.Context, s *Session, data json.RawMessage) {
	var in callEndData
	if err := json.Unmarshal(data, &in); err != nil {
		d.sendError(ctx, s, realtime.EventCallEnd, "malformed payload")
		return
	}
	_, err := d.deps.Calls.End(ctx, realtime.EventCallEnd, realtime.SignalingEnvelope{
		Kind:       realtime.SignalEnd,
		CallID:     in.CallID,
		FromUserID: s.Identity().UserID,
	}, in.Participants)
	if err != nil {
		d.logger.Warn().Err(err).Str("call", in.CallID).Msg("Failed to relay call end.")
	}
}

// relaySignal relays one envelope. When surfaceUnreachable is set (call setup
// events), zero delivered connections is reported back to the caller so the
// UI can show "unreachable"; answer and ICE frames stay fire-and-forget.
func (d *Dispatcher) relaySignal(ctx context.Context, s *Session, event string, env realtime.SignalingEnvelope, surfaceUnreachable bool) {
	report, err := d.deps.Calls.Relay(ctx, event, env)
	if err != nil {
		d.logger.Warn().Err(err).Str("event", event).Msg("Signal relay failed.")
		d.sendError(ctx, s, event, "internal error")
		return
	}
	if surfaceUnreachable && len(report.Delivered) == 0 {
		d.sendError(ctx, s, event, "user unreachable")
	}
}

// --- Status handler ---

// handleStatusCreate broadcasts a status update to everyone else. There is no
// targeted fan-out and no delivery report.
func (d *Dispatcher) handleStatusCreate(ctx context.Context, s *Session, data json.RawMessage) {
	forwarded, err := stampUserID(data, s.Identity().UserID)
	if err != nil {
		d.sendError(ctx, s, realtime.EventStatusCreate, "malformed payload")
		return
	}
	if err := d.deps.Broadcast.Broadcast(ctx, s.Identity().UserID, realtime.Envelope{
		Event: realtime.EventStatusCreate,
		Data:  forwarded,
	}); err != nil {
		d.logger.Warn().Err(err).Msg("Status broadcast failed.")
	}
}

// --- Helpers ---

func encodeEvent(event string, data any) ([]byte, error) {
	env, err := realtime.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// stampUserID injects the sender's user id into a pass-through JSON object so
// recipients know who the event came from.
func stampUserID(data json.RawMessage, userID string) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
	}
	if fields == nil {
		// A JSON null unmarshals successfully and nils the map out.
		fields = make(map[string]json.RawMessage)
	}
	id, err := json.Marshal(userID)
	if err != nil {
		return nil, err
	}
	fields["userId"] = id
	return json.Marshal(fields)
}
