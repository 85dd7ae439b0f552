// Package fanout delivers one authored chat event to every other participant
// of the chat.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// Ack describes the acknowledgement sent back to the author's own connection,
// distinguishing "sent to server" from "delivered to peers".
type Ack struct {
	ConnectionID string
	Payload      []byte
}

// Engine fans an authored event out to a chat's participants, excluding the
// author. Delivery to different participants is concurrent and unordered;
// delivery to the same connection preserves fan-out call order because each
// connection is only ever driven by one transport.
type Engine struct {
	chats  realtime.ChatStore
	router realtime.Deliverer
	logger zerolog.Logger
}

// NewEngine wires up a fan-out engine.
func NewEngine(chats realtime.ChatStore, router realtime.Deliverer, logger zerolog.Logger) (*Engine, error) {
	if chats == nil {
		return nil, errors.New("chat store cannot be nil")
	}
	if router == nil {
		return nil, errors.New("router cannot be nil")
	}
	return &Engine{
		chats:  chats,
		router: router,
		logger: logger.With().Str("component", "FanoutEngine").Logger(),
	}, nil
}

// Fanout delivers event to every participant of chatID except the author.
// The author must be a participant; otherwise realtime.ErrNotParticipant is
// returned and nothing is delivered. When ack is non-nil it is sent to the
// author's connection first, even for chats with no other participants.
func (e *Engine) Fanout(ctx context.Context, chatID, authorID string, event []byte, ack *Ack) (realtime.DeliveryReport, error) {
	var report realtime.DeliveryReport

	participants, err := e.chats.GetChatParticipants(ctx, chatID)
	if err != nil {
		return report, fmt.Errorf("failed to fetch participants for chat %s: %w", chatID, err)
	}

	recipients := make([]string, 0, len(participants))
	authorIsMember := false
	for _, userID := range participants {
		if userID == authorID {
			authorIsMember = true
			continue
		}
		recipients = append(recipients, userID)
	}
	if !authorIsMember {
		return report, realtime.ErrNotParticipant
	}

	if ack != nil {
		ackReport := e.router.Deliver(ctx, realtime.ConnectionTarget(ack.ConnectionID), ack.Payload)
		if len(ackReport.Failed) > 0 {
			e.logger.Warn().Str("connection", ack.ConnectionID).Msg("Author acknowledgement failed.")
		}
	}

	if len(recipients) == 0 {
		return report, nil
	}

	// Concurrent per participant. A slow or failing recipient never delays
	// or aborts the others.
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, userID := range recipients {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			partial := e.router.Deliver(ctx, realtime.UserTarget(userID), event)
			mu.Lock()
			report.Merge(partial)
			mu.Unlock()
		}(userID)
	}
	wg.Wait()

	e.logger.Debug().
		Str("chat", chatID).
		Int("delivered", len(report.Delivered)).
		Int("failed", len(report.Failed)).
		Msg("Fan-out complete.")
	return report, nil
}
