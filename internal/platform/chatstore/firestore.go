// Package chatstore persists chats and their messages in Google Cloud
// Firestore and answers chat membership queries.
package chatstore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

const (
	defaultChatsCollection = "chats"
	messagesCollection     = "messages"
)

// chatDoc is the subset of the chat document this service reads.
type chatDoc struct {
	Participants []string `firestore:"participants"`
}

// messageDoc is the shape of a stored message. The document id is the
// message id, generated server-side; clients never provide it.
type messageDoc struct {
	ChatID           string    `firestore:"chatId"`
	SenderID         string    `firestore:"senderId"`
	Content          string    `firestore:"content"`
	Type             string    `firestore:"type"`
	MediaURL         string    `firestore:"mediaUrl,omitempty"`
	ReplyToMessageID string    `firestore:"replyToMessageId,omitempty"`
	SentAt           time.Time `firestore:"sentAt"`
}

// FirestoreStore implements realtime.ChatStore using Google Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	chats  string
	logger zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore. An empty
// chatsCollection selects the default "chats".
func NewFirestoreStore(client *firestore.Client, chatsCollection string, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if chatsCollection == "" {
		chatsCollection = defaultChatsCollection
	}
	return &FirestoreStore{
		client: client,
		chats:  chatsCollection,
		logger: logger.With().Str("component", "ChatStore").Logger(),
	}, nil
}

// GetChatParticipants returns the user ids belonging to a chat.
func (s *FirestoreStore) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	snap, err := s.client.Collection(s.chats).Doc(chatID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("chat %s: %w", chatID, realtime.ErrChatNotFound)
		}
		return nil, fmt.Errorf("failed to load chat %s: %w", chatID, err)
	}

	var doc chatDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat %s: %w", chatID, err)
	}
	return doc.Participants, nil
}

// PersistMessage stores one message under its chat, assigning the id and the
// server-side timestamp. The sender must be a participant of the chat.
func (s *FirestoreStore) PersistMessage(ctx context.Context, msg realtime.ChatMessage) (realtime.StoredMessage, error) {
	participants, err := s.GetChatParticipants(ctx, msg.ChatID)
	if err != nil {
		return realtime.StoredMessage{}, err
	}
	member := false
	for _, p := range participants {
		if p == msg.SenderID {
			member = true
			break
		}
	}
	if !member {
		return realtime.StoredMessage{}, fmt.Errorf("user %s in chat %s: %w", msg.SenderID, msg.ChatID, realtime.ErrNotParticipant)
	}

	doc := messageDoc{
		ChatID:           msg.ChatID,
		SenderID:         msg.SenderID,
		Content:          msg.Content,
		Type:             msg.Type,
		MediaURL:         msg.MediaURL,
		ReplyToMessageID: msg.ReplyToMessageID,
		SentAt:           time.Now().UTC(),
	}
	messageID := uuid.NewString()

	docRef := s.client.Collection(s.chats).Doc(msg.ChatID).Collection(messagesCollection).Doc(messageID)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return realtime.StoredMessage{}, fmt.Errorf("failed to persist message in chat %s: %w", msg.ChatID, err)
	}

	s.logger.Debug().Str("chat", msg.ChatID).Str("message", messageID).Msg("Message persisted.")
	return realtime.StoredMessage{
		ID:               messageID,
		ChatID:           doc.ChatID,
		SenderID:         doc.SenderID,
		Content:          doc.Content,
		Type:             doc.Type,
		MediaURL:         doc.MediaURL,
		ReplyToMessageID: doc.ReplyToMessageID,
		SentAt:           doc.SentAt,
	}, nil
}

// RecentMessages fetches the newest messages of a chat, oldest first, for
// the client's catch-up on reconnect.
func (s *FirestoreStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]realtime.StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.client.Collection(s.chats).Doc(chatID).Collection(messagesCollection).
		OrderBy("sentAt", firestore.Desc).Limit(limit)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve messages for chat %s: %w", chatID, err)
	}

	out := make([]realtime.StoredMessage, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to unmarshal stored message, skipping")
			continue
		}
		out = append(out, realtime.StoredMessage{
			ID:               snap.Ref.ID,
			ChatID:           doc.ChatID,
			SenderID:         doc.SenderID,
			Content:          doc.Content,
			Type:             doc.Type,
			MediaURL:         doc.MediaURL,
			ReplyToMessageID: doc.ReplyToMessageID,
			SentAt:           doc.SentAt,
		})
	}
	return out, nil
}
