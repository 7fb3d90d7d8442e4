// Package message is the append-only envelope store. The server
// persists envelopes verbatim as opaque blobs and never decrypts them;
// fetches apply the requester's membership window inside the query so
// the filter and the message list come from one consistent snapshot.
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"gitlab.com/sohbet/services/backend/internal/chat"
	"gitlab.com/sohbet/services/backend/internal/models"
)

// ErrMessageNotFound is returned when a message ID resolves to nothing.
var ErrMessageNotFound = errors.New("message not found")

type Service struct {
	db    *sql.DB
	redis *redis.Client
}

func NewService(db *sql.DB, redis *redis.Client) *Service {
	return &Service{db: db, redis: redis}
}

// Create appends one message. The content blob is stored untouched.
// recipientIDs is the ordered recipient list the sender encrypted
// against; it is frozen on the record so receivers can derive their
// wrapped-key index even if membership changes before they fetch.
// Messages are never updated or deleted after this point.
func (s *Service) Create(ctx context.Context, chatID, senderID uuid.UUID, content []byte, recipientIDs []uuid.UUID) (*models.Message, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty message content")
	}
	if len(recipientIDs) == 0 {
		return nil, fmt.Errorf("empty recipient list")
	}

	msg := &models.Message{
		ID:           uuid.New(),
		ChatID:       chatID,
		SenderID:     senderID,
		Content:      content,
		RecipientIDs: recipientIDs,
		CreatedAt:    time.Now().UTC(),
	}

	recipients := make([]string, len(recipientIDs))
	for i, id := range recipientIDs {
		recipients[i] = id.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, recipient_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.ChatID, msg.SenderID, msg.Content, pq.Array(recipients), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, chatID)
	if err != nil {
		log.Printf("[Message] failed to update chat activity: %v", err)
	}

	if s.redis != nil {
		s.publish(ctx, msg)
	}
	return msg, nil
}

// Get loads one message by ID.
func (s *Service) Get(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	var recipients pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, sender_id, content, recipient_ids, created_at
		FROM messages WHERE id = $1
	`, messageID).Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &recipients, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	for _, r := range recipients {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recipient id: %w", err)
		}
		msg.RecipientIDs = append(msg.RecipientIDs, id)
	}
	return &msg, nil
}

// ListVisible returns the chat's messages the requester may see, in
// chronological order. The membership window is evaluated against the
// requester's participant row inside the same query: created_at must be
// at or after their joined-at and strictly before their removed-at (if
// removed). Former members therefore keep their pre-removal history and
// nothing after it.
func (s *Service) ListVisible(ctx context.Context, chatID, requesterID uuid.UUID, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var everMember bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM participants WHERE chat_id = $1 AND user_id = $2)
	`, chatID, requesterID).Scan(&everMember)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if !everMember {
		return nil, chat.ErrNotMember
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.recipient_ids, m.created_at
		FROM messages m
		JOIN participants p ON p.chat_id = m.chat_id AND p.user_id = $2
		WHERE m.chat_id = $1
		  AND m.created_at >= p.joined_at
		  AND (p.removed_at IS NULL OR m.created_at < p.removed_at)
		ORDER BY m.created_at, m.id
		LIMIT $3 OFFSET $4
	`, chatID, requesterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var recipients pq.StringArray
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &recipients, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.RecipientIDs = make([]uuid.UUID, 0, len(recipients))
		for _, r := range recipients {
			id, err := uuid.Parse(r)
			if err != nil {
				return nil, fmt.Errorf("failed to parse recipient id: %w", err)
			}
			msg.RecipientIDs = append(msg.RecipientIDs, id)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// publish pushes the full message record (content is already opaque
// ciphertext) for real-time fan-out to connected members.
func (s *Service) publish(ctx context.Context, msg *models.Message) {
	event := models.WSEvent{
		Type:    "message",
		ChatID:  msg.ChatID.String(),
		Message: msg,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Message] failed to marshal event: %v", err)
		return
	}
	if err := s.redis.Publish(ctx, channelFor(msg.ChatID), payload).Err(); err != nil {
		log.Printf("[Message] failed to publish event: %v", err)
	}
}

func channelFor(chatID uuid.UUID) string {
	return "chat:" + chatID.String()
}
