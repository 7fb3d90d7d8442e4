// Package chat owns chat documents and their membership windows. A
// chat is an ordered, deduplicated member set plus two timestamp maps
// (joined-at, removed-at) that this package alone mutates. Membership
// mutations and their timestamps are applied in a single statement or
// transaction so a concurrent fetch can never observe one without the
// other.
package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gitlab.com/sohbet/services/backend/internal/models"
)

var (
	ErrChatNotFound  = errors.New("chat not found")
	ErrNotGroupChat  = errors.New("not a group chat")
	ErrAlreadyMember = errors.New("already a member")
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateDirectChat creates (or returns the existing) two-party chat
// between two users. Both participants get a joined-at equal to the
// chat's creation time.
func (s *Service) CreateDirectChat(ctx context.Context, user1ID, user2ID uuid.UUID) (*models.Chat, error) {
	existing, err := s.getDirectChat(ctx, user1ID, user2ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.GetChat(ctx, existing.ID)
	}

	now := time.Now().UTC()
	c := &models.Chat{
		ID:          uuid.New(),
		Name:        "direct",
		IsGroupChat: false,
		CreatedBy:   &user1ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, is_group_chat, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Name, c.IsGroupChat, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	for _, userID := range []uuid.UUID{user1ID, user2ID} {
		if err := insertParticipant(ctx, tx, c.ID, userID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat: %w", err)
	}
	return s.GetChat(ctx, c.ID)
}

// CreateGroupChat creates a multi-party chat. The creator is always a
// member; at least two other members are required. All initial members
// share the chat's creation time as their joined-at.
func (s *Service) CreateGroupChat(ctx context.Context, name string, createdBy uuid.UUID, memberIDs []uuid.UUID) (*models.Chat, error) {
	members := dedupe(append([]uuid.UUID{createdBy}, memberIDs...))
	if len(members) < 3 {
		return nil, fmt.Errorf("group chat requires at least 3 members, got %d", len(members))
	}

	now := time.Now().UTC()
	c := &models.Chat{
		ID:          uuid.New(),
		Name:        name,
		IsGroupChat: true,
		CreatedBy:   &createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, is_group_chat, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Name, c.IsGroupChat, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	for _, userID := range members {
		if err := insertParticipant(ctx, tx, c.ID, userID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat: %w", err)
	}
	return s.GetChat(ctx, c.ID)
}

// memberMutationAllowed gates add/remove: a direct chat's two-party
// membership is fixed at creation and never mutated.
func memberMutationAllowed(c *models.Chat) error {
	if !c.IsGroupChat {
		return ErrNotGroupChat
	}
	return nil
}

func insertParticipant(ctx context.Context, tx *sql.Tx, chatID, userID uuid.UUID, joinedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO participants (id, chat_id, user_id, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, user_id) DO NOTHING
	`, uuid.New(), chatID, userID, joinedAt)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// GetChat loads the full chat document, including both membership
// timestamp maps and the ordered current member list.
func (s *Service) GetChat(ctx context.Context, chatID uuid.UUID) (*models.Chat, error) {
	c := &models.Chat{
		JoinedAt:  make(map[uuid.UUID]time.Time),
		RemovedAt: make(map[uuid.UUID]time.Time),
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_group_chat, created_by, created_at, updated_at
		FROM chats WHERE id = $1
	`, chatID).Scan(&c.ID, &c.Name, &c.IsGroupChat, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, joined_at, removed_at
		FROM participants
		WHERE chat_id = $1
		ORDER BY joined_at, user_id
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID uuid.UUID
		var joinedAt time.Time
		var removedAt sql.NullTime
		if err := rows.Scan(&userID, &joinedAt, &removedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		if removedAt.Valid {
			c.RemovedAt[userID] = removedAt.Time
			c.JoinedAt[userID] = joinedAt
			continue
		}
		c.JoinedAt[userID] = joinedAt
		c.Members = append(c.Members, userID)
	}
	return c, rows.Err()
}

// AddMember adds a user to a group chat, or re-admits a previously
// removed one. The upsert sets a fresh joined-at and clears any prior
// removed-at in one atomic statement, so the new forward-only window
// appears together with the membership change. Messages from the
// removal gap stay hidden.
func (s *Service) AddMember(ctx context.Context, chatID, userID uuid.UUID) error {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if err := memberMutationAllowed(c); err != nil {
		return err
	}
	if _, removed := c.RemovedAt[userID]; !removed {
		if _, joined := c.JoinedAt[userID]; joined {
			return ErrAlreadyMember
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO participants (id, chat_id, user_id, joined_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (chat_id, user_id)
		DO UPDATE SET joined_at = NOW(), removed_at = NULL
	`, uuid.New(), chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return s.touch(ctx, chatID)
}

// RemoveMember records the member's removed-at timestamp, closing their
// visibility window. The joined-at is left untouched and no stored
// message is altered: removal is visibility filtering, not
// cryptographic revocation.
func (s *Service) RemoveMember(ctx context.Context, chatID, userID uuid.UUID) error {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if err := memberMutationAllowed(c); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET removed_at = NOW()
		WHERE chat_id = $1 AND user_id = $2 AND removed_at IS NULL
	`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if n == 0 {
		return ErrNotMember
	}
	return s.touch(ctx, chatID)
}

// RenameGroup renames a group chat. Only current members may rename.
func (s *Service) RenameGroup(ctx context.Context, chatID, requesterID uuid.UUID, name string) error {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.IsGroupChat {
		return ErrNotGroupChat
	}
	if !s.isCurrentMember(c, requesterID) {
		return ErrNotMember
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE chats SET name = $1, updated_at = NOW() WHERE id = $2
	`, name, chatID)
	if err != nil {
		return fmt.Errorf("failed to rename chat: %w", err)
	}
	return nil
}

// IsActiveMember reports whether the user is currently a member (has a
// participant row with no removed-at).
func (s *Service) IsActiveMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM participants
			WHERE chat_id = $1 AND user_id = $2 AND removed_at IS NULL
		)
	`, chatID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// Roster returns the ordered current member list with each member's
// published public key, key version and directory attestation. The
// order (joined_at, then user id) is the roster order contract clients
// use when encrypting.
func (s *Service) Roster(ctx context.Context, chatID uuid.UUID) ([]models.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.user_id, u.username, u.display_name, k.public_key, k.key_version, k.attestation, p.joined_at
		FROM participants p
		JOIN users u ON u.id = p.user_id
		LEFT JOIN identity_keys k ON k.user_id = p.user_id AND k.status = 'active'
		WHERE p.chat_id = $1 AND p.removed_at IS NULL
		ORDER BY p.joined_at, p.user_id
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roster: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		var key, attestation []byte
		var version sql.NullInt64
		if err := rows.Scan(&m.UserID, &m.Username, &m.DisplayName, &key, &version, &attestation, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan roster row: %w", err)
		}
		m.PublicKey = key
		m.KeyVersion = int(version.Int64)
		m.Attestation = attestation
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetUserChats lists all chats the user is currently a member of,
// newest activity first.
func (s *Service) GetUserChats(ctx context.Context, userID uuid.UUID) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.is_group_chat, c.created_by, c.created_at, c.updated_at
		FROM chats c
		JOIN participants p ON p.chat_id = c.id
		WHERE p.user_id = $1 AND p.removed_at IS NULL
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroupChat, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

func (s *Service) getDirectChat(ctx context.Context, user1ID, user2ID uuid.UUID) (*models.Chat, error) {
	var c models.Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT DISTINCT c.id, c.name, c.is_group_chat, c.created_by, c.created_at, c.updated_at
		FROM chats c
		JOIN participants p1 ON c.id = p1.chat_id AND p1.user_id = $1
		JOIN participants p2 ON c.id = p2.chat_id AND p2.user_id = $2
		WHERE c.is_group_chat = false
		LIMIT 1
	`, user1ID, user2ID).Scan(&c.ID, &c.Name, &c.IsGroupChat, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query direct chat: %w", err)
	}
	return &c, nil
}

func (s *Service) isCurrentMember(c *models.Chat, userID uuid.UUID) bool {
	for _, id := range c.Members {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Service) touch(ctx context.Context, chatID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_at = NOW() WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
