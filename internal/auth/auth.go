package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"gitlab.com/sohbet/services/backend/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidToken       = errors.New("invalid token")
)

// SessionTTL is how long a sign-in stays valid without renewal.
const SessionTTL = 30 * 24 * time.Hour

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateUser registers a new user with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	user := &models.User{
		ID:          uuid.New(),
		Username:    username,
		DisplayName: username,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastSeenAt:  now,
	}
	if email != "" {
		user.Email = &email
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, display_name, created_at, updated_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, username, email, display_name, created_at, updated_at, last_seen_at
	`

	err = s.db.QueryRowContext(ctx, query,
		user.ID, user.Username, user.Email, string(passwordHash), user.DisplayName,
		user.CreatedAt, user.UpdatedAt, user.LastSeenAt,
	).Scan(&user.ID, &user.Username, &user.Email, &user.DisplayName,
		&user.CreatedAt, &user.UpdatedAt, &user.LastSeenAt)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// Authenticate verifies username/password and returns the user.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	var passwordHash string

	query := `
		SELECT id, username, email, password_hash, display_name, avatar_url,
		       created_at, updated_at, last_seen_at
		FROM users
		WHERE username = $1 AND password_hash IS NOT NULL
	`

	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.Email, &passwordHash, &user.DisplayName,
		&user.AvatarURL, &user.CreatedAt, &user.UpdatedAt, &user.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &user, nil
}

// GetUserByID retrieves a user by ID.
func (s *Service) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User

	query := `
		SELECT id, username, email, display_name, avatar_url,
		       created_at, updated_at, last_seen_at
		FROM users
		WHERE id = $1
	`

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.Username, &user.Email, &user.DisplayName,
		&user.AvatarURL, &user.CreatedAt, &user.UpdatedAt, &user.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	return &user, nil
}

// UpdateLastSeen updates the user's last seen timestamp.
func (s *Service) UpdateLastSeen(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = $1 WHERE id = $2`, time.Now(), userID)
	return err
}

// CreateSession issues a random bearer token for the user and records
// it in the sessions table.
func (s *Service) CreateSession(ctx context.Context, userID uuid.UUID) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, user_id, created_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3::interval)
	`, token, userID, fmt.Sprintf("%d seconds", int(SessionTTL.Seconds())))
	if err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	return token, nil
}

// ValidateSession resolves a bearer token to a user ID. Expired or
// unknown tokens return ErrInvalidToken.
func (s *Service) ValidateSession(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrInvalidToken
	}

	var userID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM sessions
		WHERE token = $1 AND expires_at > NOW()
	`, token).Scan(&userID)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrInvalidToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to query session: %w", err)
	}

	return userID, nil
}

// DeleteSession revokes a bearer token.
func (s *Service) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

// SearchUsers finds users by exact ID, exact email, or username prefix,
// excluding the requesting user.
func (s *Service) SearchUsers(ctx context.Context, query string, excludeUserID uuid.UUID, limit int) ([]*models.User, error) {
	if limit <= 0 || limit > 20 {
		limit = 10
	}

	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return []*models.User{}, nil
	}

	if parsedID, err := uuid.Parse(query); err == nil {
		user, err := s.GetUserByID(ctx, parsedID)
		if err == ErrUserNotFound || (err == nil && user.ID == excludeUserID) {
			return []*models.User{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []*models.User{user}, nil
	}

	users := []*models.User{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, email, display_name, avatar_url,
		       created_at, updated_at, last_seen_at
		FROM users
		WHERE id != $1
		  AND (
		      LOWER(email) = LOWER($2)
		      OR LOWER(username) LIKE LOWER($3)
		  )
		ORDER BY
		  CASE WHEN LOWER(email) = LOWER($2) THEN 0 ELSE 1 END,
		  username ASC
		LIMIT $4
	`, excludeUserID, query, query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user models.User
		if err := rows.Scan(
			&user.ID, &user.Username, &user.Email, &user.DisplayName,
			&user.AvatarURL, &user.CreatedAt, &user.UpdatedAt, &user.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &user)
	}

	return users, rows.Err()
}
