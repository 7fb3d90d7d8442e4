// Package directory is the published-key directory: each user's
// DER-encoded RSA public key, versioned and fingerprinted, with a
// server attestation signature over every active entry. The directory
// never stores private keys.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gitlab.com/sohbet/services/backend/internal/crypto"
	"gitlab.com/sohbet/services/backend/internal/models"
)

var ErrNoPublishedKey = errors.New("user has no published key")

type Service struct {
	db     *sql.DB
	signer *Signer
}

func NewService(db *sql.DB, signer *Signer) *Service {
	return &Service{db: db, signer: signer}
}

// PublishKey stores a user's public key as their active directory
// entry. Publishing the identical key again is a no-op returning the
// existing entry; publishing a different key marks the old entry
// rotated and bumps the version. Rotation orphans nothing server-side
// (old envelopes keep their wrapped keys), but the client is expected
// to publish a new key only on explicit local key reset.
func (s *Service) PublishKey(ctx context.Context, userID uuid.UUID, publicKeyDER []byte) (*models.DirectoryEntry, error) {
	if _, err := crypto.ParsePublicKey(publicKeyDER); err != nil {
		return nil, err
	}
	fingerprint := crypto.KeyFingerprint(publicKeyDER)

	current, err := s.ActiveKey(ctx, userID)
	if err != nil && err != ErrNoPublishedKey {
		return nil, err
	}
	if current != nil && current.KeyFingerprint == fingerprint {
		return current, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE identity_keys
		SET status = 'rotated', rotated_at = NOW()
		WHERE user_id = $1 AND status = 'active'
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate existing keys: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(key_version), 0) + 1 FROM identity_keys WHERE user_id = $1
	`, userID).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("failed to get next key version: %w", err)
	}

	entry := &models.DirectoryEntry{
		ID:             uuid.New(),
		UserID:         userID,
		PublicKey:      publicKeyDER,
		KeyFingerprint: fingerprint,
		KeyVersion:     version,
		Status:         "active",
		Attestation:    s.signer.Attest(userID, publicKeyDER, version),
		CreatedAt:      time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identity_keys (id, user_id, public_key, key_fingerprint, key_version, status, attestation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.UserID, entry.PublicKey, entry.KeyFingerprint, entry.KeyVersion, entry.Status, entry.Attestation, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit key publication: %w", err)
	}
	return entry, nil
}

// ActiveKey returns a user's current directory entry.
func (s *Service) ActiveKey(ctx context.Context, userID uuid.UUID) (*models.DirectoryEntry, error) {
	entry := &models.DirectoryEntry{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, public_key, key_fingerprint, key_version, status, attestation, created_at
		FROM identity_keys
		WHERE user_id = $1 AND status = 'active'
	`, userID).Scan(&entry.ID, &entry.UserID, &entry.PublicKey, &entry.KeyFingerprint,
		&entry.KeyVersion, &entry.Status, &entry.Attestation, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoPublishedKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return entry, nil
}

// AttestationKey returns the server's attestation verification key.
func (s *Service) AttestationKey() []byte {
	return s.signer.PublicKey()
}

// HasKey reports whether the user has published an encryption key and
// can therefore be addressed as a recipient.
func (s *Service) HasKey(ctx context.Context, userID uuid.UUID) (bool, error) {
	_, err := s.ActiveKey(ctx, userID)
	if err == ErrNoPublishedKey {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
