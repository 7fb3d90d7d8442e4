// Package keystore is the client-resident persistence for a device's
// identity keypair and a cache of peer public keys. The private key
// never leaves this store; only the DER-encoded public half is ever
// published.
package keystore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"gitlab.com/sohbet/services/backend/internal/crypto"
)

type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the local keystore at path. Use
// ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			private_key_pem BLOB NOT NULL,
			public_key_der BLOB NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS peer_keys (
			user_id TEXT PRIMARY KEY,
			public_key_der BLOB NOT NULL,
			fingerprint TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, q := range queries {
		if _, err := s.conn.Exec(q); err != nil {
			return fmt.Errorf("failed to init keystore: %w", err)
		}
	}
	return nil
}

// EnsureIdentity returns the device's identity keypair, generating and
// persisting a fresh one only if none exists. The call is idempotent:
// an existing keypair is always returned unchanged, never rotated,
// since rotation would orphan every envelope previously encrypted for
// this identity.
func (s *Store) EnsureIdentity() (*crypto.IdentityKeyPair, error) {
	var privPEM []byte
	err := s.conn.QueryRow(`SELECT private_key_pem FROM identity WHERE id = 1`).Scan(&privPEM)
	if err == nil {
		priv, err := crypto.ParsePrivateKeyPEM(privPEM)
		if err != nil {
			return nil, fmt.Errorf("stored identity key is corrupt: %w", err)
		}
		return &crypto.IdentityKeyPair{Private: priv, Public: &priv.PublicKey}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	kp, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	privPEM, err = crypto.MarshalPrivateKeyPEM(kp.Private)
	if err != nil {
		return nil, err
	}
	pubDER, err := crypto.MarshalPublicKey(kp.Public)
	if err != nil {
		return nil, err
	}

	// INSERT OR IGNORE guards against a concurrent first call on the
	// same store; whichever row lands first wins and is re-read.
	if _, err := s.conn.Exec(`
		INSERT OR IGNORE INTO identity (id, private_key_pem, public_key_der)
		VALUES (1, ?, ?)
	`, privPEM, pubDER); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}

	err = s.conn.QueryRow(`SELECT private_key_pem FROM identity WHERE id = 1`).Scan(&privPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to read back identity: %w", err)
	}
	priv, err := crypto.ParsePrivateKeyPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("stored identity key is corrupt: %w", err)
	}
	return &crypto.IdentityKeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicKeyDER returns the published form of the device's identity key.
func (s *Store) PublicKeyDER() ([]byte, error) {
	var pubDER []byte
	err := s.conn.QueryRow(`SELECT public_key_der FROM identity WHERE id = 1`).Scan(&pubDER)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no identity key; call EnsureIdentity first")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return pubDER, nil
}

// Reset destroys the local identity. Only an explicit local key reset
// ever removes a keypair.
func (s *Store) Reset() error {
	if _, err := s.conn.Exec(`DELETE FROM identity`); err != nil {
		return fmt.Errorf("failed to reset keystore: %w", err)
	}
	return nil
}

// CachePeerKey stores or refreshes a peer's published public key.
func (s *Store) CachePeerKey(userID string, publicKeyDER []byte) error {
	if _, err := crypto.ParsePublicKey(publicKeyDER); err != nil {
		return err
	}
	_, err := s.conn.Exec(`
		INSERT INTO peer_keys (user_id, public_key_der, fingerprint, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (user_id) DO UPDATE SET
			public_key_der = excluded.public_key_der,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`, userID, publicKeyDER, crypto.KeyFingerprint(publicKeyDER))
	if err != nil {
		return fmt.Errorf("failed to cache peer key: %w", err)
	}
	return nil
}

// PeerKey returns a cached peer public key, or nil if not cached.
func (s *Store) PeerKey(userID string) ([]byte, error) {
	var der []byte
	err := s.conn.QueryRow(`SELECT public_key_der FROM peer_keys WHERE user_id = ?`, userID).Scan(&der)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read peer key: %w", err)
	}
	return der, nil
}
