package auth

import (
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/Chase-Garrett/courier/internal/envelope"
	"github.com/Chase-Garrett/courier/internal/protocol"
)

var (
	ErrIdentityExists     = errors.New("identity already exists")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrInvalidCredentials = errors.New("invalid identity or password")
)

// IdentityStorage manages identities and their public keys in SQLite
type IdentityStorage struct {
	db *sql.DB
}

// NewIdentityStorage initializes the identities table on db.
func NewIdentityStorage(db *sql.DB) (*IdentityStorage, error) {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS identities (
		"id" TEXT NOT NULL PRIMARY KEY,
		"hashed_password" BLOB NOT NULL,
		"encryption_public_key" BLOB NOT NULL,
		"signing_public_key" BLOB NOT NULL,
		"created_at" INTEGER NOT NULL);`

	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, errors.Wrap(err, "create identities table")
	}
	return &IdentityStorage{db: db}, nil
}

// Registration is the input to Register. Keys are base64.
type Registration struct {
	ID                  string `json:"id"`
	Password            string `json:"password"`
	EncryptionPublicKey string `json:"encryptionPublicKey"`
	SigningPublicKey    string `json:"signingPublicKey"`
}

// Register creates a new identity, hashes its password and stores its public keys.
func (s *IdentityStorage) Register(reg Registration) error {
	if reg.ID == "" || reg.Password == "" {
		return errors.New("id and password cannot be empty")
	}
	if len(reg.Password) < 6 {
		return errors.New("password must be at least 6 characters")
	}

	keys, err := envelope.DecodePublicKeys(reg.EncryptionPublicKey, reg.SigningPublicKey)
	if err != nil {
		return errors.Wrap(err, "invalid public key")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}

	insertSQL := `INSERT INTO identities (id, hashed_password, encryption_public_key, signing_public_key, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.Exec(insertSQL, reg.ID, hashedPassword, keys.Encryption[:], []byte(keys.Signing), time.Now().UnixMilli())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrIdentityExists
		}
		return errors.Wrapf(err, "insert identity %q", reg.ID)
	}
	return nil
}

// VerifyPassword checks id and password.
func (s *IdentityStorage) VerifyPassword(id, password string) error {
	var hashedPassword []byte
	err := s.db.QueryRow(`SELECT hashed_password FROM identities WHERE id = ?`, id).Scan(&hashedPassword)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrInvalidCredentials
		}
		return errors.Wrap(err, "query identity")
	}

	if err := bcrypt.CompareHashAndPassword(hashedPassword, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// PublicKeys retrieves an identity's published keys.
func (s *IdentityStorage) PublicKeys(id string) (protocol.IdentityKeys, error) {
	var enc, sig []byte
	err := s.db.QueryRow(`SELECT encryption_public_key, signing_public_key FROM identities WHERE id = ?`, id).Scan(&enc, &sig)
	if err != nil {
		if err == sql.ErrNoRows {
			return protocol.IdentityKeys{}, ErrIdentityNotFound
		}
		return protocol.IdentityKeys{}, errors.Wrapf(err, "query keys for %q", id)
	}
	return protocol.IdentityKeys{
		ID:                  id,
		EncryptionPublicKey: envelope.EncodeKey(enc),
		SigningPublicKey:    envelope.EncodeKey(sig),
	}, nil
}

// Exists reports whether an identity is registered.
func (s *IdentityStorage) Exists(id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM identities WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "check identity")
	}
	return exists, nil
}
