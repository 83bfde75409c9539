package store

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Chase-Garrett/courier/internal/protocol"
)

// CreateContact pairs userID with contactUserID, creating both sides if absent,
// and returns userID's side.
func (s *Store) CreateContact(userID, contactUserID string) (protocol.Contact, error) {
	if userID == "" || contactUserID == "" {
		return protocol.Contact{}, errors.Wrap(ErrInvalidFields, "user id and contact user id are required")
	}
	if userID == contactUserID {
		return protocol.Contact{}, errors.Wrap(ErrInvalidFields, "cannot pair an identity with itself")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return protocol.Contact{}, errors.Wrap(err, "begin contact tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	for _, pair := range [][2]string{{userID, contactUserID}, {contactUserID, userID}} {
		if _, err := tx.Exec(
			`INSERT INTO contacts (id, user_id, contact_user_id, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, contact_user_id) DO NOTHING`,
			uuid.NewString(), pair[0], pair[1], now,
		); err != nil {
			return protocol.Contact{}, errors.Wrap(err, "insert contact")
		}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Contact{}, errors.Wrap(err, "commit contact")
	}

	return s.contactByPair(userID, contactUserID)
}

// Contact returns the pairing with id, which must belong to owner.
func (s *Store) Contact(owner, id string) (protocol.Contact, error) {
	var c protocol.Contact
	err := s.db.QueryRow(`SELECT id, user_id, contact_user_id FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &c.ContactUserID)
	if err == sql.ErrNoRows {
		return protocol.Contact{}, ErrNotFound
	}
	if err != nil {
		return protocol.Contact{}, errors.Wrapf(err, "query contact %q", id)
	}
	if c.UserID != owner {
		return protocol.Contact{}, ErrForbidden
	}
	return c, nil
}

func (s *Store) contactByPair(userID, contactUserID string) (protocol.Contact, error) {
	var c protocol.Contact
	err := s.db.QueryRow(
		`SELECT id, user_id, contact_user_id FROM contacts WHERE user_id = ? AND contact_user_id = ?`,
		userID, contactUserID,
	).Scan(&c.ID, &c.UserID, &c.ContactUserID)
	if err == sql.ErrNoRows {
		return protocol.Contact{}, ErrNotFound
	}
	if err != nil {
		return protocol.Contact{}, errors.Wrap(err, "query contact pair")
	}
	return c, nil
}
