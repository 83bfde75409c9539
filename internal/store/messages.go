package store

import (
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Chase-Garrett/courier/internal/protocol"
)

const messageColumns = `id, message_id, contact_id, user_id, contact_user_id, direction,
	message_signature, encrypted_message, status, created_at, read_at, reaction`

func (s *Store) checkSize(env protocol.Envelope) error {
	ciphertext, request := env.Sizes()
	if s.limits.MaxCiphertextBytes > 0 && ciphertext > s.limits.MaxCiphertextBytes {
		return ErrTooLarge
	}
	if s.limits.MaxRequestBytes > 0 && request > s.limits.MaxRequestBytes {
		return ErrTooLarge
	}
	return nil
}

// Send stores the author's copy and the recipient's mirror copy of a new message.
func (s *Store) Send(owner string, env protocol.Envelope) (protocol.SendResult, error) {
	env.MessageID = "pending"
	if missing := env.Missing(); len(missing) > 0 {
		return protocol.SendResult{}, errors.Wrapf(ErrInvalidFields, "missing %s", strings.Join(missing, ", "))
	}
	if env.UserID != owner {
		return protocol.SendResult{}, ErrForbidden
	}
	if err := s.checkSize(env); err != nil {
		return protocol.SendResult{}, err
	}

	own, err := s.Contact(owner, env.ContactID)
	if err != nil {
		return protocol.SendResult{}, err
	}
	if own.ContactUserID != env.ContactUserID {
		return protocol.SendResult{}, ErrForbidden
	}
	mirror, err := s.contactByPair(env.ContactUserID, env.UserID)
	if err != nil {
		return protocol.SendResult{}, errors.Wrap(err, "mirror contact")
	}

	res := protocol.SendResult{
		MessageID:       uuid.NewString(),
		MirrorMessageID: uuid.NewString(),
		SharedMessageID: uuid.NewString(),
	}
	now := s.now().UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return protocol.SendResult{}, errors.Wrap(err, "begin send tx")
	}
	defer func() { _ = tx.Rollback() }()

	insert := `INSERT INTO contact_messages (id, message_id, owner_id, contact_id, user_id, contact_user_id,
		direction, message_signature, encrypted_message, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(insert, res.MessageID, res.SharedMessageID, env.UserID, own.ID, env.UserID, env.ContactUserID,
		protocol.DirectionUser, env.MessageSignature, env.UserEncryptedMessage, protocol.StatusSent, now); err != nil {
		return protocol.SendResult{}, errors.Wrap(err, "insert author copy")
	}
	if _, err := tx.Exec(insert, res.MirrorMessageID, res.SharedMessageID, env.ContactUserID, mirror.ID, env.UserID, env.ContactUserID,
		protocol.DirectionContactUser, env.MessageSignature, env.ContactUserEncryptedMessage, protocol.StatusSent, now); err != nil {
		return protocol.SendResult{}, errors.Wrap(err, "insert mirror copy")
	}
	if err := tx.Commit(); err != nil {
		return protocol.SendResult{}, errors.Wrap(err, "commit send")
	}
	return res, nil
}

// List returns owner's copies in a conversation, newest first. Listing marks the
// counterpart's incoming messages as delivered.
func (s *Store) List(owner, contactID string, opts protocol.ListOptions) ([]protocol.StoredMessage, error) {
	if _, err := s.Contact(owner, contactID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	if _, err := s.db.Exec(
		`UPDATE contact_messages SET status = ? WHERE status = ? AND message_id IN (
			SELECT message_id FROM contact_messages WHERE owner_id = ? AND contact_id = ? AND direction = ?)`,
		protocol.StatusDelivered, protocol.StatusSent, owner, contactID, protocol.DirectionContactUser,
	); err != nil {
		return nil, errors.Wrap(err, "mark delivered")
	}

	query := `SELECT ` + messageColumns + ` FROM contact_messages WHERE owner_id = ? AND contact_id = ?`
	args := []any{owner, contactID}
	if !opts.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, opts.Before.UnixMilli())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	out := make([]protocol.StoredMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns owner's copy of a message by shared id.
func (s *Store) Get(owner, messageID string) (protocol.StoredMessage, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM contact_messages WHERE owner_id = ? AND message_id = ?`, owner, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return protocol.StoredMessage{}, ErrNotFound
	}
	if err != nil {
		return protocol.StoredMessage{}, errors.Wrap(err, "get message")
	}
	return m, nil
}

// Update replaces the ciphertexts and signature of a message owner authored.
func (s *Store) Update(owner string, env protocol.Envelope) error {
	if missing := env.Missing(); len(missing) > 0 {
		return errors.Wrapf(ErrInvalidFields, "missing %s", strings.Join(missing, ", "))
	}
	if env.UserID != owner {
		return ErrForbidden
	}
	if err := s.checkSize(env); err != nil {
		return err
	}

	m, err := s.Get(owner, env.MessageID)
	if err != nil {
		return err
	}
	if m.Direction != protocol.DirectionUser {
		return ErrForbidden
	}
	if m.Status == protocol.StatusDeleted {
		return ErrNotFound
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin update tx")
	}
	defer func() { _ = tx.Rollback() }()

	update := `UPDATE contact_messages SET message_signature = ?, encrypted_message = ? WHERE message_id = ? AND owner_id = ?`
	if _, err := tx.Exec(update, env.MessageSignature, env.UserEncryptedMessage, env.MessageID, env.UserID); err != nil {
		return errors.Wrap(err, "update author copy")
	}
	if _, err := tx.Exec(update, env.MessageSignature, env.ContactUserEncryptedMessage, env.MessageID, env.ContactUserID); err != nil {
		return errors.Wrap(err, "update mirror copy")
	}
	return errors.Wrap(tx.Commit(), "commit update")
}

// Delete tombstones (ScopeSingle) or erases (ScopeBoth) both copies of a message.
func (s *Store) Delete(owner, contactID, messageID string, scope protocol.DeleteScope) error {
	m, err := s.Get(owner, messageID)
	if err != nil {
		return err
	}
	if m.ContactID != contactID {
		return ErrForbidden
	}

	switch scope {
	case protocol.ScopeBoth:
		_, err = s.db.Exec(`DELETE FROM contact_messages WHERE message_id = ?`, messageID)
	case protocol.ScopeSingle, "":
		_, err = s.db.Exec(
			`UPDATE contact_messages SET status = ?, encrypted_message = '', reaction = NULL WHERE message_id = ?`,
			protocol.StatusDeleted, messageID,
		)
	default:
		return errors.Wrapf(ErrInvalidFields, "unknown scope %q", scope)
	}
	return errors.Wrapf(err, "delete message %q", messageID)
}

// MarkRead records that owner has read the given incoming messages and returns how many changed.
func (s *Store) MarkRead(owner string, messageIDs []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin read tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	changed := 0
	for _, id := range messageIDs {
		res, err := tx.Exec(
			`UPDATE contact_messages SET read_at = ?, status = ?
			WHERE message_id = ? AND owner_id = ? AND direction = ? AND read_at IS NULL AND status != ?`,
			now, protocol.StatusRead, id, owner, protocol.DirectionContactUser, protocol.StatusDeleted,
		)
		if err != nil {
			return 0, errors.Wrap(err, "mark read")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		changed++
		if _, err := tx.Exec(
			`UPDATE contact_messages SET status = ? WHERE message_id = ? AND owner_id != ? AND status IN (?, ?)`,
			protocol.StatusRead, id, owner, protocol.StatusSent, protocol.StatusDelivered,
		); err != nil {
			return 0, errors.Wrap(err, "mark author copy read")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit read")
	}
	return changed, nil
}

// React sets or clears the reaction on both copies of a message owner can see.
func (s *Store) React(owner, messageID string, reaction *string) error {
	m, err := s.Get(owner, messageID)
	if err != nil {
		return err
	}
	if m.Status == protocol.StatusDeleted {
		return ErrNotFound
	}
	_, err = s.db.Exec(`UPDATE contact_messages SET reaction = ? WHERE message_id = ?`, reaction, messageID)
	return errors.Wrap(err, "set reaction")
}

// UnreadCount counts owner's unread incoming messages in a conversation.
func (s *Store) UnreadCount(owner, contactID string) (int, error) {
	if _, err := s.Contact(owner, contactID); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM contact_messages
		WHERE owner_id = ? AND contact_id = ? AND direction = ? AND read_at IS NULL AND status != ?`,
		owner, contactID, protocol.DirectionContactUser, protocol.StatusDeleted,
	).Scan(&n)
	return n, errors.Wrap(err, "count unread")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (protocol.StoredMessage, error) {
	var (
		m         protocol.StoredMessage
		direction string
		status    string
		createdAt int64
		readAt    sql.NullInt64
		reaction  sql.NullString
	)
	if err := row.Scan(&m.ID, &m.MessageID, &m.ContactID, &m.UserID, &m.ContactUserID, &direction,
		&m.MessageSignature, &m.EncryptedMessage, &status, &createdAt, &readAt, &reaction); err != nil {
		return protocol.StoredMessage{}, err
	}
	m.Direction = protocol.Direction(direction)
	m.Status = protocol.Status(status)
	m.CreatedAt = fromMillis(createdAt)
	if readAt.Valid {
		t := fromMillis(readAt.Int64)
		m.ReadAt = &t
	}
	if reaction.Valid {
		r := reaction.String
		m.Reaction = &r
	}
	return m, nil
}
