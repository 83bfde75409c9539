// Package store is the durable side of the messaging system: contact pairings and the two
// stored copies of every message. The relay never touches it.
package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrTooLarge      = errors.New("message too large")
	ErrInvalidFields = errors.New("invalid fields")
)

// OpenDB opens (creating if needed) the SQLite database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

// Limits are the ceilings enforced on stored ciphertexts.
type Limits struct {
	MaxCiphertextBytes int
	MaxRequestBytes    int
}

// Store persists contacts and messages.
type Store struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id TEXT NOT NULL PRIMARY KEY,
	user_id TEXT NOT NULL,
	contact_user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(user_id, contact_user_id)
);
CREATE TABLE IF NOT EXISTS contact_messages (
	id TEXT NOT NULL PRIMARY KEY,
	message_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	user_id TEXT NOT NULL,
	contact_user_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	message_signature TEXT NOT NULL,
	encrypted_message TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	read_at INTEGER,
	reaction TEXT,
	UNIQUE(message_id, owner_id)
);
CREATE INDEX IF NOT EXISTS idx_contact_messages_contact ON contact_messages(contact_id, created_at);
`

// New initializes the schema on db.
func New(db *sql.DB, limits Limits) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "create message tables")
	}
	return &Store{db: db, limits: limits, now: time.Now}, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
