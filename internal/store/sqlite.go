package store

import (
	"errors"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3" // SQLite driver
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        owner_id TEXT NOT NULL,
        title TEXT NOT NULL,
        strategy TEXT NOT NULL CHECK (strategy IN ('small', 'large')),
        reference TEXT NOT NULL DEFAULT '',
        summary TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL DEFAULT 'ready' CHECK (status IN ('ready', 'upload_pending')),
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        UNIQUE (owner_id, title),
        CHECK ((strategy = 'small' AND reference <> '' AND summary = '')
            OR (strategy = 'large' AND summary <> '' AND reference = ''))
    )`,
	`CREATE TABLE IF NOT EXISTS chat_documents (
        chat_id TEXT NOT NULL,
        name TEXT NOT NULL,
        url TEXT NOT NULL,
        content_type TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        UNIQUE (chat_id, name),
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    )`,
	`CREATE TABLE IF NOT EXISTS messages (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT UNIQUE NOT NULL, -- UUID
        chat_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, timestamp, seq)`,
	`CREATE TRIGGER IF NOT EXISTS chats_routing_immutable
        BEFORE UPDATE OF owner_id, title, strategy, reference, summary ON chats
    BEGIN
        SELECT RAISE(ABORT, 'chat routing fields are immutable');
    END`,
}

// withSQLiteForeignKeys turns on foreign key enforcement for every connection
// the driver opens.
func withSQLiteForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

func classifySQLiteError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return errors.Join(ErrDuplicate, err)
	case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return errors.Join(ErrNotFound, err)
	case se.ExtendedCode == sqlite3.ErrConstraintTrigger || strings.Contains(se.Error(), "immutable"):
		return errors.Join(ErrImmutableField, err)
	}
	return err
}
