package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    external_user_id TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    strategy TEXT NOT NULL CHECK (strategy IN ('small', 'large')),
    reference TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'ready' CHECK (status IN ('ready', 'upload_pending')),
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
    UNIQUE (owner_id, title),
    CHECK ((strategy = 'small' AND reference <> '' AND summary = '')
        OR (strategy = 'large' AND summary <> '' AND reference = ''))
)`,
	`CREATE TABLE IF NOT EXISTS chat_documents (
    chat_id TEXT NOT NULL REFERENCES chats (id),
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    UNIQUE (chat_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS messages (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT UNIQUE NOT NULL,
    chat_id TEXT NOT NULL REFERENCES chats (id),
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    timestamp TIMESTAMP WITH TIME ZONE NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, timestamp, seq)`,
	`CREATE OR REPLACE FUNCTION chats_routing_immutable() RETURNS trigger AS $$
BEGIN
    IF NEW.owner_id IS DISTINCT FROM OLD.owner_id
        OR NEW.title IS DISTINCT FROM OLD.title
        OR NEW.strategy IS DISTINCT FROM OLD.strategy
        OR NEW.reference IS DISTINCT FROM OLD.reference
        OR NEW.summary IS DISTINCT FROM OLD.summary THEN
        RAISE EXCEPTION 'chat routing fields are immutable';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS chats_routing_immutable ON chats`,
	`CREATE TRIGGER chats_routing_immutable BEFORE UPDATE ON chats
    FOR EACH ROW EXECUTE FUNCTION chats_routing_immutable()`,
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgRaiseException      = "P0001"
)

func classifyPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgUniqueViolation:
		return errors.Join(ErrDuplicate, err)
	case pgErr.Code == pgForeignKeyViolation:
		return errors.Join(ErrNotFound, err)
	case pgErr.Code == pgRaiseException && strings.Contains(pgErr.Message, "immutable"):
		return errors.Join(ErrImmutableField, err)
	}
	return err
}

// rebindDollar rewrites '?' placeholders into PostgreSQL's $n form.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
