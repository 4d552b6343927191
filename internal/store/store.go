package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("record already exists")
	ErrImmutableField = errors.New("immutable field")
)

// SQLStore persists users, chats, chat documents and messages in SQLite
// ("sqlite3") or PostgreSQL ("pgx"). Lookups return nil, nil when the record
// does not exist.
type SQLStore struct {
	db       *sql.DB
	driver   string
	rebind   func(string) string
	classify func(error) error
	now      func() time.Time
}

func Open(driver, dataSourceName string) (*SQLStore, error) {
	s := &SQLStore{driver: driver, now: time.Now}
	var schema []string
	switch driver {
	case "sqlite3":
		s.rebind = func(q string) string { return q }
		s.classify = classifySQLiteError
		schema = sqliteSchema
	case "pgx":
		s.rebind = rebindDollar
		s.classify = classifyPostgresError
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	dsn := strings.TrimSpace(dataSourceName)
	if driver == "sqlite3" {
		dsn = withSQLiteForeignKeys(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// One writer at a time; avoids SQLITE_BUSY under concurrent requests.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	if err = s.initSchema(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) initSchema(statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC()
}

// User methods
func (s *SQLStore) CreateUser(ctx context.Context, externalUserID, passwordHash string) (*User, error) {
	user := User{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		PasswordHash:   passwordHash,
		CreatedAt:      s.timestamp(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO users (id, external_user_id, password_hash, created_at) VALUES (?, ?, ?, ?)"),
		user.ID, user.ExternalUserID, user.PasswordHash, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", s.classify(err))
	}
	return &user, nil
}

func (s *SQLStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?"), externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?"), id).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Chat methods
const chatColumns = "id, owner_id, title, strategy, reference, summary, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var chat Chat
	if err := row.Scan(&chat.ID, &chat.OwnerID, &chat.Title, &chat.Strategy, &chat.Reference, &chat.Summary,
		&chat.Status, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return nil, err
	}
	chat.Documents = []Document{}
	return &chat, nil
}

func (s *SQLStore) CreateChat(ctx context.Context, in NewChat) (*Chat, error) {
	if !in.Strategy.Valid() {
		return nil, fmt.Errorf("invalid strategy %q", in.Strategy)
	}
	status := in.Status
	if status == "" {
		status = ChatStatusReady
	}

	now := s.timestamp()
	chat := &Chat{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Title:     in.Title,
		Strategy:  in.Strategy,
		Reference: in.Reference,
		Summary:   in.Summary,
		Status:    status,
		Documents: []Document{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO chats ("+chatColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		chat.ID, chat.OwnerID, chat.Title, chat.Strategy, chat.Reference, chat.Summary, chat.Status, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chat insert: %w", s.classify(err))
	}
	return chat, nil
}

func (s *SQLStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chat, err := scanChat(s.db.QueryRowContext(ctx, s.rebind("SELECT "+chatColumns+" FROM chats WHERE id = ?"), chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if err := s.attachDocuments(ctx, []*Chat{chat}); err != nil {
		return nil, err
	}
	return chat, nil
}

// ChatExists reports whether a chat row with chatID is present.
func (s *SQLStore) ChatExists(ctx context.Context, chatID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT 1 FROM chats WHERE id = ?"), chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check chat: %w", err)
	}
	return true, nil
}

func (s *SQLStore) FindChatByOwnerAndTitle(ctx context.Context, ownerID, title string) (*Chat, error) {
	chat, err := scanChat(s.db.QueryRowContext(ctx, s.rebind("SELECT "+chatColumns+" FROM chats WHERE owner_id = ? AND title = ?"), ownerID, title))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	if err := s.attachDocuments(ctx, []*Chat{chat}); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *SQLStore) ListChatsByOwner(ctx context.Context, ownerID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+chatColumns+" FROM chats WHERE owner_id = ? ORDER BY created_at DESC, id ASC"), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}

	var chats []*Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	rows.Close()

	if err := s.attachDocuments(ctx, chats); err != nil {
		return nil, err
	}
	out := make([]Chat, 0, len(chats))
	for _, c := range chats {
		out = append(out, *c)
	}
	return out, nil
}

func (s *SQLStore) attachDocuments(ctx context.Context, chats []*Chat) error {
	if len(chats) == 0 {
		return nil
	}
	byID := make(map[string]*Chat, len(chats))
	args := make([]any, 0, len(chats))
	for _, c := range chats {
		byID[c.ID] = c
		args = append(args, c.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")

	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT chat_id, name, url, content_type FROM chat_documents WHERE chat_id IN ("+placeholders+") ORDER BY created_at ASC, name ASC"), args...)
	if err != nil {
		return fmt.Errorf("failed to query chat documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chatID string
		var doc Document
		if err := rows.Scan(&chatID, &doc.Name, &doc.URL, &doc.ContentType); err != nil {
			return fmt.Errorf("failed to scan chat document row: %w", err)
		}
		if c, ok := byID[chatID]; ok {
			c.Documents = append(c.Documents, doc)
		}
	}
	return rows.Err()
}

// AppendDocument adds the descriptor to the chat's document set and bumps
// updated_at. A chat holds one descriptor per document name; appending the
// same name again replaces its URL and content type.
func (s *SQLStore) AppendDocument(ctx context.Context, chatID string, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	res, err := tx.ExecContext(ctx, s.rebind("UPDATE chats SET updated_at = ? WHERE id = ?"), now, chatID)
	if err != nil {
		return fmt.Errorf("failed to bump chat updated_at: %w", s.classify(err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO chat_documents (chat_id, name, url, content_type, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (chat_id, name) DO UPDATE SET url = excluded.url, content_type = excluded.content_type`), chatID, doc.Name, doc.URL, doc.ContentType, now)
	if err != nil {
		return fmt.Errorf("failed to insert chat document: %w", s.classify(err))
	}
	return tx.Commit()
}

func (s *SQLStore) SetChatStatus(ctx context.Context, chatID string, status ChatStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE chats SET status = ?, updated_at = ? WHERE id = ?"), status, s.timestamp(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat status: %w", s.classify(err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteChat(ctx context.Context, chatID string) error {
	n, err := s.deleteChats(ctx, "id = ?", chatID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChatsByOwner removes every chat of the owner and returns how many
// were deleted.
func (s *SQLStore) DeleteChatsByOwner(ctx context.Context, ownerID string) (int64, error) {
	return s.deleteChats(ctx, "owner_id = ?", ownerID)
}

func (s *SQLStore) deleteChats(ctx context.Context, where string, arg any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sub := "SELECT id FROM chats WHERE " + where
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM messages WHERE chat_id IN ("+sub+")"), arg); err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM chat_documents WHERE chat_id IN ("+sub+")"), arg); err != nil {
		return 0, fmt.Errorf("failed to delete chat documents: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM chats WHERE "+where), arg)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chats: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit chat deletion: %w", err)
	}
	return n, nil
}

// Message methods

// CreateMessage inserts msg, assigning its ID and Seq. A zero Timestamp is
// replaced with the current time.
func (s *SQLStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.timestamp()
	} else {
		msg.Timestamp = msg.Timestamp.UTC()
	}

	err := s.db.QueryRowContext(ctx, s.rebind("INSERT INTO messages (id, chat_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?) RETURNING seq"),
		msg.ID, msg.ChatID, msg.Role, msg.Content, msg.Timestamp).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", s.classify(err))
	}
	return nil
}

func (s *SQLStore) ListMessagesByChat(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT seq, id, chat_id, role, content, timestamp FROM messages WHERE chat_id = ? ORDER BY timestamp ASC, seq ASC"), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
