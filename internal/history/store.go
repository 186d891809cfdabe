// Package history persists chats and their messages in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"SimpleLLM/internal/runtime"
)

// ErrNotFound is returned for an unknown chat ID.
var ErrNotFound = errors.New("chat not found")

// Chat is a stored conversation.
type Chat struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Model     string    `json:"model" yaml:"model"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Entry is a stored message.
type Entry struct {
	runtime.Message
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite database holding chats and messages.
type Store struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	mu         sync.RWMutex
	now        func() time.Time
}

// Open opens (and initializes) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: empty database path")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to ensure history directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	insertStmt, err := db.Prepare(`INSERT INTO messages (chat_id, role, content, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	return &Store{db: db, insertStmt: insertStmt, now: time.Now}, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		return fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			model TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);
	`); err != nil {
		return fmt.Errorf("failed to create history tables: %w", err)
	}
	return nil
}

// CreateChat starts a chat and returns it with a fresh ID.
func (s *Store) CreateChat(ctx context.Context, title, model string) (Chat, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	c := Chat{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Title == "" {
		c.Title = "New chat"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Model, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}
	return c, nil
}

// EnsureChat creates a chat with the given ID unless it exists.
func (s *Store) EnsureChat(ctx context.Context, id, title, model string) error {
	if id == "" {
		return errors.New("history: empty chat id")
	}
	now := s.now().UTC().UnixMilli()
	if strings.TrimSpace(title) == "" {
		title = "New chat"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chats (id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, strings.TrimSpace(title), model, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure chat: %w", err)
	}
	return nil
}

// Chats lists chats, most recently updated first.
func (s *Store) Chats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, created_at, updated_at FROM chats ORDER BY updated_at DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return chats, nil
}

// Chat returns one chat by ID.
func (s *Store) Chat(ctx context.Context, id string) (Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, created_at, updated_at FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, fmt.Errorf("history: %s: %w", id, ErrNotFound)
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (Chat, error) {
	var c Chat
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Title, &c.Model, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, err
		}
		return Chat{}, fmt.Errorf("failed to scan chat: %w", err)
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}

// AppendMessage stores msg at the end of the chat.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg runtime.Message) error {
	if msg.Role == "" {
		return errors.New("role must not be empty")
	}

	s.mu.RLock()
	stmt := s.insertStmt
	s.mu.RUnlock()
	if stmt == nil {
		return errors.New("history: store is closed")
	}

	now := s.now().UTC().UnixMilli()
	if _, err := stmt.ExecContext(ctx, chatID, msg.Role, msg.Content, msg.ToolCallID, now); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("history: %s: %w", chatID, ErrNotFound)
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID); err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return nil
}

// Messages returns a chat's messages in insertion order.
func (s *Store) Messages(ctx context.Context, chatID string) ([]Entry, error) {
	if _, err := s.Chat(ctx, chatID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_call_id, created_at FROM messages WHERE chat_id = ? ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.Role, &e.Content, &e.ToolCallID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return entries, nil
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("history: %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertStmt != nil {
		s.insertStmt.Close()
		s.insertStmt = nil
	}
	return s.db.Close()
}
