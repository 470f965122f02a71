// Package session persists resume state: which agent sessions exist per
// chat and which one is active per (chat, engine).
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/miilv/takopi/internal/event"
)

var (
	// ErrNotFound means no session matched the given id or prefix.
	ErrNotFound = errors.New("session not found")

	// ErrAmbiguousID means an id prefix matched more than one session.
	ErrAmbiguousID = errors.New("ambiguous session id, be more specific")
)

const (
	// DefaultCap is how many sessions are kept per (chat, engine) before
	// the oldest are pruned.
	DefaultCap = 20

	maxTitleLen        = 50
	maxFirstMessageLen = 100

	chatLockShards = 32
)

// Session is one recorded agent session for a chat.
type Session struct {
	ID           string
	ChatID       string
	Engine       string
	Resume       string
	Title        string
	FirstMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Active       bool
}

// Token rebuilds the resume token this session carries.
func (s Session) Token() event.ResumeToken {
	return event.ResumeToken{Engine: s.Engine, Value: s.Resume}
}

// Store is a SQLite-backed session store. Different chats never contend
// on the Go side; within a chat, operations are serialized.
type Store struct {
	conn *sql.DB
	path string
	cap  int

	locks [chatLockShards]sync.Mutex
}

// Open opens (creating if needed) the store at path and applies pending
// migrations. cap <= 0 selects DefaultCap.
func Open(path string, cap int) (*Store, error) {
	if cap <= 0 {
		cap = DefaultCap
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{conn: conn, path: path, cap: cap}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.conn.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) lock(chatID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(chatID))
	return &s.locks[h.Sum32()%chatLockShards]
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sessions},
		{2, migrationV2Active},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	engine TEXT NOT NULL,
	resume TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	first_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_chat ON sessions(chat_id, engine, updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_resume ON sessions(chat_id, engine, resume);
`

const migrationV2Active = `
CREATE TABLE IF NOT EXISTS active (
	chat_id TEXT NOT NULL,
	engine TEXT NOT NULL,
	session_id TEXT NOT NULL,
	PRIMARY KEY (chat_id, engine)
);
`

// ImportLegacy imports sessions from the pre-SQLite single-file JSON state
// at legacyPath, then renames it with a ".migrated" suffix so the import
// runs at most once. A missing file is not an error.
func (s *Store) ImportLegacy(legacyPath string) error {
	data, err := os.ReadFile(legacyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy state: %w", err)
	}

	var legacy struct {
		Chats map[string]struct {
			Sessions map[string]struct {
				Resume       string `json:"resume"`
				Title        string `json:"title"`
				FirstMessage string `json:"first_message"`
				UpdatedAt    string `json:"updated_at"`
			} `json:"sessions"`
			Active map[string]string `json:"active"`
		} `json:"chats"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse legacy state: %w", err)
	}

	for chatID, chat := range legacy.Chats {
		for engine, sess := range chat.Sessions {
			tok := event.ResumeToken{Engine: engine, Value: sess.Resume}
			if _, err := s.Record(chatID, tok, sess.FirstMessage); err != nil {
				return fmt.Errorf("import chat %s: %w", chatID, err)
			}
		}
	}

	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
		return fmt.Errorf("retire legacy state: %w", err)
	}
	return nil
}

// Active returns the active session for (chat, engine), or ErrNotFound.
func (s *Store) Active(chatID, engine string) (Session, error) {
	mu := s.lock(chatID)
	mu.Lock()
	defer mu.Unlock()

	row := s.conn.QueryRow(`
		SELECT s.id, s.chat_id, s.engine, s.resume, s.title, s.first_message, s.created_at, s.updated_at
		FROM active a JOIN sessions s ON s.id = a.session_id
		WHERE a.chat_id = ? AND a.engine = ?
	`, chatID, engine)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, err
	}
	sess.Active = true
	return sess, nil
}

// Record stores a freshly observed resume token: it creates the session
// row if the token is new, touches recency otherwise, marks it active,
// and prunes inactive sessions beyond the cap, oldest-updated first.
// firstMessage is only kept on creation.
func (s *Store) Record(chatID string, token event.ResumeToken, firstMessage string) (Session, error) {
	if token.IsZero() || token.Value == "" {
		return Session{}, errors.New("empty resume token")
	}
	mu := s.lock(chatID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	firstMessage = clip(firstMessage, maxFirstMessageLen)

	tx, err := s.conn.Begin()
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(`SELECT id FROM sessions WHERE chat_id = ? AND engine = ? AND resume = ?`,
		chatID, token.Engine, token.Value).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = tx.Exec(`
			INSERT INTO sessions (id, chat_id, engine, resume, title, first_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', ?, ?, ?)
		`, id, chatID, token.Engine, token.Value, firstMessage, formatTime(now), formatTime(now))
		if err != nil {
			return Session{}, fmt.Errorf("insert session: %w", err)
		}
	case err != nil:
		return Session{}, err
	default:
		if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, formatTime(now), id); err != nil {
			return Session{}, fmt.Errorf("touch session: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO active (chat_id, engine, session_id) VALUES (?, ?, ?)
		ON CONFLICT (chat_id, engine) DO UPDATE SET session_id = excluded.session_id
	`, chatID, token.Engine, id)
	if err != nil {
		return Session{}, fmt.Errorf("set active: %w", err)
	}

	// Prune over-cap sessions, oldest first, never the active one.
	_, err = tx.Exec(`
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions
			WHERE chat_id = ? AND engine = ? AND id != ?
			ORDER BY updated_at DESC
			LIMIT -1 OFFSET ?
		)
	`, chatID, token.Engine, id, s.cap-1)
	if err != nil {
		return Session{}, fmt.Errorf("prune sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	return Session{
		ID: id, ChatID: chatID, Engine: token.Engine, Resume: token.Value,
		FirstMessage: firstMessage, CreatedAt: now, UpdatedAt: now, Active: true,
	}, nil
}

// List returns a chat's sessions, most recently updated first. engine ""
// lists all engines.
func (s *Store) List(chatID, engine string) ([]Session, error) {
	mu := s.lock(chatID)
	mu.Lock()
	defer mu.Unlock()

	query := `
		SELECT s.id, s.chat_id, s.engine, s.resume, s.title, s.first_message, s.created_at, s.updated_at
		FROM sessions s WHERE s.chat_id = ?`
	args := []any{chatID}
	if engine != "" {
		query += ` AND s.engine = ?`
		args = append(args, engine)
	}
	query += ` ORDER BY s.updated_at DESC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activeIDs, err := s.activeIDs(chatID)
	if err != nil {
		return nil, err
	}

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sess.Active = activeIDs[sess.ID]
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Switch makes the session matching idPrefix the active one for its
// engine and returns it. Recency is touched so it won't be pruned next.
func (s *Store) Switch(chatID, idPrefix string) (Session, error) {
	mu := s.lock(chatID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.resolvePrefix(chatID, idPrefix)
	if err != nil {
		return Session{}, err
	}

	now := time.Now().UTC()
	tx, err := s.conn.Begin()
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, formatTime(now), sess.ID); err != nil {
		return Session{}, err
	}
	_, err = tx.Exec(`
		INSERT INTO active (chat_id, engine, session_id) VALUES (?, ?, ?)
		ON CONFLICT (chat_id, engine) DO UPDATE SET session_id = excluded.session_id
	`, chatID, sess.Engine, sess.ID)
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	sess.UpdatedAt = now
	sess.Active = true
	return sess, nil
}

// Rename sets the title of the active session for (chat, engine).
func (s *Store) Rename(chatID, engine, title string) error {
	mu := s.lock(chatID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.conn.Exec(`
		UPDATE sessions SET title = ? WHERE id = (
			SELECT session_id FROM active WHERE chat_id = ? AND engine = ?
		)
	`, clip(strings.TrimSpace(title), maxTitleLen), chatID, engine)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the session matching idPrefix, clearing its active
// pointer if it held one.
func (s *Store) Delete(chatID, idPrefix string) (Session, error) {
	mu := s.lock(chatID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.resolvePrefix(chatID, idPrefix)
	if err != nil {
		return Session{}, err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
		return Session{}, err
	}
	if _, err := tx.Exec(`DELETE FROM active WHERE chat_id = ? AND session_id = ?`, chatID, sess.ID); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Clear drops the chat's active pointers. Session history is kept; the
// next run starts a fresh agent session.
func (s *Store) Clear(chatID string) error {
	mu := s.lock(chatID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.conn.Exec(`DELETE FROM active WHERE chat_id = ?`, chatID)
	return err
}

// resolvePrefix finds the single session whose id starts with prefix.
func (s *Store) resolvePrefix(chatID, prefix string) (Session, error) {
	if prefix == "" {
		return Session{}, ErrNotFound
	}
	rows, err := s.conn.Query(`
		SELECT s.id, s.chat_id, s.engine, s.resume, s.title, s.first_message, s.created_at, s.updated_at
		FROM sessions s
		WHERE s.chat_id = ? AND s.id LIKE ? ESCAPE '\'
		LIMIT 2
	`, chatID, escapeLike(prefix)+"%")
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()

	var matches []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return Session{}, err
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return Session{}, err
	}
	switch len(matches) {
	case 0:
		return Session{}, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return Session{}, ErrAmbiguousID
	}
}

func (s *Store) activeIDs(chatID string) (map[string]bool, error) {
	rows, err := s.conn.Query(`SELECT session_id FROM active WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var created, updated string
	err := row.Scan(&sess.ID, &sess.ChatID, &sess.Engine, &sess.Resume,
		&sess.Title, &sess.FirstMessage, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return sess, nil
}

// formatTime uses a fixed-width fraction so string ordering in SQL
// matches chronological ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
