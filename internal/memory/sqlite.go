package memory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/whispercore/internal/encryption"
	"github.com/fyrsmithlabs/whispercore/internal/logging"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Compile-time interface checks.
var (
	_ Store    = (*SQLiteStore)(nil)
	_ KeyStore = (*SQLiteStore)(nil)
)

// SQLiteStore implements Store and KeyStore on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewSQLiteStore opens or creates the database at path. A leading "~/" is
// expanded to the home directory.
func NewSQLiteStore(path string, logger *logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger.Named("memory"),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		session_id  TEXT,
		content     BLOB NOT NULL,
		reflection  BLOB,
		weight      INTEGER NOT NULL DEFAULT 0 CHECK (weight BETWEEN 0 AND 10),
		tags        TEXT NOT NULL DEFAULT '[]',
		state       TEXT NOT NULL DEFAULT 'pending'
		            CHECK (state IN ('pending', 'persisted', 'failed')),
		legacy_key  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
	CREATE INDEX IF NOT EXISTS idx_memories_legacy ON memories(legacy_key) WHERE legacy_key = 1;

	CREATE TABLE IF NOT EXISTS user_keys (
		user_id    TEXT PRIMARY KEY,
		key        TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS legacy_keys (
		user_id     TEXT PRIMARY KEY,
		content_key TEXT NOT NULL,
		model_key   TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, m *MemoryContent) error {
	if m.UserID == "" {
		return errors.New("create memory: user id is required")
	}
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = s.newID()
	}
	m.State = StatePending
	m.CreatedAt = now
	m.UpdatedAt = now

	tags, err := encodeTags(m.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, session_id, content, reflection, weight, tags, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, nullString(m.SessionID), m.Content, m.Reflection, m.Weight, tags,
		string(m.State), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	s.logger.Debug(ctx, "memory created", zap.String("memory.id", m.ID))
	return nil
}

// Finalize implements Store. m.State must be persisted or failed.
func (s *SQLiteStore) Finalize(ctx context.Context, m *MemoryContent) error {
	if m.State != StatePersisted && m.State != StateFailed {
		return fmt.Errorf("%w: pending -> %s", ErrInvalidTransition, m.State)
	}
	if m.Weight < 0 || m.Weight > MaxWeight {
		return fmt.Errorf("%w: %d", ErrWeightOutOfRange, m.Weight)
	}
	tags, err := encodeTags(m.Tags)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET reflection = ?, weight = ?, tags = ?, state = ?, updated_at = ?
		 WHERE id = ? AND state = 'pending'`,
		m.Reflection, m.Weight, tags, string(m.State), formatTime(now), m.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize memory %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize memory %s: %w", m.ID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, m.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, m.ID)
	}
	m.UpdatedAt = now
	s.logger.Debug(ctx, "memory finalized",
		zap.String("memory.id", m.ID),
		zap.String("state", string(m.State)))
	return nil
}

const selectMemory = `SELECT id, user_id, session_id, content, reflection, weight, tags, state, created_at, updated_at FROM memories`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*MemoryContent, error) {
	row := s.db.QueryRowContext(ctx, selectMemory+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// ListByUser implements Store. Newest first; limit <= 0 means no limit.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]*MemoryContent, error) {
	return s.list(ctx, `WHERE user_id = ?`, limit, userID)
}

// ListBySession implements Store. Newest first; limit <= 0 means no limit.
func (s *SQLiteStore) ListBySession(ctx context.Context, userID, sessionID string, limit int) ([]*MemoryContent, error) {
	return s.list(ctx, `WHERE user_id = ? AND session_id = ?`, limit, userID, sessionID)
}

func (s *SQLiteStore) list(ctx context.Context, where string, limit int, args ...any) ([]*MemoryContent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		selectMemory+` `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out := []*MemoryContent{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(sc scanner) (*MemoryContent, error) {
	var (
		m                MemoryContent
		session          sql.NullString
		tags, state      string
		created, updated string
	)
	if err := sc.Scan(&m.ID, &m.UserID, &session, &m.Content, &m.Reflection, &m.Weight, &tags, &state, &created, &updated); err != nil {
		return nil, err
	}
	m.SessionID = session.String
	m.State = State(state)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	m.CreatedAt, _ = time.Parse(timeFormat, created)
	m.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &m, nil
}

// UserKey implements KeyStore.
func (s *SQLiteStore) UserKey(ctx context.Context, userID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT key FROM user_keys WHERE user_id = ?`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, userID)
	}
	if err != nil {
		return "", fmt.Errorf("get user key: %w", err)
	}
	return key, nil
}

// EnsureUserKey implements KeyStore. Concurrent callers for the same user
// all receive the key that won the insert.
func (s *SQLiteStore) EnsureUserKey(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("ensure user key: user id is required")
	}
	key, err := encryption.GenerateKey()
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_keys (user_id, key, created_at) VALUES (?, ?, ?)`,
		userID, key, formatTime(time.Now().UTC()))
	if err != nil {
		return "", fmt.Errorf("insert user key: %w", err)
	}
	return s.UserKey(ctx, userID)
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// timeFormat is fixed width so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
