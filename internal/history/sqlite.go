package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLiteStore keeps history in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			text TEXT NOT NULL,
			direction TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_owner ON chat_turns(owner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_created ON chat_turns(created_at)`,
		`CREATE TABLE IF NOT EXISTS presentations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			raw_content TEXT NOT NULL,
			presentation_id TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_presentations_owner ON presentations(owner_id, created_at)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveChatTurn(ctx context.Context, turn ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_turns (owner_id, text, direction, created_at)
		VALUES (?, ?, ?, ?)
	`, strings.TrimSpace(turn.OwnerID), turn.Text, string(turn.Direction), stamp(turn.CreatedAt).UnixNano())
	if err != nil {
		return fmt.Errorf("save chat turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChatTurns(ctx context.Context, ownerID string, limit int) ([]ChatTurn, error) {
	if limit <= 0 {
		limit = DefaultChatTurnLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, text, direction, created_at
		FROM chat_turns
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, strings.TrimSpace(ownerID), limit)
	if err != nil {
		return nil, fmt.Errorf("list chat turns: %w", err)
	}
	defer rows.Close()

	result := make([]ChatTurn, 0)
	for rows.Next() {
		var (
			turn      ChatTurn
			id        int64
			direction string
			created   int64
		)
		if err := rows.Scan(&id, &turn.OwnerID, &turn.Text, &direction, &created); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		turn.ID = strconv.FormatInt(id, 10)
		turn.Direction = Direction(direction)
		turn.CreatedAt = time.Unix(0, created).UTC()
		result = append(result, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat turns: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) ClearChatTurns(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_turns WHERE owner_id = ?`, strings.TrimSpace(ownerID)); err != nil {
		return fmt.Errorf("clear chat turns: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneChatTurns(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_turns WHERE created_at < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune chat turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune chat turns: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SavePresentation(ctx context.Context, rec PresentationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presentations (owner_id, title, raw_content, presentation_id, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, strings.TrimSpace(rec.OwnerID), strings.TrimSpace(rec.Title), rec.RawContent,
		strings.TrimSpace(rec.PresentationID), strings.TrimSpace(rec.URL), stamp(rec.CreatedAt).UnixNano())
	if err != nil {
		return fmt.Errorf("save presentation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPresentations(ctx context.Context, ownerID string) ([]PresentationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, raw_content, presentation_id, url, created_at
		FROM presentations
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
	`, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, fmt.Errorf("list presentations: %w", err)
	}
	defer rows.Close()

	result := make([]PresentationRecord, 0)
	for rows.Next() {
		var (
			rec     PresentationRecord
			id      int64
			created int64
		)
		if err := rows.Scan(&id, &rec.OwnerID, &rec.Title, &rec.RawContent, &rec.PresentationID, &rec.URL, &created); err != nil {
			return nil, fmt.Errorf("scan presentation: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		rec.CreatedAt = time.Unix(0, created).UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presentations: %w", err)
	}
	return result, nil
}
