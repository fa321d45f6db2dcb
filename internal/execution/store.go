package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
)

// Store is the local log of execution attempts.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create action store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create action lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open action sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS actions (
			action_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			quote_id TEXT NOT NULL,
			from_address TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_actions_status_updated ON actions(status, updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_actions_address_updated ON actions(from_address, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init action schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(action Action) error {
	if strings.TrimSpace(action.ActionID) == "" {
		return fmt.Errorf("save action: missing action id")
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock action store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock action store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	createdUnix := parseRFC3339Unix(action.CreatedAt)
	updatedUnix := parseRFC3339Unix(action.UpdatedAt)

	_, err = s.db.Exec(`
		INSERT INTO actions (action_id, mode, status, quote_id, from_address, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			status=excluded.status,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, action.ActionID, action.Mode, action.Status, action.QuoteID, strings.ToLower(action.FromAddress), createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return nil
}

func (s *Store) Get(actionID string) (Action, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM actions WHERE action_id = ?", actionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("action not found: %s", actionID))
		}
		return Action{}, fmt.Errorf("read action: %w", err)
	}
	var action Action
	if err := json.Unmarshal(payload, &action); err != nil {
		return Action{}, fmt.Errorf("decode action payload: %w", err)
	}
	return action, nil
}

// ActionFilter narrows List. Zero fields match everything.
type ActionFilter struct {
	Status  ActionStatus
	Address string
	QuoteID string
	Limit   int
}

// List returns matching actions, most recently updated first.
func (s *Store) List(f ActionFilter) ([]Action, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if addr := strings.TrimSpace(f.Address); addr != "" {
		where = append(where, "from_address = ?")
		args = append(args, strings.ToLower(addr))
	}
	if quoteID := strings.TrimSpace(f.QuoteID); quoteID != "" {
		where = append(where, "quote_id = ?")
		args = append(args, strings.ToLower(quoteID))
	}
	query := "SELECT payload FROM actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		var action Action
		if err := json.Unmarshal(payload, &action); err != nil {
			return nil, fmt.Errorf("decode action row: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return actions, nil
}

func parseRFC3339Unix(v string) int64 {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Now().UTC().Unix()
	}
	return t.UTC().Unix()
}
