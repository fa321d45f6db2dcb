package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/model"
)

// UpdateFunc derives the next version of a record. Returning false leaves it untouched.
type UpdateFunc func(cur model.BridgeTxRecord) (model.BridgeTxRecord, bool)

// Store persists bridge records in sqlite. Writes are serialized by a file lock
// so several xbridge processes can share one database.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	lock *flock.Flock
	now  func() time.Time
}

type Filter struct {
	Address         string
	Status          model.SettlementStatus
	IncludeArchived bool
	Limit           int
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create record store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create record lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open record sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS bridge_records (
			hash TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			status TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_bridge_records_address ON bridge_records(address, created_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_bridge_records_status ON bridge_records(status, archived);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init record schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new pending record. Recording the same hash twice is a no-op.
func (s *Store) Create(ctx context.Context, rec model.BridgeTxRecord) error {
	rec.Hash = strings.ToLower(strings.TrimSpace(rec.Hash))
	if rec.Hash == "" {
		return fmt.Errorf("create record: missing hash")
	}
	if !rec.Status.Valid() {
		rec.Status = model.SettlementPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Address = strings.ToLower(rec.Address)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bridge_records (hash, address, status, archived, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash) DO NOTHING
		`, rec.Hash, rec.Address, string(rec.Status), boolInt(rec.Archived), rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(), payload)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, hash string) (model.BridgeTxRecord, error) {
	return getRecord(ctx, s.db, hash)
}

// Update applies fn to the stored record inside a transaction. Changes that
// would move the record to a lower status are rejected and reported as not applied.
func (s *Store) Update(ctx context.Context, hash string, fn UpdateFunc) (model.BridgeTxRecord, bool, error) {
	var (
		out     model.BridgeTxRecord
		applied bool
	)
	err := s.withLock(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cur, err := getRecord(ctx, tx, hash)
		if err != nil {
			return err
		}
		out = cur
		next, changed := fn(cur)
		if !changed {
			return nil
		}
		if !allowed(cur, next) {
			return nil
		}
		next.Hash = cur.Hash
		next.CreatedAt = cur.CreatedAt
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE bridge_records SET status = ?, archived = ?, updated_at = ?, payload = ? WHERE hash = ?
		`, string(next.Status), boolInt(next.Archived), s.now().UTC().Unix(), payload, cur.Hash); err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit record: %w", err)
		}
		out = next
		applied = true
		return nil
	})
	return out, applied, err
}

// Complete archives a record once it reached a terminal status.
func (s *Store) Complete(ctx context.Context, hash string) (model.BridgeTxRecord, error) {
	var notTerminal bool
	rec, _, err := s.Update(ctx, hash, func(cur model.BridgeTxRecord) (model.BridgeTxRecord, bool) {
		if !cur.Status.Terminal() {
			notTerminal = true
			return cur, false
		}
		if cur.Archived {
			return cur, false
		}
		cur.Archived = true
		return cur, true
	})
	if err != nil {
		return model.BridgeTxRecord{}, err
	}
	if notTerminal {
		return rec, clierr.New(clierr.CodeUsage, fmt.Sprintf("record %s is still %s and cannot be completed", rec.Hash, rec.Status))
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, f Filter) ([]model.BridgeTxRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := "SELECT payload FROM bridge_records WHERE 1=1"
	args := []any{}
	if addr := strings.TrimSpace(f.Address); addr != "" {
		query += " AND address = ?"
		args = append(args, strings.ToLower(addr))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.IncludeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, f.Limit)
	return s.query(ctx, query, args...)
}

// Unsettled returns records that a later reconcile may still move: every
// non-archived record short of allSuccess or failed.
func (s *Store) Unsettled(ctx context.Context) ([]model.BridgeTxRecord, error) {
	return s.query(ctx, `
		SELECT payload FROM bridge_records
		WHERE archived = 0 AND status IN (?, ?, ?)
		ORDER BY created_at ASC
	`, string(model.SettlementPending), string(model.SettlementFromSuccess), string(model.SettlementFromFailed))
}

// Prune deletes archived records last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM bridge_records WHERE archived = 1 AND updated_at < ?", cutoff.UTC().Unix())
		if err != nil {
			return fmt.Errorf("prune records: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]model.BridgeTxRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]model.BridgeTxRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		var rec model.BridgeTxRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}

// withLock serializes writers within this process and across processes.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock record store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock record store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, hash string) (model.BridgeTxRecord, error) {
	key := strings.ToLower(strings.TrimSpace(hash))
	var payload []byte
	err := q.QueryRowContext(ctx, "SELECT payload FROM bridge_records WHERE hash = ?", key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BridgeTxRecord{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("record not found: %s", key))
		}
		return model.BridgeTxRecord{}, fmt.Errorf("read record: %w", err)
	}
	var rec model.BridgeTxRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.BridgeTxRecord{}, fmt.Errorf("decode record payload: %w", err)
	}
	return rec, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
