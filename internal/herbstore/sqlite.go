package herbstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/igm/herbstat/internal/logger"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial herbs table
// 1 - store_meta revision row
const currentSchemaVersion = 1

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex // serializes writers
	log *slog.Logger
}

// OpenSQLite creates or opens the database at path, creating parent
// directories and the schema on first access.
func OpenSQLite(path string) (*SQLiteStore, error) {
	log := logger.L().With("component", "herbstore", "driver", "sqlite")

	if dir := filepath.Dir(path); dir != "" && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection also makes an
	// in-memory database shared by every query.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Debug("herb database ready", "path", path)
	return &SQLiteStore{db: db, log: log}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		// schema.sql is idempotent and already carries every version's
		// tables, so only the marker needs bumping.
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Query returns records matching f ordered by id.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	query := "SELECT id, name, price, COALESCE(effect, ''), COALESCE(usage, '') FROM herbs WHERE 1=1"
	var args []any

	if f.ID != nil {
		query += " AND id = ?"
		args = append(args, *f.ID)
	}
	if f.Name != nil {
		// instr is case-sensitive and has no wildcard characters, unlike LIKE.
		query += " AND instr(name, ?) > 0"
		args = append(args, *f.Name)
	}
	if f.MinPrice != nil {
		query += " AND price >= ?"
		args = append(args, *f.MinPrice)
	}
	if f.MaxPrice != nil {
		query += " AND price <= ?"
		args = append(args, *f.MaxPrice)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query herbs: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Name, &r.Price, &r.Effect, &r.Usage); err != nil {
			return nil, fmt.Errorf("scan herb: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query herbs: %w", err)
	}

	s.log.Debug("herbs queried", "matches", len(records))
	return records, nil
}

// All returns every record.
func (s *SQLiteStore) All(ctx context.Context) ([]Record, error) {
	return s.Query(ctx, Filter{})
}

// Revision returns the current replace revision.
func (s *SQLiteStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, "SELECT revision FROM store_meta WHERE id = 1").Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// ReplaceAll swaps in records as the complete new content.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, records []Record) error {
	return s.replace(ctx, nil, records)
}

// ReplaceAllAt swaps in records only if the revision is still revision.
func (s *SQLiteStore) ReplaceAllAt(ctx context.Context, revision int64, records []Record) error {
	return s.replace(ctx, &revision, records)
}

func (s *SQLiteStore) replace(ctx context.Context, expected *int64, records []Record) error {
	if err := Validate(records); err != nil {
		return err
	}
	records = normalize(records)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	var rev int64
	if err := tx.QueryRowContext(ctx, "SELECT revision FROM store_meta WHERE id = 1").Scan(&rev); err != nil {
		return fmt.Errorf("read revision: %w", err)
	}
	if expected != nil && *expected != rev {
		return fmt.Errorf("%w: have %d, caller read %d", ErrConflict, rev, *expected)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM herbs"); err != nil {
		return fmt.Errorf("clear herbs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO herbs (id, name, price, effect, usage) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	// Explicit ids go first so generated ids cannot collide with them.
	for _, r := range orderForInsert(records) {
		var id any
		if r.ID != 0 {
			id = r.ID
		}
		if _, err := stmt.ExecContext(ctx, id, r.Name, r.Price, nullString(r.Effect), nullString(r.Usage)); err != nil {
			return fmt.Errorf("insert herb %q: %w", r.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE store_meta SET revision = revision + 1 WHERE id = 1"); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}

	s.log.Info("herbs replaced", "count", len(records), "revision", rev+1)
	return nil
}

func orderForInsert(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.ID != 0 {
			out = append(out, r)
		}
	}
	for _, r := range records {
		if r.ID == 0 {
			out = append(out, r)
		}
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
