package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current local schema version. Opening a store whose
// persisted version is lower triggers an in-place migration.
const schemaVersion = 2

// Store is the durable local mirror: one SQLite table per synchronizable
// entity type plus the sync_queue table. It is process-wide state with an
// explicit open/close lifecycle and is injected into repositories.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Serialize writes to avoid SQLITE_BUSY on concurrent repository calls.
	writeMu sync.Mutex

	mu       sync.RWMutex
	tables   map[string]bool
	refRules []RefRule
}

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open opens (creating if necessary) the local store at path and registers
// one envelope table per entry in tables. Pending migrations are applied
// before Open returns; migrations are idempotent and safe to interrupt.
func Open(path string, tables []string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		tables: make(map[string]bool, len(tables)),
	}

	if err := s.initialize(tables); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initialize(tables []string) error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.migrate(); err != nil {
		return err
	}

	for _, table := range tables {
		if !identRe.MatchString(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
		if err := s.ensureEntityTable(table); err != nil {
			return fmt.Errorf("failed to create entity table %s: %w", table, err)
		}
		s.tables[table] = true
	}
	return nil
}

// migrations is the ordered list of schema upgrades. Each step runs in its
// own transaction with the version bump committed last, so an interrupted
// migration simply resumes on next open. Steps must be idempotent (guarded
// DDL) because a crash after the DDL but before the version bump replays
// the step.
var migrations = []struct {
	version int
	apply   func(tx *sql.Tx) error
}{
	{
		version: 1,
		apply: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS _store_info (
					id             INTEGER PRIMARY KEY CHECK (id = 1),
					schema_version INTEGER NOT NULL
				)`,
				`INSERT OR IGNORE INTO _store_info (id, schema_version) VALUES (1, 0)`,
				`CREATE TABLE IF NOT EXISTS sync_queue (
					seq             INTEGER PRIMARY KEY AUTOINCREMENT,
					entity_table    TEXT NOT NULL,
					entity_id       TEXT NOT NULL,
					op              TEXT NOT NULL CHECK (op IN ('create','update','delete')),
					payload         TEXT,
					idempotency_key TEXT NOT NULL,
					enqueued_at     TEXT NOT NULL,
					attempts        INTEGER NOT NULL DEFAULT 0,
					UNIQUE (entity_table, entity_id)
				)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		version: 2,
		apply: func(tx *sql.Tx) error {
			// Terminal entries (remote rejections, exhausted retries) stay
			// queued but are excluded from automatic drains.
			for _, stmt := range []string{
				`ALTER TABLE sync_queue ADD COLUMN terminal INTEGER NOT NULL DEFAULT 0`,
				`ALTER TABLE sync_queue ADD COLUMN last_error TEXT`,
			} {
				if _, err := tx.Exec(stmt); err != nil {
					if isDuplicateColumnErr(err) {
						continue
					}
					return err
				}
			}
			return nil
		},
	},
}

func isDuplicateColumnErr(err error) bool {
	return err != nil && regexp.MustCompile(`duplicate column name`).MatchString(err.Error())
}

func (s *Store) migrate() error {
	for _, m := range migrations {
		var current int
		err := s.db.QueryRow(`SELECT schema_version FROM _store_info WHERE id = 1`).Scan(&current)
		if err != nil && m.version > 1 {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if err == nil && current >= m.version {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration tx: %w", err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to version %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(`UPDATE _store_info SET schema_version = ? WHERE id = 1 AND schema_version < ?`, m.version, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration to version %d: %w", m.version, err)
		}
		s.logger.Info("applied local schema migration", "version", m.version)
	}
	return nil
}

func (s *Store) ensureEntityTable(table string) error {
	_, err := s.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		id          TEXT PRIMARY KEY,
		payload     TEXT NOT NULL,
		sync_status TEXT NOT NULL CHECK (sync_status IN ('synced','new','updated','deleted','failed')),
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		last_error  TEXT
	)`, table))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS "idx_%s_status" ON "%s" (sync_status)`, table, table))
	return err
}

func (s *Store) checkTable(table string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.tables[table] {
		return fmt.Errorf("table %q is not registered with the store", table)
	}
	return nil
}

// Tables returns the registered entity table names.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Get returns the record with the given id, including tombstones.
// ErrNotFound is returned when the row is absent.
func (s *Store) Get(ctx context.Context, table, id string) (*Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, payload, sync_status, created_at, updated_at, COALESCE(last_error, '')
		 FROM "%s" WHERE id = ?`, table), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s.%s: %w", table, id, err)
	}
	return rec, nil
}

// GetAll returns every record in the table in id order, tombstones included.
func (s *Store) GetAll(ctx context.Context, table string) ([]Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, payload, sync_status, created_at, updated_at, COALESCE(last_error, '')
		 FROM "%s" ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query table %s: %w", table, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record from %s: %w", table, err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table %s: %w", table, err)
	}
	return recs, nil
}

// Query returns the records matching pred, in id order.
func (s *Store) Query(ctx context.Context, table string, pred func(*Record) bool) ([]Record, error) {
	recs, err := s.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for i := range recs {
		if pred(&recs[i]) {
			out = append(out, recs[i])
		}
	}
	return out, nil
}

// Put inserts or replaces a single record.
func (s *Store) Put(ctx context.Context, table string, rec Record) error {
	return s.BulkPut(ctx, table, []Record{rec})
}

// BulkPut upserts records in one transaction, last write wins per id within
// the batch. The whole batch commits or none of it does.
func (s *Store) BulkPut(ctx context.Context, table string, recs []Record) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	for i := range recs {
		if recs[i].ID == "" {
			return fmt.Errorf("record %d in batch for %s has no id", i, table)
		}
		if !recs[i].Status.valid() {
			return fmt.Errorf("record %s.%s has invalid sync status %q", table, recs[i].ID, recs[i].Status)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := putRecordInTx(ctx, tx, table, rec); err != nil {
			return fmt.Errorf("failed to put record %s.%s: %w", table, rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch for %s: %w", table, err)
	}
	return nil
}

func putRecordInTx(ctx context.Context, tx *sql.Tx, table string, rec Record) error {
	var lastErr any
	if rec.LastError != "" {
		lastErr = rec.LastError
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO "%s" (id, payload, sync_status, created_at, updated_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			sync_status = excluded.sync_status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error`, table),
		rec.ID, string(rec.Payload), string(rec.Status), fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt), lastErr)
	return err
}

// Delete physically removes a row. Most callers want Repository.Delete,
// which tombstones synced rows instead.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, table), id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s.%s: %w", table, id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload, status, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &payload, &status, &createdAt, &updatedAt, &rec.LastError); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Status = SyncStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}
