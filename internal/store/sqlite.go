package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/velos-memory/internal/model"
)

// SQLiteStore implements the indexed store on SQLite with FTS5.
//
// Writes go through a single-connection pool so transactions serialize in
// process; reads use a separate pool whose connections are query_only.
type SQLiteStore struct {
	db       *sql.DB
	reader   *sql.DB
	path     string
	readOnly bool
}

// Open opens or creates the store at opts.Path, migrates it, and runs the
// schema guard.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.RequiredVersion <= 0 {
		opts.RequiredVersion = SchemaVersion
	}
	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(opts.Path, opts.BusyTimeout, opts.WriteForbidden, true))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: opts.Path, readOnly: opts.WriteForbidden}
	if !opts.WriteForbidden {
		if err := s.migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	s.reader, err = sql.Open("sqlite", dsn(opts.Path, opts.BusyTimeout, true, false))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	if err := s.guard(ctx, opts.RequiredVersion); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// dsn builds the modernc connection string. The pragmas are applied to every
// new connection in the pool.
func dsn(path string, busy time.Duration, queryOnly, writer bool) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "synchronous(normal)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if queryOnly {
		q.Add("_pragma", "query_only(1)")
	}
	if writer {
		q.Set("_txlock", "immediate")
	}
	return path + "?" + q.Encode()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		ts      INTEGER NOT NULL,
		role    TEXT NOT NULL DEFAULT 'system',
		insight TEXT NOT NULL DEFAULT '',
		raw     TEXT NOT NULL DEFAULT '',
		tags    TEXT NOT NULL DEFAULT '[]',
		source  TEXT NOT NULL DEFAULT '',
		fp      TEXT NOT NULL UNIQUE,
		jofs    INTEGER NOT NULL UNIQUE,
		CHECK (insight <> '' OR raw <> '')
	);
	CREATE INDEX IF NOT EXISTS idx_memory_ts ON memory(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_memory_role_ts ON memory(role, ts DESC);

	CREATE TABLE IF NOT EXISTS schema_meta (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS journal_cursor (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		applied INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO journal_cursor(id, applied) VALUES (1, 0);

	CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		insight,
		raw,
		content='memory',
		content_rowid='id',
		tokenize='unicode61'
	);
	CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts_vocab USING fts5vocab(memory_fts, instance);

	CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory BEGIN
		INSERT INTO memory_fts(rowid, insight, raw) VALUES (new.id, new.insight, new.raw);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_bu BEFORE UPDATE OF insight, raw ON memory BEGIN
		INSERT INTO memory_fts(memory_fts, rowid, insight, raw) VALUES ('delete', old.id, old.insight, old.raw);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_au AFTER UPDATE OF insight, raw ON memory BEGIN
		INSERT INTO memory_fts(rowid, insight, raw) VALUES (new.id, new.insight, new.raw);
	END;
	CREATE TRIGGER IF NOT EXISTS memory_bd BEFORE DELETE ON memory BEGIN
		INSERT INTO memory_fts(memory_fts, rowid, insight, raw) VALUES ('delete', old.id, old.insight, old.raw);
	END;
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// schema_meta only moves forward
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_meta(id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = MAX(version, excluded.version)`, SchemaVersion)
	return err
}

// guard asserts the schema version and the FTS triggers.
func (s *SQLiteStore) guard(ctx context.Context, required int) error {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("%w: read version: %v", ErrSchemaGuard, err)
	}
	if version < required {
		return fmt.Errorf("%w: version %d < required %d", ErrSchemaGuard, version, required)
	}
	triggers, err := s.Triggers(ctx)
	if err != nil {
		return fmt.Errorf("%w: read triggers: %v", ErrSchemaGuard, err)
	}
	for _, name := range RequiredTriggers {
		if !triggers[name] {
			return fmt.Errorf("%w: trigger %s missing", ErrSchemaGuard, name)
		}
	}
	return nil
}

// SchemaVersion returns the stored schema version, 0 when unset.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.reader.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// Triggers reports which of the required FTS triggers exist.
func (s *SQLiteStore) Triggers(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(RequiredTriggers))
	for _, name := range RequiredTriggers {
		out[name] = false
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'trigger' AND tbl_name = 'memory'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if _, ok := out[name]; ok {
			out[name] = true
		}
	}
	return out, rows.Err()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

// ReadOnly reports whether writes are forbidden.
func (s *SQLiteStore) ReadOnly() bool { return s.readOnly }

// Close closes both connection pools.
func (s *SQLiteStore) Close() error {
	var errs []error
	if s.reader != nil {
		errs = append(errs, s.reader.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

const recordColumns = `m.id, m.ts, m.role, m.insight, m.raw, m.tags, m.source, m.fp, m.jofs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (model.Record, error) {
	var r model.Record
	var tags string
	dest := append([]any{&r.ID, &r.TS, &r.Role, &r.Insight, &r.Raw, &tags, &r.Source, &r.FP, &r.Offset}, extra...)
	if err := row.Scan(dest...); err != nil {
		return r, err
	}
	r.Tags = model.ParseTags(tags)
	return r, nil
}

// Get returns the record with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (model.Record, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memory m WHERE m.id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("get %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get %d: %w", id, err)
	}
	return r, nil
}

// FindByFP looks up a record by fingerprint.
func (s *SQLiteStore) FindByFP(ctx context.Context, fp string) (model.Record, bool, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memory m WHERE m.fp = ?`, fp)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("find fp: %w", err)
	}
	return r, true, nil
}

// HasFingerprints returns the subset of fps already stored.
func (s *SQLiteStore) HasFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	out := make(map[string]bool)
	stmt, err := s.reader.PrepareContext(ctx, `SELECT 1 FROM memory WHERE fp = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, fp := range fps {
		var one int
		err := stmt.QueryRowContext(ctx, fp).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check fp: %w", err)
		}
		out[fp] = true
	}
	return out, nil
}

// Cursor returns the journal offset up to which entries have been applied.
func (s *SQLiteStore) Cursor(ctx context.Context) (int64, error) {
	var applied int64
	err := s.reader.QueryRowContext(ctx, `SELECT applied FROM journal_cursor WHERE id = 1`).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return applied, err
}
