package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/kk-code-lab/docsync/internal/clock"
)

var (
	// ErrClosed is returned by operations on a destroyed database.
	ErrClosed = errors.New("store: database destroyed")
	// ErrInvalidDocument is returned for writes without a usable primary key.
	ErrInvalidDocument = errors.New("store: invalid document")
	// ErrSchemaMismatch is returned when a collection is reopened with another primary key.
	ErrSchemaMismatch = errors.New("store: schema mismatch")
)

// DefaultFeedBuffer is the per-subscriber event buffer used when Subscribe gets zero.
const DefaultFeedBuffer = 256

// Options configures a Database.
type Options struct {
	Clock      clock.Clock
	Logger     logrus.FieldLogger
	FeedBuffer int
}

// Database is a SQLite-backed document database holding named collections.
type Database struct {
	db         *sql.DB
	lwt        *clock.LWT
	log        logrus.FieldLogger
	feedBuffer int

	mu          sync.Mutex
	collections map[string]*Collection
	hooks       []*destroyHook
	destroyed   bool
}

type destroyHook struct {
	fn func(context.Context) error
}

// Open opens or creates the database at the given path.
func Open(path string, opts Options) (*Database, error) {
	if path == "" {
		return nil, errors.New("store: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.FeedBuffer <= 0 {
		opts.FeedBuffer = DefaultFeedBuffer
	}
	d := &Database{
		db:          db,
		lwt:         clock.NewLWT(opts.Clock),
		log:         opts.Logger,
		feedBuffer:  opts.FeedBuffer,
		collections: make(map[string]*Collection),
	}
	ctx := context.Background()
	if err := d.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	var maxLWT int64
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(lwt), 0) FROM documents").Scan(&maxLWT); err != nil {
		_ = db.Close()
		return nil, err
	}
	d.lwt.Observe(maxLWT)
	return d, nil
}

func (d *Database) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := d.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (d *Database) migrate(ctx context.Context) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			primary_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			rev TEXT NOT NULL,
			lwt INTEGER NOT NULL,
			deleted INTEGER NOT NULL,
			PRIMARY KEY(collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS documents_changes_idx ON documents(collection, lwt, id)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Collection opens (creating if needed) the named collection.
func (d *Database) Collection(ctx context.Context, name string, schema Schema) (*Collection, error) {
	if name == "" {
		return nil, errors.New("store: collection name required")
	}
	if schema.PrimaryKey == "" {
		schema.PrimaryKey = "id"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrClosed
	}
	if c, ok := d.collections[name]; ok {
		if c.schema.PrimaryKey != schema.PrimaryKey {
			return nil, fmt.Errorf("%w: %s has primary key %q", ErrSchemaMismatch, name, c.schema.PrimaryKey)
		}
		return c, nil
	}
	var storedPK string
	err := d.db.QueryRowContext(ctx, "SELECT primary_key FROM collections WHERE name=?", name).Scan(&storedPK)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	case storedPK != schema.PrimaryKey:
		return nil, fmt.Errorf("%w: %s has primary key %q", ErrSchemaMismatch, name, storedPK)
	}
	if _, err := d.db.ExecContext(ctx, `
INSERT INTO collections(name, primary_key, version, created_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET version=excluded.version`,
		name, schema.PrimaryKey, schema.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	c := &Collection{
		db:     d,
		name:   name,
		schema: schema,
		feed:   newFeed(),
	}
	d.collections[name] = c
	return c, nil
}

// OnDestroy registers fn to run once when the database is destroyed. The
// returned function removes the registration; calling it more than once is a no-op.
func (d *Database) OnDestroy(fn func(context.Context) error) (remove func()) {
	h := &destroyHook{fn: fn}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return func() {}
	}
	d.hooks = append(d.hooks, h)
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, other := range d.hooks {
				if other == h {
					d.hooks = append(d.hooks[:i], d.hooks[i+1:]...)
					return
				}
			}
		})
	}
}

// Destroy runs the destroy hooks, closes every change feed and closes the
// underlying database. Later calls return nil.
func (d *Database) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	hooks := d.hooks
	d.hooks = nil
	collections := make([]*Collection, 0, len(d.collections))
	for _, c := range d.collections {
		collections = append(collections, c)
	}
	d.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			d.log.WithError(err).Warn("store: destroy hook failed")
			errs = append(errs, err)
		}
	}
	for _, c := range collections {
		c.feed.close()
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Destroyed reports whether Destroy has been called.
func (d *Database) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Flush forces a WAL checkpoint.
func (d *Database) Flush() error {
	if d.Destroyed() {
		return ErrClosed
	}
	_, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
