package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kk-code-lab/docsync/internal/clock"
	"github.com/kk-code-lab/docsync/internal/mango"
)

// Collection holds documents sharing a schema.
type Collection struct {
	db     *Database
	name   string
	schema Schema
	feed   *feed

	// writeMu serializes writes so stamps, commits and feed events share one order.
	writeMu sync.Mutex
}

// WriteRow is a proposed write with the state the writer assumed was current.
type WriteRow struct {
	Document Document
	Previous Document
}

// WriteResult reports the fate of one WriteRow.
type WriteResult struct {
	ID       string
	Conflict bool
	// Current is the stored document before the write (the master state on conflict).
	Current Document
	// Written is the stored document after a successful write.
	Written Document
}

func (c *Collection) Name() string   { return c.name }
func (c *Collection) Schema() Schema { return c.schema }

func (c *Collection) checkOpen() error {
	if c.db.Destroyed() {
		return ErrClosed
	}
	return nil
}

// lookupBatch bounds the ids bound into one IN clause. SQLite caps the number
// of host parameters per statement.
const lookupBatch = 500

// FindByIDs returns the stored documents for ids keyed by id.
func (c *Collection) FindByIDs(ctx context.Context, ids []string, withDeleted bool) (map[string]Document, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]Document, len(ids))
	for start := 0; start < len(ids); start += lookupBatch {
		end := min(start+lookupBatch, len(ids))
		if err := c.findBatch(ctx, ids[start:end], withDeleted, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Collection) findBatch(ctx context.Context, ids []string, withDeleted bool, out map[string]Document) error {
	args := make([]any, 0, len(ids)+1)
	args = append(args, c.name)
	for _, id := range ids {
		args = append(args, id)
	}
	q := `SELECT data, rev, lwt, deleted FROM documents WHERE collection=? AND id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `)`
	if !withDeleted {
		q += ` AND deleted=0`
	}
	docs, err := c.queryDocs(ctx, q, args...)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		out[doc.ID(c.schema.PrimaryKey)] = doc
	}
	return nil
}

// Query evaluates q against the non-deleted documents of the collection.
func (c *Collection) Query(ctx context.Context, q mango.Query) ([]Document, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	docs, err := c.queryDocs(ctx, `SELECT data, rev, lwt, deleted FROM documents WHERE collection=? AND deleted=0`, c.name)
	if err != nil {
		return nil, err
	}
	plain := make([]map[string]any, len(docs))
	for i, d := range docs {
		plain[i] = d
	}
	matched, err := mango.Apply(plain, mango.Normalize(c.schema.PrimaryKey, q))
	if err != nil {
		return nil, err
	}
	out := make([]Document, len(matched))
	for i, m := range matched {
		out[i] = Document(m)
	}
	return out, nil
}

// ChangesSince returns up to limit documents, deleted ones included, whose
// checkpoint is strictly after since, in ascending checkpoint order. A nil
// since starts from the beginning.
func (c *Collection) ChangesSince(ctx context.Context, since *Checkpoint, limit int) ([]Document, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if since == nil {
		return c.queryDocs(ctx, `
SELECT data, rev, lwt, deleted FROM documents
WHERE collection=?
ORDER BY lwt, id
LIMIT ?`, c.name, limit)
	}
	lwt := clock.FromMillis(since.LWT)
	return c.queryDocs(ctx, `
SELECT data, rev, lwt, deleted FROM documents
WHERE collection=? AND (lwt > ? OR (lwt = ? AND id > ?))
ORDER BY lwt, id
LIMIT ?`, c.name, lwt, lwt, since.ID, limit)
}

// BulkWrite applies rows one by one, each in its own transaction. A row
// conflicts when a stored document exists and its state differs from the
// row's Previous (or Previous is nil). Conflicting rows are not written.
func (c *Collection) BulkWrite(ctx context.Context, rows []WriteRow) ([]WriteResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Document.ID(c.schema.PrimaryKey) == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidDocument, c.schema.PrimaryKey)
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	results := make([]WriteResult, 0, len(rows))
	for _, row := range rows {
		res, err := c.writeOne(ctx, row)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *Collection) writeOne(ctx context.Context, row WriteRow) (res WriteResult, err error) {
	id := row.Document.ID(c.schema.PrimaryKey)
	res.ID = id
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		data    string
		rev     string
		lwt     int64
		deleted bool
	)
	err = tx.QueryRowContext(ctx, `SELECT data, rev, lwt, deleted FROM documents WHERE collection=? AND id=?`, c.name, id).
		Scan(&data, &rev, &lwt, &deleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return res, err
	default:
		if res.Current, err = assemble([]byte(data), rev, lwt, deleted); err != nil {
			return res, err
		}
	}
	if res.Current != nil && (row.Previous == nil || !SameState(res.Current, row.Previous)) {
		res.Conflict = true
		err = tx.Rollback()
		return res, err
	}

	userData, del := splitEngineFields(row.Document)
	blob, err := json.Marshal(userData)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	newRev := nextRev(rev, blob, del)
	stamp := c.db.lwt.Next()
	if _, err = tx.ExecContext(ctx, `
INSERT INTO documents(collection, id, data, rev, lwt, deleted)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET
	data=excluded.data,
	rev=excluded.rev,
	lwt=excluded.lwt,
	deleted=excluded.deleted`,
		c.name, id, string(blob), newRev, stamp, del); err != nil {
		return res, err
	}
	if err = tx.Commit(); err != nil {
		return res, err
	}
	if res.Written, err = assemble(blob, newRev, stamp, del); err != nil {
		return res, err
	}
	c.feed.publish(ChangeEvent{
		Operation:  operationFor(res.Current, res.Written),
		ID:         id,
		Document:   res.Written,
		Previous:   res.Current,
		Checkpoint: CheckpointOf(res.Written, c.schema.PrimaryKey),
	})
	return res, nil
}

func (c *Collection) queryDocs(ctx context.Context, q string, args ...any) ([]Document, error) {
	rows, err := c.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var (
			data    string
			rev     string
			lwt     int64
			deleted bool
		)
		if err := rows.Scan(&data, &rev, &lwt, &deleted); err != nil {
			return nil, err
		}
		doc, err := assemble([]byte(data), rev, lwt, deleted)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe registers a change feed listener. buffer <= 0 uses the database default.
func (c *Collection) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = c.db.feedBuffer
	}
	return c.feed.subscribe(buffer, c.db.log.WithField("collection", c.name))
}
