package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/kk-code-lab/docsync/internal/clock"
)

// CollectionStats summarizes one collection.
type CollectionStats struct {
	Name       string  `json:"name"`
	PrimaryKey string  `json:"primary_key"`
	Version    int     `json:"version"`
	Documents  int64   `json:"documents"`
	Deleted    int64   `json:"deleted"`
	LastLWT    float64 `json:"last_lwt"`
}

// Stats returns per-collection counts ordered by name.
func (d *Database) Stats(ctx context.Context) ([]CollectionStats, error) {
	if d.Destroyed() {
		return nil, ErrClosed
	}
	rows, err := d.db.QueryContext(ctx, `
SELECT c.name, c.primary_key, c.version,
	COUNT(doc.id),
	COALESCE(SUM(doc.deleted), 0),
	COALESCE(MAX(doc.lwt), 0)
FROM collections c
LEFT JOIN documents doc ON doc.collection = c.name
GROUP BY c.name, c.primary_key, c.version
ORDER BY c.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CollectionStats
	for rows.Next() {
		var (
			s   CollectionStats
			lwt int64
		)
		if err := rows.Scan(&s.Name, &s.PrimaryKey, &s.Version, &s.Documents, &s.Deleted, &lwt); err != nil {
			return nil, err
		}
		s.LastLWT = clock.ToMillis(lwt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RevisionMismatch is a stored document whose revision hash does not match its data.
type RevisionMismatch struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Rev        string `json:"rev"`
}

// Verify recomputes the content hash in every stored revision and returns
// the documents that do not match, plus the number checked.
func (d *Database) Verify(ctx context.Context) (int, []RevisionMismatch, error) {
	if d.Destroyed() {
		return 0, nil, ErrClosed
	}
	rows, err := d.db.QueryContext(ctx, `SELECT collection, id, data, rev, deleted FROM documents ORDER BY collection, id`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var (
		checked int
		bad     []RevisionMismatch
	)
	for rows.Next() {
		var (
			coll, id, data, rev string
			deleted             bool
		)
		if err := rows.Scan(&coll, &id, &data, &rev, &deleted); err != nil {
			return checked, bad, err
		}
		checked++
		if !revMatches(rev, []byte(data), deleted) {
			bad = append(bad, RevisionMismatch{Collection: coll, ID: id, Rev: rev})
		}
	}
	return checked, bad, rows.Err()
}

func revMatches(rev string, data []byte, deleted bool) bool {
	_, hash, ok := strings.Cut(rev, "-")
	if !ok {
		return false
	}
	return hash == contentHash(data, deleted)
}

// SnapshotTo writes a consistent copy of the database to path, which must not exist.
func (d *Database) SnapshotTo(ctx context.Context, path string) error {
	if d.Destroyed() {
		return ErrClosed
	}
	if _, err := d.db.ExecContext(ctx, "VACUUM INTO '"+strings.ReplaceAll(path, "'", "''")+"'"); err != nil {
		return fmt.Errorf("store: snapshot: %w", err)
	}
	return nil
}
