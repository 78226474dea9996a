package store

import (
	"encoding/hex"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/kk-code-lab/docsync/internal/clock"
)

// Engine-managed document fields.
const (
	FieldMeta        = "_meta"
	FieldRev         = "_rev"
	FieldAttachments = "_attachments"
	FieldDeleted     = "_deleted"
)

// EngineFields lists the fields the engine owns and never takes from writers.
var EngineFields = []string{FieldMeta, FieldRev, FieldAttachments}

// Document is a JSON object as stored in a collection.
type Document map[string]any

// Schema describes a collection.
type Schema struct {
	PrimaryKey string
	Version    int
}

// ID returns the primary key value, or "" when it is missing or not a string.
func (d Document) ID(primaryKey string) string {
	if d == nil {
		return ""
	}
	id, _ := d[primaryKey].(string)
	return id
}

// Deleted reports whether the document is a tombstone.
func (d Document) Deleted() bool {
	v, _ := d[FieldDeleted].(bool)
	return v
}

// Rev returns the revision marker.
func (d Document) Rev() string {
	v, _ := d[FieldRev].(string)
	return v
}

// LWT returns the last-write-time in milliseconds, or 0 when unset.
func (d Document) LWT() float64 {
	meta, ok := d[FieldMeta].(map[string]any)
	if !ok {
		return 0
	}
	switch v := meta["lwt"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Checkpoint is a position in a collection's write order, totally ordered by (LWT, ID).
type Checkpoint struct {
	ID  string  `json:"id"`
	LWT float64 `json:"lwt"`
}

// Compare returns -1, 0 or 1 ordering c against o.
func (c Checkpoint) Compare(o Checkpoint) int {
	a, b := clock.FromMillis(c.LWT), clock.FromMillis(o.LWT)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return strings.Compare(c.ID, o.ID)
}

// CheckpointOf returns the checkpoint a stored document occupies.
func CheckpointOf(doc Document, primaryKey string) Checkpoint {
	return Checkpoint{ID: doc.ID(primaryKey), LWT: doc.LWT()}
}

// SameState reports whether two documents carry the same user data, ignoring
// engine-managed fields. A missing _deleted equals false.
func SameState(a, b Document) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	na, err := normalizeState(a)
	if err != nil {
		return false
	}
	nb, err := normalizeState(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalizeState(d Document) (map[string]any, error) {
	data, deleted := splitEngineFields(d)
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	out[FieldDeleted] = deleted
	return out, nil
}

// splitEngineFields returns the user data of d and its deleted flag.
func splitEngineFields(d Document) (map[string]any, bool) {
	out := make(map[string]any, len(d))
	for k, v := range d {
		switch k {
		case FieldMeta, FieldRev, FieldAttachments, FieldDeleted:
			continue
		}
		out[k] = v
	}
	return out, d.Deleted()
}

func nextRev(previous string, data []byte, deleted bool) string {
	height := 0
	if previous != "" {
		if n, err := strconv.Atoi(strings.SplitN(previous, "-", 2)[0]); err == nil {
			height = n
		}
	}
	return strconv.Itoa(height+1) + "-" + contentHash(data, deleted)
}

func contentHash(data []byte, deleted bool) string {
	h := blake3.New()
	_, _ = h.Write(data)
	if deleted {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func assemble(data []byte, rev string, lwt int64, deleted bool) (Document, error) {
	doc := Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc[FieldDeleted] = deleted
	doc[FieldRev] = rev
	doc[FieldMeta] = map[string]any{"lwt": clock.ToMillis(lwt)}
	doc[FieldAttachments] = map[string]any{}
	return doc, nil
}
