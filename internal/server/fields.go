package server

import "github.com/kk-code-lab/docsync/internal/store"

// FieldProjector maps documents between their stored form and the form
// exchanged with clients. Server-only fields never reach clients and are
// never taken from them.
type FieldProjector struct {
	fields []string
}

// NewFieldProjector returns a projector for the given server-only fields.
// Duplicates and empty names are dropped.
func NewFieldProjector(serverOnlyFields []string) FieldProjector {
	seen := make(map[string]struct{}, len(serverOnlyFields))
	fields := make([]string, 0, len(serverOnlyFields))
	for _, f := range serverOnlyFields {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		fields = append(fields, f)
	}
	return FieldProjector{fields: fields}
}

// Fields returns the deduplicated server-only field names.
func (p FieldProjector) Fields() []string {
	return append([]string(nil), p.fields...)
}

// ToClientView returns a shallow copy without server-only and engine fields.
func (p FieldProjector) ToClientView(doc store.Document) store.Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	for _, f := range store.EngineFields {
		delete(out, f)
	}
	for _, f := range p.fields {
		delete(out, f)
	}
	return out
}

// MergeServerFields returns clientDoc with every server-only field taken from
// serverDoc. Without a serverDoc (first write) clientDoc is returned as is.
func (p FieldProjector) MergeServerFields(clientDoc, serverDoc store.Document) store.Document {
	if serverDoc == nil {
		return clientDoc
	}
	out := clientDoc.Clone()
	if out == nil {
		out = store.Document{}
	}
	for _, f := range p.fields {
		if v, ok := serverDoc[f]; ok {
			out[f] = v
		} else {
			delete(out, f)
		}
	}
	return out
}

// HasServerOnlyField reports whether doc sets any server-only field.
func (p FieldProjector) HasServerOnlyField(doc store.Document) bool {
	for _, f := range p.fields {
		if v, ok := doc[f]; ok && v != nil {
			return true
		}
	}
	return false
}
