package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/mango"
	"github.com/kk-code-lab/docsync/internal/store"
)

var (
	// ErrRegexQuery is returned for queries using $regex, which clients may not send.
	ErrRegexQuery = errors.New("server: $regex queries are not allowed")
	// ErrForbidden is returned when a write touches documents the identity may not change.
	ErrForbidden = errors.New("server: forbidden")
	// ErrConflict is returned when a document changed concurrently with a REST write.
	ErrConflict = errors.New("server: conflict")
)

// DocumentsResult wraps documents returned by the REST routes.
type DocumentsResult struct {
	Documents []store.Document `json:"documents"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

// RestEndpoint exposes query, get, set and delete over plain requests.
type RestEndpoint struct {
	*base
}

// AddRestEndpoint registers a REST endpoint at /<path>/<version>/.
func (s *Server) AddRestEndpoint(opts EndpointOptions) (*RestEndpoint, error) {
	b, err := newBase(s, TypeRest, opts)
	if err != nil {
		return nil, err
	}
	e := &RestEndpoint{base: b}
	if err := s.register(e, e.version, e.routes); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *RestEndpoint) routes(r chi.Router) {
	r.Post("/query", e.handleQuery)
	r.Get("/query/observe", e.handleObserve)
	r.Post("/get", e.handleGet)
	r.Post("/set", e.handleSet)
	r.Post("/delete", e.handleDelete)
}

// Query runs q restricted to the identity's scope.
func (e *RestEndpoint) Query(ctx context.Context, a auth.Data, q mango.Query) ([]store.Document, error) {
	if mango.DoesContainRegexQuerySelector(map[string]any(q.Selector)) {
		return nil, ErrRegexQuery
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	docs, err := e.collection.Query(ctx, e.scope.Effective(a, q))
	if err != nil {
		return nil, err
	}
	out := make([]store.Document, len(docs))
	for i, d := range docs {
		out[i] = e.fields.ToClientView(d)
	}
	return out, nil
}

// Get returns the visible, non-deleted documents among ids, in ids order.
func (e *RestEndpoint) Get(ctx context.Context, a auth.Data, ids []string) ([]store.Document, error) {
	match, err := e.scope.Matcher(a)
	if err != nil {
		return nil, err
	}
	found, err := e.collection.FindByIDs(ctx, ids, false)
	if err != nil {
		return nil, err
	}
	out := make([]store.Document, 0, len(found))
	for _, id := range ids {
		if doc, ok := found[id]; ok && match(doc) {
			out = append(out, e.fields.ToClientView(doc))
			delete(found, id)
		}
	}
	return out, nil
}

// Set upserts docs. Documents without a primary key get a generated one.
// The whole batch is checked before anything is written.
func (e *RestEndpoint) Set(ctx context.Context, a auth.Data, docs []store.Document) ([]store.Document, error) {
	ids := make([]string, 0, len(docs))
	for i, doc := range docs {
		if doc == nil {
			return nil, fmt.Errorf("%w: null document", store.ErrInvalidDocument)
		}
		if doc.ID(e.primaryKey) == "" {
			if _, set := doc[e.primaryKey]; set {
				return nil, fmt.Errorf("%w: %s must be a non-empty string", store.ErrInvalidDocument, e.primaryKey)
			}
			docs[i] = doc.Clone()
			docs[i][e.primaryKey] = uuid.NewString()
		}
		ids = append(ids, docs[i].ID(e.primaryKey))
	}
	current, err := e.collection.FindByIDs(ctx, ids, true)
	if err != nil {
		return nil, err
	}
	match, err := e.scope.Matcher(a)
	if err != nil {
		return nil, err
	}
	rows := make([]store.WriteRow, 0, len(docs))
	for _, doc := range docs {
		serverDoc := current[doc.ID(e.primaryKey)]
		if e.fields.HasServerOnlyField(doc) {
			return nil, fmt.Errorf("%w: server-only field", ErrForbidden)
		}
		row, err := e.gate(a, match, doc, serverDoc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return e.write(ctx, rows)
}

// Delete tombstones the visible documents among ids. Unknown ids are ignored.
func (e *RestEndpoint) Delete(ctx context.Context, a auth.Data, ids []string) ([]string, error) {
	current, err := e.collection.FindByIDs(ctx, ids, false)
	if err != nil {
		return nil, err
	}
	match, err := e.scope.Matcher(a)
	if err != nil {
		return nil, err
	}
	rows := make([]store.WriteRow, 0, len(current))
	for _, id := range ids {
		serverDoc, ok := current[id]
		if !ok {
			continue
		}
		delete(current, id)
		tombstone := e.fields.ToClientView(serverDoc)
		tombstone[store.FieldDeleted] = true
		row, err := e.gate(a, match, tombstone, serverDoc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	written, err := e.write(ctx, rows)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, len(written))
	for i, doc := range written {
		deleted[i] = doc.ID(e.primaryKey)
	}
	return deleted, nil
}

// gate checks a client-supplied doc against scope and validator and builds
// the write row for it.
func (e *RestEndpoint) gate(a auth.Data, match mango.Matcher, doc, serverDoc store.Document) (store.WriteRow, error) {
	var assumed store.Document
	if serverDoc != nil && !serverDoc.Deleted() {
		if !match(serverDoc) {
			return store.WriteRow{}, ErrForbidden
		}
		assumed = e.fields.ToClientView(serverDoc)
	}
	if !e.validator(a, ChangeRow{NewDocumentState: doc, AssumedMasterState: assumed}) {
		return store.WriteRow{}, ErrForbidden
	}
	merged := e.fields.MergeServerFields(doc, serverDoc)
	if !merged.Deleted() && !match(merged) {
		return store.WriteRow{}, ErrForbidden
	}
	return store.WriteRow{Document: merged, Previous: serverDoc}, nil
}

func (e *RestEndpoint) write(ctx context.Context, rows []store.WriteRow) ([]store.Document, error) {
	results, err := e.collection.BulkWrite(ctx, rows)
	if err != nil {
		return nil, err
	}
	out := make([]store.Document, 0, len(results))
	var conflicts int
	for _, res := range results {
		if res.Conflict {
			conflicts++
			continue
		}
		out = append(out, e.fields.ToClientView(res.Written))
	}
	if conflicts > 0 {
		return out, fmt.Errorf("%w: %d documents changed concurrently", ErrConflict, conflicts)
	}
	return out, nil
}

func (e *RestEndpoint) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q mango.Query
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	a, _ := auth.FromContext(r.Context())
	docs, err := e.Query(r.Context(), a, q)
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, DocumentsResult{Documents: docs})
}

// handleObserve streams the result of ?query=<base64url JSON> and re-sends
// it whenever a change alters the result.
func (e *RestEndpoint) handleObserve(w http.ResponseWriter, r *http.Request) {
	q, err := decodeObserveQuery(r.URL.Query().Get("query"))
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	if mango.DoesContainRegexQuerySelector(map[string]any(q.Selector)) {
		writeError(w, http.StatusBadRequest)
		return
	}
	if err := q.Validate(); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	var last []byte
	result := func(a auth.Data) (any, error) {
		docs, err := e.Query(r.Context(), a, q)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(docs)
		if err != nil {
			return nil, err
		}
		if last != nil && bytes.Equal(raw, last) {
			return nil, nil
		}
		last = raw
		return DocumentsResult{Documents: docs}, nil
	}
	e.streamLoop(w, r,
		func() (eventSink, error) { return newSSESink(w) },
		result,
		func(a auth.Data, _ store.ChangeEvent) (any, error) { return result(a) })
}

func decodeObserveQuery(raw string) (mango.Query, error) {
	var q mango.Query
	if raw == "" {
		return mango.Default(), nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		if data, err = base64.URLEncoding.DecodeString(raw); err != nil {
			return q, err
		}
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return q, err
	}
	return q, nil
}

func (e *RestEndpoint) handleGet(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	a, _ := auth.FromContext(r.Context())
	docs, err := e.Get(r.Context(), a, ids)
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, DocumentsResult{Documents: docs})
}

func (e *RestEndpoint) handleSet(w http.ResponseWriter, r *http.Request) {
	var docs []store.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&docs); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	a, _ := auth.FromContext(r.Context())
	written, err := e.Set(r.Context(), a, docs)
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, DocumentsResult{Documents: written})
}

func (e *RestEndpoint) handleDelete(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	a, _ := auth.FromContext(r.Context())
	deleted, err := e.Delete(r.Context(), a, ids)
	if err != nil {
		e.writeErr(w, r, err)
		return
	}
	writeJSON(w, map[string][]string{"deleted": deleted})
}

// decodeIDs accepts either a bare JSON array or {"ids": [...]}.
func decodeIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest)
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		return ids, true
	}
	var req idsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return nil, false
	}
	return req.IDs, true
}

func (e *RestEndpoint) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden)
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict)
	case errors.Is(err, ErrRegexQuery),
		errors.Is(err, mango.ErrInvalidQuery),
		errors.Is(err, store.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest)
	default:
		e.writeStoreError(w, r, err)
	}
}
