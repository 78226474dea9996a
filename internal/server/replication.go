package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/store"
)

// RejectReason explains why a pushed row was not applied.
type RejectReason string

const (
	RejectConflict        RejectReason = "conflict"
	RejectForbidden       RejectReason = "forbidden"
	RejectServerOnlyField RejectReason = "server_only_field"
	RejectInvalid         RejectReason = "invalid"
)

// RejectedRow is a pushed row that was not applied. MasterState carries the
// client view of the current server document for conflicts the identity may see.
type RejectedRow struct {
	ChangeRow
	Reason      RejectReason   `json:"reason"`
	MasterState store.Document `json:"masterState,omitempty"`
}

// PullResult is a page of changes.
type PullResult struct {
	Documents  []store.Document  `json:"documents"`
	Checkpoint *store.Checkpoint `json:"checkpoint"`
}

// PushResult lists the rows that were not applied.
type PushResult struct {
	Rejected []RejectedRow `json:"rejected"`
}

// ReplicationEndpoint serves the pull, push and stream protocol for one collection.
type ReplicationEndpoint struct {
	*base
	maxRejected int
	// strikes counts consecutive gated pushes per subject. Entries expire
	// after the strike window so idle subjects do not accumulate.
	strikes *ttlcache.Cache[string, int]
}

// AddReplicationEndpoint registers a replication endpoint at /<path>/<version>/.
func (s *Server) AddReplicationEndpoint(opts EndpointOptions) (*ReplicationEndpoint, error) {
	b, err := newBase(s, TypeReplication, opts)
	if err != nil {
		return nil, err
	}
	maxRejected := opts.MaxRejectedPushes
	if maxRejected == 0 {
		maxRejected = DefaultMaxRejectedPushes
	}
	window := opts.StrikeWindow
	if window <= 0 {
		window = DefaultStrikeWindow
	}
	e := &ReplicationEndpoint{
		base:        b,
		maxRejected: maxRejected,
		strikes: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](window),
			ttlcache.WithCapacity[string, int](maxTrackedSubjects),
			ttlcache.WithDisableTouchOnHit[string, int](),
		),
	}
	if err := s.register(e, e.version, e.routes); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ReplicationEndpoint) routes(r chi.Router) {
	r.Get("/pull", e.handlePull)
	r.Post("/push", e.handlePush)
	r.Get("/stream", e.handleStream)
}

// Pull returns up to batchSize changes after since that the identity may
// see. The returned checkpoint is that of the last fetched document, visible
// or not, so hidden documents never stall a client.
func (e *ReplicationEndpoint) Pull(ctx context.Context, a auth.Data, since *store.Checkpoint, batchSize int) (PullResult, error) {
	match, err := e.scope.Matcher(a)
	if err != nil {
		return PullResult{}, err
	}
	docs, err := e.collection.ChangesSince(ctx, since, batchSize)
	if err != nil {
		return PullResult{}, err
	}
	res := PullResult{Documents: make([]store.Document, 0, len(docs)), Checkpoint: since}
	if len(docs) > 0 {
		cp := store.CheckpointOf(docs[len(docs)-1], e.primaryKey)
		res.Checkpoint = &cp
	}
	for _, doc := range docs {
		if match(doc) {
			res.Documents = append(res.Documents, e.fields.ToClientView(doc))
		}
	}
	return res, nil
}

// Push applies rows that pass the change gate and reports the rest.
func (e *ReplicationEndpoint) Push(ctx context.Context, a auth.Data, rows []ChangeRow) (PushResult, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := row.NewDocumentState.ID(e.primaryKey); id != "" {
			ids = append(ids, id)
		}
	}
	current, err := e.collection.FindByIDs(ctx, ids, true)
	if err != nil {
		return PushResult{}, err
	}
	match, err := e.scope.Matcher(a)
	if err != nil {
		return PushResult{}, err
	}

	rejected := make(map[int]RejectedRow)
	gated := 0
	var (
		writes []store.WriteRow
		origin []int
	)
	for i, row := range rows {
		id := row.NewDocumentState.ID(e.primaryKey)
		serverDoc := current[id]
		switch {
		case id == "":
			rejected[i] = RejectedRow{ChangeRow: row, Reason: RejectInvalid}
			continue
		case e.fields.HasServerOnlyField(row.NewDocumentState):
			rejected[i] = RejectedRow{ChangeRow: row, Reason: RejectServerOnlyField}
			gated++
			continue
		case serverDoc != nil && !serverDoc.Deleted() && !match(serverDoc):
			rejected[i] = RejectedRow{ChangeRow: row, Reason: RejectForbidden}
			gated++
			continue
		case !e.validator(a, row):
			rejected[i] = RejectedRow{ChangeRow: row, Reason: RejectForbidden}
			gated++
			continue
		}
		previous := row.AssumedMasterState
		if previous != nil {
			previous = e.fields.MergeServerFields(previous, serverDoc)
		}
		writes = append(writes, store.WriteRow{
			Document: e.fields.MergeServerFields(row.NewDocumentState, serverDoc),
			Previous: previous,
		})
		origin = append(origin, i)
	}

	results, err := e.collection.BulkWrite(ctx, writes)
	if err != nil {
		return PushResult{}, err
	}
	written := 0
	for j, res := range results {
		if !res.Conflict {
			written++
			continue
		}
		rr := RejectedRow{ChangeRow: rows[origin[j]], Reason: RejectConflict}
		if res.Current != nil && match(res.Current) {
			rr.MasterState = e.fields.ToClientView(res.Current)
		}
		rejected[origin[j]] = rr
	}

	out := PushResult{Rejected: make([]RejectedRow, 0, len(rejected))}
	order := make([]int, 0, len(rejected))
	for i := range rejected {
		order = append(order, i)
	}
	sort.Ints(order)
	for _, i := range order {
		out.Rejected = append(out.Rejected, rejected[i])
	}

	e.server.metrics.pushed(e.name, "written", written)
	e.server.metrics.pushed(e.name, "conflict", len(rejected)-gated-countInvalid(out.Rejected))
	e.server.metrics.pushed(e.name, "forbidden", gated)
	e.recordPush(a, gated)
	return out, nil
}

func countInvalid(rows []RejectedRow) int {
	n := 0
	for _, r := range rows {
		if r.Reason == RejectInvalid {
			n++
		}
	}
	return n
}

// recordPush tracks consecutive pushes with gate rejections per subject and
// closes the subject's streams once the limit is reached.
func (e *ReplicationEndpoint) recordPush(a auth.Data, gated int) {
	if a.Subject == "" || e.maxRejected < 0 {
		return
	}
	e.mu.Lock()
	e.strikes.DeleteExpired()
	if gated == 0 {
		e.strikes.Delete(a.Subject)
		e.mu.Unlock()
		return
	}
	count := 1
	if item := e.strikes.Get(a.Subject); item != nil {
		count = item.Value() + 1
	}
	if count < e.maxRejected {
		e.strikes.Set(a.Subject, count, ttlcache.DefaultTTL)
		e.mu.Unlock()
		return
	}
	e.strikes.Delete(a.Subject)
	e.mu.Unlock()
	n := e.closeStreams(a.Subject, false, errTooManyRejects)
	e.log.WithFields(logrus.Fields{"subject": a.Subject, "streams": n}).Warn("server: closing streams after rejected pushes")
}

func (e *ReplicationEndpoint) handlePull(w http.ResponseWriter, r *http.Request) {
	since, err := checkpointFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	batchSize, err := batchSizeFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	a, _ := auth.FromContext(r.Context())
	res, err := e.Pull(r.Context(), a, since, batchSize)
	if err != nil {
		e.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (e *ReplicationEndpoint) handlePush(w http.ResponseWriter, r *http.Request) {
	var rows []ChangeRow
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	a, _ := auth.FromContext(r.Context())
	res, err := e.Push(r.Context(), a, rows)
	if err != nil {
		if errors.Is(err, store.ErrInvalidDocument) {
			writeError(w, http.StatusBadRequest)
			return
		}
		e.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (e *ReplicationEndpoint) handleStream(w http.ResponseWriter, r *http.Request) {
	e.streamLoop(w, r,
		func() (eventSink, error) { return openSink(w, r, e.server.origin) },
		nil,
		func(a auth.Data, ev store.ChangeEvent) (any, error) {
			match, err := e.scope.Matcher(a)
			if err != nil {
				return nil, err
			}
			if !match(ev.Document) {
				return nil, nil
			}
			cp := ev.Checkpoint
			return PullResult{Documents: []store.Document{e.fields.ToClientView(ev.Document)}, Checkpoint: &cp}, nil
		})
}
