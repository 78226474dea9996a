package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/kk-code-lab/docsync/internal/store"
)

const (
	defaultBatchSize = 100
	maxBatchSize     = 1000
)

var errBadCheckpoint = errors.New("invalid checkpoint")

// EncodeCheckpoint renders a checkpoint for the checkpoint query parameter.
func EncodeCheckpoint(cp store.Checkpoint) string {
	raw, _ := json.Marshal(cp)
	return string(raw)
}

// DecodeCheckpoint parses the JSON form produced by EncodeCheckpoint. An
// empty string or "null" means "from the beginning".
func DecodeCheckpoint(raw string) (*store.Checkpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var cp store.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, errBadCheckpoint
	}
	if err := validCheckpoint(cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// checkpointFromRequest reads either ?checkpoint=<json> or ?lwt=<n>&id=<s>.
func checkpointFromRequest(r *http.Request) (*store.Checkpoint, error) {
	q := r.URL.Query()
	if q.Has("checkpoint") {
		return DecodeCheckpoint(q.Get("checkpoint"))
	}
	if !q.Has("lwt") {
		return nil, nil
	}
	lwt, err := strconv.ParseFloat(q.Get("lwt"), 64)
	if err != nil {
		return nil, errBadCheckpoint
	}
	cp := store.Checkpoint{ID: q.Get("id"), LWT: lwt}
	if err := validCheckpoint(cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func validCheckpoint(cp store.Checkpoint) error {
	if math.IsNaN(cp.LWT) || math.IsInf(cp.LWT, 0) || cp.LWT < 0 {
		return errBadCheckpoint
	}
	return nil
}

func batchSizeFromRequest(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("batchSize")
	if raw == "" {
		return defaultBatchSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid batchSize")
	}
	if n > maxBatchSize {
		n = maxBatchSize
	}
	return n, nil
}
