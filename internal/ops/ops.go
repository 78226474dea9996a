package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kk-code-lab/docsync/internal/clock"
	"github.com/kk-code-lab/docsync/internal/store"
)

// Report summarizes an ops run.
type Report struct {
	StartedAt   time.Time               `json:"started_at"`
	FinishedAt  time.Time               `json:"finished_at"`
	Mode        string                  `json:"mode"`
	Collections []store.CollectionStats `json:"collections,omitempty"`
	Checked     int                     `json:"checked,omitempty"`
	Errors      int                     `json:"errors"`
	ErrorSample []string                `json:"error_sample,omitempty"`
	Output      string                  `json:"output,omitempty"`
}

const errorSampleSize = 10

// Runner executes maintenance operations against an open database.
type Runner struct {
	DB    *store.Database
	Clock clock.Clock
}

func (r Runner) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock.Now().UTC()
}

// Status collects per-collection counts.
func (r Runner) Status(ctx context.Context) (*Report, error) {
	report := &Report{Mode: "status", StartedAt: r.now()}
	stats, err := r.DB.Stats(ctx)
	if err != nil {
		return nil, err
	}
	report.Collections = stats
	report.FinishedAt = r.now()
	return report, nil
}

// Verify checks every stored revision against its content.
func (r Runner) Verify(ctx context.Context) (*Report, error) {
	report := &Report{Mode: "verify", StartedAt: r.now()}
	checked, bad, err := r.DB.Verify(ctx)
	if err != nil {
		return nil, err
	}
	report.Checked = checked
	report.Errors = len(bad)
	for i, m := range bad {
		if i == errorSampleSize {
			break
		}
		report.ErrorSample = append(report.ErrorSample, fmt.Sprintf("%s/%s rev=%s", m.Collection, m.ID, m.Rev))
	}
	report.FinishedAt = r.now()
	return report, nil
}

// Snapshot writes docsync.db and snapshot.json into outDir.
func (r Runner) Snapshot(ctx context.Context, outDir string) (*Report, error) {
	if outDir == "" {
		return nil, errors.New("ops: snapshot output dir required")
	}
	report := &Report{Mode: "snapshot", StartedAt: r.now()}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(outDir, "docsync.db")
	if _, err := os.Stat(dbPath); err == nil {
		return nil, fmt.Errorf("ops: snapshot %s already exists", dbPath)
	}
	if err := r.DB.SnapshotTo(ctx, dbPath); err != nil {
		return nil, err
	}
	stats, err := r.DB.Stats(ctx)
	if err != nil {
		return nil, err
	}
	report.Collections = stats
	report.Output = dbPath
	report.FinishedAt = r.now()
	if err := writeJSON(filepath.Join(outDir, "snapshot.json"), report); err != nil {
		return nil, err
	}
	return report, nil
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
