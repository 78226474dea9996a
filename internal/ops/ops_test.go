package ops

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/docsync/internal/store"
)

func seed(t *testing.T) *store.Database {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "docs.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Destroy(ctx) })
	coll, err := db.Collection(ctx, "items", store.Schema{PrimaryKey: "id", Version: 3})
	require.NoError(t, err)
	res, err := coll.BulkWrite(ctx, []store.WriteRow{
		{Document: store.Document{"id": "a"}},
		{Document: store.Document{"id": "b"}},
	})
	require.NoError(t, err)
	_, err = coll.BulkWrite(ctx, []store.WriteRow{{
		Document: store.Document{"id": "b", store.FieldDeleted: true},
		Previous: res[1].Written,
	}})
	require.NoError(t, err)
	_, err = db.Collection(ctx, "empty", store.Schema{})
	require.NoError(t, err)
	return db
}

func TestStatus(t *testing.T) {
	db := seed(t)
	report, err := Runner{DB: db}.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Collections, 2)
	assert.Equal(t, "empty", report.Collections[0].Name)
	assert.Zero(t, report.Collections[0].Documents)
	items := report.Collections[1]
	assert.Equal(t, int64(2), items.Documents)
	assert.Equal(t, int64(1), items.Deleted)
	assert.Equal(t, 3, items.Version)
	assert.Greater(t, items.LastLWT, float64(0))
}

func TestVerify(t *testing.T) {
	db := seed(t)
	report, err := Runner{DB: db}.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Errors)
}

func TestSnapshot(t *testing.T) {
	db := seed(t)
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "snap")
	report, err := Runner{DB: db}.Snapshot(ctx, out)
	require.NoError(t, err)
	assert.FileExists(t, report.Output)

	raw, err := os.ReadFile(filepath.Join(out, "snapshot.json"))
	require.NoError(t, err)
	var onDisk Report
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "snapshot", onDisk.Mode)

	copyDB, err := store.Open(report.Output, store.Options{})
	require.NoError(t, err)
	defer copyDB.Destroy(ctx)
	coll, err := copyDB.Collection(ctx, "items", store.Schema{PrimaryKey: "id", Version: 3})
	require.NoError(t, err)
	docs, err := coll.FindByIDs(ctx, []string{"a", "b"}, true)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = Runner{DB: db}.Snapshot(ctx, out)
	assert.Error(t, err)
	_, err = Runner{DB: db}.Snapshot(ctx, "")
	assert.Error(t, err)
}
