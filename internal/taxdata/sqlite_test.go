package taxdata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfisc/taxrisk/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "taxrisk.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_ImportAndLoad_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	ds := validDataset()

	require.NoError(t, st.ImportDataset(ctx, ds))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, ds.Taxpayers, got.Taxpayers)
	assert.Equal(t, ds.Returns, got.Returns)
	assert.Equal(t, ds.Audits, got.Audits)
}

func TestSQLite_Import_ReplacesPrevious(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ImportDataset(ctx, validDataset()))

	smaller := validDataset()
	smaller.Taxpayers = smaller.Taxpayers[:1]
	smaller.Returns = smaller.Returns[:1]
	require.NoError(t, st.ImportDataset(ctx, smaller))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Taxpayers, 1)
	assert.Len(t, got.Returns, 1)
}

func TestSQLite_Import_RejectsOrphanedReturn(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ds := validDataset()
	ds.Returns = append(ds.Returns, model.ReturnRecord{
		TaxpayerID: "TP-404", Period: ds.Returns[0].Period, GrossRevenue: 100,
	})

	err := st.ImportDataset(ctx, ds)
	require.Error(t, err, "foreign keys are enforced")

	// The failed import must not have clobbered the empty database.
	got, loadErr := st.Load(ctx)
	require.NoError(t, loadErr)
	assert.Empty(t, got.Taxpayers)
}

func TestSQLite_Load_EmptyDatabase(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got.Taxpayers)
	assert.Empty(t, got.Returns)
	assert.Empty(t, got.Audits)
}
