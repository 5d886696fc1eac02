package taxdata

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS taxpayers`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportDataset(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ds := validDataset()

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE audits, returns, taxpayers`).
		WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"taxpayers"},
		[]string{"taxpayer_id", "business_name", "tin", "industry_code", "industry_name", "registered_at"}).
		WillReturnResult(int64(len(ds.Taxpayers)))
	mock.ExpectCopyFrom(pgx.Identifier{"returns"},
		[]string{"taxpayer_id", "period", "gross_revenue", "tax_liability", "input_tax_claim"}).
		WillReturnResult(int64(len(ds.Returns)))
	mock.ExpectCopyFrom(pgx.Identifier{"audits"},
		[]string{"id", "taxpayer_id", "period", "started_at", "finding", "tax_recovery", "reason_code"}).
		WillReturnResult(int64(len(ds.Audits)))
	mock.ExpectCommit()

	require.NoError(t, s.ImportDataset(context.Background(), ds))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportDataset_RollsBackOnCopyFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ds := validDataset()

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE audits, returns, taxpayers`).
		WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"taxpayers"},
		[]string{"taxpayer_id", "business_name", "tin", "industry_code", "industry_name", "registered_at"}).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.ImportDataset(context.Background(), ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy taxpayers")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ds := validDataset()

	tpRows := pgxmock.NewRows([]string{"taxpayer_id", "business_name", "tin", "industry_code", "industry_name", "registered_at"})
	for _, tp := range ds.Taxpayers {
		tpRows.AddRow(tp.ID, tp.BusinessName, tp.TIN, tp.IndustryCode, tp.IndustryName, tp.RegisteredAt)
	}
	mock.ExpectQuery(`SELECT taxpayer_id, business_name, tin, industry_code, industry_name, registered_at`).
		WillReturnRows(tpRows)

	retRows := pgxmock.NewRows([]string{"taxpayer_id", "period", "gross_revenue", "tax_liability", "input_tax_claim"})
	for _, ret := range ds.Returns {
		retRows.AddRow(ret.TaxpayerID, ret.Period, ret.GrossRevenue, ret.TaxLiability, ret.InputTaxClaim)
	}
	mock.ExpectQuery(`SELECT taxpayer_id, period, gross_revenue, tax_liability, input_tax_claim`).
		WillReturnRows(retRows)

	audRows := pgxmock.NewRows([]string{"taxpayer_id", "period", "started_at", "finding", "tax_recovery", "reason_code"})
	for _, a := range ds.Audits {
		audRows.AddRow(a.TaxpayerID, a.Period, a.StartedAt, string(a.Finding), a.TaxRecovery, a.ReasonCode)
	}
	mock.ExpectQuery(`SELECT taxpayer_id, period, started_at, finding, tax_recovery`).
		WillReturnRows(audRows)

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ds.Taxpayers, got.Taxpayers)
	assert.Equal(t, ds.Returns, got.Returns)
	assert.Equal(t, ds.Audits, got.Audits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT taxpayer_id, business_name`).
		WillReturnError(assert.AnError)

	_, err := s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select taxpayers")
	assert.NoError(t, mock.ExpectationsWereMet())
}
