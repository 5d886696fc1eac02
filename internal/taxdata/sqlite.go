package taxdata

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/openfisc/taxrisk/internal/model"
)

// SQLiteStore reads and writes datasets in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per-connection and sqlite permits a single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS taxpayers (
	taxpayer_id   TEXT PRIMARY KEY,
	business_name TEXT NOT NULL,
	tin           TEXT NOT NULL,
	industry_code TEXT NOT NULL,
	industry_name TEXT NOT NULL,
	registered_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS returns (
	taxpayer_id     TEXT NOT NULL REFERENCES taxpayers(taxpayer_id),
	period          DATETIME NOT NULL,
	gross_revenue   REAL NOT NULL,
	tax_liability   REAL NOT NULL,
	input_tax_claim REAL NOT NULL,
	PRIMARY KEY (taxpayer_id, period)
);

CREATE TABLE IF NOT EXISTS audits (
	id           TEXT PRIMARY KEY,
	taxpayer_id  TEXT NOT NULL REFERENCES taxpayers(taxpayer_id),
	period       DATETIME NOT NULL,
	started_at   DATETIME NOT NULL,
	finding      TEXT NOT NULL,
	tax_recovery REAL NOT NULL DEFAULT 0,
	reason_code  TEXT
);

CREATE INDEX IF NOT EXISTS idx_returns_taxpayer ON returns(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_audits_taxpayer ON audits(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_taxpayers_industry ON taxpayers(industry_code);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ImportDataset replaces the entire database contents with ds. Imports run
// inside one transaction so a failed import leaves the previous snapshot
// intact.
func (s *SQLiteStore) ImportDataset(ctx context.Context, ds *model.Dataset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"audits", "returns", "taxpayers"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s", table)
		}
	}

	tpStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO taxpayers (taxpayer_id, business_name, tin, industry_code, industry_name, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare taxpayers")
	}
	defer tpStmt.Close()
	for _, tp := range ds.Taxpayers {
		if _, err := tpStmt.ExecContext(ctx,
			tp.ID, tp.BusinessName, tp.TIN, tp.IndustryCode, tp.IndustryName, tp.RegisteredAt.UTC()); err != nil {
			return eris.Wrapf(err, "sqlite: insert taxpayer %s", tp.ID)
		}
	}

	retStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO returns (taxpayer_id, period, gross_revenue, tax_liability, input_tax_claim)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare returns")
	}
	defer retStmt.Close()
	for _, ret := range ds.Returns {
		if _, err := retStmt.ExecContext(ctx,
			ret.TaxpayerID, ret.Period.UTC(), ret.GrossRevenue, ret.TaxLiability, ret.InputTaxClaim); err != nil {
			return eris.Wrapf(err, "sqlite: insert return for %s", ret.TaxpayerID)
		}
	}

	audStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audits (id, taxpayer_id, period, started_at, finding, tax_recovery, reason_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare audits")
	}
	defer audStmt.Close()
	for _, a := range ds.Audits {
		if _, err := audStmt.ExecContext(ctx,
			uuid.New().String(), a.TaxpayerID, a.Period.UTC(), a.StartedAt.UTC(),
			string(a.Finding), a.TaxRecovery, a.ReasonCode); err != nil {
			return eris.Wrapf(err, "sqlite: insert audit for %s", a.TaxpayerID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit import")
}

func (s *SQLiteStore) Load(ctx context.Context) (*model.Dataset, error) {
	var ds model.Dataset

	rows, err := s.db.QueryContext(ctx,
		`SELECT taxpayer_id, business_name, tin, industry_code, industry_name, registered_at
		 FROM taxpayers ORDER BY taxpayer_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select taxpayers")
	}
	defer rows.Close()
	for rows.Next() {
		var tp model.TaxpayerRecord
		var registered time.Time
		if err := rows.Scan(&tp.ID, &tp.BusinessName, &tp.TIN, &tp.IndustryCode, &tp.IndustryName, &registered); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan taxpayer")
		}
		tp.RegisteredAt = registered.UTC()
		ds.Taxpayers = append(ds.Taxpayers, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate taxpayers")
	}

	retRows, err := s.db.QueryContext(ctx,
		`SELECT taxpayer_id, period, gross_revenue, tax_liability, input_tax_claim
		 FROM returns ORDER BY taxpayer_id, period`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select returns")
	}
	defer retRows.Close()
	for retRows.Next() {
		var ret model.ReturnRecord
		var period time.Time
		if err := retRows.Scan(&ret.TaxpayerID, &period, &ret.GrossRevenue, &ret.TaxLiability, &ret.InputTaxClaim); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan return")
		}
		ret.Period = period.UTC()
		ds.Returns = append(ds.Returns, ret)
	}
	if err := retRows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate returns")
	}

	audRows, err := s.db.QueryContext(ctx,
		`SELECT taxpayer_id, period, started_at, finding, tax_recovery, COALESCE(reason_code, '')
		 FROM audits ORDER BY taxpayer_id, period`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select audits")
	}
	defer audRows.Close()
	for audRows.Next() {
		var a model.AuditRecord
		var period, started time.Time
		var finding string
		if err := audRows.Scan(&a.TaxpayerID, &period, &started, &finding, &a.TaxRecovery, &a.ReasonCode); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		a.Period = period.UTC()
		a.StartedAt = started.UTC()
		a.Finding = model.Finding(finding)
		ds.Audits = append(ds.Audits, a)
	}
	if err := audRows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate audits")
	}

	return &ds, nil
}
