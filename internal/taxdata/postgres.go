package taxdata

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the store depends on, narrow enough for
// pgxmock to stand in during tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore reads and writes datasets in a shared PostgreSQL database.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. The initial
// ping retries transient connection failures before giving up.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	pingCfg := resilience.DefaultRetryConfig()
	pingCfg.OnRetry = resilience.RetryLogger("postgres", "ping")
	if err := resilience.Do(ctx, pingCfg, pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS taxpayers (
	taxpayer_id   TEXT PRIMARY KEY,
	business_name TEXT NOT NULL,
	tin           TEXT NOT NULL,
	industry_code TEXT NOT NULL,
	industry_name TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS returns (
	taxpayer_id     TEXT NOT NULL REFERENCES taxpayers(taxpayer_id),
	period          TIMESTAMPTZ NOT NULL,
	gross_revenue   DOUBLE PRECISION NOT NULL,
	tax_liability   DOUBLE PRECISION NOT NULL,
	input_tax_claim DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (taxpayer_id, period)
);

CREATE TABLE IF NOT EXISTS audits (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	taxpayer_id  TEXT NOT NULL REFERENCES taxpayers(taxpayer_id),
	period       TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	finding      TEXT NOT NULL,
	tax_recovery DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason_code  TEXT
);

CREATE INDEX IF NOT EXISTS idx_returns_taxpayer ON returns(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_audits_taxpayer ON audits(taxpayer_id);
CREATE INDEX IF NOT EXISTS idx_taxpayers_industry ON taxpayers(industry_code);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// ImportDataset replaces the entire database contents with ds using COPY for
// bulk throughput. The whole import is one transaction.
func (s *PostgresStore) ImportDataset(ctx context.Context, ds *model.Dataset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin import")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `TRUNCATE audits, returns, taxpayers`); err != nil {
		return eris.Wrap(err, "postgres: truncate")
	}

	tpRows := make([][]any, 0, len(ds.Taxpayers))
	for _, tp := range ds.Taxpayers {
		tpRows = append(tpRows, []any{
			tp.ID, tp.BusinessName, tp.TIN, tp.IndustryCode, tp.IndustryName, tp.RegisteredAt.UTC(),
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"taxpayers"},
		[]string{"taxpayer_id", "business_name", "tin", "industry_code", "industry_name", "registered_at"},
		pgx.CopyFromRows(tpRows)); err != nil {
		return eris.Wrap(err, "postgres: copy taxpayers")
	}

	retRows := make([][]any, 0, len(ds.Returns))
	for _, ret := range ds.Returns {
		retRows = append(retRows, []any{
			ret.TaxpayerID, ret.Period.UTC(), ret.GrossRevenue, ret.TaxLiability, ret.InputTaxClaim,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"returns"},
		[]string{"taxpayer_id", "period", "gross_revenue", "tax_liability", "input_tax_claim"},
		pgx.CopyFromRows(retRows)); err != nil {
		return eris.Wrap(err, "postgres: copy returns")
	}

	audRows := make([][]any, 0, len(ds.Audits))
	for _, a := range ds.Audits {
		audRows = append(audRows, []any{
			uuid.New().String(), a.TaxpayerID, a.Period.UTC(), a.StartedAt.UTC(),
			string(a.Finding), a.TaxRecovery, a.ReasonCode,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"audits"},
		[]string{"id", "taxpayer_id", "period", "started_at", "finding", "tax_recovery", "reason_code"},
		pgx.CopyFromRows(audRows)); err != nil {
		return eris.Wrap(err, "postgres: copy audits")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit import")
}

func (s *PostgresStore) Load(ctx context.Context) (*model.Dataset, error) {
	var ds model.Dataset

	rows, err := s.pool.Query(ctx,
		`SELECT taxpayer_id, business_name, tin, industry_code, industry_name, registered_at
		 FROM taxpayers ORDER BY taxpayer_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select taxpayers")
	}
	defer rows.Close()
	for rows.Next() {
		var tp model.TaxpayerRecord
		if err := rows.Scan(&tp.ID, &tp.BusinessName, &tp.TIN, &tp.IndustryCode, &tp.IndustryName, &tp.RegisteredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan taxpayer")
		}
		tp.RegisteredAt = tp.RegisteredAt.UTC()
		ds.Taxpayers = append(ds.Taxpayers, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate taxpayers")
	}

	retRows, err := s.pool.Query(ctx,
		`SELECT taxpayer_id, period, gross_revenue, tax_liability, input_tax_claim
		 FROM returns ORDER BY taxpayer_id, period`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select returns")
	}
	defer retRows.Close()
	for retRows.Next() {
		var ret model.ReturnRecord
		if err := retRows.Scan(&ret.TaxpayerID, &ret.Period, &ret.GrossRevenue, &ret.TaxLiability, &ret.InputTaxClaim); err != nil {
			return nil, eris.Wrap(err, "postgres: scan return")
		}
		ret.Period = ret.Period.UTC()
		ds.Returns = append(ds.Returns, ret)
	}
	if err := retRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate returns")
	}

	audRows, err := s.pool.Query(ctx,
		`SELECT taxpayer_id, period, started_at, finding, tax_recovery, COALESCE(reason_code, '')
		 FROM audits ORDER BY taxpayer_id, period`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select audits")
	}
	defer audRows.Close()
	for audRows.Next() {
		var a model.AuditRecord
		var finding string
		if err := audRows.Scan(&a.TaxpayerID, &a.Period, &a.StartedAt, &finding, &a.TaxRecovery, &a.ReasonCode); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		a.Period = a.Period.UTC()
		a.StartedAt = a.StartedAt.UTC()
		a.Finding = model.Finding(finding)
		ds.Audits = append(ds.Audits, a)
	}
	if err := audRows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate audits")
	}

	return &ds, nil
}
