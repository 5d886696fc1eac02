package taxdata

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/model"
)

const dateLayout = "2006-01-02"

// File names expected inside a CSV source directory.
const (
	taxpayersFile = "taxpayers.csv"
	returnsFile   = "returns.csv"
	auditsFile    = "audits.csv"
)

// CSVSource reads the three record files from a local directory.
type CSVSource struct {
	dir     string
	charset string
}

// NewCSVSource creates a CSVSource rooted at dir. charset names the file
// encoding; empty means utf-8.
func NewCSVSource(dir, charset string) *CSVSource {
	return &CSVSource{dir: dir, charset: charset}
}

func (s *CSVSource) Load(ctx context.Context) (*model.Dataset, error) {
	var ds model.Dataset

	err := s.withFile(taxpayersFile, func(r io.Reader) error {
		var err error
		ds.Taxpayers, err = parseTaxpayers(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.withFile(returnsFile, func(r io.Reader) error {
		var err error
		ds.Returns, err = parseReturns(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.withFile(auditsFile, func(r io.Reader) error {
		var err error
		ds.Audits, err = parseAudits(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &ds, nil
}

func (s *CSVSource) Close() error { return nil }

func (s *CSVSource) withFile(name string, fn func(io.Reader) error) error {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return eris.Wrapf(err, "taxdata: open %s", name)
	}
	defer f.Close()

	r, err := decodeReader(f, s.charset)
	if err != nil {
		return err
	}
	return fn(r)
}

// streamRows reads CSV records and sends them to a channel, header row
// included. The caller must drain the row channel; both channels are closed
// when parsing completes.
func streamRows(ctx context.Context, r io.Reader) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// headerIndex maps lowercased column names to their positions and verifies
// that every required column is present.
func headerIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return nil, eris.Errorf("taxdata: missing column %q", name)
		}
	}
	return idx, nil
}

func field(row []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseTaxpayers(ctx context.Context, r io.Reader) ([]model.TaxpayerRecord, error) {
	rowCh, errCh := streamRows(ctx, r)

	var (
		idx       map[string]int
		records   []model.TaxpayerRecord
		malformed int
	)
	for row := range rowCh {
		if idx == nil {
			var err error
			idx, err = headerIndex(row,
				"taxpayer_id", "business_name", "tin",
				"industry_code", "industry_name", "registered_at")
			if err != nil {
				return nil, err
			}
			continue
		}

		registered, err := time.Parse(dateLayout, field(row, idx, "registered_at"))
		if err != nil {
			malformed++
			zap.L().Warn("taxdata: malformed taxpayer row excluded",
				zap.String("taxpayer_id", field(row, idx, "taxpayer_id")),
				zap.Error(err))
			continue
		}

		records = append(records, model.TaxpayerRecord{
			ID:           field(row, idx, "taxpayer_id"),
			BusinessName: field(row, idx, "business_name"),
			TIN:          field(row, idx, "tin"),
			IndustryCode: field(row, idx, "industry_code"),
			IndustryName: field(row, idx, "industry_name"),
			RegisteredAt: registered,
		})
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "taxdata: parse taxpayers")
	}
	if malformed > 0 {
		zap.L().Warn("taxdata: taxpayer rows excluded", zap.Int("count", malformed))
	}
	return records, nil
}

func parseReturns(ctx context.Context, r io.Reader) ([]model.ReturnRecord, error) {
	rowCh, errCh := streamRows(ctx, r)

	var (
		idx       map[string]int
		records   []model.ReturnRecord
		malformed int
	)
	for row := range rowCh {
		if idx == nil {
			var err error
			idx, err = headerIndex(row,
				"taxpayer_id", "period", "gross_revenue",
				"tax_liability", "input_tax_claim")
			if err != nil {
				return nil, err
			}
			continue
		}

		rec, err := parseReturnRow(row, idx)
		if err != nil {
			malformed++
			zap.L().Warn("taxdata: malformed return row excluded",
				zap.String("taxpayer_id", field(row, idx, "taxpayer_id")),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "taxdata: parse returns")
	}
	if malformed > 0 {
		zap.L().Warn("taxdata: return rows excluded", zap.Int("count", malformed))
	}
	return records, nil
}

func parseReturnRow(row []string, idx map[string]int) (model.ReturnRecord, error) {
	period, err := time.Parse(dateLayout, field(row, idx, "period"))
	if err != nil {
		return model.ReturnRecord{}, eris.Wrap(err, "parse period")
	}
	revenue, err := strconv.ParseFloat(field(row, idx, "gross_revenue"), 64)
	if err != nil {
		return model.ReturnRecord{}, eris.Wrap(err, "parse gross_revenue")
	}
	liability, err := strconv.ParseFloat(field(row, idx, "tax_liability"), 64)
	if err != nil {
		return model.ReturnRecord{}, eris.Wrap(err, "parse tax_liability")
	}
	claim, err := strconv.ParseFloat(field(row, idx, "input_tax_claim"), 64)
	if err != nil {
		return model.ReturnRecord{}, eris.Wrap(err, "parse input_tax_claim")
	}
	return model.ReturnRecord{
		TaxpayerID:    field(row, idx, "taxpayer_id"),
		Period:        period,
		GrossRevenue:  revenue,
		TaxLiability:  liability,
		InputTaxClaim: claim,
	}, nil
}

func parseAudits(ctx context.Context, r io.Reader) ([]model.AuditRecord, error) {
	rowCh, errCh := streamRows(ctx, r)

	var (
		idx       map[string]int
		records   []model.AuditRecord
		malformed int
	)
	for row := range rowCh {
		if idx == nil {
			var err error
			idx, err = headerIndex(row,
				"taxpayer_id", "period", "started_at", "finding", "tax_recovery")
			if err != nil {
				return nil, err
			}
			continue
		}

		rec, err := parseAuditRow(row, idx)
		if err != nil {
			malformed++
			zap.L().Warn("taxdata: malformed audit row excluded",
				zap.String("taxpayer_id", field(row, idx, "taxpayer_id")),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "taxdata: parse audits")
	}
	if malformed > 0 {
		zap.L().Warn("taxdata: audit rows excluded", zap.Int("count", malformed))
	}
	return records, nil
}

func parseAuditRow(row []string, idx map[string]int) (model.AuditRecord, error) {
	period, err := time.Parse(dateLayout, field(row, idx, "period"))
	if err != nil {
		return model.AuditRecord{}, eris.Wrap(err, "parse period")
	}
	started, err := time.Parse(dateLayout, field(row, idx, "started_at"))
	if err != nil {
		return model.AuditRecord{}, eris.Wrap(err, "parse started_at")
	}
	recovery, err := strconv.ParseFloat(field(row, idx, "tax_recovery"), 64)
	if err != nil {
		return model.AuditRecord{}, eris.Wrap(err, "parse tax_recovery")
	}
	return model.AuditRecord{
		TaxpayerID:  field(row, idx, "taxpayer_id"),
		Period:      period,
		StartedAt:   started,
		Finding:     model.Finding(field(row, idx, "finding")),
		TaxRecovery: recovery,
		ReasonCode:  field(row, idx, "reason_code"),
	}, nil
}
