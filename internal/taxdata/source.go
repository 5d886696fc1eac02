// Package taxdata loads taxpayer registry, return, and audit records from the
// configured source and screens them for integrity before they reach the
// scoring pipeline.
package taxdata

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/model"
)

// Source loads a complete dataset from one backing location.
type Source interface {
	Load(ctx context.Context) (*model.Dataset, error)
	Close() error
}

// Open builds the Source named by cfg.Kind. The caller owns the returned
// Source and must Close it.
func Open(ctx context.Context, cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case "csv":
		return NewCSVSource(cfg.Path, cfg.Charset), nil
	case "xlsx":
		return NewXLSXSource(cfg.Path), nil
	case "ftp":
		return NewFTPSource(cfg.URL, cfg.Charset), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, nil)
	default:
		return nil, eris.Errorf("taxdata: unknown source kind %q", cfg.Kind)
	}
}

// decodeReader wraps r with a charset decoder. Agency exports are frequently
// windows-1252 or iso-8859-1; empty or utf-8 charsets pass through untouched.
func decodeReader(r io.Reader, charset string) (io.Reader, error) {
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "taxdata: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(r), nil
}
