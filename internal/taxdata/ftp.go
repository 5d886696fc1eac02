package taxdata

import (
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/resilience"
)

// FTPSource pulls the three record files from an agency drop directory over
// FTP. The configured URL names the directory; file names follow the CSV
// source convention. Transient connection failures are retried per file.
type FTPSource struct {
	url     string
	charset string
	timeout time.Duration
	retry   resilience.RetryConfig
}

func NewFTPSource(rawURL, charset string) *FTPSource {
	return &FTPSource{
		url:     rawURL,
		charset: charset,
		timeout: 30 * time.Second,
		retry:   resilience.DefaultRetryConfig(),
	}
}

func (s *FTPSource) Load(ctx context.Context) (*model.Dataset, error) {
	var ds model.Dataset

	err := s.withFile(ctx, taxpayersFile, func(r io.Reader) error {
		var err error
		ds.Taxpayers, err = parseTaxpayers(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.withFile(ctx, returnsFile, func(r io.Reader) error {
		var err error
		ds.Returns, err = parseReturns(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.withFile(ctx, auditsFile, func(r io.Reader) error {
		var err error
		ds.Audits, err = parseAudits(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &ds, nil
}

func (s *FTPSource) Close() error { return nil }

func (s *FTPSource) withFile(ctx context.Context, name string, fn func(io.Reader) error) error {
	rc, err := s.download(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	r, err := decodeReader(rc, s.charset)
	if err != nil {
		return err
	}
	return fn(r)
}

// parseFTPURL extracts host (with port) and directory path from an FTP URL.
func parseFTPURL(rawURL string) (host string, dir string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "taxdata: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("taxdata: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	return host, strings.TrimSuffix(u.Path, "/"), nil
}

// ftpConnReader wraps an FTP response and connection so that closing the
// reader also closes the response and disconnects from the server.
type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) {
	return r.resp.Read(p)
}

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "taxdata: close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "taxdata: quit ftp connection")
	}
	return nil
}

// download opens a fresh connection per file, retrying transient dial and
// server failures. The caller must close the returned ReadCloser to release
// the connection.
func (s *FTPSource) download(ctx context.Context, name string) (io.ReadCloser, error) {
	host, dir, err := parseFTPURL(s.url)
	if err != nil {
		return nil, err
	}
	path := dir + "/" + name

	zap.L().Debug("taxdata: ftp fetch", zap.String("host", host), zap.String("path", path))

	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("ftp", name)

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (io.ReadCloser, error) {
		conn, err := ftp.Dial(host, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return nil, eris.Wrap(err, "taxdata: ftp dial")
		}

		if err := conn.Login("anonymous", "anonymous@"); err != nil {
			conn.Quit() //nolint:errcheck
			return nil, eris.Wrap(err, "taxdata: ftp login")
		}

		resp, err := conn.Retr(path)
		if err != nil {
			conn.Quit() //nolint:errcheck
			return nil, eris.Wrapf(err, "taxdata: ftp retrieve %s", path)
		}

		return &ftpConnReader{resp: resp, conn: conn}, nil
	})
}
