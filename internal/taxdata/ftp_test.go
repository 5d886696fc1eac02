package taxdata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfisc/taxrisk/internal/config"
)

func TestParseFTPURL(t *testing.T) {
	host, dir, err := parseFTPURL("ftp://dropzone.revenue.gov/exports/monthly/")
	require.NoError(t, err)
	assert.Equal(t, "dropzone.revenue.gov:21", host, "default port is filled in")
	assert.Equal(t, "/exports/monthly", dir, "trailing slash is trimmed")
}

func TestParseFTPURL_ExplicitPort(t *testing.T) {
	host, dir, err := parseFTPURL("ftp://dropzone.revenue.gov:2121/exports")
	require.NoError(t, err)
	assert.Equal(t, "dropzone.revenue.gov:2121", host)
	assert.Equal(t, "/exports", dir)
}

func TestParseFTPURL_WrongScheme(t *testing.T) {
	_, _, err := parseFTPURL("https://dropzone.revenue.gov/exports")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected ftp scheme")
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(context.Background(), config.SourceConfig{Kind: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source kind")
}

func TestOpen_CSVKind(t *testing.T) {
	src, err := Open(context.Background(), config.SourceConfig{Kind: "csv", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &CSVSource{}, src)
	assert.NoError(t, src.Close())
}
