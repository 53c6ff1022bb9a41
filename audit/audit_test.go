package audit

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftcan/ftcan/log2"
)

func TestCSVSinkWritesRows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.csv")
	s, err := NewCSVSink(log2.NewTest(t, log2.LDebug), path)
	require.NoError(t, err)

	at := time.Date(2023, 4, 5, 6, 7, 8, 900000000, time.UTC)
	s.Record(at, 0x100, "adc_ch1", 2457)
	s.Record(at, 0x100, "adc_ch2", 20)
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"timestamp", "rtr_id", "variable", "value"}, rows[0])
	assert.Equal(t, []string{at.Format(time.RFC3339Nano), "0x100", "adc_ch1", "2457"}, rows[1])
	assert.Equal(t, []string{at.Format(time.RFC3339Nano), "0x100", "adc_ch2", "20"}, rows[2])
}

func TestCSVSinkAppendsWithoutSecondHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.csv")
	log := log2.NewTest(t, log2.LDebug)

	s, err := NewCSVSink(log, path)
	require.NoError(t, err)
	s.Record(time.Now(), 1, "a", 1)
	require.NoError(t, s.Close())

	s, err = NewCSVSink(log, path)
	require.NoError(t, err)
	s.Record(time.Now(), 2, "b", 2)
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "timestamp", rows[0][0])
	assert.Equal(t, "0x1", rows[1][1])
	assert.Equal(t, "0x2", rows[2][1])
}
