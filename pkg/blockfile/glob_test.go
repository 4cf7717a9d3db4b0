package blockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/pparts/pkg/record"
)

func TestGlobSkipsHiddenAndTemp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "b"+Extension), record.FromRecords(record.Sentinel(3)), Options{}))
	require.NoError(t, Write(filepath.Join(dir, "a"+Extension), record.FromRecords(record.Sentinel(2)), Options{}))
	require.NoError(t, os.WriteFile(TempPath(filepath.Join(dir, "c"+Extension)), []byte("partial"), 0644))

	paths, err := Glob(DirPattern(dir, ""))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a"+Extension),
		filepath.Join(dir, "b"+Extension),
	}, paths)
}

func TestAggregateGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "one"+Extension),
		record.FromRecords(record.Sentinel(13), record.Sentinel(2), record.Record{P: 11, M: 1, N: 2, Q: 3}), Options{}))
	require.NoError(t, Write(filepath.Join(dir, "two"+Extension),
		record.FromRecords(record.Sentinel(13), record.Sentinel(17)), Options{Codec: CodecZstd}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad"+Extension), []byte("junk"), 0644))

	agg, err := AggregateGlob(DirPattern(dir, ""))
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Files)
	assert.Equal(t, 5, agg.Rows)
	assert.Equal(t, uint64(2), agg.MinP)
	assert.Equal(t, uint64(17), agg.MaxP)
	assert.Equal(t, 4, agg.UniquePrimes)
	assert.Equal(t, []string{filepath.Join(dir, "bad"+Extension)}, agg.Malformed)
}

func TestScanGlobStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "a"+Extension), record.FromRecords(record.Sentinel(2)), Options{}))
	require.NoError(t, Write(filepath.Join(dir, "b"+Extension), record.FromRecords(record.Sentinel(3)), Options{}))

	seen := 0
	stop := assert.AnError
	_, err := ScanGlob(DirPattern(dir, ""), func(path string, r *Reader) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}
