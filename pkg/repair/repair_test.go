package repair

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/record"
	"github.com/KevoDB/pparts/pkg/runs"
)

var (
	lowPrimes  = []uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59, 61, 67, 71, 73, 79, 83, 89, 97}
	highPrimes = []uint64{101, 103, 107, 109, 113, 127, 131, 137, 139, 149, 151, 157, 163, 167, 173, 179, 181, 191, 193, 197, 199}
)

func setup(t *testing.T) (*config.Config, *Repairer) {
	t.Helper()
	cfg := config.NewDefaultConfig(t.TempDir())
	require.NoError(t, cfg.EnsureDirs())
	r, err := New(cfg, log.Discard())
	require.NoError(t, err)
	return cfg, r
}

func sentinelTable(primes []uint64) *record.Table {
	tbl := record.NewTable(len(primes))
	for _, p := range primes {
		tbl.Append(record.Sentinel(p))
	}
	return tbl
}

func writeBlock(t *testing.T, cfg *config.Config, seq int, primes []uint64) string {
	t.Helper()
	path := filepath.Join(cfg.BlocksDir, catalog.FormatName(seq, primes[len(primes)-1]))
	require.NoError(t, blockfile.Write(path, sentinelTable(primes), blockfile.Options{Codec: blockfile.CodecZstd, Sorted: true}))
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func visibleBlocks(t *testing.T, cfg *config.Config) []string {
	t.Helper()
	paths, err := blockfile.Glob(catalog.Pattern(cfg.BlocksDir))
	require.NoError(t, err)
	return paths
}

func TestTruncateFromPrimeDryRun(t *testing.T) {
	cfg, r := setup(t)
	first := writeBlock(t, cfg, 1, lowPrimes)
	second := writeBlock(t, cfg, 2, highPrimes)

	plan, err := r.Truncate(FromPrime(150), Options{})
	require.NoError(t, err)
	assert.False(t, plan.Executed)
	assert.Equal(t, []string{second}, plan.DeletePaths())
	require.Len(t, plan.Keep, 1)
	assert.Equal(t, first, plan.Keep[0].Path)

	assert.True(t, exists(first))
	assert.True(t, exists(second))
	entries, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a dry run writes no backup")
}

func TestTruncateFromPrimeConfirmed(t *testing.T) {
	cfg, r := setup(t)
	first := writeBlock(t, cfg, 1, lowPrimes)
	second := writeBlock(t, cfg, 2, highPrimes)

	plan, err := r.Truncate(FromPrime(150), Options{Confirm: true})
	require.NoError(t, err)
	assert.True(t, plan.Executed)
	assert.Equal(t, []string{second}, plan.DeletePaths())

	assert.True(t, exists(first))
	assert.False(t, exists(second))
	assert.True(t, exists(filepath.Join(plan.BackupDir, filepath.Base(second))), "deleted block is backed up")

	cat, err := catalog.Scan(cfg.BlocksDir, log.Discard())
	require.NoError(t, err)
	maxPrime, ok := cat.MaxPrime()
	require.True(t, ok)
	assert.Equal(t, uint64(97), maxPrime)
	assert.Equal(t, 25, cat.TotalUniquePrimes())
}

func TestTruncateFromSequence(t *testing.T) {
	cfg, r := setup(t)
	// Sequence numbers disagree with content order on purpose.
	a := writeBlock(t, cfg, 3, []uint64{2, 3, 5})
	b := writeBlock(t, cfg, 1, []uint64{7, 11})
	c := writeBlock(t, cfg, 2, []uint64{13, 17})

	plan, err := r.Truncate(FromSequence(1), Options{Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, []string{b, c}, plan.DeletePaths())
	assert.Equal(t, []string{a}, visibleBlocks(t, cfg))

	_, err = r.Truncate(FromSequence(42), Options{})
	assert.ErrorIs(t, err, ErrBoundaryNotFound)
}

func TestTruncateNothingToDelete(t *testing.T) {
	cfg, r := setup(t)
	writeBlock(t, cfg, 1, lowPrimes)

	plan, err := r.Truncate(FromPrime(1000), Options{Confirm: true})
	require.NoError(t, err)
	assert.Empty(t, plan.Delete)
	assert.Empty(t, plan.BackupDir)
}

func TestRebuildDryRun(t *testing.T) {
	cfg, r := setup(t)
	first := writeBlock(t, cfg, 4, []uint64{2, 3, 5, 7})
	overlapping := writeBlock(t, cfg, 9, []uint64{5, 7, 11})
	run, err := runs.Write(cfg.RunsDir, sentinelTable([]uint64{13, 17}), blockfile.CodecZstd)
	require.NoError(t, err)

	plan, err := r.Rebuild(Options{Target: 3})
	require.NoError(t, err)
	assert.False(t, plan.Executed)
	assert.ElementsMatch(t, []string{first, overlapping, run}, plan.DeletePaths())
	assert.Equal(t, 9, plan.Rows)
	assert.Equal(t, 2, plan.Duplicates)
	assert.Equal(t, 7, plan.Primes)
	assert.Equal(t, 3, plan.NewBlocks)

	assert.ElementsMatch(t, []string{first, overlapping}, visibleBlocks(t, cfg))
	assert.True(t, exists(run))
}

func TestRebuildConfirmed(t *testing.T) {
	cfg, r := setup(t)
	writeBlock(t, cfg, 4, []uint64{2, 3, 5, 7})
	writeBlock(t, cfg, 9, []uint64{5, 7, 11})
	run, err := runs.Write(cfg.RunsDir, sentinelTable([]uint64{13, 17}), blockfile.CodecZstd)
	require.NoError(t, err)

	plan, err := r.Rebuild(Options{Confirm: true, Target: 3})
	require.NoError(t, err)
	assert.True(t, plan.Executed)

	assert.Equal(t, []string{
		filepath.Join(cfg.BlocksDir, "pp_b001_p5.ppc"),
		filepath.Join(cfg.BlocksDir, "pp_b002_p13.ppc"),
		filepath.Join(cfg.BlocksDir, "pp_b003_p17.ppc"),
	}, visibleBlocks(t, cfg))
	assert.Equal(t, visibleBlocks(t, cfg), plan.Written)
	assert.False(t, exists(run))

	backups, err := os.ReadDir(plan.BackupDir)
	require.NoError(t, err)
	assert.Len(t, backups, 3)

	entries, err := os.ReadDir(cfg.BlocksDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "staging directory is gone")
}

func TestRebuildReconfiguresBlockSize(t *testing.T) {
	cfg, r := setup(t)
	writeBlock(t, cfg, 1, lowPrimes)
	writeBlock(t, cfg, 2, highPrimes)

	_, err := r.Rebuild(Options{Confirm: true, Target: 10})
	require.NoError(t, err)

	cat, err := catalog.Scan(cfg.BlocksDir, log.Discard())
	require.NoError(t, err)
	require.Equal(t, 5, cat.Len())
	for _, b := range cat.Blocks()[:4] {
		assert.Equal(t, 10, b.UniquePrimes)
	}
	assert.Equal(t, 6, cat.Blocks()[4].UniquePrimes)
}

func TestRebuildAbortsOnCollision(t *testing.T) {
	cfg, r := setup(t)
	block := writeBlock(t, cfg, 1, []uint64{2, 3, 13})
	_, err := runs.Write(cfg.RunsDir, record.FromRecords(record.Record{P: 13, M: 2, N: 2, Q: 3}), blockfile.CodecNone)
	require.NoError(t, err)

	_, err = r.Rebuild(Options{Confirm: true})
	assert.ErrorIs(t, err, record.ErrKeyCollision)
	assert.True(t, exists(block))

	entries, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRebuildRefusesMalformed(t *testing.T) {
	cfg, r := setup(t)
	writeBlock(t, cfg, 1, []uint64{2, 3})
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BlocksDir, catalog.FormatName(2, 5)), []byte("bad"), 0644))

	_, err := r.Rebuild(Options{Confirm: true})
	assert.ErrorIs(t, err, ErrMalformedPresent)
}

func TestRecoverCompletedStaging(t *testing.T) {
	cfg, r := setup(t)
	old := writeBlock(t, cfg, 7, []uint64{2, 3})

	// A rebuild staged its block and manifest, then died before the swap.
	staging := filepath.Join(cfg.BlocksDir, stagingPrefix+"test")
	require.NoError(t, os.MkdirAll(staging, 0755))
	name := catalog.FormatName(1, 5)
	require.NoError(t, blockfile.Write(filepath.Join(staging, name), sentinelTable([]uint64{2, 3, 5}), blockfile.Options{Sorted: true}))
	require.NoError(t, writeManifest(staging, []string{name}))

	_, err := r.Rebuild(Options{})
	assert.ErrorIs(t, err, ErrRebuildPending)

	actions, err := r.Recover()
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	assert.False(t, exists(old))
	assert.False(t, exists(staging))
	assert.Equal(t, []string{filepath.Join(cfg.BlocksDir, name)}, visibleBlocks(t, cfg))
}

func TestRecoverDiscardsIncompleteStaging(t *testing.T) {
	cfg, r := setup(t)
	old := writeBlock(t, cfg, 1, []uint64{2, 3})

	staging := filepath.Join(cfg.BlocksDir, stagingPrefix+"test")
	require.NoError(t, os.MkdirAll(staging, 0755))
	require.NoError(t, blockfile.Write(filepath.Join(staging, catalog.FormatName(1, 5)), sentinelTable([]uint64{2, 3, 5}), blockfile.Options{Sorted: true}))

	actions, err := r.Recover()
	require.NoError(t, err)
	assert.Len(t, actions, 1)
	assert.True(t, exists(old))
	assert.False(t, exists(staging))
}
