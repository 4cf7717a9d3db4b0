package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/compaction"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/record"
	"github.com/KevoDB/pparts/pkg/repair"
	"github.com/KevoDB/pparts/pkg/resume"
	"github.com/KevoDB/pparts/pkg/runs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.TargetPrimesPerBlock = 10
	cfg.BatchSize = 7
	cfg.Workers = 2
	cfg.OracleMaxPrimes = 1 << 16
	return cfg
}

func openStore(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	s, err := Open(cfg, log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenTakesExclusiveLock(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)

	_, err := Open(cfg, log.Discard())
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	again, err := Open(cfg, log.Discard())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 0
	_, err := Open(cfg, log.Discard())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestOpenRemovesPartialFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.EnsureDirs())

	orphan := blockfile.TempPath(filepath.Join(cfg.BlocksDir, "pp_b001_p5.ppc"))
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0644))
	runOrphan := blockfile.TempPath(filepath.Join(cfg.RunsDir, runs.NewName()))
	require.NoError(t, os.WriteFile(runOrphan, []byte("partial"), 0644))

	s := openStore(t, cfg)

	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, runOrphan)
	recovery := s.Stats().GetStats()["recovery"].(map[string]interface{})
	assert.Equal(t, uint64(2), recovery["orphans_removed"])
}

func TestComputeAuditResume(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	res, err := s.Compute(ctx, 25, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Batches)
	require.NotNil(t, res.Compaction)
	assert.Equal(t, compaction.WorkDone, res.Compaction.Outcome)

	pos, err := s.Resume(true)
	require.NoError(t, err)
	// The 26th prime.
	assert.Equal(t, uint64(101), pos.Prime)
	assert.Equal(t, uint64(25), pos.Index)

	batch, err := s.NextBatch(3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{101, 103, 107}, batch)

	prefix, err := s.Prefix()
	require.NoError(t, err)
	assert.True(t, prefix.OK())

	div, err := s.Divergence()
	require.NoError(t, err)
	assert.False(t, div.Found)

	var stages []string
	integrity, err := s.Integrity(func(stage string, done, total int) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)
	assert.True(t, integrity.OK())
	assert.NotEmpty(t, stages)

	cat, summary, err := s.Catalog(true)
	require.NoError(t, err)
	assert.Equal(t, 3, cat.Len())
	assert.Equal(t, 25, summary.UniquePrimes)

	stats := s.Stats().GetStats()
	assert.Equal(t, uint64(1), stats["compute_ops"])
	assert.Equal(t, uint64(25), stats["primes_computed"])
	assert.Equal(t, uint64(3), stats["blocks_written"])
}

func TestIngestAndTruncate(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)

	tbl := record.NewTable(0)
	for _, p := range []uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37} {
		tbl.Append(record.Sentinel(p))
	}
	_, err := runs.Write(cfg.RunsDir, tbl, blockfile.CodecZstd)
	require.NoError(t, err)

	pending, err := s.PendingRuns()
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Runs)

	res, err := s.Ingest()
	require.NoError(t, err)
	assert.Equal(t, 12, res.NewPrimes)
	assert.Len(t, res.BlocksWritten, 2)

	plan, err := s.Truncate(repair.FromPrime(31), repair.Options{})
	require.NoError(t, err)
	assert.False(t, plan.Executed)
	require.Len(t, plan.Delete, 1)

	plan, err = s.Truncate(repair.FromPrime(31), repair.Options{Confirm: true})
	require.NoError(t, err)
	assert.True(t, plan.Executed)

	pos, err := s.Resume(false)
	require.NoError(t, err)
	assert.Equal(t, uint64(31), pos.Prime)
	assert.Equal(t, uint64(10), pos.Index)
}

func TestResumeGuardRefusesGap(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)

	_, err := runs.Write(cfg.RunsDir, record.FromRecords(record.Sentinel(2), record.Sentinel(5)), blockfile.CodecNone)
	require.NoError(t, err)
	_, err = s.Ingest()
	require.NoError(t, err)

	_, err = s.Resume(true)
	require.ErrorIs(t, err, resume.ErrUnsafeResume)

	_, err = s.Compute(context.Background(), 5, nil)
	require.ErrorIs(t, err, resume.ErrUnsafeResume)

	errs := s.Stats().GetStats()["errors"].(map[string]uint64)
	assert.Equal(t, uint64(2), errs["unsafe_resume"])
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, testConfig(t))
	require.NoError(t, s.Close())

	_, err := s.Ingest()
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Prefix()
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Compute(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
}
