package audit

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/oracle"
	"github.com/KevoDB/pparts/pkg/record"
)

func primesBetween(lo, hi uint64) []uint64 {
	var out []uint64
	for n := lo; n <= hi; n++ {
		if n < 2 {
			continue
		}
		prime := true
		for d := uint64(2); d*d <= n; d++ {
			if n%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			out = append(out, n)
		}
	}
	return out
}

func without(primes []uint64, drop uint64) []uint64 {
	var out []uint64
	for _, p := range primes {
		if p != drop {
			out = append(out, p)
		}
	}
	return out
}

func setup(t *testing.T) (*config.Config, *Auditor) {
	t.Helper()
	cfg := config.NewDefaultConfig(t.TempDir())
	require.NoError(t, cfg.EnsureDirs())
	return cfg, New(cfg, oracle.NewSieve(1<<20), log.Discard())
}

func writeSentinelBlock(t *testing.T, cfg *config.Config, seq int, primes []uint64) string {
	t.Helper()
	tbl := record.NewTable(len(primes))
	for _, p := range primes {
		tbl.Append(record.Sentinel(p))
	}
	return writeRaw(t, cfg, seq, tbl, true)
}

func writeRaw(t *testing.T, cfg *config.Config, seq int, tbl *record.Table, sorted bool) string {
	t.Helper()
	path := filepath.Join(cfg.BlocksDir, catalog.FormatName(seq, tbl.P[tbl.Len()-1]))
	require.NoError(t, blockfile.Write(path, tbl, blockfile.Options{Codec: blockfile.CodecZstd, Sorted: sorted}))
	return path
}

func TestPrefixCheckPasses(t *testing.T) {
	cfg, a := setup(t)
	writeSentinelBlock(t, cfg, 1, primesBetween(2, 97))
	writeSentinelBlock(t, cfg, 2, primesBetween(101, 199))

	report, err := a.PrefixCheck()
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Findings)
	assert.NoError(t, report.Err())
	assert.Equal(t, uint64(46), report.UniquePrimes)
	assert.Equal(t, uint64(199), report.MaxPrime)

	d, err := a.FirstDivergence()
	require.NoError(t, err)
	assert.False(t, d.Found)
	assert.Equal(t, uint64(46), d.Total)
	assert.LessOrEqual(t, d.Lookups, 7)
}

func TestPrefixCheckReportsGapBetweenBlocks(t *testing.T) {
	cfg, a := setup(t)
	first := writeSentinelBlock(t, cfg, 1, primesBetween(2, 97))
	second := writeSentinelBlock(t, cfg, 2, without(primesBetween(101, 199), 101))

	report, err := a.PrefixCheck()
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, 1, report.Count(Gap))

	var gap PrefixFinding
	for _, f := range report.Findings {
		if f.Kind == Gap {
			gap = f
		}
	}
	assert.Equal(t, first, gap.Previous)
	assert.Equal(t, second, gap.Block)
	assert.Equal(t, uint64(101), gap.Expected)
	assert.Equal(t, uint64(103), gap.Actual)
	assert.Contains(t, gap.String(), filepath.Base(first))
	assert.Contains(t, gap.String(), filepath.Base(second))

	err = report.Err()
	assert.True(t, errors.Is(err, ErrPrefixGap))

	d, err := a.FirstDivergence()
	require.NoError(t, err)
	require.True(t, d.Found)
	assert.Equal(t, uint64(25), d.Index)
	assert.Equal(t, uint64(101), d.Expected)
	assert.Equal(t, uint64(103), d.Actual)
	assert.Equal(t, second, d.Block)
}

func TestPrefixCheckReportsMissingStart(t *testing.T) {
	cfg, a := setup(t)
	writeSentinelBlock(t, cfg, 1, primesBetween(3, 13))

	report, err := a.PrefixCheck()
	require.NoError(t, err)
	require.NotEmpty(t, report.Findings)
	f := report.Findings[0]
	assert.Equal(t, Gap, f.Kind)
	assert.Empty(t, f.Previous)
	assert.Equal(t, uint64(2), f.Expected)
	assert.Equal(t, uint64(3), f.Actual)

	d, err := a.FirstDivergence()
	require.NoError(t, err)
	require.True(t, d.Found)
	assert.Equal(t, uint64(0), d.Index)
}

func TestPrefixCheckReportsOverlap(t *testing.T) {
	cfg, a := setup(t)
	writeSentinelBlock(t, cfg, 1, primesBetween(2, 97))
	writeSentinelBlock(t, cfg, 2, primesBetween(89, 199))

	report, err := a.PrefixCheck()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(Overlap))
	assert.True(t, errors.Is(report.Err(), ErrPrefixOverlap))
}

func TestPrefixCheckReportsMissingInterior(t *testing.T) {
	cfg, a := setup(t)
	writeSentinelBlock(t, cfg, 1, without(primesBetween(2, 97), 53))
	writeSentinelBlock(t, cfg, 2, primesBetween(101, 199))

	report, err := a.PrefixCheck()
	require.NoError(t, err)
	assert.Zero(t, report.Count(Gap), "boundaries are intact")
	assert.Equal(t, 2, report.Count(CountMismatch))

	d, err := a.FirstDivergence()
	require.NoError(t, err)
	require.True(t, d.Found)
	assert.Equal(t, uint64(15), d.Index, "53 is the 16th prime")
	assert.Equal(t, uint64(53), d.Expected)
	assert.Equal(t, uint64(59), d.Actual)
}

func TestPrefixCheckEmpty(t *testing.T) {
	_, a := setup(t)
	report, err := a.PrefixCheck()
	require.NoError(t, err)
	assert.True(t, report.OK())

	d, err := a.FirstDivergence()
	require.NoError(t, err)
	assert.False(t, d.Found)
	assert.Zero(t, d.Lookups)
}

func TestIntegrityClean(t *testing.T) {
	cfg, a := setup(t)
	writeSentinelBlock(t, cfg, 1, primesBetween(2, 97))
	writeRaw(t, cfg, 2, record.FromRecords(
		record.Record{P: 101, M: 2, N: 1, Q: 97},
		record.Record{P: 103, M: 1, N: 1, Q: 101},
		record.Record{P: 107, M: 2, N: 1, Q: 103},
	), true)

	var calls int
	a.SetProgress(func(stage string, done, total int) {
		calls++
		assert.Equal(t, "integrity", stage)
		assert.Equal(t, 2, total)
	})

	report, err := a.Integrity()
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.False(t, report.Fatal())
	assert.Equal(t, 2, report.Blocks)
	assert.Equal(t, 28, report.Rows)
	assert.Equal(t, 2, calls)
}

func TestIntegrityFindings(t *testing.T) {
	cfg, a := setup(t)
	r13 := record.Record{P: 13, M: 2, N: 2, Q: 3}

	// Duplicated row, an invalid identity and a sentinel beside a real record.
	dup := writeRaw(t, cfg, 1, record.FromRecords(
		record.Sentinel(2), record.Sentinel(2), record.Sentinel(3),
		record.Record{P: 5, M: 1, N: 2, Q: 3},
		record.Sentinel(13), r13,
	), false)
	// Shares 13 with the first block.
	overlap := writeSentinelBlock(t, cfg, 2, []uint64{13, 17})

	report, err := a.Integrity()
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.True(t, report.Fatal())

	require.Len(t, report.Duplicates, 1)
	assert.Equal(t, dup, report.Duplicates[0].Block)
	assert.Equal(t, 1, report.Duplicates[0].Extra())

	require.Len(t, report.Invalid, 1)
	assert.Equal(t, 1, report.Invalid[0].Count)
	assert.Equal(t, uint64(5), report.Invalid[0].First.P)

	require.Len(t, report.Collisions, 1)
	assert.Equal(t, record.SentinelMixed, report.Collisions[0].Collisions[0].Kind)

	require.Len(t, report.Overlaps, 1)
	assert.Equal(t, dup, report.Overlaps[0].Left)
	assert.Equal(t, overlap, report.Overlaps[0].Right)
	assert.Equal(t, []uint64{13}, report.Overlaps[0].Primes)
}

func TestSortedViewCachesBlocks(t *testing.T) {
	cfg, _ := setup(t)
	writeSentinelBlock(t, cfg, 1, primesBetween(2, 97))
	writeSentinelBlock(t, cfg, 2, primesBetween(101, 199))

	cat, err := catalog.Scan(cfg.BlocksDir, log.Discard())
	require.NoError(t, err)
	view, err := NewSortedView(cat.Blocks(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(46), view.Len())

	p, _, err := view.At(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p)
	p, _, err = view.At(24)
	require.NoError(t, err)
	assert.Equal(t, uint64(97), p)
	assert.Equal(t, 1, view.Loads())

	p, _, err = view.At(25)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), p)
	p, _, err = view.At(45)
	require.NoError(t, err)
	assert.Equal(t, uint64(199), p)
	assert.Equal(t, 2, view.Loads())

	_, _, err = view.At(46)
	assert.Error(t, err)
}
