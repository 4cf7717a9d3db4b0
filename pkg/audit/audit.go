// Package audit verifies a block directory without modifying it.
//
// Integrity checks each block for residual duplicates, invalid rows and
// contradicting records, and each adjacent pair of blocks for shared primes.
// PrefixCheck and FirstDivergence compare the stored primes against the
// canonical enumeration.
package audit

import (
	"fmt"
	"path/filepath"

	"github.com/weaviate/sroar"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/oracle"
	"github.com/KevoDB/pparts/pkg/record"
)

// maxListedPrimes caps the offending primes listed per overlap finding
const maxListedPrimes = 32

// ProgressFunc is called as an audit advances through blocks
type ProgressFunc func(stage string, done, total int)

// Auditor runs read-only checks over the block directory
type Auditor struct {
	blocksDir   string
	oracle      oracle.Oracle
	cacheBlocks int
	logger      log.Logger
	progress    ProgressFunc
}

// New creates an auditor
func New(cfg *config.Config, o oracle.Oracle, logger log.Logger) *Auditor {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Auditor{
		blocksDir:   cfg.BlocksDir,
		oracle:      o,
		cacheBlocks: cfg.DivergenceCacheBlocks,
		logger:      logger.WithField("component", "auditor"),
	}
}

// SetProgress installs a progress callback
func (a *Auditor) SetProgress(fn ProgressFunc) {
	a.progress = fn
}

func (a *Auditor) report(stage string, done, total int) {
	if a.progress != nil {
		a.progress(stage, done, total)
	}
}

func (a *Auditor) scan() (*catalog.Catalog, error) {
	cat, err := catalog.Scan(a.blocksDir, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to scan blocks: %w", err)
	}
	return cat, nil
}

// DuplicateFinding reports rows a block holds beyond its unique keys
type DuplicateFinding struct {
	Block      string
	Rows       int
	UniqueKeys int
}

// Extra returns the number of redundant rows
func (f DuplicateFinding) Extra() int {
	return f.Rows - f.UniqueKeys
}

// InvalidFinding reports rows whose identity p = 2^m + q^n does not hold
type InvalidFinding struct {
	Block string
	Count int
	First record.Record
}

// CollisionFinding reports contradicting records inside one block
type CollisionFinding struct {
	Block      string
	Collisions []record.Collision
}

// OverlapFinding reports primes stored by two adjacent blocks
type OverlapFinding struct {
	Left   string
	Right  string
	Count  int
	Primes []uint64
}

func (f OverlapFinding) String() string {
	return fmt.Sprintf("%s and %s share %d primes %v", filepath.Base(f.Left), filepath.Base(f.Right), f.Count, f.Primes)
}

// IntegrityReport collects the findings of Integrity
type IntegrityReport struct {
	CatalogVersion uint64
	Blocks         int
	Rows           int
	Malformed      []*catalog.MalformedError
	Duplicates     []DuplicateFinding
	Invalid        []InvalidFinding
	Collisions     []CollisionFinding
	Overlaps       []OverlapFinding
}

// OK reports whether no finding of any kind was made
func (r *IntegrityReport) OK() bool {
	return len(r.Malformed) == 0 && len(r.Duplicates) == 0 && len(r.Invalid) == 0 &&
		len(r.Collisions) == 0 && len(r.Overlaps) == 0
}

// Fatal reports whether a finding blocks resuming
func (r *IntegrityReport) Fatal() bool {
	return len(r.Collisions) > 0 || len(r.Overlaps) > 0
}

// Integrity runs the duplicate and overlap checks over every block in
// content order
func (a *Auditor) Integrity() (*IntegrityReport, error) {
	cat, err := a.scan()
	if err != nil {
		return nil, err
	}

	blocks := cat.Blocks()
	report := &IntegrityReport{
		CatalogVersion: cat.Version(),
		Blocks:         len(blocks),
		Malformed:      cat.Malformed(),
	}

	var prev *sroar.Bitmap
	for i, b := range blocks {
		tbl, err := blockfile.ReadTable(b.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read block %s: %w", b.Name(), err)
		}
		report.Rows += tbl.Len()

		if unique := tbl.UniqueKeys(); unique != tbl.Len() {
			report.Duplicates = append(report.Duplicates, DuplicateFinding{Block: b.Path, Rows: tbl.Len(), UniqueKeys: unique})
			a.logger.WithField("block", b.Name()).Warn("Block holds %d duplicate rows", tbl.Len()-unique)
		}

		invalid := InvalidFinding{Block: b.Path}
		for j := 0; j < tbl.Len(); j++ {
			if record.Verify(tbl.Row(j)) != nil {
				if invalid.Count == 0 {
					invalid.First = tbl.Row(j)
				}
				invalid.Count++
			}
		}
		if invalid.Count > 0 {
			report.Invalid = append(report.Invalid, invalid)
			a.logger.WithField("block", b.Name()).Warn("Block holds %d invalid rows, first %s", invalid.Count, invalid.First)
		}

		if _, dedup := tbl.Dedup(); len(dedup.Collisions) > 0 {
			report.Collisions = append(report.Collisions, CollisionFinding{Block: b.Path, Collisions: dedup.Collisions})
			a.logger.WithField("block", b.Name()).Error("Block holds %d key collisions", len(dedup.Collisions))
		}

		cur := sroar.NewBitmap()
		for _, p := range tbl.P {
			cur.Set(p)
		}
		if prev != nil {
			shared := prev.Clone().And(cur)
			if n := shared.GetCardinality(); n > 0 {
				primes := shared.ToArray()
				if len(primes) > maxListedPrimes {
					primes = primes[:maxListedPrimes]
				}
				finding := OverlapFinding{Left: blocks[i-1].Path, Right: b.Path, Count: n, Primes: primes}
				report.Overlaps = append(report.Overlaps, finding)
				a.logger.Error("Overlap: %s", finding)
			}
		}
		prev = cur

		a.report("integrity", i+1, len(blocks))
	}

	return report, nil
}
