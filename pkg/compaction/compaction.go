// Package compaction ingests pending run files into size-bounded blocks.
//
// A pass reads every run, pulls back the content of an undersized last block
// (and of every block from the first overlap on, after an interrupted pass),
// dedups the union by full key, cuts it into chunks of at most target unique
// primes and writes each chunk as a new block. Consumed runs and replaced blocks are
// removed only after every new block is durable, so a crash at any point
// leaves input that the next pass ingests to an equivalent result.
package compaction

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/record"
	"github.com/KevoDB/pparts/pkg/runs"
)

var (
	// ErrInvalidTarget is returned for a non-positive block capacity
	ErrInvalidTarget = errors.New("target primes per block must be positive")
	// ErrBackfill is returned when runs carry new rows for primes already sealed in full blocks
	ErrBackfill = errors.New("run data falls inside sealed blocks")
)

// BackfillError lists primes below the sealed boundary that runs would change
type BackfillError struct {
	Boundary uint64
	Primes   []uint64
	Rows     int
}

func (e *BackfillError) Error() string {
	return fmt.Sprintf("%v: %d rows for %d primes at or below %d (first %d), rebuild required",
		ErrBackfill, e.Rows, len(e.Primes), e.Boundary, e.Primes[0])
}

func (e *BackfillError) Unwrap() error {
	return ErrBackfill
}

// Outcome tells whether a pass changed the block set
type Outcome int

const (
	NoOp Outcome = iota
	WorkDone
)

func (o Outcome) String() string {
	if o == WorkDone {
		return "work-done"
	}
	return "no-op"
}

// Result reports what one ingest pass did
type Result struct {
	Outcome Outcome

	RunsRead      int
	RunRows       int
	MalformedRuns []string
	RunsDeleted   []string

	// Duplicates counts identical rows collapsed during the pass
	Duplicates int
	// NewPrimes counts primes that were not stored before the pass
	NewPrimes int

	PulledBack    []string
	BlocksWritten []string
	BlocksDeleted []string

	Duration time.Duration
}

func (r *Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d runs (%d rows), %d new primes, %d duplicates",
		r.Outcome, r.RunsRead, r.RunRows, r.NewPrimes, r.Duplicates)
	if len(r.BlocksWritten) > 0 {
		fmt.Fprintf(&sb, ", wrote %d blocks", len(r.BlocksWritten))
	}
	if len(r.BlocksDeleted) > 0 {
		fmt.Fprintf(&sb, ", replaced %d", len(r.BlocksDeleted))
	}
	if len(r.MalformedRuns) > 0 {
		fmt.Fprintf(&sb, ", %d malformed runs skipped", len(r.MalformedRuns))
	}
	return sb.String()
}

// Compactor is the single writer of the block directory during ingestion
type Compactor struct {
	runsDir   string
	blocksDir string
	writer    BlockWriter
	tracker   FileTracker
	logger    log.Logger
}

// NewCompactor creates a compactor over the directories named by cfg
func NewCompactor(cfg *config.Config, logger log.Logger) (*Compactor, error) {
	codec, err := blockfile.ParseCodec(string(cfg.Compression))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Compactor{
		runsDir:   cfg.RunsDir,
		blocksDir: cfg.BlocksDir,
		writer:    NewBlockWriter(codec),
		tracker:   NewFileTracker(),
		logger:    logger.WithField("component", "compactor"),
	}, nil
}

// Ingest runs one compaction pass. Blocks hold at most target unique primes;
// with deleteSources the consumed runs are removed afterwards. Key collisions
// and backfills abort the pass before anything is written.
func (c *Compactor) Ingest(target int, deleteSources bool) (*Result, error) {
	start := time.Now()
	if target <= 0 {
		return nil, ErrInvalidTarget
	}

	for _, dir := range []string{c.blocksDir, c.runsDir} {
		removed, err := CleanupOrphans(dir)
		if err != nil {
			c.logger.Warn("Orphan cleanup in %s incomplete: %v", dir, err)
		}
		for _, path := range removed {
			c.logger.WithField("file", filepath.Base(path)).Info("Discarded orphaned temporary file")
		}
	}

	batch, err := runs.ReadAll(c.runsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}

	result := &Result{
		RunsRead:      len(batch.Paths),
		RunRows:       batch.Table.Len(),
		MalformedRuns: batch.Malformed,
	}
	for _, path := range batch.Malformed {
		c.logger.WithField("run", filepath.Base(path)).Warn("Skipping malformed run file")
	}

	if len(batch.Paths) == 0 {
		result.Outcome = NoOp
		result.Duration = time.Since(start)
		c.logger.Debug("No runs to ingest")
		return result, nil
	}

	for _, path := range batch.Paths {
		c.tracker.MarkFilePending(path)
	}
	defer func() {
		for _, path := range batch.Paths {
			c.tracker.UnmarkFilePending(path)
		}
	}()

	cat, err := catalog.Scan(c.blocksDir, c.logger)
	if err != nil {
		return nil, err
	}
	if n := len(cat.Malformed()); n > 0 {
		c.logger.Warn("%d malformed blocks excluded from compaction", n)
	}

	cluster, retained := tailCluster(cat.Blocks(), target)

	incoming := batch.Table
	incoming.SortByKey()
	if len(retained) > 0 {
		boundary := maxPrime(retained)
		late := incoming.FilterRange(0, boundary)
		incoming = incoming.FilterRange(boundary+1, math.MaxUint64)
		if late.Len() > 0 {
			dups, err := checkLate(late, cat, boundary)
			if err != nil {
				c.logger.Error("Ingest aborted: %v", err)
				return nil, err
			}
			result.Duplicates += dups
		}
	}

	pulled := make([]*record.Table, 0, len(cluster))
	for _, b := range cluster {
		t, err := blockfile.ReadTable(b.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to pull back block %s: %w", b.Name(), err)
		}
		pulled = append(pulled, t)
		result.PulledBack = append(result.PulledBack, b.Path)
	}
	pulledTable := record.Concat(pulled...)
	previous := len(pulledTable.UniquePrimes())
	previousKeys := pulledTable.UniqueKeys()

	merged, report := record.Concat(pulledTable, incoming).Dedup()
	result.Duplicates += report.Duplicates
	if err := report.Err(); err != nil {
		c.logger.Error("Ingest aborted: %v", err)
		return nil, err
	}
	if result.Duplicates > 0 {
		c.logger.Info("Collapsed %d duplicate rows", result.Duplicates)
	}

	if merged.Len() == previousKeys && len(cluster) <= 1 {
		// Runs only repeated what is already stored.
		result.Outcome = NoOp
		result.PulledBack = nil
		if deleteSources {
			if err := c.consumeRuns(batch.Paths, result); err != nil {
				return result, err
			}
		}
		result.Duration = time.Since(start)
		c.logger.Info("Ingest finished: %s", result)
		return result, nil
	}

	chunks := ChunkByPrimes(merged, target)
	written, err := c.writer.WriteBlocks(c.blocksDir, chunks, cat.NextSequence())
	if err != nil {
		return nil, fmt.Errorf("compaction aborted before removing inputs: %w", err)
	}
	result.Outcome = WorkDone
	result.BlocksWritten = written
	result.NewPrimes = len(merged.UniquePrimes()) - previous

	// Replaced blocks go first: a crash after this point leaves only runs
	// whose rows are now duplicates.
	for _, b := range cluster {
		c.tracker.MarkFileObsolete(b.Path)
	}
	removed, err := c.tracker.CleanupObsoleteFiles()
	result.BlocksDeleted = removed
	if err != nil {
		return result, fmt.Errorf("failed to remove replaced blocks: %w", err)
	}

	if deleteSources {
		if err := c.consumeRuns(batch.Paths, result); err != nil {
			return result, err
		}
	}

	result.Duration = time.Since(start)
	c.logger.Info("Ingest finished: %s", result)
	return result, nil
}

func (c *Compactor) consumeRuns(paths []string, result *Result) error {
	for _, path := range paths {
		c.tracker.UnmarkFilePending(path)
		c.tracker.MarkFileObsolete(path)
	}
	removed, err := c.tracker.CleanupObsoleteFiles()
	result.RunsDeleted = removed
	if err != nil {
		return fmt.Errorf("failed to remove consumed runs: %w", err)
	}
	return nil
}

// tailCluster picks the blocks whose content the pass rewrites: every block
// from the first one that overlaps its predecessors through the content-last
// block, or just the content-last block when nothing overlaps and it is
// undersized. Overlapping blocks only exist after an interrupted pass, and
// merging them is what makes re-ingestion converge.
func tailCluster(blocks []catalog.BlockInfo, target int) (cluster, retained []catalog.BlockInfo) {
	if len(blocks) == 0 {
		return nil, nil
	}

	// Blocks are in content order, so a block overlaps an earlier one exactly
	// when its min is at or below the running max.
	start := len(blocks)
	groupStart := 0
	reach := blocks[0].MaxPrime
	for i := 1; i < len(blocks); i++ {
		b := blocks[i]
		if b.MinPrime <= reach {
			start = groupStart
			break
		}
		groupStart = i
		reach = b.MaxPrime
	}

	if start == len(blocks) {
		if blocks[len(blocks)-1].UniquePrimes >= target {
			return nil, append([]catalog.BlockInfo(nil), blocks...)
		}
		start = len(blocks) - 1
	}

	cluster = append([]catalog.BlockInfo(nil), blocks[start:]...)
	retained = append([]catalog.BlockInfo(nil), blocks[:start]...)
	return cluster, retained
}

func maxPrime(blocks []catalog.BlockInfo) uint64 {
	var max uint64
	for _, b := range blocks {
		if b.MaxPrime > max {
			max = b.MaxPrime
		}
	}
	return max
}

// checkLate compares run rows at or below the sealed boundary with the
// blocks that already cover them. Exact repeats are duplicates. Rows that
// contradict stored records are collisions; anything else would change a
// sealed block and needs a rebuild.
func checkLate(late *record.Table, cat *catalog.Catalog, boundary uint64) (int, error) {
	late, report := late.Dedup()
	if err := report.Err(); err != nil {
		return 0, err
	}
	dups := report.Duplicates

	cache := make(map[string]*record.Table)
	var collisions []record.Collision
	backfill := &BackfillError{Boundary: boundary}

	for _, p := range late.UniquePrimes() {
		group := late.FilterRange(p, p)

		block, ok := cat.Find(p)
		if !ok {
			backfill.Primes = append(backfill.Primes, p)
			backfill.Rows += group.Len()
			continue
		}

		stored, ok := cache[block.Path]
		if !ok {
			var err error
			stored, err = blockfile.ReadTable(block.Path)
			if err != nil {
				return 0, fmt.Errorf("failed to read block %s: %w", block.Name(), err)
			}
			cache[block.Path] = stored
		}

		existing := stored.FilterRange(p, p)
		merged, rep := record.Concat(existing, group).Dedup()
		if len(rep.Collisions) > 0 {
			collisions = append(collisions, rep.Collisions...)
			continue
		}
		if merged.Len() == existing.Len() {
			dups += group.Len()
			continue
		}
		backfill.Primes = append(backfill.Primes, p)
		backfill.Rows += group.Len()
	}

	if len(collisions) > 0 {
		return 0, &record.CollisionError{Collisions: collisions}
	}
	if len(backfill.Primes) > 0 {
		return 0, backfill
	}
	return dups, nil
}
