// Package store ties the components together behind one object that owns the
// configuration and the exclusive lock on the data directory. Each method is
// one user-level operation.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/KevoDB/pparts/pkg/audit"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/compaction"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/oracle"
	"github.com/KevoDB/pparts/pkg/partition"
	"github.com/KevoDB/pparts/pkg/record"
	"github.com/KevoDB/pparts/pkg/repair"
	"github.com/KevoDB/pparts/pkg/resume"
	"github.com/KevoDB/pparts/pkg/runs"
	"github.com/KevoDB/pparts/pkg/stats"
)

// Store is the single writer of one data directory
type Store struct {
	cfg    *config.Config
	logger log.Logger
	lock   *dirLock

	oracle    oracle.Oracle
	compactor *compaction.Compactor
	auditor   *audit.Auditor
	repairer  *repair.Repairer
	cursor    *resume.Cursor
	session   *partition.Session
	stats     *stats.AtomicCollector

	closed atomic.Bool
}

// Open validates cfg, creates the directories, takes the directory lock and
// finishes any interrupted rebuild or write before returning
func Open(cfg *config.Config, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	lock, err := acquireLock(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s, err := newStore(cfg, logger, lock)
	if err != nil {
		lock.release()
		return nil, err
	}
	if err := s.recover(); err != nil {
		lock.release()
		return nil, err
	}
	return s, nil
}

func newStore(cfg *config.Config, logger log.Logger, lock *dirLock) (*Store, error) {
	o := oracle.NewSieve(uint64(cfg.OracleMaxPrimes))

	comp, err := compaction.NewCompactor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create compactor: %w", err)
	}
	rep, err := repair.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create repairer: %w", err)
	}
	session, err := partition.NewSession(cfg, o, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create work session: %w", err)
	}

	return &Store{
		cfg:       cfg,
		logger:    logger.WithField("component", "store"),
		lock:      lock,
		oracle:    o,
		compactor: comp,
		auditor:   audit.New(cfg, o, logger),
		repairer:  rep,
		cursor:    resume.New(cfg, o, logger),
		session:   session,
		stats:     stats.NewAtomicCollector(),
	}, nil
}

func (s *Store) recover() error {
	start := time.Now()

	resolved, err := s.repairer.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover interrupted rebuild: %w", err)
	}

	var orphans int
	for _, dir := range []string{s.cfg.BlocksDir, s.cfg.RunsDir} {
		removed, err := compaction.CleanupOrphans(dir)
		if err != nil {
			return fmt.Errorf("failed to clean %s: %w", dir, err)
		}
		orphans += len(removed)
	}

	s.stats.TrackRecovery(start, len(resolved), orphans)
	if len(resolved) > 0 || orphans > 0 {
		s.logger.Info("Recovered %d staging directories and removed %d partial files", len(resolved), orphans)
	}
	return nil
}

// Config returns the configuration the store was opened with
func (s *Store) Config() *config.Config {
	return s.cfg
}

// Oracle returns the prime oracle shared by every component
func (s *Store) Oracle() oracle.Oracle {
	return s.oracle
}

// Stats returns the statistics collected since Open
func (s *Store) Stats() stats.Collector {
	return s.stats
}

func (s *Store) track(op stats.OperationType, start time.Time, err error) {
	s.stats.TrackOperation(op, time.Since(start))
	if err != nil {
		s.stats.TrackError(errorKind(op, err))
	}
}

func errorKind(op stats.OperationType, err error) string {
	switch {
	case errors.Is(err, record.ErrKeyCollision):
		return "key_collision"
	case errors.Is(err, compaction.ErrBackfill):
		return "backfill"
	case errors.Is(err, resume.ErrUnsafeResume):
		return "unsafe_resume"
	case errors.Is(err, catalog.ErrMalformedBlock):
		return "malformed_block"
	default:
		return string(op) + "_error"
	}
}

// Ingest runs one compaction pass with the configured block size
func (s *Store) Ingest() (*compaction.Result, error) {
	return s.IngestWith(s.cfg.TargetPrimesPerBlock, s.cfg.DeleteRuns)
}

// IngestWith runs one compaction pass with explicit parameters
func (s *Store) IngestWith(target int, deleteRuns bool) (*compaction.Result, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	res, err := s.compactor.Ingest(target, deleteRuns)
	s.track(stats.OpIngest, start, err)
	if err != nil {
		return nil, err
	}
	s.stats.TrackIngest(res.RunsRead, res.NewPrimes, len(res.BlocksWritten), len(res.BlocksDeleted))
	return res, nil
}

// Catalog scans the blocks and summarizes them
func (s *Store) Catalog(partitions bool) (*catalog.Catalog, *catalog.Summary, error) {
	if s.closed.Load() {
		return nil, nil, ErrStoreClosed
	}
	start := time.Now()
	cat, err := catalog.Scan(s.cfg.BlocksDir, s.logger)
	if err != nil {
		s.track(stats.OpCatalog, start, err)
		return nil, nil, err
	}
	summary, err := cat.Summarize(partitions)
	s.track(stats.OpCatalog, start, err)
	if err != nil {
		return nil, nil, err
	}
	return cat, summary, nil
}

// PendingRuns summarizes the runs that are waiting for ingestion
func (s *Store) PendingRuns() (runs.Summary, error) {
	if s.closed.Load() {
		return runs.Summary{}, ErrStoreClosed
	}
	return runs.Summarize(s.cfg.RunsDir)
}

// Integrity reads every block and reports duplicates, collisions, invalid
// rows and overlaps
func (s *Store) Integrity(progress audit.ProgressFunc) (*audit.IntegrityReport, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	s.auditor.SetProgress(progress)
	defer s.auditor.SetProgress(nil)

	report, err := s.auditor.Integrity()
	s.track(stats.OpIntegrity, start, err)
	if err != nil {
		return nil, err
	}
	if cat, err := catalog.Scan(s.cfg.BlocksDir, s.logger); err == nil {
		for _, b := range cat.Blocks() {
			s.stats.TrackBytes(false, uint64(b.Size))
		}
	}
	return report, nil
}

// Prefix checks that the blocks hold exactly the first K primes
func (s *Store) Prefix() (*audit.PrefixReport, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	report, err := s.auditor.PrefixCheck()
	s.track(stats.OpPrefix, start, err)
	return report, err
}

// Divergence locates the first position where the store and the prime
// sequence disagree
func (s *Store) Divergence() (*audit.Divergence, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	d, err := s.auditor.FirstDivergence()
	s.track(stats.OpDivergence, start, err)
	return d, err
}

// Truncate removes whole blocks from the boundary onward
func (s *Store) Truncate(boundary repair.Boundary, opts repair.Options) (*repair.Plan, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	plan, err := s.repairer.Truncate(boundary, opts)
	s.track(stats.OpTruncate, start, err)
	if err == nil && plan.Executed {
		s.stats.TrackIngest(0, 0, 0, len(plan.Delete))
	}
	return plan, err
}

// Rebuild rewrites the whole store from blocks and pending runs
func (s *Store) Rebuild(opts repair.Options) (*repair.Plan, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	plan, err := s.repairer.Rebuild(opts)
	s.track(stats.OpRebuild, start, err)
	if err == nil && plan.Executed {
		s.stats.TrackIngest(len(plan.Runs), 0, len(plan.Written), len(plan.Delete))
		for _, path := range plan.Written {
			if fi, err := os.Stat(path); err == nil {
				s.stats.TrackBytes(true, uint64(fi.Size()))
			}
		}
	}
	return plan, err
}

// Resume returns where the next session starts. With guard set the prefix
// audit must pass first.
func (s *Store) Resume(guard bool) (*resume.Position, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	var (
		pos *resume.Position
		err error
	)
	if guard {
		pos, _, err = s.cursor.Guarded()
	} else {
		pos, err = s.cursor.Position()
	}
	s.track(stats.OpResume, start, err)
	return pos, err
}

// NextBatch returns the next n primes to compute
func (s *Store) NextBatch(n int) ([]uint64, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.cursor.NextBatch(n)
}

// Compute runs a work session over the next count primes
func (s *Store) Compute(ctx context.Context, count int, progress partition.ProgressFunc) (*partition.SessionResult, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	start := time.Now()
	s.session.SetProgress(progress)
	defer s.session.SetProgress(nil)

	res, err := s.session.Run(ctx, count)
	s.track(stats.OpCompute, start, err)
	if res != nil {
		s.stats.TrackPrimes(primesKept(res), res.Rows)
		if c := res.Compaction; c != nil {
			s.stats.TrackIngest(c.RunsRead, c.NewPrimes, len(c.BlocksWritten), len(c.BlocksDeleted))
		}
	}
	return res, err
}

func primesKept(res *partition.SessionResult) int {
	if res.Compaction != nil {
		return res.Compaction.NewPrimes
	}
	return 0
}

// Close releases the directory lock
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.lock.release()
}
