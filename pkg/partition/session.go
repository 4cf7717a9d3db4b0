package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/compaction"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/oracle"
	"github.com/KevoDB/pparts/pkg/record"
	"github.com/KevoDB/pparts/pkg/resume"
	"github.com/KevoDB/pparts/pkg/runs"
)

// ErrInvalidCount is returned when a session is asked for no primes
var ErrInvalidCount = errors.New("prime count must be positive")

// ProgressFunc receives the number of primes processed so far
type ProgressFunc func(done, total int)

// SessionResult describes one work session
type SessionResult struct {
	Start      uint64
	StartIndex uint64
	Primes     int
	Batches    int
	// Kept counts batches whose runs were handed to the compactor
	Kept       int
	Rows       int
	Runs       []string
	Compaction *compaction.Result
	Duration   time.Duration
}

func (r *SessionResult) String() string {
	return fmt.Sprintf("primes=%d from %d (index %d) batches=%d/%d rows=%d in %s",
		r.Primes, r.Start, r.StartIndex, r.Kept, r.Batches, r.Rows, r.Duration.Round(time.Millisecond))
}

// Session computes the next primes after the stored maximum with a fixed
// worker pool. Each batch becomes exactly one run file and the session ends
// with a compaction pass.
type Session struct {
	cfg       *config.Config
	oracle    oracle.Oracle
	cursor    *resume.Cursor
	compactor *compaction.Compactor
	codec     blockfile.Codec
	logger    log.Logger

	mu       sync.Mutex
	progress ProgressFunc
}

// NewSession wires a session to the store described by cfg
func NewSession(cfg *config.Config, o oracle.Oracle, logger log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	codec, err := blockfile.ParseCodec(string(cfg.Compression))
	if err != nil {
		return nil, err
	}
	comp, err := compaction.NewCompactor(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:       cfg,
		oracle:    o,
		cursor:    resume.New(cfg, o, logger),
		compactor: comp,
		codec:     codec,
		logger:    logger.WithField("component", "session"),
	}, nil
}

// SetProgress installs a progress callback; it is called from worker goroutines
func (s *Session) SetProgress(fn ProgressFunc) {
	s.progress = fn
}

// Run processes the next count primes. When a batch fails, the runs of every
// batch after the first failed one are removed so that the compacted store
// stays a gap-free prefix; the batches before it are still ingested.
func (s *Session) Run(ctx context.Context, count int) (*SessionResult, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	start := time.Now()

	pos, _, err := s.cursor.Guarded()
	if err != nil {
		return nil, err
	}
	primes, err := s.cursor.NextBatch(count)
	if err != nil {
		return nil, err
	}

	batches := split(primes, s.cfg.BatchSize)
	result := &SessionResult{
		Start:      pos.Prime,
		StartIndex: pos.Index,
		Primes:     len(primes),
		Batches:    len(batches),
	}
	s.logger.Info("Starting session: %d primes from %d in %d batches", len(primes), pos.Prime, len(batches))

	paths := make([]string, len(batches))
	rows := make([]int, len(batches))
	var done int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tbl, err := s.compute(gctx, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			path, err := runs.Write(s.cfg.RunsDir, tbl, s.codec)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			paths[i], rows[i] = path, tbl.Len()
			s.advance(&done, len(batch), len(primes))
			return nil
		})
	}
	runErr := g.Wait()

	// Keep the leading run of completed batches only.
	for result.Kept < len(paths) && paths[result.Kept] != "" {
		result.Rows += rows[result.Kept]
		result.Runs = append(result.Runs, paths[result.Kept])
		result.Kept++
	}
	for _, path := range paths[result.Kept:] {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove run %s after a failed batch: %v", path, err)
		}
	}

	if result.Kept > 0 {
		res, err := s.compactor.Ingest(s.cfg.TargetPrimesPerBlock, s.cfg.DeleteRuns)
		if err != nil {
			return result, fmt.Errorf("compaction after session failed: %w", err)
		}
		result.Compaction = res
	}
	result.Duration = time.Since(start)

	if runErr != nil {
		s.logger.Error("Session stopped after %d of %d batches: %v", result.Kept, len(batches), runErr)
		return result, runErr
	}
	s.logger.Info("Session finished: %s", result)
	return result, nil
}

func (s *Session) compute(ctx context.Context, batch []uint64) (*record.Table, error) {
	tbl := record.NewTable(len(batch) * 2)
	for i, p := range batch {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, err := Analyze(tbl, p, s.oracle); err != nil {
			return nil, fmt.Errorf("prime %d: %w", p, err)
		}
	}
	return tbl, nil
}

func (s *Session) advance(done *int, n, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*done += n
	if s.progress != nil {
		s.progress(*done, total)
	}
}

func split(primes []uint64, size int) [][]uint64 {
	if size <= 0 {
		size = len(primes)
	}
	var out [][]uint64
	for len(primes) > 0 {
		n := size
		if n > len(primes) {
			n = len(primes)
		}
		out = append(out, primes[:n])
		primes = primes[n:]
	}
	return out
}
