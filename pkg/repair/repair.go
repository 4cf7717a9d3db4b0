// Package repair implements the destructive recovery operations: truncating
// blocks from a boundary and rebuilding every block from scratch.
//
// Both operations default to a dry run that only reports the plan. A
// confirmed run copies every file it will delete into a fresh backup
// directory before removing anything.
package repair

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/compaction"
	"github.com/KevoDB/pparts/pkg/config"
)

var (
	// ErrBoundaryNotFound is returned when no block carries the requested sequence number
	ErrBoundaryNotFound = errors.New("truncate boundary not found")
	// ErrMalformedPresent is returned when malformed blocks prevent a rebuild
	ErrMalformedPresent = errors.New("malformed blocks present")
	// ErrRebuildPending is returned when an unfinished rebuild must be recovered first
	ErrRebuildPending = errors.New("unfinished rebuild found")
)

// Boundary selects where a truncation starts
type Boundary struct {
	bySequence bool
	sequence   int
	prime      uint64
}

// FromPrime selects every block whose maximum prime is at or above p
func FromPrime(p uint64) Boundary {
	return Boundary{prime: p}
}

// FromSequence selects the block named with sequence seq and every block
// after it in content order
func FromSequence(seq int) Boundary {
	return Boundary{bySequence: true, sequence: seq}
}

func (b Boundary) String() string {
	if b.bySequence {
		return fmt.Sprintf("sequence %d", b.sequence)
	}
	return fmt.Sprintf("prime %d", b.prime)
}

// Options controls a destructive operation
type Options struct {
	// Confirm executes the plan; without it nothing is modified
	Confirm bool
	// Target is the block capacity used by Rebuild
	Target int
}

// Plan describes what an operation deletes and, once executed, what it did
type Plan struct {
	Operation string
	Boundary  string
	Delete    []catalog.BlockInfo
	Keep      []catalog.BlockInfo
	Runs      []string

	// Rebuild only
	Target     int
	Rows       int
	Duplicates int
	Primes     int
	NewBlocks  int

	Executed  bool
	BackupDir string
	Written   []string
}

// DeletePaths lists every file the plan removes
func (p *Plan) DeletePaths() []string {
	paths := make([]string, 0, len(p.Delete)+len(p.Runs))
	for _, b := range p.Delete {
		paths = append(paths, b.Path)
	}
	return append(paths, p.Runs...)
}

func (p *Plan) String() string {
	var sb strings.Builder
	mode := "dry run"
	if p.Executed {
		mode = "executed"
	}
	fmt.Fprintf(&sb, "%s (%s)", p.Operation, mode)
	if p.Boundary != "" {
		fmt.Fprintf(&sb, " from %s", p.Boundary)
	}
	fmt.Fprintf(&sb, ": delete %d blocks, keep %d", len(p.Delete), len(p.Keep))
	if p.Operation == "rebuild" {
		fmt.Fprintf(&sb, ", consume %d runs, write %d blocks of <= %d primes", len(p.Runs), p.NewBlocks, p.Target)
	}
	if p.BackupDir != "" {
		fmt.Fprintf(&sb, ", backup in %s", p.BackupDir)
	}
	return sb.String()
}

// Repairer runs truncate and rebuild against one store layout. It must not
// run concurrently with a compaction pass.
type Repairer struct {
	runsDir   string
	blocksDir string
	backupDir string
	target    int
	writer    *compaction.DefaultBlockWriter
	logger    log.Logger
}

// New creates a repairer over the directories named by cfg
func New(cfg *config.Config, logger log.Logger) (*Repairer, error) {
	codec, err := blockfile.ParseCodec(string(cfg.Compression))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Repairer{
		runsDir:   cfg.RunsDir,
		blocksDir: cfg.BlocksDir,
		backupDir: cfg.BackupDir,
		target:    cfg.TargetPrimesPerBlock,
		writer:    compaction.NewBlockWriter(codec),
		logger:    logger.WithField("component", "repair"),
	}, nil
}

// Truncate deletes every block at or after boundary. Blocks are removed
// whole; a block straddling a prime threshold goes entirely.
func (r *Repairer) Truncate(boundary Boundary, opts Options) (*Plan, error) {
	cat, err := catalog.Scan(r.blocksDir, r.logger)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Operation: "truncate", Boundary: boundary.String()}
	blocks := cat.Blocks()

	if boundary.bySequence {
		start := -1
		for i, b := range blocks {
			if b.HasName && b.Sequence == boundary.sequence {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("%w: no block with %s", ErrBoundaryNotFound, boundary)
		}
		plan.Keep, plan.Delete = blocks[:start], blocks[start:]
	} else {
		for _, b := range blocks {
			if b.MaxPrime >= boundary.prime {
				plan.Delete = append(plan.Delete, b)
			} else {
				plan.Keep = append(plan.Keep, b)
			}
		}
	}

	for _, b := range plan.Delete {
		r.logger.WithField("block", b.Name()).Info("Truncate selects %s", b)
	}
	if !opts.Confirm || len(plan.Delete) == 0 {
		return plan, nil
	}

	backup, err := r.backup("truncate", plan.DeletePaths())
	if err != nil {
		return plan, err
	}
	plan.BackupDir = backup

	if err := removeAll(plan.DeletePaths()); err != nil {
		return plan, fmt.Errorf("truncate incomplete, backup in %s: %w", backup, err)
	}
	if err := blockfile.SyncDir(r.blocksDir); err != nil {
		return plan, err
	}

	plan.Executed = true
	r.logger.Info("Truncated %d blocks from %s, backup in %s", len(plan.Delete), boundary, backup)
	return plan, nil
}

// backup copies paths into a new directory under the backup root and
// returns it. Nothing is deleted if any copy fails.
func (r *Repairer) backup(op string, paths []string) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	dir := filepath.Join(r.backupDir, fmt.Sprintf("%s_%s_%s", op, time.Now().Format("20060102T150405"), id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	var result *multierror.Error
	for _, path := range paths {
		if err := copyFile(path, filepath.Join(dir, filepath.Base(path))); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return dir, fmt.Errorf("backup failed, nothing deleted: %w", err)
	}
	if err := blockfile.SyncDir(dir); err != nil {
		return dir, err
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}

func removeAll(paths []string) error {
	var result *multierror.Error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("failed to delete %s: %w", path, err))
		}
	}
	return result.ErrorOrNil()
}
