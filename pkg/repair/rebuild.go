package repair

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/compaction"
	"github.com/KevoDB/pparts/pkg/record"
	"github.com/KevoDB/pparts/pkg/runs"
)

const (
	stagingPrefix = ".rebuild-"
	manifestName  = "MANIFEST"
)

// Rebuild recompacts the union of every block and pending run into fresh
// blocks numbered from 1. New blocks are staged in a hidden directory and
// swapped in only after all of them and their manifest are durable.
func (r *Repairer) Rebuild(opts Options) (*Plan, error) {
	target := opts.Target
	if target <= 0 {
		target = r.target
	}

	staged, err := r.stagingDirs()
	if err != nil {
		return nil, err
	}
	if len(staged) > 0 {
		return nil, fmt.Errorf("%w in %s, recover before rebuilding", ErrRebuildPending, staged[0])
	}

	cat, err := catalog.Scan(r.blocksDir, r.logger)
	if err != nil {
		return nil, err
	}
	if err := cat.MalformedErr(); err != nil {
		return nil, fmt.Errorf("%w, move them aside first: %v", ErrMalformedPresent, err)
	}

	batch, err := runs.ReadAll(r.runsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	for _, path := range batch.Malformed {
		r.logger.WithField("run", filepath.Base(path)).Warn("Rebuild skips malformed run file")
	}

	tables := []*record.Table{batch.Table}
	for _, b := range cat.Blocks() {
		t, err := blockfile.ReadTable(b.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read block %s: %w", b.Name(), err)
		}
		tables = append(tables, t)
	}

	all := record.Concat(tables...)
	merged, report := all.Dedup()
	if err := report.Err(); err != nil {
		r.logger.Error("Rebuild aborted: %v", err)
		return nil, err
	}

	chunks := compaction.ChunkByPrimes(merged, target)
	plan := &Plan{
		Operation:  "rebuild",
		Delete:     cat.Blocks(),
		Runs:       batch.Paths,
		Target:     target,
		Rows:       all.Len(),
		Duplicates: report.Duplicates,
		Primes:     len(merged.UniquePrimes()),
		NewBlocks:  len(chunks),
	}

	if !opts.Confirm {
		return plan, nil
	}

	backup, err := r.backup("rebuild", plan.DeletePaths())
	if err != nil {
		return plan, err
	}
	plan.BackupDir = backup

	staging := filepath.Join(r.blocksDir, stagingPrefix+time.Now().Format("20060102T150405.000000000"))
	if err := os.MkdirAll(staging, 0755); err != nil {
		return plan, fmt.Errorf("failed to create staging directory: %w", err)
	}

	written, err := r.writer.WriteBlocks(staging, chunks, 1)
	if err != nil {
		os.RemoveAll(staging)
		return plan, fmt.Errorf("rebuild aborted, blocks untouched: %w", err)
	}
	if err := writeManifest(staging, written); err != nil {
		os.RemoveAll(staging)
		return plan, err
	}

	old := make([]string, 0, len(plan.Delete))
	for _, b := range plan.Delete {
		old = append(old, b.Path)
	}
	if err := r.swap(staging, old); err != nil {
		return plan, fmt.Errorf("rebuild swap failed, run recovery: %w", err)
	}
	for _, path := range written {
		plan.Written = append(plan.Written, filepath.Join(r.blocksDir, filepath.Base(path)))
	}

	// Leftover runs are now duplicates; a failure here is harmless.
	if err := removeAll(plan.Runs); err != nil {
		r.logger.Warn("Failed to remove consumed runs: %v", err)
	}

	plan.Executed = true
	r.logger.Info("Rebuilt %d primes into %d blocks, backup in %s", plan.Primes, len(plan.Written), backup)
	return plan, nil
}

func writeManifest(staging string, written []string) error {
	var sb strings.Builder
	for _, path := range written {
		sb.WriteString(filepath.Base(path))
		sb.WriteString("\n")
	}

	path := filepath.Join(staging, manifestName)
	tmp := blockfile.TempPath(path)
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}
	return blockfile.SyncDir(staging)
}

func readManifest(staging string) ([]string, bool, error) {
	f, err := os.Open(filepath.Join(staging, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			names = append(names, line)
		}
	}
	return names, true, scanner.Err()
}

// swap deletes the old blocks, then moves every staged block into place
func (r *Repairer) swap(staging string, old []string) error {
	if err := removeAll(old); err != nil {
		return err
	}
	if err := blockfile.SyncDir(r.blocksDir); err != nil {
		return err
	}
	return r.finishSwap(staging)
}

func (r *Repairer) finishSwap(staging string) error {
	names, _, err := readManifest(staging)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	for _, name := range names {
		src := filepath.Join(staging, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue // moved before an interruption
		}
		if err := os.Rename(src, filepath.Join(r.blocksDir, name)); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", name, err)
		}
	}
	if err := blockfile.SyncDir(r.blocksDir); err != nil {
		return err
	}
	return os.RemoveAll(staging)
}

func (r *Repairer) stagingDirs() ([]string, error) {
	entries, err := os.ReadDir(r.blocksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read block directory: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), stagingPrefix) {
			dirs = append(dirs, filepath.Join(r.blocksDir, e.Name()))
		}
	}
	return dirs, nil
}

// Recover finishes or discards a rebuild interrupted by a crash. A staging
// directory with a manifest is complete: every visible block not listed in
// it is an old block, and is removed before the staged blocks move in. A
// staging directory without a manifest never replaced anything and is
// discarded.
func (r *Repairer) Recover() ([]string, error) {
	dirs, err := r.stagingDirs()
	if err != nil {
		return nil, err
	}

	var actions []string
	for _, staging := range dirs {
		names, complete, err := readManifest(staging)
		if err != nil {
			return actions, fmt.Errorf("failed to read manifest in %s: %w", staging, err)
		}
		if !complete {
			if err := os.RemoveAll(staging); err != nil {
				return actions, fmt.Errorf("failed to discard %s: %w", staging, err)
			}
			actions = append(actions, "discarded incomplete rebuild "+filepath.Base(staging))
			r.logger.Warn("Discarded incomplete rebuild %s", filepath.Base(staging))
			continue
		}

		keep := make(map[string]bool, len(names))
		for _, n := range names {
			keep[n] = true
		}
		visible, err := blockfile.Glob(catalog.Pattern(r.blocksDir))
		if err != nil {
			return actions, err
		}
		var old []string
		for _, path := range visible {
			if !keep[filepath.Base(path)] {
				old = append(old, path)
			}
		}
		if err := r.swap(staging, old); err != nil {
			return actions, err
		}
		actions = append(actions, fmt.Sprintf("completed rebuild %s (%d blocks)", filepath.Base(staging), len(names)))
		r.logger.Warn("Completed interrupted rebuild %s", filepath.Base(staging))
	}
	return actions, nil
}
