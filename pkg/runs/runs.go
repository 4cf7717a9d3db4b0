// Package runs names, lists and reads run files: the immutable, unsorted
// batches each worker writes once per invocation.
package runs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/record"
)

// Prefix starts every run file name
const Prefix = "run_"

// NewName returns a run file name unique across processes: creation time,
// process id and a random suffix
func NewName() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%d_%s%s", Prefix, time.Now().UnixNano(), os.Getpid(), suffix, blockfile.Extension)
}

// Write stores t as a new run file in dir and returns its path
func Write(dir string, t *record.Table, codec blockfile.Codec) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	path := filepath.Join(dir, NewName())
	if err := blockfile.Write(path, t, blockfile.Options{Codec: codec}); err != nil {
		return "", fmt.Errorf("failed to write run %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// Pattern is the glob selecting every visible run file in dir
func Pattern(dir string) string {
	return blockfile.DirPattern(dir, Prefix)
}

// List returns the visible run files in dir in name order
func List(dir string) ([]string, error) {
	return blockfile.Glob(Pattern(dir))
}

// Batch is the content of the run files read in one pass
type Batch struct {
	Table *record.Table
	// Paths lists the runs that were read and may be consumed
	Paths []string
	// Malformed lists runs that could not be read; they are left in place
	Malformed []string
}

// ReadAll concatenates every readable run in dir. Unreadable runs are
// reported, never deleted.
func ReadAll(dir string) (*Batch, error) {
	batch := &Batch{Table: record.NewTable(0)}
	tables := []*record.Table{}

	malformed, err := blockfile.ScanGlob(Pattern(dir), func(path string, r *blockfile.Reader) error {
		t, err := r.Table()
		if err != nil {
			return err
		}
		tables = append(tables, t)
		batch.Paths = append(batch.Paths, path)
		return nil
	})
	batch.Malformed = malformed
	if err != nil {
		return nil, err
	}

	batch.Table = record.Concat(tables...)
	return batch, nil
}

// Summary describes the pending runs without decoding more than p columns
type Summary struct {
	Runs         int
	Rows         int
	MinP         uint64
	MaxP         uint64
	UniquePrimes int
	Malformed    []string
}

// Summarize aggregates the pending runs in dir
func Summarize(dir string) (Summary, error) {
	agg, err := blockfile.AggregateGlob(Pattern(dir))
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Runs:         agg.Files,
		Rows:         agg.Rows,
		MinP:         agg.MinP,
		MaxP:         agg.MaxP,
		UniquePrimes: agg.UniquePrimes,
		Malformed:    agg.Malformed,
	}, nil
}
