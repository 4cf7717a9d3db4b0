package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
)

// DefaultBlockWriter writes chunks as sorted blocks
type DefaultBlockWriter struct {
	codec blockfile.Codec
}

// NewBlockWriter creates a block writer using codec for every column
func NewBlockWriter(codec blockfile.Codec) *DefaultBlockWriter {
	return &DefaultBlockWriter{codec: codec}
}

// WriteBlocks writes each chunk to its own block. Every block is complete and
// durable when it becomes visible. If any write fails the blocks already
// written by this call are removed again.
func (e *DefaultBlockWriter) WriteBlocks(dir string, chunks []Chunk, firstSeq int) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create block directory: %w", err)
	}

	var outputFiles []string
	for i, chunk := range chunks {
		path := filepath.Join(dir, catalog.FormatName(firstSeq+i, chunk.MaxP))
		if _, err := os.Stat(path); err == nil {
			e.DeleteBlocks(outputFiles)
			return nil, fmt.Errorf("block %s already exists", filepath.Base(path))
		}

		opts := blockfile.Options{Codec: e.codec, Sorted: true}
		if err := blockfile.Write(path, chunk.Table, opts); err != nil {
			e.DeleteBlocks(outputFiles)
			return nil, fmt.Errorf("failed to write block %s: %w", filepath.Base(path), err)
		}
		outputFiles = append(outputFiles, path)
	}

	return outputFiles, nil
}

// DeleteBlocks removes the given block files
func (e *DefaultBlockWriter) DeleteBlocks(paths []string) error {
	var result *multierror.Error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("failed to delete block %s: %w", path, err))
		}
	}
	return result.ErrorOrNil()
}

// CleanupOrphans removes temporary files left in dir by an interrupted
// writer. They were never visible and are never adopted.
func CleanupOrphans(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var result *multierror.Error
	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || !blockfile.IsTemp(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("failed to remove orphan %s: %w", path, err))
			continue
		}
		removed = append(removed, path)
	}
	return removed, result.ErrorOrNil()
}
