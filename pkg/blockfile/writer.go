package blockfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KevoDB/pparts/pkg/blockfile/footer"
	"github.com/KevoDB/pparts/pkg/record"
)

// TempPrefix and TempSuffix frame the name of a file that is still being written
const (
	TempPrefix = "."
	TempSuffix = ".tmp"
)

// TempPath returns the hidden temporary path used while path is written
func TempPath(path string) string {
	return filepath.Join(filepath.Dir(path), TempPrefix+filepath.Base(path)+TempSuffix)
}

// IsTemp reports whether name is a temporary file left by a writer
func IsTemp(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, TempPrefix) && strings.HasSuffix(base, TempSuffix)
}

// FileManager handles the temp file behind a Writer
type FileManager struct {
	path    string
	tmpPath string
	file    *os.File
}

// NewFileManager creates the temporary file for path
func NewFileManager(path string) (*FileManager, error) {
	tmpPath := TempPath(path)

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	return &FileManager{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
	}, nil
}

// Write writes data to the file at the current position
func (fm *FileManager) Write(data []byte) (int, error) {
	return fm.file.Write(data)
}

// Sync flushes the file to disk
func (fm *FileManager) Sync() error {
	return fm.file.Sync()
}

// Close closes the file
func (fm *FileManager) Close() error {
	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}

// FinalizeFile closes the file, renames it into place and syncs the directory
// so the rename itself survives a crash
func (fm *FileManager) FinalizeFile() error {
	if err := fm.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(fm.tmpPath, fm.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return SyncDir(filepath.Dir(fm.path))
}

// Cleanup removes the temporary file if writing is aborted
func (fm *FileManager) Cleanup() error {
	if fm.file != nil {
		fm.Close()
	}
	if err := os.Remove(fm.tmpPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SyncDir fsyncs a directory
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

// Writer accumulates rows and writes them as one file on Finish. Nothing is
// visible at the final path until Finish returns successfully.
type Writer struct {
	fm     *FileManager
	opts   Options
	table  *record.Table
	closed bool
}

// NewWriter creates a writer for path
func NewWriter(path string, opts Options) (*Writer, error) {
	fm, err := NewFileManager(path)
	if err != nil {
		return nil, err
	}
	return &Writer{
		fm:    fm,
		opts:  opts,
		table: record.NewTable(0),
	}, nil
}

// AddTable appends every row of t
func (w *Writer) AddTable(t *record.Table) error {
	if w.closed {
		return ErrWriterClosed
	}
	w.table = record.Concat(w.table, t)
	return nil
}

// Finish encodes the columns, writes index and footer, and moves the file
// into place
func (w *Writer) Finish() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	if err := w.finish(); err != nil {
		w.fm.Cleanup()
		return err
	}
	return nil
}

func (w *Writer) finish() error {
	t := w.table
	var flags uint32
	if w.opts.Sorted {
		if !strictlySorted(t) {
			return ErrNotSorted
		}
		flags |= footer.FlagSorted
	}

	raws := [][]byte{
		encodeInt64(t.P),
		encodeInt32(t.M),
		encodeInt32(t.N),
		encodeInt64(t.Q),
	}

	var offset uint64
	entries := make([]columnEntry, 0, len(Schema))
	for i, spec := range Schema {
		stored, err := compress(w.opts.Codec, raws[i])
		if err != nil {
			return fmt.Errorf("failed to encode column %s: %w", spec.Name, err)
		}
		if _, err := w.fm.Write(stored); err != nil {
			return fmt.Errorf("failed to write column %s: %w", spec.Name, err)
		}
		entries = append(entries, columnEntry{
			Name:     spec.Name,
			Type:     spec.Type,
			Codec:    w.opts.Codec,
			Offset:   offset,
			Size:     uint64(len(stored)),
			RawSize:  uint64(len(raws[i])),
			Count:    uint64(t.Len()),
			Checksum: checksum(stored),
		})
		offset += uint64(len(stored))
	}

	index := encodeIndex(entries)
	if _, err := w.fm.Write(index); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	ft := footer.NewFooter(offset, uint32(len(index)), uint32(len(entries)),
		uint64(t.Len()), flags, checksum(index))

	var buf bytes.Buffer
	if _, err := ft.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to encode footer: %w", err)
	}
	if _, err := w.fm.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.fm.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return w.fm.FinalizeFile()
}

// Abort discards everything written so far
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fm.Cleanup()
}

// Write atomically writes t to path
func Write(path string, t *record.Table, opts Options) error {
	w, err := NewWriter(path, opts)
	if err != nil {
		return err
	}
	if err := w.AddTable(t); err != nil {
		w.Abort()
		return err
	}
	return w.Finish()
}

// strictlySorted reports whether rows are ordered by key with no repeats
func strictlySorted(t *record.Table) bool {
	for i := 1; i < t.Len(); i++ {
		if !t.Row(i - 1).Less(t.Row(i)) {
			return false
		}
	}
	return true
}
