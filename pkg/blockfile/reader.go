package blockfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/KevoDB/pparts/pkg/blockfile/footer"
	"github.com/KevoDB/pparts/pkg/record"
)

// Reader gives column-level access to one file through a read-only mapping
type Reader struct {
	path    string
	file    *os.File
	data    mmap.MMap
	footer  *footer.Footer
	columns map[string]columnEntry
	mu      sync.RWMutex
}

// Open maps path and validates footer, index and schema. Every structural
// problem is reported as ErrMalformed; checksum failures also match
// ErrCorruption.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.Size() < footer.FooterSize {
		file.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, smaller than a footer",
			ErrMalformed, path, stat.Size())
	}

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map file: %w", err)
	}

	r := &Reader{
		path: path,
		file: file,
		data: data,
	}
	if err := r.load(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	size := uint64(len(r.data))

	ft, err := footer.Decode(r.data[size-footer.FooterSize:])
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, r.path, err)
	}

	end := ft.IndexOffset + uint64(ft.IndexSize)
	if ft.IndexOffset > size || end > size-footer.FooterSize {
		return fmt.Errorf("%w: %s: index at %d+%d beyond data section",
			ErrMalformed, r.path, ft.IndexOffset, ft.IndexSize)
	}

	index := r.data[ft.IndexOffset:end]
	if checksum(index) != ft.IndexChecksum {
		return fmt.Errorf("%w: %w: %s: index checksum mismatch", ErrMalformed, ErrCorruption, r.path)
	}

	entries, err := decodeIndex(index, ft.NumColumns)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, r.path, err)
	}

	columns := make(map[string]columnEntry, len(entries))
	for _, e := range entries {
		if e.Offset+e.Size > ft.IndexOffset || e.Offset+e.Size < e.Offset {
			return fmt.Errorf("%w: %s: column %s overruns the data section", ErrMalformed, r.path, e.Name)
		}
		if e.Count != ft.NumRows {
			return fmt.Errorf("%w: %s: column %s has %d rows, footer says %d",
				ErrMalformed, r.path, e.Name, e.Count, ft.NumRows)
		}
		columns[e.Name] = e
	}

	for _, spec := range Schema {
		e, ok := columns[spec.Name]
		if !ok {
			return fmt.Errorf("%w: %s: missing column %s", ErrMalformed, r.path, spec.Name)
		}
		if e.Type != spec.Type {
			return fmt.Errorf("%w: %s: column %s is %s, expected %s",
				ErrMalformed, r.path, spec.Name, e.Type, spec.Type)
		}
	}
	if len(columns) != len(Schema) {
		return fmt.Errorf("%w: %s: %d columns, expected %d", ErrMalformed, r.path, len(columns), len(Schema))
	}

	r.footer = ft
	r.columns = columns
	return nil
}

// Path returns the file path
func (r *Reader) Path() string {
	return r.path
}

// NumRows returns the row count recorded in the footer
func (r *Reader) NumRows() int {
	return int(r.footer.NumRows)
}

// Sorted reports whether the file was written sorted and unique by key
func (r *Reader) Sorted() bool {
	return r.footer.Sorted()
}

// Size returns the file size in bytes
func (r *Reader) Size() int64 {
	return int64(len(r.data))
}

func (r *Reader) column(name string) ([]byte, columnEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data == nil {
		return nil, columnEntry{}, fmt.Errorf("reader for %s is closed", r.path)
	}

	e := r.columns[name]
	stored := r.data[e.Offset : e.Offset+e.Size]
	if checksum(stored) != e.Checksum {
		return nil, e, fmt.Errorf("%w: %w: %s: column %s checksum mismatch",
			ErrMalformed, ErrCorruption, r.path, name)
	}

	raw, err := decompress(e.Codec, stored, e.RawSize)
	if err != nil {
		return nil, e, fmt.Errorf("%w: %s: column %s: %v", ErrMalformed, r.path, name, err)
	}
	return raw, e, nil
}

func (r *Reader) int64Column(name string) ([]uint64, error) {
	raw, e, err := r.column(name)
	if err != nil {
		return nil, err
	}
	values, err := decodeInt64(raw, e.Count)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: column %s: %v", ErrMalformed, r.path, name, err)
	}
	return values, nil
}

func (r *Reader) int32Column(name string) ([]uint32, error) {
	raw, e, err := r.column(name)
	if err != nil {
		return nil, err
	}
	values, err := decodeInt32(raw, e.Count)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: column %s: %v", ErrMalformed, r.path, name, err)
	}
	return values, nil
}

// PColumn decodes only the p column
func (r *Reader) PColumn() ([]uint64, error) {
	return r.int64Column(record.ColP)
}

// Aggregate computes rows, min, max and distinct primes from the p column alone
func (r *Reader) Aggregate() (record.Aggregate, error) {
	p, err := r.PColumn()
	if err != nil {
		return record.Aggregate{}, err
	}
	return record.AggregateP(p), nil
}

// Table decodes every column
func (r *Reader) Table() (*record.Table, error) {
	p, err := r.int64Column(record.ColP)
	if err != nil {
		return nil, err
	}
	m, err := r.int32Column(record.ColM)
	if err != nil {
		return nil, err
	}
	n, err := r.int32Column(record.ColN)
	if err != nil {
		return nil, err
	}
	q, err := r.int64Column(record.ColQ)
	if err != nil {
		return nil, err
	}
	return &record.Table{P: p, M: m, N: n, Q: q}, nil
}

// Close unmaps and closes the file
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.data != nil {
		err = r.data.Unmap()
		r.data = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

// ReadTable opens path, decodes all columns and closes it
func ReadTable(path string) (*record.Table, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Table()
}
