package footer

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// FooterSize is the fixed size of the footer in bytes
	FooterSize = 64
	// FooterMagic is a magic number to verify we're reading a valid footer
	FooterMagic = uint64(0x5050415254534331) // "PPARTSC1"
	// CurrentVersion is the current file format version
	CurrentVersion = uint32(1)
)

// Flags describing the rows stored in a file
const (
	// FlagSorted marks files whose rows are sorted by (p, m, n, q) and unique
	FlagSorted uint32 = 1 << iota
)

// Footer contains metadata for a columnar partition file
type Footer struct {
	// Magic number for integrity checking
	Magic uint64
	// Version of the file format
	Version uint32
	// Timestamp of when the file was created
	Timestamp int64
	// Offset where the column index starts
	IndexOffset uint64
	// Size of the column index in bytes
	IndexSize uint32
	// Number of columns described by the index
	NumColumns uint32
	// Total number of rows
	NumRows uint64
	// Row layout flags
	Flags uint32
	// Checksum of the column index bytes
	IndexChecksum uint64
	// Checksum of all footer fields excluding the checksum itself
	Checksum uint64
}

// NewFooter creates a new footer with the given parameters
func NewFooter(indexOffset uint64, indexSize uint32, numColumns uint32,
	numRows uint64, flags uint32, indexChecksum uint64) *Footer {

	return &Footer{
		Magic:         FooterMagic,
		Version:       CurrentVersion,
		Timestamp:     time.Now().UnixNano(),
		IndexOffset:   indexOffset,
		IndexSize:     indexSize,
		NumColumns:    numColumns,
		NumRows:       numRows,
		Flags:         flags,
		IndexChecksum: indexChecksum,
	}
}

// Sorted reports whether FlagSorted is set
func (f *Footer) Sorted() bool {
	return f.Flags&FlagSorted != 0
}

// Encode serializes the footer to a byte slice
func (f *Footer) Encode() []byte {
	result := make([]byte, FooterSize)

	binary.LittleEndian.PutUint64(result[0:8], f.Magic)
	binary.LittleEndian.PutUint32(result[8:12], f.Version)
	binary.LittleEndian.PutUint64(result[12:20], uint64(f.Timestamp))
	binary.LittleEndian.PutUint64(result[20:28], f.IndexOffset)
	binary.LittleEndian.PutUint32(result[28:32], f.IndexSize)
	binary.LittleEndian.PutUint32(result[32:36], f.NumColumns)
	binary.LittleEndian.PutUint64(result[36:44], f.NumRows)
	binary.LittleEndian.PutUint32(result[44:48], f.Flags)
	binary.LittleEndian.PutUint64(result[48:56], f.IndexChecksum)

	f.Checksum = xxhash.Sum64(result[:56])
	binary.LittleEndian.PutUint64(result[56:], f.Checksum)

	return result
}

// WriteTo writes the footer to an io.Writer
func (f *Footer) WriteTo(w io.Writer) (int64, error) {
	data := f.Encode()
	n, err := w.Write(data)
	return int64(n), err
}

// Decode parses a footer from a byte slice
func Decode(data []byte) (*Footer, error) {
	if len(data) < FooterSize {
		return nil, fmt.Errorf("footer data too small: %d bytes, expected %d",
			len(data), FooterSize)
	}

	footer := &Footer{
		Magic:         binary.LittleEndian.Uint64(data[0:8]),
		Version:       binary.LittleEndian.Uint32(data[8:12]),
		Timestamp:     int64(binary.LittleEndian.Uint64(data[12:20])),
		IndexOffset:   binary.LittleEndian.Uint64(data[20:28]),
		IndexSize:     binary.LittleEndian.Uint32(data[28:32]),
		NumColumns:    binary.LittleEndian.Uint32(data[32:36]),
		NumRows:       binary.LittleEndian.Uint64(data[36:44]),
		Flags:         binary.LittleEndian.Uint32(data[44:48]),
		IndexChecksum: binary.LittleEndian.Uint64(data[48:56]),
		Checksum:      binary.LittleEndian.Uint64(data[56:64]),
	}

	if footer.Magic != FooterMagic {
		return nil, fmt.Errorf("invalid footer magic: %x, expected %x",
			footer.Magic, FooterMagic)
	}

	expectedChecksum := xxhash.Sum64(data[:56])
	if footer.Checksum != expectedChecksum {
		return nil, fmt.Errorf("footer checksum mismatch: file has %d, calculated %d",
			footer.Checksum, expectedChecksum)
	}

	if footer.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported format version %d", footer.Version)
	}

	return footer, nil
}
