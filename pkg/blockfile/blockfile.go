// Package blockfile implements the columnar file format shared by run files
// and blocks.
//
// A file is a sequence of column chunks followed by a column index and a
// fixed-size footer:
//
//	[p chunk][m chunk][n chunk][q chunk][index][footer]
//
// The footer locates the index, and the index locates each chunk, so a
// reader can decode the p column alone without touching m, n or q.
package blockfile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KevoDB/pparts/pkg/record"
)

// Extension is the file suffix for run files and blocks
const Extension = ".ppc"

var (
	// ErrMalformed is returned for files that cannot be decoded or carry the wrong schema
	ErrMalformed = errors.New("malformed partition file")
	// ErrCorruption is returned when a checksum does not match
	ErrCorruption = errors.New("partition file corruption detected")
	// ErrNotSorted is returned when a writer flagged as sorted receives unsorted rows
	ErrNotSorted = errors.New("rows are not sorted by key")
	// ErrWriterClosed is returned when a finished or aborted writer is used
	ErrWriterClosed = errors.New("writer is closed")
)

// Codec selects how column chunks are compressed
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a configuration name to a Codec
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("unknown codec %q", name)
	}
}

// ColumnType is the logical type of a column
type ColumnType uint8

const (
	TypeInt64 ColumnType = iota + 1
	TypeInt32
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeInt32:
		return "int32"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ColumnSpec names one column of the schema
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// Schema is the fixed column layout every file must carry
var Schema = []ColumnSpec{
	{Name: record.ColP, Type: TypeInt64},
	{Name: record.ColM, Type: TypeInt32},
	{Name: record.ColN, Type: TypeInt32},
	{Name: record.ColQ, Type: TypeInt64},
}

// Options controls how a file is written
type Options struct {
	Codec Codec
	// Sorted asserts that rows arrive sorted by key and unique. The writer
	// verifies the claim and records it in the footer.
	Sorted bool
}

// IsCorruption reports whether err was caused by a checksum mismatch
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}
