package blockfile

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// columnEntry is one record of the column index
type columnEntry struct {
	Name     string
	Type     ColumnType
	Codec    Codec
	Offset   uint64
	Size     uint64 // stored bytes
	RawSize  uint64 // bytes after decompression
	Count    uint64
	Checksum uint64 // xxhash of the stored bytes
}

// fixed part of an index entry after the name: type, codec, five uint64s
const entryFixedSize = 1 + 1 + 8*5

func encodeIndex(entries []columnEntry) []byte {
	var buf []byte
	for _, e := range entries {
		buf = append(buf, byte(len(e.Name)))
		buf = append(buf, e.Name...)
		buf = append(buf, byte(e.Type), byte(e.Codec))
		buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
		buf = binary.LittleEndian.AppendUint64(buf, e.Size)
		buf = binary.LittleEndian.AppendUint64(buf, e.RawSize)
		buf = binary.LittleEndian.AppendUint64(buf, e.Count)
		buf = binary.LittleEndian.AppendUint64(buf, e.Checksum)
	}
	return buf
}

func decodeIndex(data []byte, numColumns uint32) ([]columnEntry, error) {
	entries := make([]columnEntry, 0, numColumns)
	pos := 0
	for i := uint32(0); i < numColumns; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("index truncated at column %d", i)
		}
		nameLen := int(data[pos])
		pos++
		if pos+nameLen+entryFixedSize > len(data) {
			return nil, fmt.Errorf("index truncated at column %d", i)
		}
		e := columnEntry{Name: string(data[pos : pos+nameLen])}
		pos += nameLen
		e.Type = ColumnType(data[pos])
		e.Codec = Codec(data[pos+1])
		pos += 2
		e.Offset = binary.LittleEndian.Uint64(data[pos:])
		e.Size = binary.LittleEndian.Uint64(data[pos+8:])
		e.RawSize = binary.LittleEndian.Uint64(data[pos+16:])
		e.Count = binary.LittleEndian.Uint64(data[pos+24:])
		e.Checksum = binary.LittleEndian.Uint64(data[pos+32:])
		pos += 40
		entries = append(entries, e)
	}
	if pos != len(data) {
		return nil, fmt.Errorf("index has %d trailing bytes", len(data)-pos)
	}
	return entries, nil
}

// 64-bit columns are delta encoded with zigzag varints. Sorted p columns
// shrink to a byte or two per row.
func encodeInt64(values []uint64) []byte {
	buf := make([]byte, 0, len(values)*2)
	var prev uint64
	for _, v := range values {
		buf = binary.AppendVarint(buf, int64(v-prev))
		prev = v
	}
	return buf
}

func decodeInt64(data []byte, count uint64) ([]uint64, error) {
	out := make([]uint64, 0, count)
	var prev uint64
	for pos := 0; uint64(len(out)) < count; {
		delta, n := binary.Varint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at offset %d", pos)
		}
		pos += n
		prev += uint64(delta)
		out = append(out, prev)
	}
	return out, nil
}

func encodeInt32(values []uint32) []byte {
	buf := make([]byte, 0, len(values))
	for _, v := range values {
		buf = binary.AppendUvarint(buf, uint64(v))
	}
	return buf
}

func decodeInt32(data []byte, count uint64) ([]uint32, error) {
	out := make([]uint32, 0, count)
	for pos := 0; uint64(len(out)) < count; {
		v, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("bad uvarint at offset %d", pos)
		}
		if v > 1<<32-1 {
			return nil, fmt.Errorf("value %d overflows int32 column", v)
		}
		pos += n
		out = append(out, uint32(v))
	}
	return out, nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdErr
}

// compress applies codec to raw column bytes
func compress(codec Codec, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch codec {
	case CodecNone:
		return raw, nil
	case CodecZstd:
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
}

// decompress reverses compress and checks the expected raw size
func decompress(codec Codec, stored []byte, rawSize uint64) ([]byte, error) {
	if len(stored) == 0 && rawSize == 0 {
		return nil, nil
	}
	var raw []byte
	switch codec {
	case CodecNone:
		raw = stored
	case CodecZstd:
		if err := initZstd(); err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		var err error
		raw, err = zstdDecoder.DecodeAll(stored, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress column: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}
	if uint64(len(raw)) != rawSize {
		return nil, fmt.Errorf("column size %d, expected %d", len(raw), rawSize)
	}
	return raw, nil
}

func checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}
