package footer

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFooterEncodeDecode(t *testing.T) {
	f := NewFooter(
		1000,      // indexOffset
		120,       // indexSize
		4,         // numColumns
		1234,      // numRows
		FlagSorted, // flags
		0xABCDEF,  // indexChecksum
	)

	encoded := f.Encode()
	if len(encoded) != FooterSize {
		t.Errorf("Encoded footer size is %d, expected %d", len(encoded), FooterSize)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Failed to decode footer: %v", err)
	}

	if *decoded != *f {
		t.Errorf("Decoded footer %+v does not match original %+v", decoded, f)
	}
	if !decoded.Sorted() {
		t.Errorf("Expected sorted flag to survive encoding")
	}
}

func TestFooterWriteTo(t *testing.T) {
	f := NewFooter(1000, 120, 4, 1234, 0, 7)

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	if err != nil {
		t.Fatalf("Failed to write footer: %v", err)
	}
	if n != int64(FooterSize) {
		t.Errorf("WriteTo wrote %d bytes, expected %d", n, FooterSize)
	}

	decoded, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Failed to decode footer: %v", err)
	}
	if decoded.NumRows != f.NumRows {
		t.Errorf("NumRows mismatch after write/read")
	}
	if decoded.Sorted() {
		t.Errorf("Expected unsorted footer")
	}
}

func TestFooterCorruption(t *testing.T) {
	f := NewFooter(1000, 120, 4, 1234, FlagSorted, 7)
	encoded := f.Encode()

	// Corrupt the row count
	corrupted := append([]byte(nil), encoded...)
	binary.LittleEndian.PutUint64(corrupted[36:44], 99)
	if _, err := Decode(corrupted); err == nil {
		t.Errorf("Expected checksum error for corrupted footer")
	}

	// Corrupt the magic number
	corrupted = append([]byte(nil), encoded...)
	corrupted[0] ^= 0xFF
	if _, err := Decode(corrupted); err == nil {
		t.Errorf("Expected magic error for corrupted footer")
	}

	// Truncated data
	if _, err := Decode(encoded[:FooterSize-1]); err == nil {
		t.Errorf("Expected error for truncated footer")
	}
}
