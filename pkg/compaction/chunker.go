package compaction

import (
	"github.com/KevoDB/pparts/pkg/record"
)

// Chunk is a slice of a sorted table destined for one block
type Chunk struct {
	Table  *record.Table
	MinP   uint64
	MaxP   uint64
	Primes int
}

// ChunkByPrimes cuts a table sorted by key into consecutive chunks of at most
// target unique primes. All records of one prime land in the same chunk.
func ChunkByPrimes(t *record.Table, target int) []Chunk {
	if target <= 0 || t.Len() == 0 {
		return nil
	}

	var chunks []Chunk
	start, primes := 0, 0
	for i := 0; i < t.Len(); i++ {
		if i > 0 && t.P[i] == t.P[i-1] {
			continue
		}
		if primes == target {
			chunks = append(chunks, newChunk(t, start, i, primes))
			start, primes = i, 0
		}
		primes++
	}
	chunks = append(chunks, newChunk(t, start, t.Len(), primes))
	return chunks
}

func newChunk(t *record.Table, start, end, primes int) Chunk {
	// Select by the inclusive prime range, as a reader of the block would.
	minP, maxP := t.P[start], t.P[end-1]
	return Chunk{
		Table:  t.FilterRange(minP, maxP),
		MinP:   minP,
		MaxP:   maxP,
		Primes: primes,
	}
}
