package catalog

import (
	"fmt"
	"sort"

	"github.com/KevoDB/pparts/pkg/blockfile"
)

// Summary aggregates a catalog for display
type Summary struct {
	Blocks       int
	Malformed    int
	Rows         int
	UniquePrimes int
	MinPrime     uint64
	MaxPrime     uint64
	StaleNames   int
	// Frequency maps a decomposition count to the number of primes having
	// exactly that many; sentinel-only primes count as zero. Only filled by
	// Summarize with partitions set.
	Frequency map[int]int
}

// Summarize totals the catalog. With partitions set it also reads every
// block in full to build the decomposition frequency distribution.
func (c *Catalog) Summarize(partitions bool) (*Summary, error) {
	s := &Summary{
		Blocks:       len(c.blocks),
		Malformed:    len(c.malformed),
		Rows:         c.TotalRows(),
		UniquePrimes: c.TotalUniquePrimes(),
	}
	if len(c.blocks) > 0 {
		s.MinPrime = c.blocks[0].MinPrime
		s.MaxPrime, _ = c.MaxPrime()
	}
	for _, b := range c.blocks {
		if b.NameIsStale() {
			s.StaleNames++
		}
	}

	if !partitions {
		return s, nil
	}

	s.Frequency = make(map[int]int)
	for _, b := range c.blocks {
		t, err := blockfile.ReadTable(b.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", b.Name(), err)
		}
		for _, count := range t.PartitionCounts() {
			s.Frequency[count]++
		}
	}
	return s, nil
}

// FrequencyKeys returns the decomposition counts present in Frequency, ascending
func (s *Summary) FrequencyKeys() []int {
	keys := make([]int, 0, len(s.Frequency))
	for k := range s.Frequency {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
