package audit

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/record"
)

// SortedView presents the unique primes of all blocks, in content order, as
// one indexable sequence. Only the blocks touched by At are decoded, and only
// their p columns; a small LRU keeps recently used blocks decoded.
type SortedView struct {
	blocks []catalog.BlockInfo
	// ends[i] is the view index one past the last prime of blocks[i]
	ends  []uint64
	cache *lru.Cache
	loads int
}

// NewSortedView builds the index over blocks, holding at most cacheBlocks
// decoded blocks at a time
func NewSortedView(blocks []catalog.BlockInfo, cacheBlocks int) (*SortedView, error) {
	if cacheBlocks <= 0 {
		cacheBlocks = 1
	}
	cache, err := lru.New(cacheBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}

	v := &SortedView{
		blocks: blocks,
		ends:   make([]uint64, len(blocks)),
		cache:  cache,
	}
	var total uint64
	for i, b := range blocks {
		total += uint64(b.UniquePrimes)
		v.ends[i] = total
	}
	return v, nil
}

// Len returns the number of primes in the view
func (v *SortedView) Len() uint64 {
	if len(v.ends) == 0 {
		return 0
	}
	return v.ends[len(v.ends)-1]
}

// Loads returns how many block decodes the view has performed
func (v *SortedView) Loads() int {
	return v.loads
}

// locate returns the block holding view index i and the offset within it
func (v *SortedView) locate(i uint64) (int, uint64) {
	b := sort.Search(len(v.ends), func(j int) bool { return v.ends[j] > i })
	start := uint64(0)
	if b > 0 {
		start = v.ends[b-1]
	}
	return b, i - start
}

// At returns the i-th prime of the view and the block holding it
func (v *SortedView) At(i uint64) (uint64, string, error) {
	if i >= v.Len() {
		return 0, "", fmt.Errorf("view index %d out of range [0, %d)", i, v.Len())
	}
	b, off := v.locate(i)
	block := v.blocks[b]

	primes, err := v.primes(block.Path)
	if err != nil {
		return 0, block.Path, err
	}
	if off >= uint64(len(primes)) {
		return 0, block.Path, fmt.Errorf("block %s changed since it was cataloged", block.Name())
	}
	return primes[off], block.Path, nil
}

func (v *SortedView) primes(path string) ([]uint64, error) {
	if cached, ok := v.cache.Get(path); ok {
		return cached.([]uint64), nil
	}

	r, err := blockfile.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	p, err := r.PColumn()
	if err != nil {
		return nil, err
	}
	unique := record.UniqueSorted(p)
	v.cache.Add(path, unique)
	v.loads++
	return unique, nil
}

// Divergence is the result of FirstDivergence
type Divergence struct {
	// Found is false when every stored prime matches the enumeration
	Found    bool
	Index    uint64
	Expected uint64
	Actual   uint64
	Block    string
	// Total is the length of the view searched
	Total uint64
	// Lookups counts view probes made by the search
	Lookups int
}

func (d *Divergence) String() string {
	if !d.Found {
		return fmt.Sprintf("no divergence in %d primes (%d lookups)", d.Total, d.Lookups)
	}
	return fmt.Sprintf("first divergence at index %d: stored %d, expected %d (%s)",
		d.Index, d.Actual, d.Expected, d.Block)
}

// FirstDivergence binary-searches the smallest index i with view[i] != nth(i).
// The search needs O(log K) probes. It is exact when the view is strictly
// increasing and holds only primes: once a prime is skipped every later
// entry stays ahead of the enumeration. Overlapping blocks break that
// ordering and are reported by Integrity instead.
func (a *Auditor) FirstDivergence() (*Divergence, error) {
	cat, err := a.scan()
	if err != nil {
		return nil, err
	}

	view, err := NewSortedView(cat.Blocks(), a.cacheBlocks)
	if err != nil {
		return nil, err
	}

	d := &Divergence{Total: view.Len()}
	differs := func(i uint64) (bool, error) {
		d.Lookups++
		actual, _, err := view.At(i)
		if err != nil {
			return false, err
		}
		expected, err := a.oracle.Nth(i)
		if err != nil {
			return false, err
		}
		return actual != expected, nil
	}

	lo, hi := uint64(0), view.Len()
	for lo < hi {
		mid := lo + (hi-lo)/2
		diff, err := differs(mid)
		if err != nil {
			return nil, fmt.Errorf("divergence search failed at index %d: %w", mid, err)
		}
		if diff {
			hi = mid
		} else {
			lo = mid + 1
		}
		a.report("divergence", d.Lookups, 0)
	}

	if lo < view.Len() {
		actual, block, err := view.At(lo)
		if err != nil {
			return nil, err
		}
		expected, err := a.oracle.Nth(lo)
		if err != nil {
			return nil, err
		}
		d.Found = true
		d.Index = lo
		d.Actual = actual
		d.Expected = expected
		d.Block = block
		a.logger.Warn("%s", d)
	} else {
		a.logger.Info("%s", d)
	}
	return d, nil
}
