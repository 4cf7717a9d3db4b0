// Package catalog derives block metadata from block content.
//
// Block names carry a sequence number and the maximum prime for human
// inspection. Both are advisory: a rewritten block can carry a stale name,
// so ordering and every aggregate here come from the p column itself.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/KevoDB/pparts/pkg/blockfile"
	"github.com/KevoDB/pparts/pkg/common/log"
)

// ErrMalformedBlock marks a block that was excluded from the catalog
var ErrMalformedBlock = errors.New("malformed block")

// BlockPrefix starts every block file name
const BlockPrefix = "pp_b"

var nameRe = regexp.MustCompile(`^pp_b(\d+)_p(\d+)\.ppc$`)

// FormatName builds the advisory block name for a sequence number and max prime
func FormatName(seq int, maxPrime uint64) string {
	return fmt.Sprintf("%s%03d_p%d%s", BlockPrefix, seq, maxPrime, blockfile.Extension)
}

// ParseName extracts the sequence number and max prime claimed by a block name
func ParseName(name string) (seq int, maxPrime uint64, ok bool) {
	m := nameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, 0, false
	}
	s, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return s, p, true
}

// Pattern is the glob selecting every visible block in dir
func Pattern(dir string) string {
	return blockfile.DirPattern(dir, BlockPrefix)
}

// BlockInfo is derived from a block's p column on every scan
type BlockInfo struct {
	Path string
	// Sequence and NamedMaxPrime are parsed from the name; HasName is false
	// when the name does not follow the convention
	Sequence      int
	NamedMaxPrime uint64
	HasName       bool

	MinPrime     uint64
	MaxPrime     uint64
	Rows         int
	UniquePrimes int
	Size         int64
}

// Name returns the file name of the block
func (b BlockInfo) Name() string {
	return filepath.Base(b.Path)
}

// Contains reports whether p lies within the block's prime range
func (b BlockInfo) Contains(p uint64) bool {
	return p >= b.MinPrime && p <= b.MaxPrime
}

// NameIsStale reports whether the max prime claimed by the name disagrees with content
func (b BlockInfo) NameIsStale() bool {
	return b.HasName && b.NamedMaxPrime != b.MaxPrime
}

func (b BlockInfo) String() string {
	return fmt.Sprintf("%s [%d..%d] rows=%d primes=%d", b.Name(), b.MinPrime, b.MaxPrime, b.Rows, b.UniquePrimes)
}

// MalformedError describes a block that could not be cataloged
type MalformedError struct {
	Path string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrMalformedBlock, filepath.Base(e.Path), e.Err)
}

func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformedBlock, e.Err}
}

var scanVersion atomic.Uint64

// Catalog is an immutable, content-ordered snapshot of a block directory.
// Every scan produces a new version.
type Catalog struct {
	dir       string
	version   uint64
	blocks    []BlockInfo
	malformed []*MalformedError
}

// Scan reads the p column of every block in dir and returns the blocks
// ordered by (min prime, max prime). Malformed blocks are logged, reported by
// Malformed and otherwise ignored; they are never deleted.
func Scan(dir string, logger log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	logger = logger.WithField("component", "catalog")

	paths, err := blockfile.Glob(Pattern(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}

	c := &Catalog{
		dir:     dir,
		version: scanVersion.Add(1),
		blocks:  make([]BlockInfo, 0, len(paths)),
	}

	for _, path := range paths {
		info, err := inspect(path)
		if err != nil {
			merr := &MalformedError{Path: path, Err: err}
			logger.WithField("block", filepath.Base(path)).Warn("Excluding malformed block: %v", err)
			c.malformed = append(c.malformed, merr)
			continue
		}
		c.blocks = append(c.blocks, info)
	}

	sort.SliceStable(c.blocks, func(i, j int) bool {
		a, b := c.blocks[i], c.blocks[j]
		if a.MinPrime != b.MinPrime {
			return a.MinPrime < b.MinPrime
		}
		if a.MaxPrime != b.MaxPrime {
			return a.MaxPrime < b.MaxPrime
		}
		return a.Path < b.Path
	})

	logger.Debug("Scanned %d blocks (%d malformed), version %d", len(c.blocks), len(c.malformed), c.version)
	return c, nil
}

func inspect(path string) (BlockInfo, error) {
	r, err := blockfile.Open(path)
	if err != nil {
		return BlockInfo{}, err
	}
	defer r.Close()

	agg, err := r.Aggregate()
	if err != nil {
		return BlockInfo{}, err
	}
	if agg.Rows == 0 {
		return BlockInfo{}, errors.New("block has no rows")
	}

	info := BlockInfo{
		Path:         path,
		MinPrime:     agg.MinP,
		MaxPrime:     agg.MaxP,
		Rows:         agg.Rows,
		UniquePrimes: agg.UniquePrimes,
		Size:         r.Size(),
	}
	info.Sequence, info.NamedMaxPrime, info.HasName = ParseName(path)
	return info, nil
}

// Dir returns the scanned directory
func (c *Catalog) Dir() string {
	return c.dir
}

// Version identifies this snapshot; later scans have larger versions
func (c *Catalog) Version() uint64 {
	return c.version
}

// Blocks returns the readable blocks in content order
func (c *Catalog) Blocks() []BlockInfo {
	return append([]BlockInfo(nil), c.blocks...)
}

// Len returns the number of readable blocks
func (c *Catalog) Len() int {
	return len(c.blocks)
}

// Empty reports whether no readable block exists
func (c *Catalog) Empty() bool {
	return len(c.blocks) == 0
}

// Last returns the block holding the largest prime
func (c *Catalog) Last() (BlockInfo, bool) {
	if len(c.blocks) == 0 {
		return BlockInfo{}, false
	}
	last := c.blocks[len(c.blocks)-1]
	for _, b := range c.blocks {
		if b.MaxPrime > last.MaxPrime {
			last = b
		}
	}
	return last, true
}

// MaxPrime returns the largest prime stored, or false when there are no blocks
func (c *Catalog) MaxPrime() (uint64, bool) {
	last, ok := c.Last()
	return last.MaxPrime, ok
}

// TotalRows sums row counts over all blocks
func (c *Catalog) TotalRows() int {
	total := 0
	for _, b := range c.blocks {
		total += b.Rows
	}
	return total
}

// TotalUniquePrimes sums per-block distinct prime counts. It equals the
// number of distinct primes stored when blocks do not overlap.
func (c *Catalog) TotalUniquePrimes() int {
	total := 0
	for _, b := range c.blocks {
		total += b.UniquePrimes
	}
	return total
}

// NextSequence returns one past the highest sequence number found in block names
func (c *Catalog) NextSequence() int {
	next := 1
	for _, b := range c.blocks {
		if b.HasName && b.Sequence >= next {
			next = b.Sequence + 1
		}
	}
	for _, m := range c.malformed {
		if seq, _, ok := ParseName(m.Path); ok && seq >= next {
			next = seq + 1
		}
	}
	return next
}

// Find returns the first block in content order whose range contains p
func (c *Catalog) Find(p uint64) (BlockInfo, bool) {
	for _, b := range c.blocks {
		if b.Contains(p) {
			return b, true
		}
		if b.MinPrime > p {
			break
		}
	}
	return BlockInfo{}, false
}

// Malformed returns the blocks excluded from this snapshot
func (c *Catalog) Malformed() []*MalformedError {
	return append([]*MalformedError(nil), c.malformed...)
}

// MalformedErr combines every malformed block into one error, or nil
func (c *Catalog) MalformedErr() error {
	var result *multierror.Error
	for _, m := range c.malformed {
		result = multierror.Append(result, m)
	}
	return result.ErrorOrNil()
}
