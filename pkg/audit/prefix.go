package audit

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrPrefixGap is reported when primes are missing between or before blocks
	ErrPrefixGap = errors.New("prefix gap")
	// ErrPrefixOverlap is reported when a block starts at or below its predecessor's maximum
	ErrPrefixOverlap = errors.New("prefix overlap")
	// ErrPrefixMismatch is reported when a block boundary or count disagrees with the enumeration
	ErrPrefixMismatch = errors.New("prefix mismatch")
)

// FindingKind classifies a prefix finding
type FindingKind int

const (
	// Gap: the block starts after the expected next prime
	Gap FindingKind = iota
	// Overlap: the block starts at or below the previous block's maximum
	Overlap
	// BoundaryMismatch: the block starts between two consecutive primes
	BoundaryMismatch
	// CountMismatch: the block's maximum is not the prime its running count predicts
	CountMismatch
)

func (k FindingKind) String() string {
	switch k {
	case Gap:
		return "gap"
	case Overlap:
		return "overlap"
	case BoundaryMismatch:
		return "boundary-mismatch"
	case CountMismatch:
		return "count-mismatch"
	default:
		return fmt.Sprintf("finding(%d)", int(k))
	}
}

// PrefixFinding is one violation of the prefix property
type PrefixFinding struct {
	Kind FindingKind
	// Previous is empty for findings about the first block
	Previous string
	Block    string
	Expected uint64
	Actual   uint64
}

func (f PrefixFinding) sentinel() error {
	switch f.Kind {
	case Gap:
		return ErrPrefixGap
	case Overlap:
		return ErrPrefixOverlap
	default:
		return ErrPrefixMismatch
	}
}

// Err returns the finding as an error matching its sentinel
func (f PrefixFinding) Err() error {
	return fmt.Errorf("%w: %s", f.sentinel(), f.describe())
}

func (f PrefixFinding) describe() string {
	block := filepath.Base(f.Block)
	switch f.Kind {
	case Gap, Overlap, BoundaryMismatch:
		if f.Previous == "" {
			return fmt.Sprintf("first block %s starts at %d, expected %d", block, f.Actual, f.Expected)
		}
		return fmt.Sprintf("%s -> %s: starts at %d, expected %d",
			filepath.Base(f.Previous), block, f.Actual, f.Expected)
	default:
		return fmt.Sprintf("%s ends at %d, running count expects %d", block, f.Actual, f.Expected)
	}
}

func (f PrefixFinding) String() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.describe())
}

// PrefixReport collects the findings of PrefixCheck
type PrefixReport struct {
	CatalogVersion uint64
	Blocks         int
	// UniquePrimes is the running count after the last block
	UniquePrimes uint64
	MaxPrime     uint64
	Findings     []PrefixFinding
}

// OK reports whether the blocks form an exact prefix of the enumeration
func (r *PrefixReport) OK() bool {
	return len(r.Findings) == 0
}

// Err combines every finding into one error, or returns nil
func (r *PrefixReport) Err() error {
	var result *multierror.Error
	for _, f := range r.Findings {
		result = multierror.Append(result, f.Err())
	}
	return result.ErrorOrNil()
}

// Count returns the number of findings of kind k
func (r *PrefixReport) Count(k FindingKind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// PrefixCheck walks the blocks in content order, keeping a running count C
// of unique primes. Block i must end at the (C-1)-th prime, and each block
// must start at the prime right after its predecessor's maximum.
func (a *Auditor) PrefixCheck() (*PrefixReport, error) {
	cat, err := a.scan()
	if err != nil {
		return nil, err
	}

	blocks := cat.Blocks()
	report := &PrefixReport{CatalogVersion: cat.Version(), Blocks: len(blocks)}

	var count uint64
	for i, b := range blocks {
		var expectedMin uint64
		finding := PrefixFinding{Block: b.Path, Actual: b.MinPrime}

		if i == 0 {
			expectedMin, err = a.oracle.Nth(0)
		} else {
			prev := blocks[i-1]
			finding.Previous = prev.Path
			expectedMin, err = a.oracle.Next(prev.MaxPrime)
		}
		if err != nil {
			return nil, fmt.Errorf("oracle failed at block %s: %w", b.Name(), err)
		}
		finding.Expected = expectedMin

		if b.MinPrime != expectedMin {
			switch {
			case b.MinPrime > expectedMin:
				finding.Kind = Gap
			case i > 0 && b.MinPrime <= blocks[i-1].MaxPrime:
				finding.Kind = Overlap
			default:
				finding.Kind = BoundaryMismatch
			}
			report.Findings = append(report.Findings, finding)
			a.logger.WithField("block", b.Name()).Error("Prefix %s", finding)
		}

		count += uint64(b.UniquePrimes)
		expectedMax, err := a.oracle.Nth(count - 1)
		if err != nil {
			return nil, fmt.Errorf("oracle failed at block %s: %w", b.Name(), err)
		}
		if expectedMax != b.MaxPrime {
			f := PrefixFinding{Kind: CountMismatch, Block: b.Path, Expected: expectedMax, Actual: b.MaxPrime}
			report.Findings = append(report.Findings, f)
			a.logger.WithField("block", b.Name()).Warn("Prefix %s", f)
		}

		a.report("prefix", i+1, len(blocks))
	}

	report.UniquePrimes = count
	report.MaxPrime, _ = cat.MaxPrime()
	if report.OK() {
		a.logger.Info("Prefix check passed: %d blocks, %d primes up to %d", report.Blocks, count, report.MaxPrime)
	}
	return report, nil
}
