package blockfile

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar"
	"github.com/weaviate/sroar"

	"github.com/KevoDB/pparts/pkg/record"
)

// Glob returns the visible files matching pattern in sorted order. Temporary
// files are never returned.
func Glob(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad glob pattern %q: %w", pattern, err)
	}

	out := matches[:0]
	for _, m := range matches {
		if IsTemp(m) || filepath.Base(m)[0] == '.' {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// DirPattern is the glob selecting every file in dir whose name starts with
// prefix and ends with Extension
func DirPattern(dir, prefix string) string {
	return filepath.Join(dir, prefix+"*"+Extension)
}

// ScanFunc is called once per readable file of a scan
type ScanFunc func(path string, r *Reader) error

// ScanGlob opens every file matching pattern and hands it to fn, treating the
// matches as one logical scan. Malformed files are skipped and returned in
// malformed; any other error stops the scan.
func ScanGlob(pattern string, fn ScanFunc) (malformed []string, err error) {
	paths, err := Glob(pattern)
	if err != nil {
		return nil, err
	}

	for _, path := range paths {
		r, err := Open(path)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				malformed = append(malformed, path)
				continue
			}
			return malformed, err
		}
		err = fn(path, r)
		r.Close()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				malformed = append(malformed, path)
				continue
			}
			return malformed, err
		}
	}
	return malformed, nil
}

// GlobAggregate summarizes the p columns of a set of files
type GlobAggregate struct {
	Files        int
	Rows         int
	MinP         uint64
	MaxP         uint64
	UniquePrimes int
	Malformed    []string
}

// AggregateGlob computes row count, prime range and distinct primes across
// every file matching pattern, reading only p columns
func AggregateGlob(pattern string) (GlobAggregate, error) {
	var agg GlobAggregate
	primes := sroar.NewBitmap()

	malformed, err := ScanGlob(pattern, func(path string, r *Reader) error {
		p, err := r.PColumn()
		if err != nil {
			return err
		}
		agg.Files++
		if len(p) == 0 {
			return nil
		}
		fileAgg := record.AggregateP(p)
		if agg.Rows == 0 || fileAgg.MinP < agg.MinP {
			agg.MinP = fileAgg.MinP
		}
		if fileAgg.MaxP > agg.MaxP {
			agg.MaxP = fileAgg.MaxP
		}
		agg.Rows += len(p)
		for _, v := range p {
			primes.Set(v)
		}
		return nil
	})
	agg.Malformed = malformed
	if err != nil {
		return agg, err
	}

	agg.UniquePrimes = primes.GetCardinality()
	return agg, nil
}
