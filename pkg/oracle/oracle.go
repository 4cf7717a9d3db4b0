// Package oracle provides the canonical enumeration of primes.
//
// Answers must be exact: the prefix audit compares stored primes against
// this enumeration and any probabilistic error would show up as a false gap.
package oracle

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
)

// ErrOutOfRange is returned when an answer needs more primes than the oracle may hold
var ErrOutOfRange = errors.New("beyond oracle range")

// Oracle answers questions about the canonical prime enumeration (0-based)
type Oracle interface {
	// Nth returns the i-th prime; Nth(0) == 2
	Nth(i uint64) (uint64, error)
	// Next returns the smallest prime strictly greater than p
	Next(p uint64) (uint64, error)
	// CountUpTo returns the number of primes <= p
	CountUpTo(p uint64) (uint64, error)
	// IsPrime reports whether n is prime
	IsPrime(n uint64) (bool, error)
}

const (
	bootstrapLimit = 1 << 16
	maxSegment     = 1 << 24
)

// Sieve is an Oracle backed by an incrementally extended segmented sieve.
// It holds every prime up to its current limit and grows on demand, up to
// maxPrimes entries.
type Sieve struct {
	mu        sync.Mutex
	primes    []uint64
	limit     uint64 // every prime <= limit is in primes
	maxPrimes uint64
}

// NewSieve creates a sieve that will hold at most maxPrimes primes
func NewSieve(maxPrimes uint64) *Sieve {
	s := &Sieve{maxPrimes: maxPrimes}
	s.bootstrap()
	return s
}

func (s *Sieve) bootstrap() {
	composite := make([]bool, bootstrapLimit+1)
	for i := uint64(2); i <= bootstrapLimit; i++ {
		if composite[i] {
			continue
		}
		s.primes = append(s.primes, i)
		for j := i * i; j <= bootstrapLimit; j += i {
			composite[j] = true
		}
	}
	s.limit = bootstrapLimit
}

// extend sieves the next segment above limit
func (s *Sieve) extend() error {
	if uint64(len(s.primes)) >= s.maxPrimes {
		return fmt.Errorf("%w: sieve holds %d primes up to %d", ErrOutOfRange, len(s.primes), s.limit)
	}
	if s.limit >= math.MaxUint64-maxSegment {
		return fmt.Errorf("%w: sieve limit %d", ErrOutOfRange, s.limit)
	}

	lo := s.limit + 1
	span := s.limit
	if span > maxSegment {
		span = maxSegment
	}
	hi := s.limit + span

	composite := make([]bool, hi-lo+1)
	for _, p := range s.primes {
		if p*p > hi {
			break
		}
		start := (lo + p - 1) / p * p
		if start < p*p {
			start = p * p
		}
		for j := start; j <= hi; j += p {
			composite[j-lo] = true
		}
	}

	for i, c := range composite {
		if !c {
			s.primes = append(s.primes, lo+uint64(i))
		}
	}
	s.limit = hi
	return nil
}

// Nth returns the i-th prime
func (s *Sieve) Nth(i uint64) (uint64, error) {
	if i >= s.maxPrimes {
		return 0, fmt.Errorf("%w: index %d, max %d", ErrOutOfRange, i, s.maxPrimes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for uint64(len(s.primes)) <= i {
		if err := s.extend(); err != nil {
			return 0, err
		}
	}
	return s.primes[i], nil
}

// Next returns the smallest prime greater than p
func (s *Sieve) Next(p uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		i := sort.Search(len(s.primes), func(i int) bool { return s.primes[i] > p })
		if i < len(s.primes) {
			return s.primes[i], nil
		}
		if err := s.extend(); err != nil {
			return 0, err
		}
	}
}

// CountUpTo returns the number of primes <= p
func (s *Sieve) CountUpTo(p uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.limit < p {
		if err := s.extend(); err != nil {
			return 0, err
		}
	}
	return uint64(sort.Search(len(s.primes), func(i int) bool { return s.primes[i] > p })), nil
}

// IsPrime answers from the table when n is within it, otherwise with a
// Baillie-PSW test, which is exact below 2^64
func (s *Sieve) IsPrime(n uint64) (bool, error) {
	s.mu.Lock()
	limit := s.limit
	if n <= limit {
		i := sort.Search(len(s.primes), func(i int) bool { return s.primes[i] >= n })
		found := i < len(s.primes) && s.primes[i] == n
		s.mu.Unlock()
		return found, nil
	}
	s.mu.Unlock()

	return new(big.Int).SetUint64(n).ProbablyPrime(0), nil
}

// Range returns count consecutive primes starting at index start
func (s *Sieve) Range(start, count uint64) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}
	if _, err := s.Nth(start + count - 1); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.primes[start:start+count]...), nil
}

// Len returns how many primes the table currently holds
func (s *Sieve) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.primes)
}
