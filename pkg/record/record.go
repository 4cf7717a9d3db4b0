// Package record defines the partition record and a fixed-schema columnar
// table holding batches of them.
//
// A record states p = 2^m + q^n with q prime. The sentinel {p, 0, 0, 0}
// states that p has no such decomposition. The whole tuple (p, m, n, q) is
// the uniqueness key.
package record

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrKeyCollision is returned when two records for the same prime disagree
	ErrKeyCollision = errors.New("key collision with divergent payload")
	// ErrInvalidRecord is returned by Verify for rows that do not state a true identity
	ErrInvalidRecord = errors.New("invalid partition record")
)

// Record is one (prime, decomposition) pair
type Record struct {
	P uint64
	M uint32
	N uint32
	Q uint64
}

// Sentinel returns the "no decomposition" record for p
func Sentinel(p uint64) Record {
	return Record{P: p}
}

// IsSentinel reports whether r is the "no decomposition" marker
func (r Record) IsSentinel() bool {
	return r.M == 0 && r.N == 0 && r.Q == 0
}

// Less orders records by (p, m, n, q)
func (r Record) Less(o Record) bool {
	if r.P != o.P {
		return r.P < o.P
	}
	if r.M != o.M {
		return r.M < o.M
	}
	if r.N != o.N {
		return r.N < o.N
	}
	return r.Q < o.Q
}

// String renders the identity the record states
func (r Record) String() string {
	if r.IsSentinel() {
		return fmt.Sprintf("%d: none", r.P)
	}
	return fmt.Sprintf("%d = 2^%d + %d^%d", r.P, r.M, r.Q, r.N)
}

// Verify checks that a non-sentinel record states p = 2^m + q^n exactly.
// Primality of q is not checked here; that needs an oracle.
func Verify(r Record) error {
	if r.IsSentinel() {
		return nil
	}
	if r.M == 0 || r.N == 0 || r.Q < 2 {
		return fmt.Errorf("%w: %d has m=%d n=%d q=%d", ErrInvalidRecord, r.P, r.M, r.N, r.Q)
	}
	if r.M >= 64 {
		return fmt.Errorf("%w: %d has m=%d out of range", ErrInvalidRecord, r.P, r.M)
	}

	power, ok := pow(r.Q, r.N)
	if !ok {
		return fmt.Errorf("%w: %d^%d overflows", ErrInvalidRecord, r.Q, r.N)
	}
	sum, carry := bits.Add64(uint64(1)<<r.M, power, 0)
	if carry != 0 || sum != r.P {
		return fmt.Errorf("%w: 2^%d + %d^%d != %d", ErrInvalidRecord, r.M, r.Q, r.N, r.P)
	}
	return nil
}

// pow computes base^exp, reporting false on uint64 overflow
func pow(base uint64, exp uint32) (uint64, bool) {
	result := uint64(1)
	for i := uint32(0); i < exp; i++ {
		hi, lo := bits.Mul64(result, base)
		if hi != 0 {
			return 0, false
		}
		result = lo
	}
	return result, true
}

// CollisionKind classifies how two records for one prime disagree
type CollisionKind int

const (
	// DivergentQ: same (p, m, n) with different q
	DivergentQ CollisionKind = iota
	// DivergentN: same (p, m) with different n. p - 2^m has a single
	// prime-power form, so two exponents for one m cannot both hold.
	DivergentN
	// SentinelMixed: the prime carries both a sentinel and real records
	SentinelMixed
)

func (k CollisionKind) String() string {
	switch k {
	case DivergentQ:
		return "divergent-q"
	case DivergentN:
		return "divergent-n"
	case SentinelMixed:
		return "sentinel-mixed"
	default:
		return fmt.Sprintf("collision(%d)", int(k))
	}
}

// Collision is one disagreement between records of the same prime
type Collision struct {
	P       uint64
	Kind    CollisionKind
	Records []Record
}

func (c Collision) String() string {
	return fmt.Sprintf("p=%d %s %v", c.P, c.Kind, c.Records)
}

// CollisionError carries every collision found in one pass
type CollisionError struct {
	Collisions []Collision
}

func (e *CollisionError) Error() string {
	if len(e.Collisions) == 1 {
		return fmt.Sprintf("%v: %s", ErrKeyCollision, e.Collisions[0])
	}
	return fmt.Sprintf("%v: %d primes affected, first %s",
		ErrKeyCollision, len(e.Collisions), e.Collisions[0])
}

func (e *CollisionError) Unwrap() error {
	return ErrKeyCollision
}
