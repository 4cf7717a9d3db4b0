// Package partition is the producer side of the store: it finds every way to
// write a prime as 2^m + q^n with q prime and turns batches of primes into
// run files.
package partition

import (
	"math"
	"math/bits"

	"github.com/KevoDB/pparts/pkg/oracle"
	"github.com/KevoDB/pparts/pkg/record"
)

// Decompose returns every (m, n, q) with p = 2^m + q^n and q prime, ordered by
// m then n. It returns nil for 2, 3 and any prime with no such form.
func Decompose(p uint64, o oracle.Oracle) ([]record.Record, error) {
	if p < 5 {
		return nil, nil
	}

	var out []record.Record
	maxM := uint32(bits.Len64(p) - 1)
	for m := uint32(1); m <= maxM; m++ {
		rem := p - uint64(1)<<m
		// 3 is the smallest base q can take since rem is odd.
		maxN := log3(rem)
		for n := uint32(1); n <= maxN; n++ {
			q, ok := exactRoot(rem, n)
			if !ok {
				continue
			}
			prime, err := o.IsPrime(q)
			if err != nil {
				return nil, err
			}
			if prime {
				out = append(out, record.Record{P: p, M: m, N: n, Q: q})
			}
		}
	}
	return out, nil
}

// Analyze appends the records of p to t, writing the sentinel when p has no
// decomposition. It returns the number of decompositions found.
func Analyze(t *record.Table, p uint64, o oracle.Oracle) (int, error) {
	found, err := Decompose(p, o)
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		t.Append(record.Sentinel(p))
		return 0, nil
	}
	for _, r := range found {
		t.Append(r)
	}
	return len(found), nil
}

// log3 returns floor(log3(x)), 0 for x < 3
func log3(x uint64) uint32 {
	var k uint32
	for v := uint64(3); v <= x; v *= 3 {
		k++
		if v > math.MaxUint64/3 {
			break
		}
	}
	return k
}

// exactRoot returns r with r^n == x when x is a perfect n-th power
func exactRoot(x uint64, n uint32) (uint64, bool) {
	if n == 1 {
		return x, true
	}
	r := uint64(math.Round(math.Pow(float64(x), 1/float64(n))))
	for r > 0 {
		v, ok := power(r, n)
		if ok && v <= x {
			break
		}
		r--
	}
	for {
		v, ok := power(r+1, n)
		if !ok || v > x {
			break
		}
		r++
	}
	v, ok := power(r, n)
	return r, ok && v == x
}

func power(base uint64, exp uint32) (uint64, bool) {
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
