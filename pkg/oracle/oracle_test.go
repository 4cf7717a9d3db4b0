package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNth(t *testing.T) {
	s := NewSieve(1 << 20)

	first := []uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29}
	for i, want := range first {
		got, err := s.Nth(uint64(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Past the bootstrap table: pi(10^6) = 78498, so the 78498th prime (0-based
	// index 78497) is 999983 and index 78498 is 1000003.
	got, err := s.Nth(78497)
	require.NoError(t, err)
	assert.Equal(t, uint64(999983), got)

	got, err = s.Nth(78498)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000003), got)
}

func TestNext(t *testing.T) {
	s := NewSieve(1 << 20)

	cases := map[uint64]uint64{0: 2, 1: 2, 2: 3, 7: 11, 97: 101, 100: 101, 65521: 65537, 999983: 1000003}
	for p, want := range cases {
		got, err := s.Next(p)
		require.NoError(t, err)
		assert.Equal(t, want, got, "next(%d)", p)
	}
}

func TestCountUpTo(t *testing.T) {
	s := NewSieve(1 << 20)

	cases := map[uint64]uint64{0: 0, 1: 0, 2: 1, 10: 4, 100: 25, 1000: 168, 1000000: 78498}
	for p, want := range cases {
		got, err := s.CountUpTo(p)
		require.NoError(t, err)
		assert.Equal(t, want, got, "pi(%d)", p)
	}
}

func TestIsPrime(t *testing.T) {
	s := NewSieve(1 << 20)

	for _, n := range []uint64{2, 3, 65537, 1000003, 4294967291, 18446744073709551557} {
		ok, err := s.IsPrime(n)
		require.NoError(t, err)
		assert.True(t, ok, "%d is prime", n)
	}
	for _, n := range []uint64{0, 1, 4, 65535, 1000001, 4294967297, 18446744073709551615} {
		ok, err := s.IsPrime(n)
		require.NoError(t, err)
		assert.False(t, ok, "%d is composite", n)
	}
}

func TestOutOfRange(t *testing.T) {
	s := NewSieve(10)

	got, err := s.Nth(9)
	require.NoError(t, err)
	assert.Equal(t, uint64(29), got)

	_, err = s.Nth(10)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestRange(t *testing.T) {
	s := NewSieve(1 << 20)

	got, err := s.Range(3, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 11, 13, 17, 19}, got)

	got, err = s.Range(0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
