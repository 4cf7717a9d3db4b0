package record

import (
	"sort"
)

// Column names and the fixed schema every file must carry
const (
	ColP = "p"
	ColM = "m"
	ColN = "n"
	ColQ = "q"
)

// Table is a columnar batch of records with the schema {p:i64, m:i32, n:i32, q:i64}
type Table struct {
	P []uint64
	M []uint32
	N []uint32
	Q []uint64
}

// NewTable creates an empty table with room for capacity rows
func NewTable(capacity int) *Table {
	return &Table{
		P: make([]uint64, 0, capacity),
		M: make([]uint32, 0, capacity),
		N: make([]uint32, 0, capacity),
		Q: make([]uint64, 0, capacity),
	}
}

// FromRecords builds a table from row values
func FromRecords(rows ...Record) *Table {
	t := NewTable(len(rows))
	for _, r := range rows {
		t.Append(r)
	}
	return t
}

// Append adds one row
func (t *Table) Append(r Record) {
	t.P = append(t.P, r.P)
	t.M = append(t.M, r.M)
	t.N = append(t.N, r.N)
	t.Q = append(t.Q, r.Q)
}

// Len returns the row count
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.P)
}

// Row returns row i
func (t *Table) Row(i int) Record {
	return Record{P: t.P[i], M: t.M[i], N: t.N[i], Q: t.Q[i]}
}

// Records returns every row
func (t *Table) Records() []Record {
	out := make([]Record, t.Len())
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// Concat joins tables into a new one without reordering
func Concat(tables ...*Table) *Table {
	total := 0
	for _, t := range tables {
		total += t.Len()
	}
	out := NewTable(total)
	for _, t := range tables {
		if t == nil {
			continue
		}
		out.P = append(out.P, t.P...)
		out.M = append(out.M, t.M...)
		out.N = append(out.N, t.N...)
		out.Q = append(out.Q, t.Q...)
	}
	return out
}

type keyOrder struct{ *Table }

func (k keyOrder) Less(i, j int) bool { return k.Row(i).Less(k.Row(j)) }
func (k keyOrder) Swap(i, j int) {
	k.P[i], k.P[j] = k.P[j], k.P[i]
	k.M[i], k.M[j] = k.M[j], k.M[i]
	k.N[i], k.N[j] = k.N[j], k.N[i]
	k.Q[i], k.Q[j] = k.Q[j], k.Q[i]
}

// SortByKey sorts rows in place by (p, m, n, q)
func (t *Table) SortByKey() {
	sort.Sort(keyOrder{t})
}

// IsSortedByKey reports whether rows are in (p, m, n, q) order
func (t *Table) IsSortedByKey() bool {
	return sort.IsSorted(keyOrder{t})
}

// DedupReport summarizes a Dedup pass
type DedupReport struct {
	// Duplicates counts rows dropped because an identical row was kept
	Duplicates int
	// Collisions lists primes whose records disagree
	Collisions []Collision
}

// Err returns a *CollisionError when collisions were found
func (r DedupReport) Err() error {
	if len(r.Collisions) == 0 {
		return nil
	}
	return &CollisionError{Collisions: r.Collisions}
}

// Dedup returns a sorted copy holding one row per key; t is left as it was.
// Records of the same prime that contradict each other are reported, never
// resolved.
func (t *Table) Dedup() (*Table, DedupReport) {
	if !t.IsSortedByKey() {
		t = Concat(t)
		t.SortByKey()
	}

	var report DedupReport
	out := NewTable(t.Len())

	for start := 0; start < t.Len(); {
		end := start + 1
		for end < t.Len() && t.P[end] == t.P[start] {
			end++
		}

		groupStart := out.Len()
		for i := start; i < end; i++ {
			r := t.Row(i)
			if out.Len() > groupStart && out.Row(out.Len()-1) == r {
				report.Duplicates++
				continue
			}
			out.Append(r)
		}

		if c, ok := checkGroup(out, groupStart, out.Len()); ok {
			report.Collisions = append(report.Collisions, c)
		}
		start = end
	}

	return out, report
}

// checkGroup inspects the distinct, sorted records of one prime
func checkGroup(t *Table, start, end int) (Collision, bool) {
	if end-start < 2 {
		return Collision{}, false
	}

	group := make([]Record, 0, end-start)
	for i := start; i < end; i++ {
		group = append(group, t.Row(i))
	}

	// The sentinel sorts first since its m is 0.
	if group[0].IsSentinel() {
		return Collision{P: group[0].P, Kind: SentinelMixed, Records: group}, true
	}

	for i := 1; i < len(group); i++ {
		prev, cur := group[i-1], group[i]
		if prev.M != cur.M {
			continue
		}
		kind := DivergentN
		if prev.N == cur.N {
			kind = DivergentQ
		}
		return Collision{P: cur.P, Kind: kind, Records: []Record{prev, cur}}, true
	}

	return Collision{}, false
}

// FilterRange returns the rows with lo <= p <= hi. Sorted tables are cut with a
// binary search; unsorted ones are scanned.
func (t *Table) FilterRange(lo, hi uint64) *Table {
	if t.IsSortedByKey() {
		i := sort.Search(t.Len(), func(i int) bool { return t.P[i] >= lo })
		j := sort.Search(t.Len(), func(i int) bool { return t.P[i] > hi })
		if i >= j {
			return NewTable(0)
		}
		return &Table{
			P: append([]uint64(nil), t.P[i:j]...),
			M: append([]uint32(nil), t.M[i:j]...),
			N: append([]uint32(nil), t.N[i:j]...),
			Q: append([]uint64(nil), t.Q[i:j]...),
		}
	}

	out := NewTable(0)
	for i := 0; i < t.Len(); i++ {
		if t.P[i] >= lo && t.P[i] <= hi {
			out.Append(t.Row(i))
		}
	}
	return out
}

// UniqueKeys counts distinct (p, m, n, q) tuples without modifying the table
func (t *Table) UniqueKeys() int {
	seen := make(map[Record]struct{}, t.Len())
	for i := 0; i < t.Len(); i++ {
		seen[t.Row(i)] = struct{}{}
	}
	return len(seen)
}

// UniquePrimes returns the distinct primes in ascending order
func (t *Table) UniquePrimes() []uint64 {
	return UniqueSorted(t.P)
}

// PartitionCounts maps a prime to its number of real (non-sentinel) records
func (t *Table) PartitionCounts() map[uint64]int {
	counts := make(map[uint64]int)
	for i := 0; i < t.Len(); i++ {
		r := t.Row(i)
		if r.IsSentinel() {
			if _, ok := counts[r.P]; !ok {
				counts[r.P] = 0
			}
			continue
		}
		counts[r.P]++
	}
	return counts
}

// Aggregate holds the cheap per-file statistics derived from the p column
type Aggregate struct {
	Rows         int
	MinP         uint64
	MaxP         uint64
	UniquePrimes int
}

// AggregateP computes row count, min, max and distinct count of a p column
func AggregateP(p []uint64) Aggregate {
	agg := Aggregate{Rows: len(p)}
	if len(p) == 0 {
		return agg
	}
	agg.MinP, agg.MaxP = p[0], p[0]
	sorted := true
	for i := 1; i < len(p); i++ {
		if p[i] < agg.MinP {
			agg.MinP = p[i]
		}
		if p[i] > agg.MaxP {
			agg.MaxP = p[i]
		}
		if p[i] < p[i-1] {
			sorted = false
		}
	}
	if sorted {
		agg.UniquePrimes = 1
		for i := 1; i < len(p); i++ {
			if p[i] != p[i-1] {
				agg.UniquePrimes++
			}
		}
		return agg
	}
	agg.UniquePrimes = len(UniqueSorted(p))
	return agg
}

// UniqueSorted returns the distinct values of p in ascending order
func UniqueSorted(p []uint64) []uint64 {
	out := append([]uint64(nil), p...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i := range out {
		if i == 0 || out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
