package stats

import "time"

// Provider is implemented by components that expose statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics whose key starts with prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector records what the store did during a process lifetime
type Collector interface {
	Provider

	// TrackOperation records one operation and its duration
	TrackOperation(op OperationType, latency time.Duration)

	// TrackError increments the counter for the specified error kind
	TrackError(kind string)

	// TrackBytes adds to the read or write byte counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackIngest records the effect of one compaction pass
	TrackIngest(runs, newPrimes, blocksWritten, blocksDeleted int)

	// TrackPrimes adds primes processed by a work session
	TrackPrimes(primes, rows int)

	// TrackRecovery records startup recovery work
	TrackRecovery(start time.Time, stagingResolved, orphansRemoved int)
}

var _ Collector = (*AtomicCollector)(nil)
