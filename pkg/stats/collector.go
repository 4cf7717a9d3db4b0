package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType names a store-level operation
type OperationType string

const (
	OpIngest     OperationType = "ingest"
	OpCatalog    OperationType = "catalog"
	OpIntegrity  OperationType = "integrity"
	OpPrefix     OperationType = "prefix"
	OpDivergence OperationType = "divergence"
	OpTruncate   OperationType = "truncate"
	OpRebuild    OperationType = "rebuild"
	OpResume     OperationType = "resume"
	OpCompute    OperationType = "compute"
)

// AtomicCollector collects statistics with atomic counters; maps are only
// locked when a new key appears
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	// Data movement
	runsConsumed  atomic.Uint64
	newPrimes     atomic.Uint64
	blocksWritten atomic.Uint64
	blocksDeleted atomic.Uint64
	primesDone    atomic.Uint64
	rowsProduced  atomic.Uint64

	recovery RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats describes the cleanup done when the store was opened
type RecoveryStats struct {
	StagingResolved atomic.Uint64
	OrphansRemoved  atomic.Uint64
	Duration        atomic.Int64 // nanoseconds
}

// LatencyTracker keeps running latency figures for one operation
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // 0 until the first sample
}

// NewAtomicCollector creates an empty collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation counts an operation and records its latency
func (c *AtomicCollector) TrackOperation(op OperationType, latency time.Duration) {
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()

	ns := uint64(latency.Nanoseconds())
	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(ns)

	for {
		current := tracker.max.Load()
		if ns <= current || tracker.max.CompareAndSwap(current, ns) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && ns >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, ns) {
			break
		}
	}
}

// TrackError increments the counter for the specified error kind
func (c *AtomicCollector) TrackError(kind string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[kind]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[kind]; !exists {
			counter = &atomic.Uint64{}
			c.errors[kind] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds to the read or write byte counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackIngest records the effect of one compaction pass
func (c *AtomicCollector) TrackIngest(runs, newPrimes, blocksWritten, blocksDeleted int) {
	c.runsConsumed.Add(uint64(runs))
	c.newPrimes.Add(uint64(newPrimes))
	c.blocksWritten.Add(uint64(blocksWritten))
	c.blocksDeleted.Add(uint64(blocksDeleted))
}

// TrackPrimes adds primes processed by a work session
func (c *AtomicCollector) TrackPrimes(primes, rows int) {
	c.primesDone.Add(uint64(primes))
	c.rowsProduced.Add(uint64(rows))
}

// TrackRecovery records startup recovery work
func (c *AtomicCollector) TrackRecovery(start time.Time, stagingResolved, orphansRemoved int) {
	c.recovery.StagingResolved.Store(uint64(stagingResolved))
	c.recovery.OrphansRemoved.Store(uint64(orphansRemoved))
	c.recovery.Duration.Store(time.Since(start).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["runs_consumed"] = c.runsConsumed.Load()
	stats["new_primes"] = c.newPrimes.Load()
	stats["blocks_written"] = c.blocksWritten.Load()
	stats["blocks_deleted"] = c.blocksDeleted.Load()
	stats["primes_computed"] = c.primesDone.Load()
	stats["rows_produced"] = c.rowsProduced.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for kind, counter := range c.errors {
		errorStats[kind] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recovery := map[string]interface{}{
		"staging_resolved": c.recovery.StagingResolved.Load(),
		"orphans_removed":  c.recovery.OrphansRemoved.Load(),
	}
	if d := c.recovery.Duration.Load(); d > 0 {
		recovery["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recovery

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics whose key starts with prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
