// Package resume derives where the next work session starts from the
// content-derived maximum prime of the store.
package resume

import (
	"errors"
	"fmt"

	"github.com/KevoDB/pparts/pkg/audit"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/oracle"
)

// ErrUnsafeResume is returned by Guarded when the prefix audit fails
var ErrUnsafeResume = errors.New("resume is unsafe until the store is repaired")

// Position is where the next session starts
type Position struct {
	// Prime is the first prime not yet stored
	Prime uint64
	// Index is the 0-based position of Prime in the enumeration, assuming the
	// stored primes form an exact prefix
	Index uint64
	// MaxStored is the largest stored prime; meaningless when Empty
	MaxStored uint64
	Empty     bool
}

func (p *Position) String() string {
	if p.Empty {
		return fmt.Sprintf("empty store, start at %d (index %d)", p.Prime, p.Index)
	}
	return fmt.Sprintf("resume at %d (index %d) after %d", p.Prime, p.Index, p.MaxStored)
}

// Cursor computes resume positions. Its answers are only correct while the
// blocks form an exact prefix of the enumeration; Guarded checks that first.
type Cursor struct {
	blocksDir string
	oracle    oracle.Oracle
	auditor   *audit.Auditor
	logger    log.Logger
}

// New creates a cursor over the block directory named by cfg
func New(cfg *config.Config, o oracle.Oracle, logger log.Logger) *Cursor {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Cursor{
		blocksDir: cfg.BlocksDir,
		oracle:    o,
		auditor:   audit.New(cfg, o, logger),
		logger:    logger.WithField("component", "resume"),
	}
}

// Position reads the catalog aggregates and returns the next start
func (c *Cursor) Position() (*Position, error) {
	cat, err := catalog.Scan(c.blocksDir, c.logger)
	if err != nil {
		return nil, err
	}

	maxPrime, ok := cat.MaxPrime()
	if !ok {
		first, err := c.oracle.Nth(0)
		if err != nil {
			return nil, err
		}
		return &Position{Prime: first, Empty: true}, nil
	}

	next, err := c.oracle.Next(maxPrime)
	if err != nil {
		return nil, fmt.Errorf("failed to find successor of %d: %w", maxPrime, err)
	}
	return &Position{
		Prime:     next,
		Index:     uint64(cat.TotalUniquePrimes()),
		MaxStored: maxPrime,
	}, nil
}

// ResumePoint returns the first prime not yet stored
func (c *Cursor) ResumePoint() (uint64, error) {
	pos, err := c.Position()
	if err != nil {
		return 0, err
	}
	return pos.Prime, nil
}

// StartIndex returns the 0-based enumeration index of the resume point
func (c *Cursor) StartIndex() (uint64, error) {
	pos, err := c.Position()
	if err != nil {
		return 0, err
	}
	return pos.Index, nil
}

// NextBatch returns the n primes following the stored maximum
func (c *Cursor) NextBatch(n int) ([]uint64, error) {
	pos, err := c.Position()
	if err != nil {
		return nil, err
	}
	return c.batchFrom(pos.Prime, n)
}

func (c *Cursor) batchFrom(first uint64, n int) ([]uint64, error) {
	if n <= 0 {
		return nil, nil
	}
	batch := make([]uint64, 0, n)
	p := first
	for len(batch) < n {
		batch = append(batch, p)
		if len(batch) == n {
			break
		}
		next, err := c.oracle.Next(p)
		if err != nil {
			return nil, err
		}
		p = next
	}
	return batch, nil
}

// Guarded runs the prefix audit and returns the position only when it passes
func (c *Cursor) Guarded() (*Position, *audit.PrefixReport, error) {
	report, err := c.auditor.PrefixCheck()
	if err != nil {
		return nil, nil, err
	}
	if !report.OK() {
		c.logger.Error("Refusing to resume: %d prefix findings", len(report.Findings))
		return nil, report, fmt.Errorf("%w: %w", ErrUnsafeResume, report.Err())
	}

	pos, err := c.Position()
	if err != nil {
		return nil, report, err
	}
	return pos, report, nil
}
