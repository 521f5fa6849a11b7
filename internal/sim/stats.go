package sim

import "sync"

// Counter aggregates settled cycles. Safe for concurrent use.
type Counter struct {
	mu         sync.Mutex
	cycles     int
	settled    int64
	mismatches int
}

func (c *Counter) Add(cy Cycle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles++
	c.settled += cy.Rent
	if cy.Mismatch {
		c.mismatches++
	}
}

type Totals struct {
	Cycles     int
	Settled    int64
	Mismatches int
}

func (c *Counter) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Totals{Cycles: c.cycles, Settled: c.settled, Mismatches: c.mismatches}
}
