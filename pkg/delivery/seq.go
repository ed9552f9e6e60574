package delivery

import "sync"

const (
	DefaultMaxSeq       = 4
	DefaultCounterLimit = 5000
)

// SeqCounter hands out per-reference reply sequence numbers. Values count up
// from 1 and stick at the cap. The map is cleared wholesale once it holds
// more than limit references.
type SeqCounter struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
	limit  int
}

func NewSeqCounter(max, limit int) *SeqCounter {
	if max <= 0 {
		max = DefaultMaxSeq
	}
	if limit <= 0 {
		limit = DefaultCounterLimit
	}
	return &SeqCounter{counts: make(map[string]int), max: max, limit: limit}
}

func (c *SeqCounter) Next(key string) int {
	if key == "" {
		return 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[key]
	if !ok && len(c.counts) >= c.limit {
		c.counts = make(map[string]int)
	}
	if n < c.max {
		n++
	}
	c.counts[key] = n
	return n
}

func (c *SeqCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}
