package reorg

import "sync"

// ChainLocks hands out one mutex per chain. The guard holds a chain's lock
// for the whole of HandleReorg and the ingester holds it while applying an
// event, so recovery and ordinary ingestion for one chain never interleave.
// Distinct chains proceed independently.
type ChainLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewChainLocks() *ChainLocks {
	return &ChainLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock returns the mutex for a chain, creating it on first use.
func (c *ChainLocks) Lock(chainName string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[chainName]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[chainName] = lock
	}
	return lock
}
