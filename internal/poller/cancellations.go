package poller

import "sync"

// Cancellations holds the cooperative cancel flags observed by running pollers
type Cancellations struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

func NewCancellations() *Cancellations {
	return &Cancellations{flags: make(map[string]struct{})}
}

// Request flags jobID; the poller acts on it at its next wake-up
func (c *Cancellations) Request(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[jobID] = struct{}{}
}

func (c *Cancellations) Requested(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flags[jobID]
	return ok
}

// Clear drops the flag once the job is terminal
func (c *Cancellations) Clear(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flags, jobID)
}
