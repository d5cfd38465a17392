// Package inflight counts submissions a device has accepted but not yet
// completed.
//
// Unlike sync.WaitGroup, Begin may run concurrently with Wait, so one job
// can submit while another waits for the device to go idle.
package inflight

import "sync"

// Counter tracks in-flight work. The zero value is ready to use.
type Counter struct {
	mu     sync.Mutex
	cond   sync.Cond
	n      int
	closed bool
}

func (c *Counter) init() {
	if c.cond.L == nil {
		c.cond.L = &c.mu
	}
}

// Begin registers one unit of work. It returns false once Close has been
// called, in which case nothing is registered.
func (c *Counter) Begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.n++
	return true
}

// Done marks one unit of work registered by Begin as complete.
func (c *Counter) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if c.n <= 0 {
		panic("inflight: Done without Begin")
	}
	c.n--
	if c.n == 0 {
		c.cond.Broadcast()
	}
}

// Wait blocks until no work is in flight. Work registered while Wait
// blocks is waited for as well.
func (c *Counter) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	for c.n > 0 {
		c.cond.Wait()
	}
}

// Close rejects further Begin calls and waits for the work already in
// flight. It reports whether this call closed the counter.
func (c *Counter) Close() bool {
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	c.mu.Unlock()
	c.Wait()
	return first
}

// Len returns the number of units in flight.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
