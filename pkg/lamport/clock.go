// Package lamport implements a Lamport logical clock.
//
// From Lamport (1978), two implementation rules govern the clock:
//
//	IR1 (internal event): Before any internal event, increment the clock.
//	IR2 (message receipt): On receiving a message with timestamp t,
//	     set the clock to max(own, t) + 1.
//
// TotalOrderLess breaks ties deterministically using node IDs, giving
// every participant in the peer set the same ordering without a
// central coordinator — the basis for the mutex engine's priority rule.
//
// Unlike a per-invocation CLI clock, a branch node's clock is shared by
// every goroutine that ticks on send or updates on receive (listener,
// per-peer pumps, periodic tasks), so Clock guards its state with a
// mutex.
package lamport

import "sync"

// Clock is a goroutine-safe Lamport logical clock.
type Clock struct {
	mu sync.Mutex
	ts int64
}

// Tick implements IR1: increment the clock before an internal event or
// before tagging an outgoing message. Returns the new timestamp.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Receive implements IR2: on receiving a message timestamped received,
// set the clock to max(own, received) + 1. Returns the new timestamp.
func (c *Clock) Receive(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.ts {
		c.ts = received
	}
	c.ts++
	return c.ts
}

// Peek returns the current value without advancing it, for diagnostics.
func (c *Clock) Peek() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// Set seeds the clock to a specific value. Used at node startup.
func (c *Clock) Set(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts = v
}

// TotalOrderLess defines the deterministic total order used to break
// timestamp ties across the peer set. Event A has priority over event B
// if:
//
//	tsA < tsB, or
//	tsA == tsB and nodeA < nodeB (lexicographic)
func TotalOrderLess(tsA int64, nodeA string, tsB int64, nodeB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return nodeA < nodeB
}
