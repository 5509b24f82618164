// Package mutex implements the Ricart-Agrawala distributed mutual
// exclusion algorithm over a configured peer set. One Engine instance
// guards one resource domain; the branch coordinator owns one Engine
// per resource it needs to serialize across branches.
//
// The priority rule below — the requester with the smaller (timestamp,
// node id) pair wins a tie — is the same tie-break a request-scoped
// lock table uses to decide which of two conflicting claims evicts the
// other; here it decides which of two conflicting requests gets an
// immediate reply instead of a deferred one.
package mutex

import (
	"context"
	"sync"
	"time"

	"github.com/daviddao/branchmesh/pkg/lamport"
	"github.com/daviddao/branchmesh/pkg/model"
)

// Outcome is the result of Acquire.
type Outcome int

const (
	Granted Outcome = iota
	TimedOut
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case TimedOut:
		return "timed_out"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Sender is the capability the engine needs to reach peers without
// holding a reference back to the transport or coordinator directly.
type Sender interface {
	Send(peerID string, env model.Envelope) error
}

// Engine is one node's Ricart-Agrawala state machine for a single
// resource domain.
type Engine struct {
	selfID   string
	resource string
	peers    []string
	clock    *lamport.Clock
	sender   Sender

	mu             sync.Mutex
	requesting     bool
	inCS           bool
	myRequestTS    int64
	repliesPending map[string]bool
	deferred       map[string]bool
	waiters        []chan struct{}

	acquireCount int64
}

// New constructs an engine for one resource domain over the given
// peer set (self excluded). clock is shared with the rest of the node
// so timestamps stay consistent across subsystems.
func New(selfID, resource string, peers []string, clock *lamport.Clock, sender Sender) *Engine {
	return &Engine{
		selfID:         selfID,
		resource:       resource,
		peers:          peers,
		clock:          clock,
		sender:         sender,
		repliesPending: make(map[string]bool),
		deferred:       make(map[string]bool),
	}
}

// Acquire requests the critical section, broadcasting MUTEX_REQUEST to
// every peer and blocking until every reply is in, ctx is done, or
// timeout elapses. Re-entrant: a node already in the critical section
// for this resource is granted immediately.
func (e *Engine) Acquire(ctx context.Context, timeout time.Duration) Outcome {
	e.mu.Lock()
	if e.inCS {
		e.mu.Unlock()
		return Granted
	}
	if e.requesting {
		e.mu.Unlock()
		return Rejected
	}

	ts := e.clock.Tick()
	e.requesting = true
	e.myRequestTS = ts
	e.repliesPending = make(map[string]bool, len(e.peers))
	for _, p := range e.peers {
		e.repliesPending[p] = true
	}
	e.deferred = make(map[string]bool)
	done := make(chan struct{})
	if len(e.repliesPending) == 0 {
		close(done)
	} else {
		e.waiters = append(e.waiters, done)
	}
	e.mu.Unlock()

	for _, p := range e.peers {
		err := e.sender.Send(p, model.Envelope{
			Kind:       model.KindMutexRequest,
			SenderID:   e.selfID,
			ResourceID: e.resource,
			Timestamp:  ts,
		})
		if err != nil {
			// A peer we could not reach cannot be running its own
			// critical section against us; treat it as if it had
			// already replied so a dead peer never wedges Acquire.
			e.recordReply(p)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		e.mu.Lock()
		if !e.requesting {
			// Shutdown woke us, not the last reply.
			e.mu.Unlock()
			return TimedOut
		}
		e.inCS = true
		e.acquireCount++
		e.mu.Unlock()
		return Granted
	case <-timer.C:
		e.mu.Lock()
		e.requesting = false
		e.mu.Unlock()
		return TimedOut
	case <-ctx.Done():
		e.mu.Lock()
		e.requesting = false
		e.mu.Unlock()
		return TimedOut
	}
}

// Release leaves the critical section and flushes deferred replies to
// every peer that was made to wait. Calling Release when not in the
// critical section (for instance after a timed-out Acquire) is a
// harmless no-op.
func (e *Engine) Release() {
	e.mu.Lock()
	if !e.inCS {
		e.mu.Unlock()
		return
	}
	e.inCS = false
	e.requesting = false
	toReply := make([]string, 0, len(e.deferred))
	for p := range e.deferred {
		toReply = append(toReply, p)
	}
	e.deferred = make(map[string]bool)
	e.mu.Unlock()

	for _, p := range toReply {
		_ = e.sender.Send(p, model.Envelope{
			Kind:       model.KindMutexReply,
			SenderID:   e.selfID,
			ResourceID: e.resource,
			Timestamp:  e.clock.Tick(),
		})
	}
}

// OnRequest handles an incoming MUTEX_REQUEST from peer with timestamp
// ts, replying immediately or deferring per the priority rule: we always
// defer while holding the section, and while requesting we defer only
// when our claim has priority over theirs.
func (e *Engine) OnRequest(peer string, ts int64) {
	e.clock.Receive(ts)

	e.mu.Lock()
	reply := true
	switch {
	case e.inCS:
		reply = false
	case e.requesting:
		reply = lamport.TotalOrderLess(ts, peer, e.myRequestTS, e.selfID)
	}
	if !reply {
		e.deferred[peer] = true
	}
	e.mu.Unlock()

	if reply {
		_ = e.sender.Send(peer, model.Envelope{
			Kind:       model.KindMutexReply,
			SenderID:   e.selfID,
			ResourceID: e.resource,
			Timestamp:  e.clock.Tick(),
		})
	}
}

// OnReply handles an incoming MUTEX_REPLY from peer. ts is the reply's
// own Lamport timestamp and is folded into the clock before the reply
// is counted.
func (e *Engine) OnReply(peer string, ts int64) {
	e.clock.Receive(ts)
	e.recordReply(peer)
}

// recordReply removes peer from the pending set and wakes the acquirer
// once every reply is in. Separated from OnReply so Acquire's
// send-failure path can record an implicit reply without re-advancing
// the clock on a timestamp nobody actually sent.
func (e *Engine) recordReply(peer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.requesting {
		return
	}
	if !e.repliesPending[peer] {
		return
	}
	delete(e.repliesPending, peer)
	if len(e.repliesPending) == 0 {
		for _, w := range e.waiters {
			close(w)
		}
		e.waiters = nil
	}
}

// Stats reports a diagnostic snapshot of the engine's current state.
func (e *Engine) Stats() model.MutexState {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := make([]string, 0, len(e.repliesPending))
	for p := range e.repliesPending {
		pending = append(pending, p)
	}
	deferred := make([]string, 0, len(e.deferred))
	for p := range e.deferred {
		deferred = append(deferred, p)
	}
	return model.MutexState{
		Requesting:     e.requesting,
		InCS:           e.inCS,
		MyRequestTS:    e.myRequestTS,
		RepliesPending: pending,
		Deferred:       deferred,
	}
}

// Shutdown releases the critical section if held and wakes any
// in-flight Acquire with a failure, matching the coordinator's
// documented shutdown order (mutex after replication, before
// transport).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	if !e.inCS {
		e.requesting = false
	}
	e.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	e.Release()
}
