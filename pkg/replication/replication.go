// Package replication implements log-shipping replication across the
// peer set: an append-only local log, periodic catch-up requests, and
// idempotent application of remote entries keyed by (origin, ts).
package replication

import (
	"sync"

	"github.com/daviddao/branchmesh/pkg/lamport"
	"github.com/daviddao/branchmesh/pkg/model"
)

// Sender is the capability the engine needs to reach peers.
type Sender interface {
	Send(peerID string, env model.Envelope) error
	Broadcast(env model.Envelope)
	LivePeers() []string
}

// Applier applies a replicated operation to local state. It must be
// idempotent and is only ever called for entries not yet applied
// locally — the engine enforces the (origin, ts) dedup itself.
type Applier func(entry model.LogEntry) error

type entryKey struct {
	origin string
	ts     int64
}

// Engine owns one branch's replication log and catch-up bookkeeping.
type Engine struct {
	selfID string
	clock  *lamport.Clock
	sender Sender
	apply  Applier

	mu            sync.Mutex
	log           []model.LogEntry
	applied       map[entryKey]bool
	lastAppliedTS map[string]int64 // peer id -> highest ts that peer has ACKed
}

// New constructs a replication engine. apply is invoked for every
// distinct remote LogEntry the engine accepts.
func New(selfID string, clock *lamport.Clock, sender Sender, apply Applier) *Engine {
	return &Engine{
		selfID:        selfID,
		clock:         clock,
		sender:        sender,
		apply:         apply,
		applied:       make(map[entryKey]bool),
		lastAppliedTS: make(map[string]int64),
	}
}

// Log appends a new local entry and broadcasts it as LOG_ENTRY. The
// caller must already have applied the operation locally — Log ships
// effects, it does not itself mutate local state.
func (e *Engine) Log(op, resourceID string, payload map[string]interface{}) model.LogEntry {
	ts := e.clock.Tick()
	entry := model.LogEntry{
		OriginNode: e.selfID,
		LamportTS:  ts,
		Op:         op,
		ResourceID: resourceID,
		Payload:    payload,
	}
	e.mu.Lock()
	e.log = append(e.log, entry)
	e.applied[entryKey{e.selfID, ts}] = true
	e.mu.Unlock()

	e.sender.Broadcast(envelopeFromEntry(entry))
	return entry
}

// RequestSync sends SYNC_REQUEST to every live peer, asking for
// everything newer than lastAppliedTS[peer], the highest timestamp that
// peer has ACKed from us.
// Intended to be called from a 10s periodic ticker in the coordinator.
func (e *Engine) RequestSync() {
	for _, peer := range e.sender.LivePeers() {
		e.mu.Lock()
		from := e.lastAppliedTS[peer]
		e.mu.Unlock()
		_ = e.sender.Send(peer, model.Envelope{
			Kind:       model.KindSyncRequest,
			SenderID:   e.selfID,
			ReceiverID: peer,
			Timestamp:  e.clock.Tick(),
			Payload:    map[string]interface{}{"from_ts": from},
		})
	}
}

// OnSyncRequest answers a SYNC_REQUEST from peer by streaming every
// locally originated entry newer than fromTS, oldest first.
func (e *Engine) OnSyncRequest(peer string, fromTS int64) {
	e.mu.Lock()
	var toSend []model.LogEntry
	for _, entry := range e.log {
		if entry.OriginNode == e.selfID && entry.LamportTS > fromTS {
			toSend = append(toSend, entry)
		}
	}
	e.mu.Unlock()

	for _, entry := range toSend {
		env := envelopeFromEntry(entry)
		env.ReceiverID = peer
		_ = e.sender.Send(peer, env)
	}
}

// OnLogEntry handles an inbound LOG_ENTRY. Idempotent: applying the
// same (origin, ts) twice has no additional effect. Always ACKs so the
// sender's last_applied_ts advances even on a duplicate delivery.
func (e *Engine) OnLogEntry(entry model.LogEntry) error {
	e.clock.Receive(entry.LamportTS)

	key := entryKey{entry.OriginNode, entry.LamportTS}
	e.mu.Lock()
	already := e.applied[key]
	if !already {
		e.applied[key] = true
		e.log = append(e.log, entry)
	}
	e.mu.Unlock()

	var err error
	if !already {
		err = e.apply(entry)
	}

	_ = e.sender.Send(entry.OriginNode, model.Envelope{
		Kind:       model.KindLogAck,
		SenderID:   e.selfID,
		ReceiverID: entry.OriginNode,
		Timestamp:  e.clock.Tick(),
		Payload:    map[string]interface{}{"ts": entry.LamportTS},
	})
	return err
}

// OnLogAck raises last_applied_ts[peer] monotonically.
func (e *Engine) OnLogAck(peer string, ts int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts > e.lastAppliedTS[peer] {
		e.lastAppliedTS[peer] = ts
	}
}

// Tail returns every local log entry with LamportTS > since, for the
// diagnostic surface.
func (e *Engine) Tail(since int64) []model.LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.LogEntry
	for _, entry := range e.log {
		if entry.LamportTS > since {
			out = append(out, entry)
		}
	}
	return out
}

func envelopeFromEntry(entry model.LogEntry) model.Envelope {
	return model.Envelope{
		Kind:       model.KindLogEntry,
		SenderID:   entry.OriginNode,
		ResourceID: entry.ResourceID,
		Timestamp:  entry.LamportTS,
		Payload: map[string]interface{}{
			"op":      entry.Op,
			"payload": entry.Payload,
		},
	}
}
