// Package coordinator wires the clock, inventory, transport, mutex,
// and replication subsystems into one branch node: it dispatches
// inbound envelopes by kind, runs the periodic low-stock scan and
// heartbeat, and drives the two-phase stock-transfer protocol.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/daviddao/branchmesh/pkg/inventory"
	"github.com/daviddao/branchmesh/pkg/lamport"
	"github.com/daviddao/branchmesh/pkg/model"
	"github.com/daviddao/branchmesh/pkg/mutex"
	"github.com/daviddao/branchmesh/pkg/replication"
	"github.com/daviddao/branchmesh/pkg/transport"
)

const (
	lowStockScanPeriod = 30 * time.Second
	heartbeatPeriod    = 60 * time.Second
	replicationPeriod  = 10 * time.Second
	transferMutexWait  = 5 * time.Second
)

// reservation tracks a transfer RESERVE step this branch holds open as
// the accepting side, waiting for the matching CONFIRM.
type reservation struct {
	resourceID string
	engine     *mutex.Engine
	qty        int64
	peer       string
}

// Coordinator is the single writer for one branch's inventory and the
// only component that originates outbound peer traffic on its behalf.
type Coordinator struct {
	selfID string
	clock  *lamport.Clock
	store  *inventory.Store
	tr     *transport.Transport
	repl   *replication.Engine

	mu            sync.Mutex
	peers         map[string]model.PeerInfo
	mutexEngines  map[string]*mutex.Engine // resource id -> engine
	reservations  map[string]*reservation  // resource id -> open reservation (one at a time per resource)
	onStockChange func(model.Product)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a coordinator for selfID. The inventory store is
// expected to already be seeded by the caller (SeedDefaultCatalogue or
// an explicit load).
func New(selfID string, clock *lamport.Clock, store *inventory.Store, tr *transport.Transport) *Coordinator {
	c := &Coordinator{
		selfID:       selfID,
		clock:        clock,
		store:        store,
		tr:           tr,
		peers:        make(map[string]model.PeerInfo),
		mutexEngines: make(map[string]*mutex.Engine),
		reservations: make(map[string]*reservation),
		stopCh:       make(chan struct{}),
	}
	c.repl = replication.New(selfID, clock, tr, c.applyReplicated)
	tr.SetHandler(c.handle)
	return c
}

// OnStockChange registers a callback invoked after an approved transfer
// has been credited to this branch's stock (the requesting side). The
// accepting side's decrement and stock changed by a replicated log
// entry do not invoke it. Intended for the external gateway to push
// notifications; nil by default.
func (c *Coordinator) OnStockChange(f func(model.Product)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStockChange = f
}

// ConnectPeer dials a peer and, on success, records it as known.
func (c *Coordinator) ConnectPeer(id, host string, port int) error {
	if err := c.tr.Connect(id, host, port); err != nil {
		return err
	}
	c.mu.Lock()
	c.peers[id] = model.PeerInfo{ID: id, Host: host, Port: port, Live: true}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) knownPeerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// mutexFor returns (creating if needed) the Ricart-Agrawala engine
// guarding a resource id, scoped over the currently known peer set.
func (c *Coordinator) mutexFor(resourceID string) *mutex.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.mutexEngines[resourceID]; ok {
		return e
	}
	e := mutex.New(c.selfID, resourceID, c.knownPeerIDsLocked(), c.clock, c.tr)
	c.mutexEngines[resourceID] = e
	return e
}

func (c *Coordinator) knownPeerIDsLocked() []string {
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// QueryStock returns one product, or the whole catalogue if id is
// empty.
func (c *Coordinator) QueryStock(id string) ([]model.Product, error) {
	if id == "" {
		return c.store.List(), nil
	}
	p, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return []model.Product{p}, nil
}

// RequestReplenishment asks every known peer to ship qty units of
// productID. It is fire-and-forget: the caller learns the outcome (if
// at all) via the OnStockChange callback.
func (c *Coordinator) RequestReplenishment(productID string, qty int64) {
	ts := c.clock.Tick()
	env := model.Envelope{
		Kind:       model.KindTransferRequest,
		SenderID:   c.selfID,
		ResourceID: productID,
		Timestamp:  ts,
		Payload:    map[string]interface{}{"quantity": qty},
	}
	c.tr.Broadcast(env)
}

// handle routes one inbound envelope by kind. Registered as the
// transport's single Handler.
func (c *Coordinator) handle(env model.Envelope) {
	c.clock.Receive(env.Timestamp)

	switch env.Kind {
	case model.KindPeerHello:
		c.mu.Lock()
		if _, ok := c.peers[env.SenderID]; !ok {
			c.peers[env.SenderID] = model.PeerInfo{ID: env.SenderID, Live: true}
		}
		c.mu.Unlock()
		_ = c.tr.Send(env.SenderID, model.Envelope{Kind: model.KindAck, Timestamp: c.clock.Tick()})

	case model.KindHeartbeat:
		// Liveness only.

	case model.KindTransferRequest:
		c.handleTransferRequest(env)

	case model.KindTransferResponse:
		c.handleTransferResponse(env)

	case model.KindTransferConfirm:
		c.handleTransferConfirm(env)

	case model.KindMutexRequest:
		c.mutexFor(env.ResourceID).OnRequest(env.SenderID, env.Timestamp)

	case model.KindMutexReply:
		c.mutexFor(env.ResourceID).OnReply(env.SenderID, env.Timestamp)

	case model.KindSyncRequest:
		c.repl.OnSyncRequest(env.SenderID, env.PayloadInt("from_ts"))

	case model.KindLogEntry:
		entry := model.LogEntry{
			OriginNode: env.SenderID,
			LamportTS:  env.Timestamp,
			ResourceID: env.ResourceID,
		}
		if op, ok := env.Payload["op"].(string); ok {
			entry.Op = op
		}
		if payload, ok := env.Payload["payload"].(map[string]interface{}); ok {
			entry.Payload = payload
		}
		if err := c.repl.OnLogEntry(entry); err != nil {
			fmt.Fprintf(os.Stderr, "coordinator: apply replicated entry from %s failed: %v\n", env.SenderID, err)
		}

	case model.KindLogAck:
		c.repl.OnLogAck(env.SenderID, env.PayloadInt("ts"))

	case model.KindPing:
		_ = c.tr.Send(env.SenderID, model.Envelope{Kind: model.KindPong, Timestamp: c.clock.Tick()})

	case model.KindPong, model.KindAck:
		// No state to update.

	default:
		fmt.Fprintf(os.Stderr, "coordinator: unroutable envelope kind %q from %s\n", env.Kind, env.SenderID)
	}
}

// handleTransferRequest is the RESERVE step on the accepting side: it
// takes the resource's mutex, attempts to reduce stock, and replies
// approved or not. The mutex is released on STOCK_TRANSFER_CONFIRM
// (handleTransferConfirm) or, if that never arrives, once the
// reservation's own acquire-equivalent wait elapses.
func (c *Coordinator) handleTransferRequest(env model.Envelope) {
	qty := env.PayloadInt("quantity")
	engine := c.mutexFor(env.ResourceID)

	ctx, cancel := context.WithTimeout(context.Background(), transferMutexWait)
	defer cancel()
	if outcome := engine.Acquire(ctx, transferMutexWait); outcome != mutex.Granted {
		_ = c.tr.Send(env.SenderID, model.Envelope{
			Kind:       model.KindTransferResponse,
			ResourceID: env.ResourceID,
			Timestamp:  c.clock.Tick(),
			Payload:    map[string]interface{}{"quantity": qty, "approved": false},
		})
		return
	}

	approved := c.store.TransferOut(env.ResourceID, qty, env.SenderID) == nil

	res := &reservation{resourceID: env.ResourceID, engine: engine, qty: qty, peer: env.SenderID}
	c.mu.Lock()
	c.reservations[env.ResourceID] = res
	c.mu.Unlock()

	_ = c.tr.Send(env.SenderID, model.Envelope{
		Kind:       model.KindTransferResponse,
		ResourceID: env.ResourceID,
		Timestamp:  c.clock.Tick(),
		Payload:    map[string]interface{}{"quantity": qty, "approved": approved},
	})

	if !approved {
		c.clearReservation(env.ResourceID)
		engine.Release()
		return
	}

	time.AfterFunc(transferMutexWait, func() {
		c.mu.Lock()
		open := c.reservations[env.ResourceID] == res
		if open {
			delete(c.reservations, env.ResourceID)
		}
		c.mu.Unlock()
		if open {
			engine.Release()
		}
	})
}

// handleTransferResponse is the requester's side: on approval it
// credits its own stock and sends CONFIRM to release the peer's
// reservation; on refusal it still confirms with qty 0, though the peer
// has already released its RESERVE step by then and that CONFIRM finds
// no reservation to close.
func (c *Coordinator) handleTransferResponse(env model.Envelope) {
	qty := env.PayloadInt("quantity")
	approved := env.PayloadBool("approved")

	if approved {
		if err := c.store.Receive(env.ResourceID, qty); err == nil {
			c.repl.Log("receive", env.ResourceID, map[string]interface{}{"qty": qty})
			c.notifyStockChange(env.ResourceID)
		}
		_ = c.tr.Send(env.SenderID, model.Envelope{
			Kind:       model.KindTransferConfirm,
			ResourceID: env.ResourceID,
			Timestamp:  c.clock.Tick(),
			Payload:    map[string]interface{}{"quantity": qty},
		})
		return
	}

	_ = c.tr.Send(env.SenderID, model.Envelope{
		Kind:       model.KindTransferConfirm,
		ResourceID: env.ResourceID,
		Timestamp:  c.clock.Tick(),
		Payload:    map[string]interface{}{"quantity": int64(0)},
	})
}

// handleTransferConfirm is the accepting side closing out the RESERVE
// step: it releases the resource's mutex and logs the transfer-out.
func (c *Coordinator) handleTransferConfirm(env model.Envelope) {
	c.mu.Lock()
	res, ok := c.reservations[env.ResourceID]
	delete(c.reservations, env.ResourceID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if res.qty > 0 {
		c.repl.Log("transfer_out", env.ResourceID, map[string]interface{}{"qty": res.qty, "to": res.peer})
	}
	res.engine.Release()
}

func (c *Coordinator) clearReservation(resourceID string) {
	c.mu.Lock()
	delete(c.reservations, resourceID)
	c.mu.Unlock()
}

func (c *Coordinator) notifyStockChange(productID string) {
	p, err := c.store.Get(productID)
	if err != nil {
		return
	}
	c.mu.Lock()
	cb := c.onStockChange
	c.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

// applyReplicated applies a replicated log entry to local inventory.
// Neither op is idempotent at the store layer (applying the same delta
// twice double-applies it); the replication engine's (origin, ts) dedup
// is what prevents a repeat here, not this function.
func (c *Coordinator) applyReplicated(entry model.LogEntry) error {
	qty, _ := entry.Payload["qty"].(float64)
	switch entry.Op {
	case "receive":
		return c.store.Receive(entry.ResourceID, int64(qty))
	case "transfer_out":
		toBranch, _ := entry.Payload["to"].(string)
		return c.store.TransferOut(entry.ResourceID, int64(qty), toBranch)
	default:
		return nil
	}
}

// Run starts the periodic low-stock scan, heartbeat, and replication
// sync loops. It returns immediately; call Stop to end them.
func (c *Coordinator) Run() {
	c.wg.Add(3)
	go c.loop(lowStockScanPeriod, c.scanLowStock)
	go c.loop(heartbeatPeriod, c.sendHeartbeat)
	go c.loop(replicationPeriod, c.repl.RequestSync)
}

func (c *Coordinator) loop(period time.Duration, task func()) {
	defer c.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			task()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) scanLowStock() {
	for _, p := range c.store.LowStock() {
		if needed := p.ReplenishmentNeeded(); needed > 0 {
			c.RequestReplenishment(p.ID, needed)
		}
	}
}

func (c *Coordinator) sendHeartbeat() {
	c.tr.Broadcast(model.Envelope{
		Kind:      model.KindHeartbeat,
		Timestamp: c.clock.Tick(),
		Payload:   map[string]interface{}{"at_millis": time.Now().UnixMilli()},
	})
}

// Stop ends the periodic loops, shuts down every mutex engine
// (releasing any held critical section and waking blocked acquirers),
// and stops the transport, in that order — replication has no
// blocking shutdown state of its own.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()

	c.mu.Lock()
	engines := make([]*mutex.Engine, 0, len(c.mutexEngines))
	for _, e := range c.mutexEngines {
		engines = append(engines, e)
	}
	c.mu.Unlock()
	for _, e := range engines {
		e.Shutdown()
	}

	c.tr.Stop()
}

// Snapshot is the diagnostic surface's view of a branch node.
type Snapshot struct {
	SelfID    string           `json:"self_id"`
	Clock     int64            `json:"clock"`
	Peers     []model.PeerInfo `json:"peers"`
	LowStock  []model.Product  `json:"low_stock"`
	Stats     model.Stats      `json:"stats"`
	LogLength int              `json:"log_length"`
}

// Status builds a point-in-time diagnostic snapshot.
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	peers := make([]model.PeerInfo, 0, len(c.peers))
	live := make(map[string]bool)
	for _, id := range c.tr.LivePeers() {
		live[id] = true
	}
	for _, p := range c.peers {
		p.Live = live[p.ID]
		peers = append(peers, p)
	}
	c.mu.Unlock()

	return Snapshot{
		SelfID:    c.selfID,
		Clock:     c.clock.Peek(),
		Peers:     peers,
		LowStock:  c.store.LowStock(),
		Stats:     c.store.Stats(),
		LogLength: len(c.repl.Tail(0)),
	}
}

// Log returns the local replication log tail newer than since, for the
// diagnostic surface.
func (c *Coordinator) Log(since int64) []model.LogEntry {
	return c.repl.Tail(since)
}
