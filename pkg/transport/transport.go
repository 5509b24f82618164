// Package transport implements the message-oriented peer link layer:
// it dials and accepts websocket connections to the configured peer
// set, frames each envelope as one websocket message, and delivers
// inbound envelopes to a single registered handler.
//
// The connection-management shape — a hub of per-peer links, each
// driven by its own read and write pump goroutine feeding a buffered
// send channel — follows the same pattern a browser-facing
// collaboration server uses for its many short-lived client
// connections, generalized here to long-lived, bidirectional,
// peer-to-peer links.
package transport

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daviddao/branchmesh/pkg/model"
)

// ErrPeerNotLive is returned by Send when the named peer has no live
// link. Send is otherwise best-effort: a successful enqueue does not
// guarantee delivery.
var ErrPeerNotLive = errors.New("transport: peer not live")

const sendBufferSize = 64

// inboxSize bounds how many received-but-undispatched envelopes the
// transport will buffer across all links before a read pump blocks
// handing one off.
const inboxSize = 256

// dispatchWorkers is the size of the pool draining the inbox. More
// than one is required: a handler that blocks (STOCK_TRANSFER_REQUEST
// taking the resource mutex, say) must not be able to starve every
// other envelope, including the MUTEX_REPLY it is itself waiting on.
const dispatchWorkers = 8

// Handler is invoked once per delivered inbound envelope. It runs on
// one of the transport's dispatch worker goroutines, never on the
// originating link's own read pump, so a handler that blocks cannot
// stall the read pump that would otherwise deliver its own unblocking
// reply. Handlers for different envelopes may run concurrently and
// must synchronize access to shared state themselves. readPump hands
// envelopes to the FIFO inbox in arrival order, but with several
// workers draining it, handlers for two envelopes from the same peer
// can run at the same time and finish in either order: per-peer order
// holds up to the inbox, not across handler invocations.
type Handler func(model.Envelope)

type link struct {
	id   string
	conn *websocket.Conn
	send chan model.Envelope

	mu   sync.Mutex
	live bool
}

func (l *link) markDead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.live {
		return
	}
	l.live = false
	close(l.send)
}

func (l *link) isLive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Transport owns every peer link for one branch node.
type Transport struct {
	selfID string

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	peers     map[string]*link // keyed by logical peer id, post PEER_HELLO
	anon      map[*link]bool   // inbound links not yet rebound
	handler   Handler
	handlerMu sync.RWMutex

	inbox    chan model.Envelope
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a transport identified as selfID on the wire and
// starts its dispatch worker pool.
func New(selfID string) *Transport {
	t := &Transport{
		selfID: selfID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:  make(map[string]*link),
		anon:   make(map[*link]bool),
		inbox:  make(chan model.Envelope, inboxSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < dispatchWorkers; i++ {
		go t.dispatchWorker()
	}
	return t
}

// SetHandler registers the callback invoked for every delivered
// inbound envelope, replacing any previous handler.
func (t *Transport) SetHandler(h Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// dispatch hands env to the worker pool's inbox rather than invoking
// the handler inline on the calling read pump. See Handler's doc
// comment for why that distinction matters.
func (t *Transport) dispatch(env model.Envelope) {
	select {
	case t.inbox <- env:
	case <-t.stopCh:
	}
}

func (t *Transport) dispatchWorker() {
	for {
		select {
		case env := <-t.inbox:
			t.handlerMu.RLock()
			h := t.handler
			t.handlerMu.RUnlock()
			if h != nil {
				h(env)
			}
		case <-t.stopCh:
			return
		}
	}
}

// ServeWS is the HTTP handler for inbound peer links. Mount it on the
// node's bind port alongside the diagnostic routes; it is anonymous
// until the other side sends PEER_HELLO.
func (t *Transport) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	l := &link{id: r.RemoteAddr, conn: conn, send: make(chan model.Envelope, sendBufferSize), live: true}
	t.mu.Lock()
	t.anon[l] = true
	t.mu.Unlock()
	go t.writePump(l)
	go t.readPump(l, true)
}

// Connect dials an outbound link to a peer and sends PEER_HELLO. It is
// a no-op if a live link to peerID already exists.
func (t *Transport) Connect(peerID, host string, port int) error {
	t.mu.RLock()
	_, exists := t.peers[peerID]
	t.mu.RUnlock()
	if exists {
		return nil
	}
	url := (&urlBuilder{host: host, port: port}).String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}
	l := &link{id: peerID, conn: conn, send: make(chan model.Envelope, sendBufferSize), live: true}
	t.mu.Lock()
	t.peers[peerID] = l
	t.mu.Unlock()
	go t.writePump(l)
	go t.readPump(l, false)

	t.enqueue(l, model.Envelope{
		Kind:     model.KindPeerHello,
		SenderID: t.selfID,
	})
	return nil
}

// Send enqueues env for delivery to peerID. Delivery order among
// envelopes sent to the same peer is preserved; delivery itself is
// best-effort.
func (t *Transport) Send(peerID string, env model.Envelope) error {
	t.mu.RLock()
	l, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok || !l.isLive() {
		return ErrPeerNotLive
	}
	env.SenderID = t.selfID
	return t.enqueue(l, env)
}

func (t *Transport) enqueue(l *link, env model.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.live {
		return ErrPeerNotLive
	}
	select {
	case l.send <- env:
		return nil
	default:
		// Buffer full: the peer is not draining. Drop the link rather
		// than block the caller or grow memory without bound.
		l.live = false
		close(l.send)
		return ErrPeerNotLive
	}
}

// Broadcast sends an independent copy of env to every currently live
// peer.
func (t *Transport) Broadcast(env model.Envelope) {
	for _, id := range t.LivePeers() {
		_ = t.Send(id, env)
	}
}

// LivePeers returns the ids of every peer with a currently live link.
func (t *Transport) LivePeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id, l := range t.peers {
		if l.isLive() {
			out = append(out, id)
		}
	}
	return out
}

// Stop closes every peer link, live or anonymous, and ends the
// dispatch worker pool.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.peers {
		l.markDead()
		l.conn.Close()
	}
	for l := range t.anon {
		l.markDead()
		l.conn.Close()
	}
}

func (t *Transport) readPump(l *link, anonymous bool) {
	defer func() {
		l.markDead()
		l.conn.Close()
		t.mu.Lock()
		delete(t.anon, l)
		if t.peers[l.id] == l {
			delete(t.peers, l.id)
		}
		t.mu.Unlock()
	}()
	for {
		var env model.Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			return
		}
		if anonymous && env.Kind == model.KindPeerHello && env.SenderID != "" {
			t.rebind(l, env.SenderID)
			anonymous = false
		}
		t.dispatch(env)
	}
}

// rebind moves an anonymous inbound link into the named peer slot once
// its PEER_HELLO arrives. A peer that already has a live link keeps it;
// the new one is closed to avoid two links racing for the same id.
func (t *Transport) rebind(l *link, peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.anon, l)
	l.id = peerID
	if existing, ok := t.peers[peerID]; ok && existing.isLive() {
		l.markDead()
		l.conn.Close()
		return
	}
	t.peers[peerID] = l
}

func (t *Transport) writePump(l *link) {
	defer l.conn.Close()
	for env := range l.send {
		if err := l.conn.WriteJSON(env); err != nil {
			return
		}
	}
	_ = l.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
}

type urlBuilder struct {
	host string
	port int
}

func (u *urlBuilder) String() string {
	return "ws://" + u.host + ":" + strconv.Itoa(u.port) + "/ws"
}
