package replication

import (
	"sync"
	"testing"

	"github.com/daviddao/branchmesh/pkg/lamport"
	"github.com/daviddao/branchmesh/pkg/model"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]model.Envelope
	live []string
}

func newFakeSender(live ...string) *fakeSender {
	return &fakeSender{sent: make(map[string][]model.Envelope), live: live}
}

func (f *fakeSender) Send(peer string, env model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peer] = append(f.sent[peer], env)
	return nil
}

func (f *fakeSender) Broadcast(env model.Envelope) {
	for _, p := range f.live {
		_ = f.Send(p, env)
	}
}

func (f *fakeSender) LivePeers() []string { return f.live }

func TestLogBroadcastsToLivePeers(t *testing.T) {
	var clock lamport.Clock
	sender := newFakeSender("b", "c")
	var applied []model.LogEntry
	e := New("a", &clock, sender, func(entry model.LogEntry) error {
		applied = append(applied, entry)
		return nil
	})

	e.Log("add_stock", "P001", map[string]interface{}{"qty": float64(5)})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent["b"]) != 1 || len(sender.sent["c"]) != 1 {
		t.Fatalf("expected one LOG_ENTRY per live peer, got b=%d c=%d", len(sender.sent["b"]), len(sender.sent["c"]))
	}
	if len(applied) != 0 {
		t.Error("Log() should not itself invoke Applier for a local entry")
	}
}

func TestOnLogEntryIsIdempotent(t *testing.T) {
	var clock lamport.Clock
	sender := newFakeSender()
	var applyCount int
	e := New("b", &clock, sender, func(entry model.LogEntry) error {
		applyCount++
		return nil
	})

	entry := model.LogEntry{OriginNode: "a", LamportTS: 5, Op: "add_stock", ResourceID: "P001"}
	if err := e.OnLogEntry(entry); err != nil {
		t.Fatalf("first OnLogEntry: %v", err)
	}
	if err := e.OnLogEntry(entry); err != nil {
		t.Fatalf("duplicate OnLogEntry: %v", err)
	}
	if applyCount != 1 {
		t.Errorf("applyCount = %d, want 1 (idempotent)", applyCount)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	acks := sender.sent["a"]
	if len(acks) != 2 {
		t.Fatalf("expected an ACK for both deliveries (even the duplicate), got %d", len(acks))
	}
	for _, env := range acks {
		if env.Kind != model.KindLogAck {
			t.Errorf("ack kind = %v, want LOG_ACK", env.Kind)
		}
	}
}

func TestOnLogAckMonotonic(t *testing.T) {
	var clock lamport.Clock
	sender := newFakeSender()
	e := New("a", &clock, sender, func(model.LogEntry) error { return nil })

	e.OnLogAck("b", 5)
	e.OnLogAck("b", 3) // stale ack must not regress
	e.mu.Lock()
	got := e.lastAppliedTS["b"]
	e.mu.Unlock()
	if got != 5 {
		t.Errorf("lastAppliedTS[b] = %d, want 5 (monotonic)", got)
	}
}

func TestOnSyncRequestStreamsOldestFirst(t *testing.T) {
	var clock lamport.Clock
	sender := newFakeSender()
	e := New("a", &clock, sender, func(model.LogEntry) error { return nil })

	e.Log("add_stock", "P001", nil)
	e.Log("reduce", "P001", nil)
	e.Log("reduce", "P002", nil)

	e.OnSyncRequest("b", 0)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	got := sender.sent["b"]
	if len(got) != 3 {
		t.Fatalf("streamed %d entries, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp <= got[i-1].Timestamp {
			t.Errorf("entries not oldest-first at index %d: %d then %d", i, got[i-1].Timestamp, got[i].Timestamp)
		}
	}
}

func TestTailFiltersBySince(t *testing.T) {
	var clock lamport.Clock
	sender := newFakeSender()
	e := New("a", &clock, sender, func(model.LogEntry) error { return nil })
	e.Log("add_stock", "P001", nil)
	e.Log("add_stock", "P002", nil)

	all := e.Tail(0)
	if len(all) != 2 {
		t.Fatalf("Tail(0) = %d entries, want 2", len(all))
	}
	recent := e.Tail(all[0].LamportTS)
	if len(recent) != 1 {
		t.Fatalf("Tail(%d) = %d entries, want 1", all[0].LamportTS, len(recent))
	}
}
