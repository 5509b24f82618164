package coordinator

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/daviddao/branchmesh/pkg/inventory"
	"github.com/daviddao/branchmesh/pkg/lamport"
	"github.com/daviddao/branchmesh/pkg/model"
	"github.com/daviddao/branchmesh/pkg/transport"
)

type testNode struct {
	id    string
	store *inventory.Store
	coord *Coordinator
	srv   *httptest.Server
	host  string
	port  int
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	store := inventory.New()
	var clock lamport.Clock
	tr := transport.New(id)
	c := New(id, &clock, store, tr)

	srv := httptest.NewServer(http.HandlerFunc(tr.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(c.Stop)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse %q: %v", srv.URL, err)
	}
	host, portStr, err := splitHostPortHelper(u.Host)
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return &testNode{id: id, store: store, coord: c, srv: srv, host: host, port: port}
}

func splitHostPortHelper(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, "", nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestTwoPhaseTransferMovesStock(t *testing.T) {
	requester := newTestNode(t, "branch-a")
	acceptor := newTestNode(t, "branch-b")

	requester.store.Add(model.Product{ID: "P001", Name: "Laptop", Qty: 2, MinStock: 5})
	acceptor.store.Add(model.Product{ID: "P001", Name: "Laptop", Qty: 20, MinStock: 5})

	if err := requester.coord.ConnectPeer("branch-b", acceptor.host, acceptor.port); err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return len(acceptor.coord.tr.LivePeers()) == 1 }) {
		t.Fatal("acceptor never observed requester's PEER_HELLO")
	}

	requester.coord.RequestReplenishment("P001", 4)

	ok := waitFor(t, 2*time.Second, func() bool {
		p, err := requester.store.Get("P001")
		return err == nil && p.Qty == 6
	})
	if !ok {
		p, _ := requester.store.Get("P001")
		t.Fatalf("requester qty = %d, want 6 after transfer settles", p.Qty)
	}

	ok = waitFor(t, time.Second, func() bool {
		p, err := acceptor.store.Get("P001")
		return err == nil && p.Qty == 16
	})
	if !ok {
		p, _ := acceptor.store.Get("P001")
		t.Fatalf("acceptor qty = %d, want 16 after transfer settles", p.Qty)
	}
}

func TestTransferRefusedWhenAcceptorShort(t *testing.T) {
	requester := newTestNode(t, "branch-a")
	acceptor := newTestNode(t, "branch-b")

	requester.store.Add(model.Product{ID: "P001", Name: "Laptop", Qty: 2, MinStock: 5})
	acceptor.store.Add(model.Product{ID: "P001", Name: "Laptop", Qty: 3, MinStock: 3})

	if err := requester.coord.ConnectPeer("branch-b", acceptor.host, acceptor.port); err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(acceptor.coord.tr.LivePeers()) == 1 })

	requester.coord.RequestReplenishment("P001", 4)

	// Give the round trip a moment, then assert nothing changed.
	time.Sleep(200 * time.Millisecond)

	p, _ := requester.store.Get("P001")
	if p.Qty != 2 {
		t.Errorf("requester qty = %d, want unchanged 2 after refused transfer", p.Qty)
	}
	a, _ := acceptor.store.Get("P001")
	if a.Qty != 3 {
		t.Errorf("acceptor qty = %d, want unchanged 3 after refusing its own reservation", a.Qty)
	}
}

func TestQueryStockSingleAndAll(t *testing.T) {
	n := newTestNode(t, "branch-a")
	n.store.Add(model.Product{ID: "P001", Name: "Laptop", Qty: 5})
	n.store.Add(model.Product{ID: "P002", Name: "Mouse", Qty: 10})

	one, err := n.coord.QueryStock("P001")
	if err != nil || len(one) != 1 || one[0].ID != "P001" {
		t.Fatalf("QueryStock(P001) = %+v, err=%v", one, err)
	}

	all, err := n.coord.QueryStock("")
	if err != nil || len(all) != 2 {
		t.Fatalf("QueryStock(\"\") = %+v, err=%v", all, err)
	}
}
