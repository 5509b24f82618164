// Command branchd runs one branch node: it boots an inventory store,
// a peer transport, and the coordination subsystems that keep the
// branch's stock in sync with its configured peers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/daviddao/branchmesh/pkg/coordinator"
	"github.com/daviddao/branchmesh/pkg/inventory"
	"github.com/daviddao/branchmesh/pkg/lamport"
	"github.com/daviddao/branchmesh/pkg/transport"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "branchd: "+format+"\n", args...)
	os.Exit(1)
}

// peerSpec is one --peer flag value, "id=host:port".
type peerSpec struct {
	id   string
	host string
	port int
}

func parsePeerSpec(s string) (peerSpec, error) {
	idAndAddr := strings.SplitN(s, "=", 2)
	if len(idAndAddr) != 2 {
		return peerSpec{}, fmt.Errorf("peer %q: want id=host:port", s)
	}
	host, portStr, err := net.SplitHostPort(idAndAddr[1])
	if err != nil {
		return peerSpec{}, fmt.Errorf("peer %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return peerSpec{}, fmt.Errorf("peer %q: bad port: %w", s, err)
	}
	return peerSpec{id: idAndAddr[0], host: host, port: port}, nil
}

type peerList []peerSpec

func (p *peerList) String() string {
	parts := make([]string, len(*p))
	for i, s := range *p {
		parts[i] = fmt.Sprintf("%s=%s:%d", s.id, s.host, s.port)
	}
	return strings.Join(parts, ",")
}

func (p *peerList) Set(value string) error {
	spec, err := parsePeerSpec(value)
	if err != nil {
		return err
	}
	*p = append(*p, spec)
	return nil
}

func main() {
	flags := flag.NewFlagSet("branchd", flag.ContinueOnError)
	id := flags.String("id", envOr("BRANCH_ID", ""), "unique branch id (required)")
	port := flags.Int("port", atoiOr(envOr("BRANCH_PORT", "8080"), 8080), "bind port for peer links and diagnostics")
	var peers peerList
	flags.Var(&peers, "peer", "peer as id=host:port; repeatable")
	if env := os.Getenv("BRANCH_PEERS"); env != "" {
		for _, s := range strings.Split(env, ",") {
			if err := peers.Set(s); err != nil {
				fatal("BRANCH_PEERS: %v", err)
			}
		}
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if *id == "" {
		fatal("-id is required (or set BRANCH_ID)")
	}

	store := inventory.New()
	store.SeedDefaultCatalogue()

	var clock lamport.Clock
	tr := transport.New(*id)
	coord := coordinator.New(*id, &clock, store, tr)

	for _, p := range peers {
		if err := coord.ConnectPeer(p.id, p.host, p.port); err != nil {
			fmt.Fprintf(os.Stderr, "branchd: connect to %s (%s:%d): %v\n", p.id, p.host, p.port, err)
		}
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", tr.ServeWS)
	router.HandleFunc("/status", statusHandler(coord)).Methods(http.MethodGet)
	router.HandleFunc("/peers", peersHandler(coord)).Methods(http.MethodGet)
	router.HandleFunc("/log", logHandler(coord)).Methods(http.MethodGet)
	router.HandleFunc("/products", productsHandler(coord)).Methods(http.MethodGet)

	addr := fmt.Sprintf(":%d", *port)
	srv := &http.Server{Addr: addr, Handler: router}

	coord.Run()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("listen on %s: %v", addr, err)
		}
	}()
	fmt.Printf("branchd: %s listening on %s\n", *id, addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("branchd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	coord.Stop()
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func statusHandler(c *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Status())
	}
}

func peersHandler(c *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Status().Peers)
	}
}

func productsHandler(c *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		products, err := c.QueryStock(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, products)
	}
}

func logHandler(c *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := int64(0)
		if s := r.URL.Query().Get("since"); s != "" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				since = v
			}
		}
		writeJSON(w, c.Log(since))
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
