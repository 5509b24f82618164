// Command branchctl is a debug client for a running branchd node: it
// hits the node's diagnostic HTTP surface and prints the result as
// indented JSON. All subcommands live in this one file and are chosen
// by os.Args[1].
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: branchctl <command> [flags]

commands:
  status              node clock, peers, low-stock products, stats
  peers               known peers and liveness
  log [-since N]      replication log tail
  query [-id ID]      one product, or the whole catalogue if -id omitted

env:
  BRANCHCTL_ADDR   base URL of the target branchd node (default http://localhost:8080)`)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	addr := envOr("BRANCHCTL_ADDR", "http://localhost:8080")

	var code int
	switch os.Args[1] {
	case "status":
		code = getAndPrint(addr + "/status")
	case "peers":
		code = getAndPrint(addr + "/peers")
	case "log":
		since := flagValue(os.Args[2:], "-since", "0")
		code = getAndPrint(addr + "/log?since=" + since)
	case "query":
		id := flagValue(os.Args[2:], "-id", "")
		url := addr + "/products"
		if id != "" {
			url = addr + "/products?id=" + id
		}
		code = getAndPrint(url)
	case "-h", "--help", "help":
		printUsage()
		code = 0
	default:
		fmt.Fprintf(os.Stderr, "branchctl: unknown command %q\n", os.Args[1])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

// flagValue does a minimal lookup of "-name value" in args, returning
// def if absent. The debug CLI's flag surface is small enough that a
// full flag.FlagSet per subcommand would be pure ceremony here.
func flagValue(args []string, name, def string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

func getAndPrint(url string) int {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "branchctl: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "branchctl: read response: %v\n", err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "branchctl: %s: %s\n", resp.Status, body)
		return 1
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err == nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(pretty)
	} else {
		os.Stdout.Write(body)
	}
	return 0
}
