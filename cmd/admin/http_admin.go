package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// The indexer serves /admin/v1 to loopback callers only, so these commands
// run on the indexer host.

func stateCmd(args []string) {
	remoteCmd("state", http.MethodGet, "/admin/v1/state", 5*time.Second, args)
}

func snapshotCmd(args []string) {
	remoteCmd("snapshot", http.MethodPost, "/admin/v1/snapshot", 30*time.Second, args)
}

func remoteCmd(name, method, path string, timeout time.Duration, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8090", "indexer base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fail("request", err)
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fail("request", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Print(string(b))
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		os.Exit(1)
	}
}
