package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"
)

// runHealth asks a running node for its aggregate health. Exit 0 only
// when every hosted agent reports ready.
func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "http://localhost:8080/healthz", "Health endpoint to query")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string            `json:"status"`
		Agents map[string]string `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "Health check failed: unreadable response: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Status: %s\n", body.Status)
	for agent, status := range body.Agents {
		fmt.Fprintf(stdout, "   %-12s %s\n", agent, status)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
