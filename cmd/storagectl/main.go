// Command storagectl is a local admin/debug client for a running storage
// node: it reads /get_stats/v1 and /get_logs/v1 over HTTPS and prints them,
// replacing the operator surface original_source's node exposes ad hoc
// through those same two diagnostic endpoints (spec §6).
package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("storagectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:22021", "storage node address (host:port)")
	insecure := fs.Bool("insecure", true, "skip TLS certificate verification (nodes use self-signed certs)")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 || (rest[0] != "stats" && rest[0] != "logs") {
		fmt.Fprintln(stderr, "usage: storagectl [flags] stats|logs")
		fs.PrintDefaults()
		return 2
	}

	client := &http.Client{
		Timeout: *timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: *insecure},
		},
	}

	path := "/get_stats/v1"
	if rest[0] == "logs" {
		path = "/get_logs/v1"
	}
	url := fmt.Sprintf("https://%s%s", *addr, path)

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(stderr, "storagectl: request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(stderr, "storagectl: read response: %v\n", err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "storagectl: node returned %d: %s\n", resp.StatusCode, body)
		return 1
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Fprintln(stdout, string(body))
		return 0
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pretty); err != nil {
		fmt.Fprintln(stderr, "storagectl: encode output:", err)
		return 1
	}
	return 0
}
