// Command healthcheck queries the local chatrelay HTTP server for container
// health checks. It exits non-zero unless the endpoint answers 200.
//
// HEALTHCHECK_URL overrides the checked URL; otherwise HTTP_ADDR's port is used
// with /healthz, or /readyz when run with -ready.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultAddr = ":49602"

func main() {
	ready := flag.Bool("ready", false, "check /readyz instead of /healthz")
	flag.Parse()

	client := &http.Client{Timeout: 3 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL(os.Getenv("HEALTHCHECK_URL"), os.Getenv("HTTP_ADDR"), *ready), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("health check failed: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		log.Printf("health check status %d", resp.StatusCode)
		os.Exit(1)
	}
}

func checkURL(override, addr string, ready bool) string {
	if override != "" {
		return override
	}
	if addr == "" {
		addr = defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = "", "49602"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	path := "/healthz"
	if ready {
		path = "/readyz"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}
