// Command chatctl talks to a running chatrelay over its control socket and
// runs offline maintenance against the database.
//
// Usage:
//
//	chatctl status
//	chatctl get-data spam_rules
//	chatctl set-data --value '"lrr"' show
//	chatctl say --target '#channel' hello there
//	chatctl seal-tokens --dry-run
//	chatctl schema version
//
// Without --socket or --port the control address comes from the same
// configuration sources as the daemon (CONTROL_SOCKET, CONTROL_PORT, config file).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
