package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/onnwee/chatrelay/config"
	"github.com/onnwee/chatrelay/control"
)

// caller is the control client as the commands use it.
type caller interface {
	Call(ctx context.Context, command string, param any) (json.RawMessage, error)
}

type app struct {
	out     io.Writer
	socket  string
	port    int
	timeout time.Duration
	user    string

	// client is set once flags are resolved.
	client caller
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Control a running chatrelay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.socket, "socket", "s", "", "Control socket path (default: from config)")
	root.PersistentFlags().IntVarP(&a.port, "port", "p", 0, "Loopback control port, used when no socket is set")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "Per-call timeout")
	root.PersistentFlags().StringVar(&a.user, "user", defaultUser(), "User name recorded with each call")

	root.AddCommand(
		a.statusCmd(),
		a.stormCmd(),
		a.getDataCmd(),
		a.setDataCmd(),
		a.showCmd(),
		a.commandsCmd(),
		a.spamRulesCmd(),
		a.disconnectCmd(),
		a.sayCmd(),
		sealTokensCmd(out),
		schemaCmd(out),
	)
	return root
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "chatctl"
}

// connect resolves the control address. Explicit flags win over config.
func (a *app) connect(cmd *cobra.Command) error {
	if a.client != nil {
		return nil
	}
	flags := cmd.Flags()
	if !flags.Changed("socket") && !flags.Changed("port") {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.socket, a.port = cfg.Control.Socket, cfg.Control.Port
	}
	a.client = &control.Client{Socket: a.socket, Port: a.port, Timeout: a.timeout, User: a.user}
	return nil
}

// call runs one control command and prints its result.
func (a *app) call(cmd *cobra.Command, command string, param any) error {
	if err := a.connect(cmd); err != nil {
		return err
	}
	raw, err := a.client.Call(cmd.Context(), command, param)
	if err != nil {
		return err
	}
	return a.print(raw)
}

func (a *app) print(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		_, err := fmt.Fprintln(a.out, "ok")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	_, err := a.out.Write(buf.Bytes())
	return err
}
