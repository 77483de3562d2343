package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline, sender and EventSub status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "get_status", nil)
		},
	}
}

func (a *app) stormCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storm",
		Short: "Show today's storm counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "get_storm", nil)
		},
	}
}

// keyParam sends a single key as a string and a path as a list.
func keyParam(args []string) any {
	if len(args) == 1 {
		return args[0]
	}
	return args
}

func (a *app) getDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-data KEY [SUBKEY...]",
		Short: "Read a stored value, optionally walking into nested objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "get_data", keyParam(args))
		},
	}
}

func (a *app) setDataCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set-data KEY [SUBKEY...] --value JSON",
		Short: "Store a value, creating nested objects along the path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "set_data", map[string]any{
				"key":   keyParam(args),
				"value": parseValue(value),
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "null", "Value as JSON; anything that is not valid JSON is stored as a string")
	return cmd
}

func parseValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [NAME]",
		Short: "Print the current show, or set it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return a.call(cmd, "get_show", nil)
			}
			return a.call(cmd, "set_show", args[0])
		},
	}
}

func (a *app) commandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List registered chat commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "get_commands", nil)
		},
	}
}

func (a *app) spamRulesCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "spam-rules",
		Short: "Print the spam rules, or replace them from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return a.call(cmd, "modify_spam_rules", nil)
			}
			raw, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if !json.Valid(raw) {
				return fmt.Errorf("%s: not valid JSON", file)
			}
			return a.call(cmd, "modify_spam_rules", json.RawMessage(raw))
		},
	}
	cmd.Flags().StringVar(&file, "set", "", "File holding a JSON list of rules; - reads stdin")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func (a *app) disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Drop the chat connection; it reconnects on its own",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "disconnect_from_chat", nil)
		},
	}
}

func (a *app) sayCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "say TEXT...",
		Short: "Queue a chat line; targets without '#' are whispers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("empty message")
			}
			return a.call(cmd, "send_message", map[string]string{"target": target, "text": text})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "Channel or login (default: the bot's channel)")
	return cmd
}
