package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/onnwee/chatrelay/commands"
)

// ShowKey is the state key holding the current show id.
const ShowKey = "show"

var errBadParam = errors.New("bad param")

// State is the key/value store behind get_data and set_data.
type State interface {
	GetStateRaw(ctx context.Context, key string) ([]byte, error)
	SetState(ctx context.Context, key string, v any) error
	UpdateState(ctx context.Context, key string, fn func(raw []byte) ([]byte, error)) error
}

// Commands is the dispatcher surface exposed over the socket.
type Commands interface {
	Commands() []commands.Info
	SpamRules() []commands.SpamRule
	SetSpamRules(ctx context.Context, rules []commands.SpamRule) error
}

// Chat is the chat session surface.
type Chat interface {
	Reconnect()
	Channel() string
}

// Sender queues outbound chat lines.
type Sender interface {
	Send(target, text string)
}

// Storm reads today's counters.
type Storm interface {
	Today(ctx context.Context) (map[string]int64, error)
}

// Deps are the collaborators for the built-in handlers. Handlers whose
// dependency is nil are not registered.
type Deps struct {
	State    State
	Commands Commands
	Chat     Chat
	Sender   Sender
	Storm    Storm
	Status   func(ctx context.Context) any
}

// RegisterHandlers installs the built-in commands on s. Store-backed
// handlers run on the connection goroutine; chat actions run on the loop.
func RegisterHandlers(s *Server, d Deps) {
	if d.State != nil {
		s.Handle("get_data", func(ctx context.Context, req Request) (any, error) {
			path, err := keyPath(req.Param)
			if err != nil {
				return nil, err
			}
			return getData(ctx, d.State, path)
		})
		s.Handle("set_data", func(ctx context.Context, req Request) (any, error) {
			var p struct {
				Key   json.RawMessage `json:"key"`
				Value json.RawMessage `json:"value"`
			}
			if err := json.Unmarshal(req.Param, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", errBadParam, err)
			}
			path, err := keyPath(p.Key)
			if err != nil {
				return nil, err
			}
			var value any
			if len(p.Value) > 0 {
				if err := json.Unmarshal(p.Value, &value); err != nil {
					return nil, fmt.Errorf("%w: value: %v", errBadParam, err)
				}
			}
			return nil, setData(ctx, d.State, path, value)
		})
		s.Handle("get_show", func(ctx context.Context, _ Request) (any, error) {
			raw, err := d.State.GetStateRaw(ctx, ShowKey)
			if err != nil || raw == nil {
				return "", err
			}
			var show string
			if err := json.Unmarshal(raw, &show); err != nil {
				return nil, fmt.Errorf("decode show: %w", err)
			}
			return show, nil
		})
		s.Handle("set_show", func(ctx context.Context, req Request) (any, error) {
			var show string
			if err := json.Unmarshal(req.Param, &show); err != nil {
				return nil, fmt.Errorf("%w: %v", errBadParam, err)
			}
			return nil, d.State.SetState(ctx, ShowKey, strings.ToLower(strings.TrimSpace(show)))
		})
	}
	if d.Commands != nil {
		s.Handle("get_commands", func(context.Context, Request) (any, error) {
			return d.Commands.Commands(), nil
		})
		s.Handle("modify_spam_rules", func(ctx context.Context, req Request) (any, error) {
			if len(req.Param) == 0 || string(req.Param) == "null" {
				return d.Commands.SpamRules(), nil
			}
			var rules []commands.SpamRule
			if err := json.Unmarshal(req.Param, &rules); err != nil {
				return nil, fmt.Errorf("%w: %v", errBadParam, err)
			}
			if err := d.Commands.SetSpamRules(ctx, rules); err != nil {
				return nil, err
			}
			return d.Commands.SpamRules(), nil
		})
	}
	if d.Chat != nil {
		s.HandleOnLoop("disconnect_from_chat", func(context.Context, Request) (any, error) {
			d.Chat.Reconnect()
			return nil, nil
		})
	}
	if d.Sender != nil && d.Chat != nil {
		s.HandleOnLoop("send_message", func(_ context.Context, req Request) (any, error) {
			var p struct {
				Target string `json:"target"`
				Text   string `json:"text"`
			}
			if err := json.Unmarshal(req.Param, &p); err != nil {
				// A bare string is the text for the channel.
				if err2 := json.Unmarshal(req.Param, &p.Text); err2 != nil {
					return nil, fmt.Errorf("%w: %v", errBadParam, err)
				}
			}
			if strings.TrimSpace(p.Text) == "" {
				return nil, fmt.Errorf("%w: empty text", errBadParam)
			}
			if p.Target == "" {
				p.Target = d.Chat.Channel()
			}
			d.Sender.Send(p.Target, p.Text)
			return nil, nil
		})
	}
	if d.Storm != nil {
		s.Handle("get_storm", func(ctx context.Context, _ Request) (any, error) {
			return d.Storm.Today(ctx)
		})
	}
	if d.Status != nil {
		s.Handle("get_status", func(ctx context.Context, _ Request) (any, error) {
			return d.Status(ctx), nil
		})
	}
}

// keyPath accepts a string or a list of strings.
func keyPath(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing key", errBadParam)
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil, fmt.Errorf("%w: empty key", errBadParam)
		}
		return []string{one}, nil
	}
	var path []string
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, fmt.Errorf("%w: key must be a string or list of strings", errBadParam)
	}
	if len(path) == 0 || path[0] == "" {
		return nil, fmt.Errorf("%w: empty key", errBadParam)
	}
	return path, nil
}

// getData walks path, answering {} for anything missing.
func getData(ctx context.Context, st State, path []string) (any, error) {
	raw, err := st.GetStateRaw(ctx, path[0])
	if err != nil {
		return nil, err
	}
	var node any = map[string]any{}
	if raw != nil {
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("decode state %q: %w", path[0], err)
		}
	}
	for _, k := range path[1:] {
		m, ok := node.(map[string]any)
		if !ok {
			return map[string]any{}, nil
		}
		if node, ok = m[k]; !ok {
			return map[string]any{}, nil
		}
	}
	return node, nil
}

// setData stores value at path, creating intermediate objects.
func setData(ctx context.Context, st State, path []string, value any) error {
	if len(path) == 1 {
		return st.SetState(ctx, path[0], value)
	}
	return st.UpdateState(ctx, path[0], func(raw []byte) ([]byte, error) {
		root := map[string]any{}
		if raw != nil {
			var cur any
			if err := json.Unmarshal(raw, &cur); err != nil {
				return nil, fmt.Errorf("decode state %q: %w", path[0], err)
			}
			if m, ok := cur.(map[string]any); ok {
				root = m
			}
		}
		node := root
		for _, k := range path[1 : len(path)-1] {
			next, ok := node[k].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[k] = next
			}
			node = next
		}
		node[path[len(path)-1]] = value
		return json.Marshal(root)
	})
}
