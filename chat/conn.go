package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatrelay/telemetry"
)

// ErrAuthFailed means the server rejected the bot credentials. It is not retried.
var ErrAuthFailed = errors.New("chat: login authentication failed")

// State is the connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Joined
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

// PasswordFunc resolves the IRC password at connect time.
type PasswordFunc func(ctx context.Context) (string, error)

// Options configures a Conn.
type Options struct {
	Hostname      string
	Port          int
	Secure        bool
	Channel       string
	Username      string
	Password      PasswordFunc
	KeepAlive     time.Duration
	ReconnectTime time.Duration
	Mods          []string
	// DedupeWindow drops USERNOTICEs whose id was seen within the window.
	// Zero disables it.
	DedupeWindow time.Duration
	// Buffer is the capacity of the Events channel.
	Buffer int
}

// Conn is the supervised chat session.
type Conn struct {
	opts   Options
	roles  Roles
	events chan Event

	state atomic.Int32

	mu        sync.Mutex
	client    *twitch.Client
	reconnect chan struct{}
	seen      map[string]time.Time
	lastErr   error
}

// New returns a Conn for opts. Call Serve to connect.
func New(opts Options) *Conn {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	opts.Channel = normalizeChannel(opts.Channel)
	opts.Username = strings.ToLower(opts.Username)
	return &Conn{
		opts:      opts,
		roles:     Roles{Channel: opts.Channel, Mods: opts.Mods, Ops: &OpSet{}},
		events:    make(chan Event, opts.Buffer),
		reconnect: make(chan struct{}, 1),
		seen:      map[string]time.Time{},
	}
}

// Events delivers inbound traffic in arrival order.
func (c *Conn) Events() <-chan Event { return c.events }

// Roles exposes the role rules used for inbound lines.
func (c *Conn) Roles() Roles { return c.roles }

// Channel returns "#channel".
func (c *Conn) Channel() string { return "#" + c.opts.Channel }

// Username returns the bot login.
func (c *Conn) Username() string { return c.opts.Username }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// LastError returns the error that ended the previous session, if any.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	telemetry.SetGauge(telemetry.ChatState, float64(s))
}

// Say writes a PRIVMSG to channel. It reports false when not joined.
func (c *Conn) Say(channel, text string) bool {
	c.mu.Lock()
	cl := c.client
	c.mu.Unlock()
	if cl == nil || c.State() != Joined {
		return false
	}
	cl.Say(normalizeChannel(channel), text)
	return true
}

// Reconnect drops the current session; Serve dials again after the floor delay.
func (c *Conn) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Serve keeps the session alive until ctx ends or the login is rejected.
func (c *Conn) Serve(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "chat"), slog.String("channel", c.opts.Channel))
	for {
		err := c.session(ctx, log)
		c.setState(Disconnected)
		c.mu.Lock()
		c.client = nil
		c.lastErr = err
		c.mu.Unlock()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			log.Error("chat login rejected", slog.Any("err", err))
			return err
		}
		telemetry.Inc(telemetry.ChatReconnect)
		log.Warn("chat disconnected, reconnecting", slog.Any("err", err), slog.Duration("after", c.opts.ReconnectTime))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectTime):
		}
	}
}

func (c *Conn) session(ctx context.Context, log *slog.Logger) error {
	c.setState(Connecting)
	pass, err := c.password(ctx)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}

	client := twitch.NewClient(c.opts.Username, pass)
	client.IrcAddress = net.JoinHostPort(c.opts.Hostname, strconv.Itoa(c.opts.Port))
	client.TLS = c.opts.Secure
	client.Capabilities = []string{twitch.TagsCapability, twitch.CommandsCapability, twitch.MembershipCapability}
	client.IdlePingInterval = c.opts.KeepAlive
	client.PongTimeout = c.opts.KeepAlive / 2
	c.register(ctx, client, log)
	client.Join(c.opts.Channel)

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.setState(Authenticating)
	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect() }()

	select {
	case <-ctx.Done():
		client.Disconnect()
		<-errCh
		return ctx.Err()
	case <-c.reconnect:
		log.Info("chat reconnect requested")
		client.Disconnect()
		<-errCh
		return errors.New("reconnect requested")
	case err := <-errCh:
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}
}

func (c *Conn) password(ctx context.Context) (string, error) {
	if c.opts.Password == nil {
		return "", errors.New("no password source")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	p, err := c.opts.Password(ctx)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.New("empty password")
	}
	if !strings.HasPrefix(p, "oauth:") {
		p = "oauth:" + p
	}
	return p, nil
}

func (c *Conn) register(ctx context.Context, client *twitch.Client, log *slog.Logger) {
	client.OnConnect(func() {
		log.Info("chat connected", slog.String("user", c.opts.Username))
	})
	client.OnSelfJoinMessage(func(m twitch.UserJoinMessage) {
		if !strings.EqualFold(m.Channel, c.opts.Channel) {
			return
		}
		c.setState(Joined)
		log.Info("channel joined")
	})
	client.OnUserJoinMessage(func(m twitch.UserJoinMessage) {
		log.Debug("user joined", slog.String("user", m.User))
	})
	client.OnUnsetMessage(func(m twitch.RawMessage) {
		if m.RawType != "MODE" {
			return
		}
		for _, nick := range modeGrants(m.Message) {
			if c.roles.Ops.Add(nick) {
				log.Info("operator granted", slog.String("user", nick))
			}
		}
	})
	client.OnReconnectMessage(func(m twitch.ReconnectMessage) {
		log.Info("server requested reconnect")
		c.Reconnect()
	})
	client.OnNoticeMessage(func(m twitch.NoticeMessage) {
		log.Info("chat notice", slog.String("msg_id", m.MsgID), slog.String("message", m.Message))
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		c.deliver(ctx, c.roles.fromPrivate(m))
	})
	client.OnWhisperMessage(func(m twitch.WhisperMessage) {
		c.deliver(ctx, c.roles.fromWhisper(m, c.opts.Username))
	})
	client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		n := fromUserNotice(m)
		if c.duplicate(n.ID, n.Time) {
			log.Debug("duplicate usernotice dropped", slog.String("id", n.ID))
			return
		}
		c.deliver(ctx, n)
	})
	client.OnClearChatMessage(func(m twitch.ClearChatMessage) {
		c.deliver(ctx, fromClearChat(m))
	})
	client.OnClearMessage(func(m twitch.ClearMessage) {
		c.deliver(ctx, fromClearMessage(m))
	})
}

// deliver blocks until the loop takes ev so ordering is preserved.
func (c *Conn) deliver(ctx context.Context, ev Event) {
	if _, ok := ev.(Line); ok {
		telemetry.IncVec(telemetry.ChatLines, "in")
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// duplicate records id and reports whether it was already seen within the window.
func (c *Conn) duplicate(id string, now time.Time) bool {
	if id == "" || c.opts.DedupeWindow <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.seen {
		if now.Sub(t) > c.opts.DedupeWindow {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = now
	return false
}
