// Package eventsub keeps a Twitch EventSub websocket session alive and routes
// notifications to per-topic handlers.
//
// A fresh session registers every topic through Helix and records the
// returned subscription ids. A session_reconnect message moves the same
// session to a new socket without registering again; any other loss of the
// socket starts over with a fresh session after a backoff of 1s doubling to
// 128s, reset once a welcome arrives.
package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chatrelay/telemetry"
)

// DefaultURL is the production EventSub websocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

var (
	// ErrWelcomeTimeout is returned when a new socket sends no welcome in time.
	ErrWelcomeTimeout = errors.New("eventsub: no welcome received")
	// ErrKeepaliveTimeout is returned when the watchdog expires.
	ErrKeepaliveTimeout = errors.New("eventsub: keepalive timeout")
)

// Subscriber creates subscriptions through the control plane.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, typ, version string, condition map[string]string, sessionID string) (string, error)
}

// Topic is one subscription the client keeps registered.
type Topic struct {
	Type      string
	Version   string
	Condition map[string]string
	Handler   func(Notification)
}

// Session is the state that survives a session_reconnect.
type Session struct {
	ID        string
	KeepAlive time.Duration
	// Subscriptions maps subscription id to its topic.
	Subscriptions map[string]Topic
}

// Options configures a Client.
type Options struct {
	URL            string
	Dialer         *websocket.Dialer
	WelcomeTimeout time.Duration
	// Grace is added to the server's keepalive timeout for the watchdog.
	Grace          time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client runs EventSub sessions.
type Client struct {
	opts   Options
	subs   Subscriber
	topics []Topic

	mu      sync.Mutex
	session *Session
}

// New builds a client for topics. Nothing is dialed until Serve.
func New(opts Options, subs Subscriber, topics ...Topic) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.WelcomeTimeout <= 0 {
		opts.WelcomeTimeout = 60 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 128 * time.Second
	}
	return &Client{opts: opts, subs: subs, topics: topics}
}

// SessionInfo returns the current session id and the number of live
// subscriptions.
func (c *Client) SessionInfo() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", 0
	}
	return c.session.ID, len(c.session.Subscriptions)
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Serve runs sessions until ctx is cancelled.
func (c *Client) Serve(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	log := slog.Default().With(slog.String("component", "eventsub"))
	for {
		welcomed, err := c.run(ctx, log)
		c.setSession(nil)
		if ctx.Err() != nil {
			return nil
		}
		if welcomed {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Warn("eventsub session ended, reconnecting", slog.Any("err", err), slog.Duration("backoff", wait))
		telemetry.Inc(telemetry.EventSubReconnects)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// socket is one websocket connection plus its reader goroutine.
type socket struct {
	ws   *websocket.Conn
	msgs chan message
	done chan struct{}
	once sync.Once
	err  error // valid once msgs is closed
}

func (c *Client) dial(ctx context.Context, url string) (*socket, error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &socket{ws: ws, msgs: make(chan message, 16), done: make(chan struct{})}
	go s.read()
	return s, nil
}

func (s *socket) read() {
	defer close(s.msgs)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.err = err
			return
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("eventsub frame decode failed", slog.String("component", "eventsub"), slog.Any("err", err))
			continue
		}
		select {
		case s.msgs <- m:
		case <-s.done:
			return
		}
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.ws.Close()
	})
}

// closeErr describes why a socket's reader stopped.
func closeErr(s *socket) error {
	var ce *websocket.CloseError
	if errors.As(s.err, &ce) {
		if name := CloseCodeName(ce.Code); name != "" {
			return fmt.Errorf("closed by server: %d %s: %w", ce.Code, name, s.err)
		}
	}
	if s.err == nil {
		return errors.New("eventsub: socket closed")
	}
	return s.err
}

// awaitWelcome reads s until a welcome arrives.
func (c *Client) awaitWelcome(ctx context.Context, s *socket) (*sessionPayload, error) {
	timer := time.NewTimer(c.opts.WelcomeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrWelcomeTimeout
		case m, ok := <-s.msgs:
			if !ok {
				return nil, closeErr(s)
			}
			if m.Metadata.MessageType == TypeWelcome && m.Payload.Session != nil {
				return m.Payload.Session, nil
			}
			slog.Debug("eventsub frame before welcome ignored", slog.String("component", "eventsub"),
				slog.String("type", m.Metadata.MessageType))
		}
	}
}

func (c *Client) watchdog(keepalive time.Duration) time.Duration {
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	return keepalive + c.opts.Grace
}

// moved is the outcome of following a session_reconnect.
type moved struct {
	s     *socket
	hello *sessionPayload
	err   error
}

// run drives one fresh session and any session_reconnect moves it makes.
// welcomed reports whether the first socket got as far as a welcome.
func (c *Client) run(ctx context.Context, log *slog.Logger) (welcomed bool, err error) {
	cur, err := c.dial(ctx, c.opts.URL)
	if err != nil {
		return false, err
	}
	defer func() { cur.close() }()

	hello, err := c.awaitWelcome(ctx, cur)
	if err != nil {
		return false, err
	}
	sess := &Session{
		ID:            hello.ID,
		KeepAlive:     time.Duration(hello.KeepaliveTimeoutSeconds) * time.Second,
		Subscriptions: map[string]Topic{},
	}
	log.Info("eventsub session started", slog.String("session", sess.ID), slog.Duration("keepalive", sess.KeepAlive))
	c.register(ctx, log, sess)
	c.setSession(sess)

	watchdog := time.NewTimer(c.watchdog(sess.KeepAlive))
	defer watchdog.Stop()
	reset := func() {
		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(c.watchdog(sess.KeepAlive))
	}

	var movedCh chan moved
	defer func() {
		if movedCh != nil {
			go func(ch chan moved) {
				if mv := <-ch; mv.s != nil {
					mv.s.close()
				}
			}(movedCh)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, nil

		case <-watchdog.C:
			return true, ErrKeepaliveTimeout

		case mv := <-movedCh:
			movedCh = nil
			if mv.err != nil {
				log.Warn("eventsub reconnect failed", slog.Any("err", mv.err))
				continue
			}
			old := cur
			cur = mv.s
			old.close()
			c.mu.Lock()
			sess.ID = mv.hello.ID
			if mv.hello.KeepaliveTimeoutSeconds > 0 {
				sess.KeepAlive = time.Duration(mv.hello.KeepaliveTimeoutSeconds) * time.Second
			}
			c.mu.Unlock()
			reset()
			log.Info("eventsub session moved", slog.String("session", sess.ID))

		case m, ok := <-cur.msgs:
			if !ok {
				return true, closeErr(cur)
			}
			switch m.Metadata.MessageType {
			case TypeKeepalive:
				reset()
			case TypeNotification:
				reset()
				c.dispatch(log, sess, m)
			case TypeReconnect:
				if m.Payload.Session == nil || m.Payload.Session.ReconnectURL == "" || movedCh != nil {
					continue
				}
				url := m.Payload.Session.ReconnectURL
				log.Info("eventsub reconnect requested", slog.String("url", url))
				movedCh = make(chan moved, 1)
				go func(ch chan moved) {
					s, err := c.dial(ctx, url)
					if err != nil {
						ch <- moved{err: err}
						return
					}
					hello, err := c.awaitWelcome(ctx, s)
					if err != nil {
						s.close()
						ch <- moved{err: err}
						return
					}
					ch <- moved{s: s, hello: hello}
				}(movedCh)
			case TypeRevocation:
				if sub := m.Payload.Subscription; sub != nil {
					c.mu.Lock()
					delete(sess.Subscriptions, sub.ID)
					c.mu.Unlock()
					log.Warn("eventsub subscription revoked", slog.String("id", sub.ID),
						slog.String("type", sub.Type), slog.String("status", sub.Status))
				}
			case TypeWelcome:
				reset()
			default:
				log.Debug("eventsub frame ignored", slog.String("type", m.Metadata.MessageType))
			}
		}
	}
}

// register creates every topic on sess. Failures are logged and skipped.
func (c *Client) register(ctx context.Context, log *slog.Logger, sess *Session) {
	if c.subs == nil {
		return
	}
	for _, t := range c.topics {
		id, err := c.subs.CreateEventSubSubscription(ctx, t.Type, t.Version, t.Condition, sess.ID)
		if err != nil {
			log.Error("eventsub subscribe failed", slog.String("type", t.Type), slog.Any("err", err))
			continue
		}
		c.mu.Lock()
		sess.Subscriptions[id] = t
		c.mu.Unlock()
		log.Info("eventsub subscribed", slog.String("type", t.Type), slog.String("id", id))
	}
}

func (c *Client) dispatch(log *slog.Logger, sess *Session, m message) {
	sub := m.Payload.Subscription
	if sub == nil {
		return
	}
	c.mu.Lock()
	t, ok := sess.Subscriptions[sub.ID]
	c.mu.Unlock()
	if !ok {
		log.Warn("eventsub notification for unknown subscription", slog.String("id", sub.ID), slog.String("type", sub.Type))
		return
	}
	telemetry.IncVec(telemetry.EventSubNotifications, sub.Type)
	if t.Handler == nil {
		return
	}
	t.Handler(Notification{
		MessageID:      m.Metadata.MessageID,
		SubscriptionID: sub.ID,
		Type:           sub.Type,
		Version:        sub.Version,
		Time:           m.Metadata.MessageTimestamp,
		Event:          m.Payload.Event,
	})
}
