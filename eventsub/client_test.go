package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func testLogger() *slog.Logger { return slog.Default() }

type fakeSubscriber struct {
	mu      sync.Mutex
	calls   []string // type/session
	created chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{created: make(chan struct{}, 16)}
}

func (f *fakeSubscriber) CreateEventSubSubscription(_ context.Context, typ, version string, _ map[string]string, sessionID string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, typ+"/"+sessionID)
	n := len(f.calls)
	f.mu.Unlock()
	f.created <- struct{}{}
	return fmt.Sprintf("sub-%d", n), nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func welcome(id string, keepalive int) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome","message_timestamp":"2026-03-01T12:00:00Z"},
		"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":%d}}}`, id, id, keepalive)
}

func notification(subID, typ, event string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"n-1","message_type":"notification","message_timestamp":"2026-03-01T12:00:01Z","subscription_type":%q,"subscription_version":"2"},
		"payload":{"subscription":{"id":%q,"type":%q,"version":"2","status":"enabled"},"event":%s}}`, typ, subID, typ, event)
}

func reconnect(url string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"r-1","message_type":"session_reconnect","message_timestamp":"2026-03-01T12:00:02Z"},
		"payload":{"session":{"id":"s1","status":"reconnecting","reconnect_url":%q}}}`, url)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func write(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func TestClientRegistersAndDispatches(t *testing.T) {
	subs := newFakeSubscriber()
	got := make(chan Notification, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		write(t, c, welcome("s1", 10))
		<-subs.created
		write(t, c, `{"metadata":{"message_type":"session_keepalive"},"payload":{}}`)
		write(t, c, notification("sub-1", ChannelFollow, `{"user_login":"fan","user_name":"Fan","followed_at":"2026-03-01T12:00:01Z"}`))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	client := New(Options{URL: wsURL(srv, "/ws")}, subs, Topic{
		Type: ChannelFollow, Version: "2",
		Handler: func(n Notification) { got <- n },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Serve(ctx) }()

	select {
	case n := <-got:
		if n.SubscriptionID != "sub-1" || n.Type != ChannelFollow {
			t.Fatalf("notification = %+v", n)
		}
		var ev FollowEvent
		if err := n.Decode(&ev); err != nil || ev.UserLogin != "fan" {
			t.Fatalf("event = %+v, %v", ev, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
	if id, n := client.SessionInfo(); id != "s1" || n != 1 {
		t.Fatalf("SessionInfo = %q, %d", id, n)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestClientReconnectKeepsSubscriptions(t *testing.T) {
	subs := newFakeSubscriber()
	got := make(chan Notification, 4)
	oldClosed := make(chan struct{})

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		switch r.URL.Path {
		case "/ws":
			write(t, c, welcome("s1", 10))
			<-subs.created
			write(t, c, reconnect(wsURL(srv, "/moved")))
			// The client closes this socket once the new one is welcomed.
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					close(oldClosed)
					return
				}
			}
		case "/moved":
			write(t, c, welcome("s1", 10))
			select {
			case <-oldClosed:
			case <-time.After(5 * time.Second):
				t.Error("old socket was not closed")
			}
			write(t, c, notification("sub-1", StreamOnline, `{"broadcaster_user_login":"chan","type":"live"}`))
			_, _, _ = c.ReadMessage()
		}
	}))
	defer srv.Close()

	client := New(Options{URL: wsURL(srv, "/ws")}, subs, Topic{
		Type: StreamOnline, Version: "1",
		Handler: func(n Notification) { got <- n },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Serve(ctx) }()

	select {
	case n := <-got:
		if n.SubscriptionID != "sub-1" {
			t.Fatalf("notification = %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after reconnect")
	}
	if n := subs.count(); n != 1 {
		t.Fatalf("CreateEventSubSubscription called %d times, want 1", n)
	}
}

func TestClientRevocationRemovesSubscription(t *testing.T) {
	subs := newFakeSubscriber()
	got := make(chan Notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		write(t, c, welcome("s1", 10))
		<-subs.created
		write(t, c, `{"metadata":{"message_type":"revocation"},"payload":{"subscription":{"id":"sub-1","type":"channel.follow","status":"authorization_revoked"}}}`)
		write(t, c, notification("sub-1", ChannelFollow, `{}`))
		write(t, c, `{"metadata":{"message_type":"something_new"},"payload":{}}`)
		write(t, c, `{"metadata":{"message_type":"session_keepalive"},"payload":{}}`)
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	client := New(Options{URL: wsURL(srv, "/ws")}, subs, Topic{
		Type: ChannelFollow, Version: "2", Handler: func(n Notification) { got <- n },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		id, n := client.SessionInfo()
		if id == "s1" && n == 0 && subs.count() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription still present: %q %d", id, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case n := <-got:
		t.Fatalf("revoked subscription delivered %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunWelcomeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	client := New(Options{URL: wsURL(srv, "/ws"), WelcomeTimeout: 100 * time.Millisecond}, nil)
	welcomed, err := client.run(context.Background(), testLogger())
	if welcomed || !errors.Is(err, ErrWelcomeTimeout) {
		t.Fatalf("run = %v, %v", welcomed, err)
	}
}

func TestRunKeepaliveWatchdog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		write(t, c, welcome("s1", 1))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	client := New(Options{URL: wsURL(srv, "/ws"), Grace: 50 * time.Millisecond}, nil)
	start := time.Now()
	welcomed, err := client.run(context.Background(), testLogger())
	if !welcomed || !errors.Is(err, ErrKeepaliveTimeout) {
		t.Fatalf("run = %v, %v", welcomed, err)
	}
	if d := time.Since(start); d < time.Second {
		t.Fatalf("watchdog fired after %v, want keepalive plus grace", d)
	}
}

func TestRunServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		write(t, c, welcome("s1", 10))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4003, "unused"))
	}))
	defer srv.Close()

	client := New(Options{URL: wsURL(srv, "/ws")}, nil)
	welcomed, err := client.run(context.Background(), testLogger())
	if !welcomed || err == nil || !strings.Contains(err.Error(), "connection unused") {
		t.Fatalf("run = %v, %v", welcomed, err)
	}
}

func TestCloseCodeName(t *testing.T) {
	tests := map[int]string{
		4000: "internal server error",
		4002: "client failed ping-pong",
		4007: "invalid reconnect",
		1000: "",
		4008: "",
	}
	for code, want := range tests {
		if got := CloseCodeName(code); got != want {
			t.Errorf("CloseCodeName(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestModerateEventTarget(t *testing.T) {
	var ev ModerateEvent
	n := Notification{Event: []byte(`{"action":"delete","delete":{"user_login":"troll","message_id":"m-1"}}`)}
	if err := n.Decode(&ev); err != nil {
		t.Fatal(err)
	}
	if login, id := ev.Target(); login != "troll" || id != "m-1" {
		t.Fatalf("Target = %q, %q", login, id)
	}
	if login, id := (ModerateEvent{Action: "clear"}).Target(); login != "" || id != "" {
		t.Fatalf("clear Target = %q, %q", login, id)
	}
}
