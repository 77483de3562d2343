package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/twitchapi"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeTokens struct {
	mu     sync.Mutex
	tokens map[string]db.Token
	err    error
}

func newFakeTokens() *fakeTokens { return &fakeTokens{tokens: map[string]db.Token{}} }

func (f *fakeTokens) GetOAuthToken(_ context.Context, provider string) (db.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return db.Token{}, f.err
	}
	return f.tokens[provider], nil
}

func (f *fakeTokens) UpsertOAuthToken(_ context.Context, t db.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[t.Provider] = t
	return nil
}

type fakeChat struct {
	rows  []db.ChatRow
	limit int
}

func (f *fakeChat) RecentChat(_ context.Context, limit int) ([]db.ChatRow, error) {
	f.limit = limit
	return f.rows, nil
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestHealthz(t *testing.T) {
	ok := NewRouter(Deps{DB: fakePinger{}}, Options{})
	if rr := serve(ok, http.MethodGet, "/healthz"); rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	down := NewRouter(Deps{DB: fakePinger{err: errors.New("down")}}, Options{})
	if rr := serve(down, http.MethodGet, "/healthz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with failing db = %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	withToken := newFakeTokens()
	withToken.tokens[BotTokenProvider] = db.Token{Provider: BotTokenProvider, AccessToken: "a"}

	tests := []struct {
		name       string
		deps       Deps
		wantStatus int
		wantCheck  string
	}{
		{"ready", Deps{DB: fakePinger{}, Tokens: withToken, BreakerOpen: func() bool { return false }}, http.StatusOK, ""},
		{"no database", Deps{}, http.StatusServiceUnavailable, "database"},
		{"database down", Deps{DB: fakePinger{err: errors.New("refused")}}, http.StatusServiceUnavailable, "database"},
		{"circuit open", Deps{DB: fakePinger{}, Tokens: withToken, BreakerOpen: func() bool { return true }}, http.StatusServiceUnavailable, "circuit_breaker"},
		{"missing token", Deps{DB: fakePinger{}, Tokens: newFakeTokens()}, http.StatusServiceUnavailable, "credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(NewRouter(tt.deps, Options{}), http.MethodGet, "/readyz")
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d, body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			resp := decodeMap(t, rr)
			if tt.wantCheck == "" {
				if resp["status"] != "ready" {
					t.Fatalf("status = %v", resp["status"])
				}
				return
			}
			if resp["status"] != "not_ready" || resp["failed_check"] != tt.wantCheck {
				t.Fatalf("resp = %v", resp)
			}
		})
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := NewRouter(Deps{DB: fakePinger{}}, Options{})

	rr := serve(h, http.MethodGet, "/healthz")
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected generated X-Correlation-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("X-Correlation-ID = %q", got)
	}
}

func TestEventsMounted(t *testing.T) {
	var paths []string
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if _, ok := w.(http.Flusher); !ok {
			t.Error("events handler lost http.Flusher")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewRouter(Deps{Events: events}, Options{})
	for _, p := range []string{"/events", "/api/v2/events"} {
		if rr := serve(h, http.MethodGet, p+"?interval=day"); rr.Code != http.StatusNoContent {
			t.Fatalf("%s = %d", p, rr.Code)
		}
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v", paths)
	}
	if rr := serve(NewRouter(Deps{}, Options{}), http.MethodGet, "/events"); rr.Code != http.StatusNotFound {
		t.Fatalf("unmounted events = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(NewRouter(Deps{}, Options{}), http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"bot-access","refresh_token":"bot-refresh","expires_in":3600,"scope":["chat:read","chat:edit"],"token_type":"bearer"}`))
	}))
}

func newOAuth(tokenURL string) *twitchapi.OAuth {
	return &twitchapi.OAuth{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8080/auth/twitch/callback",
		Scopes:       "chat:read chat:edit",
		Endpoint:     &oauth2.Endpoint{AuthURL: "https://id.example/authorize", TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func startState(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := serve(h, http.MethodGet, "/auth/twitch/start")
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Host != "id.example" || loc.Query().Get("client_id") != "cid" {
		t.Fatalf("location = %s", loc)
	}
	st := loc.Query().Get("state")
	if st == "" {
		t.Fatal("missing state")
	}
	return st
}

func TestTwitchOAuthFlow(t *testing.T) {
	ts := newTokenServer(t)
	defer ts.Close()
	tokens := newFakeTokens()
	h := NewRouter(Deps{Tokens: tokens, OAuth: newOAuth(ts.URL)}, Options{RateLimit: RateLimitConfig{Disabled: true}})

	st := startState(t, h)
	rr := serve(h, http.MethodGet, "/auth/twitch/callback?code=good-code&state="+st)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body.String())
	}
	tok := tokens.tokens[BotTokenProvider]
	if tok.AccessToken != "bot-access" || tok.RefreshToken != "bot-refresh" || tok.Scope != "chat:read chat:edit" {
		t.Fatalf("stored token = %+v", tok)
	}
	if time.Until(tok.Expiry) < 50*time.Minute {
		t.Fatalf("expiry = %v", tok.Expiry)
	}

	// A state is single-use.
	rr = serve(h, http.MethodGet, "/auth/twitch/callback?code=good-code&state="+st)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("replayed state = %d", rr.Code)
	}
}

func TestTwitchOAuthCallbackErrors(t *testing.T) {
	ts := newTokenServer(t)
	defer ts.Close()
	h := NewRouter(Deps{Tokens: newFakeTokens(), OAuth: newOAuth(ts.URL)}, Options{RateLimit: RateLimitConfig{Disabled: true}})

	tests := []struct {
		name  string
		query func() string
		want  int
	}{
		{"missing code", func() string { return "?state=x" }, http.StatusBadRequest},
		{"unknown state", func() string { return "?code=good-code&state=nope" }, http.StatusBadRequest},
		{"denied", func() string { return "?error=access_denied" }, http.StatusBadRequest},
		{"bad code", func() string { return "?code=bad&state=" + startState(t, h) }, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := serve(h, http.MethodGet, "/auth/twitch/callback"+tt.query()); rr.Code != tt.want {
				t.Fatalf("got %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestTwitchOAuthNotConfigured(t *testing.T) {
	h := NewRouter(Deps{}, Options{RateLimit: RateLimitConfig{Disabled: true}})
	if rr := serve(h, http.MethodGet, "/auth/twitch/start"); rr.Code != http.StatusBadRequest {
		t.Fatalf("start = %d", rr.Code)
	}
}

func TestOAuthStateExpiry(t *testing.T) {
	h := NewHandlers(Deps{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	h.addOAuthState("s", now.Add(time.Minute))
	now = now.Add(2 * time.Minute)
	if h.takeOAuthState("s") {
		t.Fatal("expired state accepted")
	}
	if _, ok := h.stateStore["s"]; ok {
		t.Fatal("expired state not removed")
	}
}

func TestOAuthStateCap(t *testing.T) {
	h := NewHandlers(Deps{})
	exp := time.Now().Add(time.Hour)
	for i := 0; i < maxOAuthStates; i++ {
		if !h.addOAuthState(fmt.Sprintf("s%d", i), exp) {
			t.Fatalf("state %d refused", i)
		}
	}
	if h.addOAuthState("overflow", exp) {
		t.Fatal("state accepted past the cap")
	}
}

func TestAdminStatus(t *testing.T) {
	deps := Deps{Status: func(context.Context) any {
		return map[string]any{"chat": "connected", "queue": 3}
	}}
	h := NewRouter(deps, Options{Auth: AuthConfig{Token: "tok"}, RateLimit: RateLimitConfig{Disabled: true}})

	if rr := serve(h, http.MethodGet, "/admin/status"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("X-Admin-Token", "tok")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if m := decodeMap(t, rr); m["chat"] != "connected" {
		t.Fatalf("status body = %v", m)
	}
}

func TestAdminRecentChat(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	chat := &fakeChat{rows: []db.ChatRow{
		{ID: 1, Time: at, Sender: "viewer", DisplayName: "Viewer", Message: "hello <b>"},
		{ID: 2, Time: at, Sender: "notifier", Message: "new sub!"},
	}}
	h := NewRouter(Deps{Chat: chat, NotifyUser: "notifier"}, Options{RateLimit: RateLimitConfig{Disabled: true}})

	rr := serve(h, http.MethodGet, "/admin/chat/recent?limit=5000")
	if rr.Code != http.StatusOK {
		t.Fatalf("recent = %d", rr.Code)
	}
	if chat.limit != maxRecentChat {
		t.Fatalf("limit = %d, want clamp to %d", chat.limit, maxRecentChat)
	}
	var body struct {
		Lines []recentLine `json:"lines"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Lines) != 2 || body.Lines[0].Time != "2026-03-01T12:00:00Z" {
		t.Fatalf("lines = %+v", body.Lines)
	}
	if strings.Contains(body.Lines[0].HTML, "<b>") {
		t.Fatalf("message not escaped: %s", body.Lines[0].HTML)
	}
	if !strings.Contains(body.Lines[1].HTML, `class="notification line"`) {
		t.Fatalf("notification not rendered: %s", body.Lines[1].HTML)
	}

	rr = serve(h, http.MethodGet, "/admin/chat/recent?format=html")
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	if chat.limit != defaultRecentChat {
		t.Fatalf("default limit = %d", chat.limit)
	}
	if strings.Count(rr.Body.String(), "\n") != 2 {
		t.Fatalf("html body = %q", rr.Body.String())
	}
}

func TestServiceShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	svc := &Service{Addr: addr, Handler: NewRouter(Deps{DB: fakePinger{}}, Options{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("healthz = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServiceShutdownEndsEventStreams(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	relay := events.NewRelay(4)
	h := &events.Handler{Relay: relay, KeepAlive: time.Minute}
	svc := &Service{
		Addr:            addr,
		Handler:         NewRouter(Deps{Events: h}, Options{}),
		ShutdownTimeout: 5 * time.Second,
		OnShutdown:      []func(){relay.Close},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/events", nil)
		req.Header.Set("Accept", "text/event-stream")
		resp, err = http.DefaultClient.Do(req)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	for relay.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	relay.Publish(events.Event{ID: 7, Kind: events.KindFollow, Data: map[string]any{"name": "viewer"}})

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve held open by the event stream")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("shutdown took %v", d)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("stream did not end cleanly: %v", err)
	}
	if !strings.Contains(string(body), "id:7\nevent:"+events.KindFollow+"\n") {
		t.Fatalf("stream body = %q", body)
	}
}
