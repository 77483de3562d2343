package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/chatrelay/testutil"
)

func staticToken(tok string) TokenGetter {
	return TokenFunc(func(context.Context) (string, error) { return tok, nil })
}

func newTestClient(m *testutil.MockTwitchServer) *HelixClient {
	return NewHelixClient(Options{
		BaseURL:       m.HelixURL(),
		ClientID:      "cid",
		AppToken:      staticToken("app"),
		UserToken:     staticToken("user"),
		RPS:           1000,
		RetryInterval: time.Millisecond,
	})
}

func TestGetUserCachesResult(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockUserResponse("42", "alice", "https://img/alice.png")
	hc := newTestClient(m)

	for i := 0; i < 2; i++ {
		u, err := hc.GetUser(context.Background(), "Alice")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.ID != "42" || u.ProfileImageURL != "https://img/alice.png" {
			t.Fatalf("unexpected user: %+v", u)
		}
	}
	if n := len(m.Requests("/helix/users")); n != 1 {
		t.Errorf("expected one request thanks to cache, got %d", n)
	}
	if got := hc.Avatar(context.Background(), "alice"); got != "https://img/alice.png" {
		t.Errorf("Avatar = %q", got)
	}
}

func TestGetUserNotFound(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	hc := newTestClient(m)
	if _, err := hc.GetUser(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser = %v, want ErrNotFound", err)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	var calls atomic.Int32
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"1","login":"bob"}]}`))
	})
	hc := newTestClient(m)
	if _, err := hc.GetUser(context.Background(), "bob"); err != nil {
		t.Fatalf("GetUser after transient failures: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockStatus("/helix/whispers", http.StatusForbidden)
	hc := newTestClient(m)
	err := hc.SendWhisper(context.Background(), "1", "2", "hi")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("SendWhisper = %v, want 403 StatusError", err)
	}
	if n := len(m.Requests("/helix/whispers")); n != 1 {
		t.Errorf("4xx retried %d times", n)
	}
}

func TestGivesUpAfterThreeAttempts(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockStatus("/helix/users", http.StatusServiceUnavailable)
	hc := newTestClient(m)
	_, err := hc.GetUser(context.Background(), "bob")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("GetUser = %v, want last 503", err)
	}
	if n := len(m.Requests("/helix/users")); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestCreateEventSubSubscription(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockEventSubResponse()
	hc := newTestClient(m)
	id, err := hc.CreateEventSubSubscription(context.Background(), "channel.follow", "2",
		map[string]string{"broadcaster_user_id": "1", "moderator_user_id": "2"}, "sess-1")
	if err != nil || id != "sub-1" {
		t.Fatalf("CreateEventSubSubscription = %q, %v", id, err)
	}
	reqs := m.Requests("/helix/eventsub/subscriptions")
	var body struct {
		Type      string            `json:"type"`
		Transport map[string]string `json:"transport"`
	}
	if err := json.Unmarshal(reqs[0].Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Type != "channel.follow" || body.Transport["method"] != "websocket" || body.Transport["session_id"] != "sess-1" {
		t.Errorf("unexpected request body: %s", reqs[0].Body)
	}
}

func TestBanUserDuration(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockStatus("/helix/moderation/bans", http.StatusOK)
	hc := newTestClient(m)
	if err := hc.BanUser(context.Background(), "b", "m", "u", 600*time.Second, "spam"); err != nil {
		t.Fatalf("BanUser: %v", err)
	}
	if err := hc.BanUser(context.Background(), "b", "m", "u", 0, "spam"); err != nil {
		t.Fatalf("BanUser permanent: %v", err)
	}
	reqs := m.Requests("/helix/moderation/bans")
	if !strings.Contains(string(reqs[0].Body), `"duration":600`) {
		t.Errorf("timeout body missing duration: %s", reqs[0].Body)
	}
	if strings.Contains(string(reqs[1].Body), "duration") {
		t.Errorf("ban body should not carry duration: %s", reqs[1].Body)
	}
	if !strings.Contains(reqs[0].Query, "broadcaster_id=b") {
		t.Errorf("query = %q", reqs[0].Query)
	}
}

func TestAppTokenSource(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("apptok", 3600)
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: m.URL + "/oauth2/token"}
	for i := 0; i < 2; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil || tok != "apptok" {
			t.Fatalf("Get = %q, %v", tok, err)
		}
	}
	if n := len(m.Requests("/oauth2/token")); n != 1 {
		t.Errorf("token fetched %d times, want cached", n)
	}
	if _, err := (&TokenSource{}).Get(context.Background()); err == nil {
		t.Errorf("expected error without credentials")
	}
}
