package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

// MockTwitchServer serves canned Helix and OAuth responses and records the
// requests it receives.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordedRequest is one request seen by the mock.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// NewMockTwitchServer creates a new mock Twitch API server. Unknown paths return 404.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
		h, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the base URL to hand to a Helix client.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// Handle installs a handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Requests returns a copy of the requests seen for path.
func (m *MockTwitchServer) Requests(path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedRequest
	for _, r := range m.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users.
func (m *MockTwitchServer) MockUserResponse(userID, login, avatar string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login, "display_name": login, "profile_image_url": avatar}},
		})
	})
}

// MockEventSubResponse answers subscription creation with sequential ids.
func (m *MockTwitchServer) MockEventSubResponse() {
	var mu sync.Mutex
	n := 0
	m.Handle("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n++
		id := "sub-" + strconv.Itoa(n)
		mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"data": []map[string]string{{"id": id, "status": "enabled"}}})
	})
}

// MockStatus makes path answer with a fixed status code.
func (m *MockTwitchServer) MockStatus(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": "refresh-" + accessToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
			"scope":         []string{"chat:read", "chat:edit"},
		})
	})
}
