package eventsub

import (
	"time"

	"github.com/goccy/go-json"
)

// Message types sent by the EventSub websocket.
const (
	TypeWelcome      = "session_welcome"
	TypeKeepalive    = "session_keepalive"
	TypeNotification = "notification"
	TypeReconnect    = "session_reconnect"
	TypeRevocation   = "revocation"
)

type metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

type sessionPayload struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

type subscriptionPayload struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

type message struct {
	Metadata metadata `json:"metadata"`
	Payload  struct {
		Session      *sessionPayload      `json:"session,omitempty"`
		Subscription *subscriptionPayload `json:"subscription,omitempty"`
		Event        json.RawMessage      `json:"event,omitempty"`
	} `json:"payload"`
}

// Notification is one delivered event.
type Notification struct {
	MessageID      string
	SubscriptionID string
	Type           string
	Version        string
	Time           time.Time
	Event          json.RawMessage
}

// Decode unmarshals the event body into dst.
func (n Notification) Decode(dst any) error {
	return json.Unmarshal(n.Event, dst)
}

// closeCodeNames names the EventSub specific close codes.
var closeCodeNames = map[int]string{
	4000: "internal server error",
	4001: "client sent inbound traffic",
	4002: "client failed ping-pong",
	4003: "connection unused",
	4004: "reconnect grace time expired",
	4005: "network timeout",
	4006: "network error",
	4007: "invalid reconnect",
}

// CloseCodeName describes a close code, or returns "" for codes outside the
// EventSub range.
func CloseCodeName(code int) string {
	return closeCodeNames[code]
}
