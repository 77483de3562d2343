package eventsub

import "time"

// Subscription types the bot registers.
const (
	ChannelFollow   = "channel.follow"
	StreamOnline    = "stream.online"
	StreamOffline   = "stream.offline"
	ChannelModerate = "channel.moderate"
)

// FollowEvent is channel.follow v2.
type FollowEvent struct {
	UserID               string    `json:"user_id"`
	UserLogin            string    `json:"user_login"`
	UserName             string    `json:"user_name"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	FollowedAt           time.Time `json:"followed_at"`
}

// StreamOnlineEvent is stream.online v1.
type StreamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

// StreamOfflineEvent is stream.offline v1.
type StreamOfflineEvent struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

// ModerateEvent is channel.moderate v2, reduced to the actions that change
// what the chat log shows.
type ModerateEvent struct {
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ModeratorUserLogin   string `json:"moderator_user_login"`
	Action               string `json:"action"`
	Ban                  *struct {
		UserLogin string `json:"user_login"`
		Reason    string `json:"reason"`
	} `json:"ban,omitempty"`
	Timeout *struct {
		UserLogin string    `json:"user_login"`
		Reason    string    `json:"reason"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"timeout,omitempty"`
	Delete *struct {
		UserLogin   string `json:"user_login"`
		MessageID   string `json:"message_id"`
		MessageBody string `json:"message_body"`
	} `json:"delete,omitempty"`
}

// Target returns the affected user login and message id, if any.
func (e ModerateEvent) Target() (login, msgID string) {
	switch {
	case e.Ban != nil:
		return e.Ban.UserLogin, ""
	case e.Timeout != nil:
		return e.Timeout.UserLogin, ""
	case e.Delete != nil:
		return e.Delete.UserLogin, e.Delete.MessageID
	}
	return "", ""
}
