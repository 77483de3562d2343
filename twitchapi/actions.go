package twitchapi

import (
	"context"
	"fmt"
	"time"
)

// Channel performs moderation and whispers as the bot in one channel,
// resolving logins to user ids on the way.
type Channel struct {
	Helix       *HelixClient
	Broadcaster string
	Bot         string
}

func (c *Channel) ids(ctx context.Context, logins ...string) ([]string, error) {
	out := make([]string, 0, len(logins))
	for _, l := range logins {
		u, err := c.Helix.GetUser(ctx, l)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", l, err)
		}
		out = append(out, u.ID)
	}
	return out, nil
}

// Whisper sends text to login from the bot account.
func (c *Channel) Whisper(ctx context.Context, login, text string) error {
	ids, err := c.ids(ctx, c.Bot, login)
	if err != nil {
		return err
	}
	return c.Helix.SendWhisper(ctx, ids[0], ids[1], text)
}

// Timeout removes login from chat for d. A zero d bans.
func (c *Channel) Timeout(ctx context.Context, login string, d time.Duration, reason string) error {
	ids, err := c.ids(ctx, c.Broadcaster, c.Bot, login)
	if err != nil {
		return err
	}
	return c.Helix.BanUser(ctx, ids[0], ids[1], ids[2], d, reason)
}

// Ban permanently bans login.
func (c *Channel) Ban(ctx context.Context, login, reason string) error {
	return c.Timeout(ctx, login, 0, reason)
}

// DeleteMessage removes one chat message.
func (c *Channel) DeleteMessage(ctx context.Context, msgID string) error {
	ids, err := c.ids(ctx, c.Broadcaster, c.Bot)
	if err != nil {
		return err
	}
	return c.Helix.DeleteChatMessage(ctx, ids[0], ids[1], msgID)
}

// BroadcasterID resolves the channel owner's user id.
func (c *Channel) BroadcasterID(ctx context.Context) (string, error) {
	ids, err := c.ids(ctx, c.Broadcaster)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BotID resolves the bot's user id.
func (c *Channel) BotID(ctx context.Context) (string, error) {
	ids, err := c.ids(ctx, c.Bot)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}
