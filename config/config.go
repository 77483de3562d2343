// Package config loads the bot configuration and provides a typed Config used across the service.
// Sources are layered: built-in defaults, an optional YAML file, then environment variables.
// Defaults let the binary start locally with only a database and chat credentials.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Chat     ChatConfig     `koanf:"chat"`
	Twitch   TwitchConfig   `koanf:"twitch"`
	Storm    StormConfig    `koanf:"storm"`
	Sender   SenderConfig   `koanf:"sender"`
	Events   EventsConfig   `koanf:"events"`
	Control  ControlConfig  `koanf:"control"`
	Notify   NotifyConfig   `koanf:"notify"`
	Database DatabaseConfig `koanf:"database"`

	// Workers bounds concurrently running command handlers.
	Workers int `koanf:"workers" validate:"min=1,max=256"`
}

// ChatConfig describes the IRC session.
type ChatConfig struct {
	Hostname      string        `koanf:"hostname" validate:"required"`
	Port          int           `koanf:"port" validate:"min=1,max=65535"`
	Secure        bool          `koanf:"secure"`
	Channel       string        `koanf:"channel" validate:"required"`
	Username      string        `koanf:"username" validate:"required"`
	Password      string        `koanf:"password"`
	KeepAlive     time.Duration `koanf:"keepalivetime" validate:"min=1s"`
	ReconnectTime time.Duration `koanf:"reconnecttime" validate:"min=1s"`
	NotifyUser    string        `koanf:"notifyuser"`
	CommandPrefix string        `koanf:"commandprefix" validate:"required,len=1"`
	Mods          []string      `koanf:"mods"`
	ClearLookback time.Duration `koanf:"clear_lookback" validate:"min=0"`
}

// TwitchConfig holds Helix and EventSub credentials and endpoints.
type TwitchConfig struct {
	ClientID     string  `koanf:"client_id"`
	ClientSecret string  `koanf:"client_secret"`
	Scopes       string  `koanf:"scopes"`
	RedirectURI  string  `koanf:"redirect_uri" validate:"omitempty,url"`
	HelixURL     string  `koanf:"helix_url" validate:"required,url"`
	EventSubURL  string  `koanf:"eventsub_url" validate:"required,url"`
	RPS          float64 `koanf:"rps" validate:"gt=0"`
}

type StormConfig struct {
	Timezone string `koanf:"timezone" validate:"required"`
}

// SenderConfig bounds outbound chat to the posting quota.
type SenderConfig struct {
	Limit  int           `koanf:"limit" validate:"min=1"`
	Window time.Duration `koanf:"window" validate:"min=1s"`
	Queue  int           `koanf:"queue" validate:"min=1"`
}

type EventsConfig struct {
	Addr        string        `koanf:"addr" validate:"required"`
	KeepAlive   time.Duration `koanf:"keepalive" validate:"min=1s"`
	Queue       int           `koanf:"queue" validate:"min=1"`
	ReplayLimit int           `koanf:"replay_limit" validate:"min=1"`
}

// ControlConfig selects the local control socket. An empty Socket falls back to
// loopback TCP on Port.
type ControlConfig struct {
	Socket string `koanf:"socket"`
	Port   int    `koanf:"port" validate:"min=0,max=65535"`
}

type NotifyConfig struct {
	GiftTimeout time.Duration `koanf:"gift_timeout" validate:"min=1s"`
	Debounce    time.Duration `koanf:"debounce" validate:"min=0"`
	Dedupe      time.Duration `koanf:"dedupe" validate:"min=0"`
}

type DatabaseConfig struct {
	DSN           string `koanf:"dsn" validate:"required"`
	EncryptionKey string `koanf:"encryption_key"`
}

// Location resolves the storm timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Storm.Timezone)
}

// ChannelName returns the channel login without a leading '#', lowercased.
func (c *Config) ChannelName() string {
	return strings.ToLower(strings.TrimPrefix(c.Chat.Channel, "#"))
}

// IsMod reports whether login is one of the configured extra moderators.
func (c *Config) IsMod(login string) bool {
	for _, m := range c.Chat.Mods {
		if strings.EqualFold(m, login) {
			return true
		}
	}
	return false
}

// HelixReady reports whether app credentials are present for Helix and EventSub.
func (c *Config) HelixReady() bool {
	return c.Twitch.ClientID != "" && c.Twitch.ClientSecret != ""
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: storm.timezone %q: %v", ErrInvalid, c.Storm.Timezone, err)
	}
	if c.Control.Socket == "" && c.Control.Port == 0 {
		return fmt.Errorf("%w: control socket path or port required", ErrInvalid)
	}
	return nil
}
