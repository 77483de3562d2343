// Package commands matches chat lines against registered "!command" patterns
// and runs their handlers on a bounded worker pool.
//
// Dispatch for one line runs, in order: the lockdown check, the spam rules,
// the pattern match, access gating, the throttle, and finally the handler.
// Everything before the handler runs on the caller's goroutine and never
// touches the network or the database.
package commands

import (
	"context"
	"strings"
	"time"

	"github.com/onnwee/chatrelay/chat"
)

// Access is the minimum role needed to run a command.
type Access int

const (
	AccessAny Access = iota
	AccessSubscriber
	AccessModerator
)

func (a Access) String() string {
	switch a {
	case AccessSubscriber:
		return "sub"
	case AccessModerator:
		return "mod"
	default:
		return "all"
	}
}

// ParseAccess reads the persisted lockdown level. Unknown values mean AccessAny.
func ParseAccess(s string) Access {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sub":
		return AccessSubscriber
	case "mod":
		return AccessModerator
	default:
		return AccessAny
	}
}

// allows reports whether a caller with the given roles clears a.
func (a Access) allows(mod, sub bool) bool {
	switch a {
	case AccessModerator:
		return mod
	case AccessSubscriber:
		return mod || sub
	default:
		return true
	}
}

// DefaultThrottlePeriod is used by NewThrottle.
const DefaultThrottlePeriod = 15 * time.Second

// Throttle limits how often a command runs. Calls are keyed by the command
// and the lowercased values of the Params it watches.
type Throttle struct {
	Period time.Duration
	Count  int
	// Params are indexes into the handler parameters that form the key.
	Params []int
	// ModOverride lets moderators bypass the throttle.
	ModOverride bool
	// AllowPrivate lets private messages bypass the throttle.
	AllowPrivate bool
	// Notify tells the caller when a call was throttled.
	Notify bool
}

// NewThrottle returns a one-call-per-period throttle that moderators and
// private messages bypass.
func NewThrottle(period time.Duration, params ...int) *Throttle {
	if period <= 0 {
		period = DefaultThrottlePeriod
	}
	return &Throttle{Period: period, Count: 1, Params: params, ModOverride: true, AllowPrivate: true}
}

// Request is one matched invocation.
type Request struct {
	Line   chat.Line
	Params []string
	// ReplyTo is the channel for public lines and the sender for whispers.
	ReplyTo string
}

// Param returns parameter i, or "" when it is absent or did not participate.
func (r *Request) Param(i int) string {
	if i < 0 || i >= len(r.Params) {
		return ""
	}
	return r.Params[i]
}

// Handler runs a command. A non-empty result is sent to ReplyTo and cached
// for throttled repeats.
type Handler func(ctx context.Context, r *Request) (string, error)

// Command is one registered pattern.
type Command struct {
	// Pattern is a regular expression without the prefix. Spaces match any
	// run of whitespace.
	Pattern     string
	Name        string
	Aliases     []string
	Description string
	Access      Access
	PublicOnly  bool
	Throttle    *Throttle
	Handler     Handler
}

// Info describes a command for listings.
type Info struct {
	Aliases     []string `json:"aliases"`
	ModOnly     bool     `json:"mod-only"`
	SubOnly     bool     `json:"sub-only"`
	PublicOnly  bool     `json:"public-only"`
	Throttled   []int64  `json:"throttled"`
	Description string   `json:"description"`
}

func (c *Command) info(prefix string) Info {
	names := append([]string{c.Name}, c.Aliases...)
	aliases := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			aliases = append(aliases, prefix+n)
		}
	}
	in := Info{
		Aliases:     aliases,
		ModOnly:     c.Access == AccessModerator,
		SubOnly:     c.Access == AccessSubscriber,
		PublicOnly:  c.PublicOnly,
		Description: c.Description,
	}
	if c.Throttle != nil {
		in.Throttled = []int64{int64(c.Throttle.Count), int64(c.Throttle.Period / time.Second)}
	}
	return in
}
