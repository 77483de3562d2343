package commands

import (
	"context"
	"fmt"
	"strings"
)

// StormReader reads today's storm counters by kind.
type StormReader interface {
	Today(ctx context.Context) (map[string]int64, error)
}

// RegisterBuiltins adds the lockdown, storm, spam count and help commands.
func RegisterBuiltins(d *Dispatcher, storm StormReader) error {
	prefix := d.reg.Prefix()
	builtins := []Command{
		{
			Pattern:     "(mod|sub)only",
			Name:        "modonly",
			Aliases:     []string{"subonly"},
			Description: "Ignore all subsequent commands from non-mods or non-subscribers.",
			Access:      AccessModerator,
			Handler: func(ctx context.Context, r *Request) (string, error) {
				level := strings.ToLower(r.Param(0))
				if err := d.SetLockdown(ctx, ParseAccess(level)); err != nil {
					return "", err
				}
				return fmt.Sprintf("Commands from non-%ss are now ignored.", level), nil
			},
		},
		{
			Pattern:     "(?:mod|sub)only off",
			Name:        "modonly off",
			Aliases:     []string{"subonly off"},
			Description: "Disable lockdown.",
			Access:      AccessModerator,
			Handler: func(ctx context.Context, r *Request) (string, error) {
				if err := d.SetLockdown(ctx, AccessAny); err != nil {
					return "", err
				}
				return "Lockdown disabled.", nil
			},
		},
		{
			Pattern:     "storm(?:count)?",
			Name:        "storm",
			Aliases:     []string{"stormcount"},
			Description: "Show the current storm counts.",
			Throttle:    NewThrottle(DefaultThrottlePeriod),
			Handler: func(ctx context.Context, r *Request) (string, error) {
				if storm == nil {
					return "", nil
				}
				c, err := storm.Today(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Today's storm count (number of new subscribers): %d, combo count (number of returning subscribers): %d, patreon count (number of new patrons): %d, follower count (number of new followers): %d",
					c["twitch-subscription"], c["twitch-resubscription"], c["patreon-pledge"], c["twitch-follow"]), nil
			},
		},
		{
			Pattern:     "spam(?:count)?",
			Name:        "spam",
			Aliases:     []string{"spamcount"},
			Description: "Show the number of users who have been automatically banned today for spamming.",
			Throttle:    NewThrottle(DefaultThrottlePeriod),
			Handler: func(ctx context.Context, r *Request) (string, error) {
				c, err := d.SpamCounts(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Today's spam counts: %d hits, %d repeat offenders, %d bannings", c.Count[0], c.Count[1], c.Count[2]), nil
			},
		},
		{
			Pattern:     "help(?: (.+))?",
			Name:        "help",
			Description: "List the available commands, or describe one.",
			Throttle:    NewThrottle(DefaultThrottlePeriod, 0),
			Handler: func(ctx context.Context, r *Request) (string, error) {
				return help(prefix, d.Commands(), r.Param(0)), nil
			},
		},
	}
	for _, c := range builtins {
		if err := d.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func help(prefix string, cmds []Info, topic string) string {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic != "" {
		if !strings.HasPrefix(topic, prefix) {
			topic = prefix + topic
		}
		for _, c := range cmds {
			for _, a := range c.Aliases {
				if strings.ToLower(a) == topic {
					return fmt.Sprintf("%s: %s", a, c.Description)
				}
			}
		}
		return fmt.Sprintf("Unknown command %s", topic)
	}
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if len(c.Aliases) > 0 {
			names = append(names, c.Aliases[0])
		}
	}
	return "Commands: " + strings.Join(names, ", ")
}
