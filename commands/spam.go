package commands

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Spam rule types.
const (
	SpamTypeSpam   = "spam"
	SpamTypeCensor = "censor"
)

// Spam rule pattern types.
const (
	PatternRegex = "regex"
	PatternText  = "text"
)

// SpamRule is one persisted rule. Message may reference match groups as
// %(1)s, %(2)s and so on.
type SpamRule struct {
	Re          string `json:"re"`
	Message     string `json:"message"`
	Type        string `json:"type,omitempty"`
	PatternType string `json:"pattern_type,omitempty"`
}

type spamRule struct {
	SpamRule
	re *regexp.Regexp
}

// compileSpamRules validates rules. Text rules match literally.
func compileSpamRules(rules []SpamRule) ([]spamRule, error) {
	out := make([]spamRule, 0, len(rules))
	for i, r := range rules {
		if r.Type == "" {
			r.Type = SpamTypeSpam
		}
		if r.Type != SpamTypeSpam && r.Type != SpamTypeCensor {
			return nil, fmt.Errorf("spam rule %d: unknown type %q", i, r.Type)
		}
		expr := r.Re
		switch r.PatternType {
		case "", PatternRegex:
		case PatternText:
			expr = regexp.QuoteMeta(r.Re)
		default:
			return nil, fmt.Errorf("spam rule %d: unsupported pattern type %q", i, r.PatternType)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("spam rule %d: %w", i, err)
		}
		out = append(out, spamRule{SpamRule: r, re: re})
	}
	return out, nil
}

var groupRef = regexp.MustCompile(`%\((\d+)\)s|%%`)

// formatReason substitutes %(N)s with match group N.
func formatReason(msg string, groups []string) string {
	return groupRef.ReplaceAllStringFunc(msg, func(m string) string {
		if m == "%%" {
			return "%"
		}
		n, _ := strconv.Atoi(m[2 : len(m)-2])
		if n >= 1 && n <= len(groups) {
			return groups[n-1]
		}
		return ""
	})
}

// SpamHit is a matched rule.
type SpamHit struct {
	Type   string
	Reason string
}

// SpamCounts is the persisted daily tally of escalation levels.
type SpamCounts struct {
	Date  string   `json:"date"`
	Count [3]int64 `json:"count"`
}

// spamFilter holds the active rules and the per-sender offence levels of
// the current day.
type spamFilter struct {
	rules atomic.Pointer[[]spamRule]

	mu     sync.Mutex
	date   string
	levels map[string]int
}

func newSpamFilter() *spamFilter {
	s := &spamFilter{levels: map[string]int{}}
	s.rules.Store(&[]spamRule{})
	return s
}

func (s *spamFilter) set(rules []spamRule) { s.rules.Store(&rules) }

func (s *spamFilter) list() []SpamRule {
	rules := *s.rules.Load()
	out := make([]SpamRule, len(rules))
	for i, r := range rules {
		out[i] = r.SpamRule
	}
	return out
}

// check returns the first rule matching body.
func (s *spamFilter) check(body string) (SpamHit, bool) {
	for _, r := range *s.rules.Load() {
		m := r.re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		return SpamHit{Type: r.Type, Reason: formatReason(r.Message, m[1:])}, true
	}
	return SpamHit{}, false
}

// offence bumps the sender's level for date and returns it, capped at 3.
// Levels reset when the date changes.
func (s *spamFilter) offence(login, date string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if date != s.date {
		s.date = date
		s.levels = map[string]int{}
	}
	login = strings.ToLower(login)
	s.levels[login]++
	if s.levels[login] > 3 {
		return 3
	}
	return s.levels[login]
}

// escalation is what one offence level does to the sender.
type escalation struct {
	timeout time.Duration // zero means ban
	notice  string
}

func escalate(hitType string, level int) escalation {
	if hitType == SpamTypeCensor {
		return escalation{timeout: time.Second, notice: "Your message was automatically deleted (%s). You have not been banned or timed out, and are welcome to continue participating in the chat. Please contact any channel moderator if you feel this is incorrect."}
	}
	switch {
	case level <= 1:
		return escalation{timeout: time.Second, notice: "Message deleted (first warning) for auto-detected spam (%s). Please contact any channel moderator if this is incorrect."}
	case level == 2:
		return escalation{timeout: 600 * time.Second, notice: "Timeout (second warning) for auto-detected spam (%s). Please contact any channel moderator if this is incorrect."}
	default:
		return escalation{notice: "Banned for persistent spam (%s). Please contact any channel moderator if this is incorrect."}
	}
}
