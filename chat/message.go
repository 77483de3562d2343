package chat

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/oklog/ulid/v2"
)

// Event is anything Conn delivers: Line, Notice or Clear.
type Event interface {
	At() time.Time
}

// Line is one chat message, public or private.
type Line struct {
	ID          string
	Time        time.Time
	Sender      string
	DisplayName string
	Target      string
	Body        string
	Action      bool
	Tags        map[string]string
	Color       string
	Badges      map[string]int
	Emotes      string
	Bits        int
	Mod         bool
	Sub         bool
	Private     bool
	// Self marks lines the bot itself sent.
	Self bool
}

func (l Line) At() time.Time { return l.Time }

// Notice is a USERNOTICE: subscriptions, gifts, raids and the like.
type Notice struct {
	ID          string
	Time        time.Time
	Channel     string
	MsgID       string
	Login       string
	DisplayName string
	SystemMsg   string
	Message     string
	Emotes      string
	Params      map[string]string
	Tags        map[string]string
	Color       string
	Badges      map[string]int
}

func (n Notice) At() time.Time { return n.Time }

// Param returns msg-param-<name>.
func (n Notice) Param(name string) string {
	return n.Params["msg-param-"+name]
}

// Clear is a moderation deletion. Login empty with MsgID empty means the whole
// channel was cleared; MsgID set means a single message.
type Clear struct {
	Time     time.Time
	Channel  string
	Login    string
	MsgID    string
	Duration time.Duration
}

func (c Clear) At() time.Time { return c.Time }

// Roles decides moderator and subscriber status from tags and badges.
type Roles struct {
	Channel string
	Mods    []string
	// Ops holds logins granted +o by a MODE line during this process.
	Ops *OpSet
}

// OpSet is the set of operators learned from MODE lines. A -o is ignored
// because the server sends one whenever a moderator leaves.
type OpSet struct {
	mu    sync.RWMutex
	users map[string]struct{}
}

// Add records login as an operator. It reports whether login was new.
func (o *OpSet) Add(login string) bool {
	login = strings.ToLower(login)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.users == nil {
		o.users = map[string]struct{}{}
	}
	if _, ok := o.users[login]; ok {
		return false
	}
	o.users[login] = struct{}{}
	return true
}

// Has reports whether login was granted +o. A nil set has no members.
func (o *OpSet) Has(login string) bool {
	if o == nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.users[strings.ToLower(login)]
	return ok
}

// modeGrants returns the nicks given +o by the mode arguments of a MODE
// line, e.g. "+o alice" or "+oo alice bob".
func modeGrants(args string) []string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return nil
	}
	var grants []string
	params := fields[1:]
	adding := true
	for _, ch := range fields[0] {
		switch ch {
		case '+':
			adding = true
		case '-':
			adding = false
		case 'o', 'v', 'b', 'k', 'l':
			if len(params) == 0 {
				return grants
			}
			if ch == 'o' && adding {
				grants = append(grants, strings.ToLower(params[0]))
			}
			params = params[1:]
		}
	}
	return grants
}

var modUserTypes = map[string]bool{"mod": true, "global_mod": true, "admin": true, "staff": true}
var modBadges = []string{"moderator", "global_mod", "admin", "staff", "broadcaster"}

// IsMod reports whether a user with these tags counts as a moderator.
func (r Roles) IsMod(login string, tags map[string]string, badges map[string]int) bool {
	if tags["mod"] == "1" || modUserTypes[tags["user-type"]] {
		return true
	}
	for _, b := range modBadges {
		if _, ok := badges[b]; ok {
			return true
		}
	}
	if strings.EqualFold(login, r.Channel) || r.Ops.Has(login) {
		return true
	}
	for _, m := range r.Mods {
		if strings.EqualFold(m, login) {
			return true
		}
	}
	return false
}

// IsSub reports subscriber status.
func (r Roles) IsSub(tags map[string]string, badges map[string]int) bool {
	if tags["subscriber"] == "1" {
		return true
	}
	_, sub := badges["subscriber"]
	_, founder := badges["founder"]
	return sub || founder
}

// lineTime prefers the server timestamp.
func lineTime(tags map[string]string, fallback time.Time) time.Time {
	if ts := tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	if fallback.IsZero() {
		return time.Now().UTC()
	}
	return fallback.UTC()
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

func copyBadges(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BadgeString renders badges as "name/version,..." sorted by name.
func BadgeString(badges map[string]int) string {
	names := make([]string, 0, len(badges))
	for k := range badges {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"/"+strconv.Itoa(badges[k]))
	}
	return strings.Join(parts, ",")
}

func (r Roles) fromPrivate(m twitch.PrivateMessage) Line {
	body := m.Message
	if m.Action {
		body = "/me " + body
	}
	sender := strings.ToLower(m.User.Name)
	badges := copyBadges(m.User.Badges)
	return Line{
		ID:          m.ID,
		Time:        lineTime(m.Tags, m.Time),
		Sender:      sender,
		DisplayName: m.User.DisplayName,
		Target:      "#" + normalizeChannel(m.Channel),
		Body:        body,
		Action:      m.Action,
		Tags:        m.Tags,
		Color:       m.User.Color,
		Badges:      badges,
		Emotes:      m.Tags["emotes"],
		Bits:        m.Bits,
		Mod:         r.IsMod(sender, m.Tags, badges),
		Sub:         r.IsSub(m.Tags, badges),
	}
}

func (r Roles) fromWhisper(m twitch.WhisperMessage, bot string) Line {
	body := m.Message
	if m.Action {
		body = "/me " + body
	}
	sender := strings.ToLower(m.User.Name)
	badges := copyBadges(m.User.Badges)
	return Line{
		ID:          m.MessageID,
		Time:        lineTime(m.Tags, time.Time{}),
		Sender:      sender,
		DisplayName: m.User.DisplayName,
		Target:      strings.ToLower(bot),
		Body:        body,
		Action:      m.Action,
		Tags:        m.Tags,
		Color:       m.User.Color,
		Badges:      badges,
		Emotes:      m.Tags["emotes"],
		Mod:         r.IsMod(sender, m.Tags, badges),
		Sub:         r.IsSub(m.Tags, badges),
		Private:     true,
	}
}

func fromUserNotice(m twitch.UserNoticeMessage) Notice {
	params := make(map[string]string, len(m.MsgParams))
	for k, v := range m.MsgParams {
		params[k] = v
	}
	login := m.Tags["login"]
	if login == "" {
		login = m.User.Name
	}
	return Notice{
		ID:          m.ID,
		Time:        lineTime(m.Tags, m.Time),
		Channel:     "#" + normalizeChannel(m.Channel),
		MsgID:       m.MsgID,
		Login:       strings.ToLower(login),
		DisplayName: m.User.DisplayName,
		SystemMsg:   m.SystemMsg,
		Message:     m.Message,
		Emotes:      m.Tags["emotes"],
		Params:      params,
		Tags:        m.Tags,
		Color:       m.User.Color,
		Badges:      copyBadges(m.User.Badges),
	}
}

func fromClearChat(m twitch.ClearChatMessage) Clear {
	return Clear{
		Time:     lineTime(m.Tags, m.Time),
		Channel:  "#" + normalizeChannel(m.Channel),
		Login:    strings.ToLower(m.TargetUsername),
		Duration: time.Duration(m.BanDuration) * time.Second,
	}
}

func fromClearMessage(m twitch.ClearMessage) Clear {
	return Clear{
		Time:    lineTime(m.Tags, time.Time{}),
		Channel: "#" + normalizeChannel(m.Channel),
		Login:   strings.ToLower(m.Login),
		MsgID:   m.TargetMsgID,
	}
}

// SelfLine builds the log record for a line the bot sent.
func SelfLine(bot, displayName, target, text string, at time.Time) Line {
	body := text
	action := strings.HasPrefix(text, "/me ")
	return Line{
		ID:          ulid.Make().String(),
		Time:        at.UTC(),
		Sender:      strings.ToLower(bot),
		DisplayName: displayName,
		Target:      target,
		Body:        body,
		Action:      action,
		Badges:      map[string]int{},
		Mod:         true,
		Private:     !strings.HasPrefix(target, "#"),
		Self:        true,
	}
}
