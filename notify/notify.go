// Package notify turns chat service notifications into logical events. It is
// owned by the pipeline loop and is not safe for concurrent use.
//
// Mass gifts arrive as one envelope ("X is gifting N subs") followed by N
// individual gift notices. The envelope opens a pending gift keyed by the
// benefactor; each matching gift is emitted as its own subscription event and
// collected, and the summary is emitted once every recipient has arrived or
// the gift timeout passes, whichever is first.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/chatlog"
	"github.com/onnwee/chatrelay/events"
)

// maxLine is the longest chat line Twitch accepts.
const maxLine = 500

// Counter is the storm counter surface used here.
type Counter interface {
	Increment(ctx context.Context, kind string, by int64) (int64, error)
	Combined(ctx context.Context) (int64, error)
}

// Avatars resolves profile images. Lookups that fail return "".
type Avatars interface {
	Avatar(ctx context.Context, login string) string
}

// Chat sends reply lines.
type Chat interface {
	Send(target, text string)
}

// ChatLog records lines in the chat log.
type ChatLog interface {
	Log(l chat.Line) bool
	LogSystem(channel, text string, at time.Time) bool
}

// Options configures a Processor.
type Options struct {
	Channel     string
	GiftTimeout time.Duration
	Debounce    time.Duration
}

type pendingGift struct {
	login       string
	name        string
	channel     string
	subcount    int
	remaining   int
	subscribers []map[string]any
	names       []string
	at          time.Time
}

// Processor coalesces notifications into event submissions.
type Processor struct {
	opts    Options
	storm   Counter
	avatars Avatars
	chat    Chat
	log     ChatLog
	now     func() time.Time

	pending map[string]*pendingGift
	recent  map[string]time.Time
}

// New returns a Processor. avatars may be nil.
func New(opts Options, storm Counter, avatars Avatars, out Chat, log ChatLog) *Processor {
	if opts.GiftTimeout <= 0 {
		opts.GiftTimeout = 120 * time.Second
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.Channel != "" && !strings.HasPrefix(opts.Channel, "#") {
		opts.Channel = "#" + opts.Channel
	}
	return &Processor{
		opts:    opts,
		storm:   storm,
		avatars: avatars,
		chat:    out,
		log:     log,
		now:     time.Now,
		pending: map[string]*pendingGift{},
		recent:  map[string]time.Time{},
	}
}

// Pending reports open mass gifts.
func (p *Processor) Pending() int { return len(p.pending) }

// Notice handles one USERNOTICE.
func (p *Processor) Notice(n chat.Notice) []events.Submission {
	channel := n.Channel
	if channel == "" || channel == "#" {
		channel = p.opts.Channel
	}
	switch n.MsgID {
	case "sub", "resub", "subgift":
		return p.subscription(n, channel)
	case "submysterygift":
		return p.giftEnvelope(n, channel)
	case "raid":
		return p.raid(n, channel)
	default:
		return p.unknown(n, channel)
	}
}

func displayName(display, login string) string {
	if display != "" {
		return display
	}
	return login
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return def
}

func (p *Processor) subscription(n chat.Notice, channel string) []events.Submission {
	monthcount := atoiDefault(n.Param("cumulative-months"), 1)
	login := n.Login
	name := displayName(n.DisplayName, login)
	var benefactorLogin, benefactor string
	if r := n.Param("recipient-user-name"); r != "" {
		benefactorLogin, benefactor = login, name
		login = strings.ToLower(r)
		name = displayName(n.Param("recipient-display-name"), r)
	}

	systemMsg := n.SystemMsg
	if systemMsg == "" {
		if monthcount > 1 {
			systemMsg = fmt.Sprintf("%s has subscribed for %d months!", name, monthcount)
		} else {
			systemMsg = fmt.Sprintf("%s just subscribed!", name)
		}
	}
	p.logSystem(channel, systemMsg, n.Time)
	if n.Message != "" && p.log != nil {
		p.log.Log(chat.Line{
			ID: n.ID, Time: n.Time, Sender: n.Login, DisplayName: n.DisplayName, Target: channel,
			Body: n.Message, Tags: n.Tags, Color: n.Color, Badges: n.Badges, Emotes: n.Emotes, Sub: true,
		})
	}

	if p.debounced(login) {
		slog.Info("debouncing subscriber", slog.String("component", "notify"), slog.String("login", login))
		return nil
	}

	data := map[string]any{"name": name, "benefactor": nil, "streak": nil}
	if benefactor != "" {
		data["benefactor"] = benefactor
	}
	if s := atoiDefault(n.Param("streak-months"), 0); s > 0 {
		data["streak"] = s
	}
	if n.Message != "" {
		data["message"] = n.Message
		data["messagehtml"] = chatlog.MessageHTML(n.Message, n.Emotes)
	}
	kind := events.KindSubscription
	if monthcount > 1 {
		kind = events.KindResubscription
		data["monthcount"] = monthcount
	}
	if tier := n.Param("sub-plan"); tier != "" {
		data["tier"] = tier
	}

	sub := events.Submission{
		Kind:    kind,
		Time:    n.Time,
		Data:    data,
		Prepare: p.prepare(login, kind, 1),
	}

	gift, multi := p.pending[benefactorLogin]
	if benefactorLogin == "" || !multi {
		data["ismulti"] = false
		sub.Done = func(events.Event) {
			count := p.combined()
			p.say(channel, fmt.Sprintf("Thanks for subscribing, %s! (Today's storm count: %d)", name, count))
		}
		return []events.Submission{sub}
	}

	data["ismulti"] = true
	gift.subscribers = append(gift.subscribers, data)
	gift.names = append(gift.names, name)
	gift.remaining--
	out := []events.Submission{sub}
	if gift.remaining <= 0 {
		out = append(out, p.finish(gift))
	}
	return out
}

// debounced records login and reports whether it was announced within the debounce interval.
func (p *Processor) debounced(login string) bool {
	now := p.now()
	for k, t := range p.recent {
		if now.Sub(t) >= p.opts.Debounce {
			delete(p.recent, k)
		}
	}
	if _, ok := p.recent[login]; ok {
		return true
	}
	if p.opts.Debounce > 0 {
		p.recent[login] = now
	}
	return false
}

func (p *Processor) giftEnvelope(n chat.Notice, channel string) []events.Submission {
	login := n.Login
	name := displayName(n.DisplayName, login)
	subcount := atoiDefault(n.Param("mass-gift-count"), 1)
	systemMsg := n.SystemMsg
	if systemMsg == "" {
		plural := "s"
		if subcount == 1 {
			plural = ""
		}
		systemMsg = fmt.Sprintf("%s is gifting %d sub%s!", name, subcount, plural)
	}
	p.logSystem(channel, systemMsg, n.Time)

	var out []events.Submission
	if prev, ok := p.pending[login]; ok {
		out = append(out, p.finish(prev))
	}
	p.pending[login] = &pendingGift{
		login:     login,
		name:      name,
		channel:   channel,
		subcount:  subcount,
		remaining: subcount,
		at:        n.Time,
	}
	return out
}

// Sweep emits every pending gift older than the gift timeout.
func (p *Processor) Sweep() []events.Submission {
	cutoff := p.now().Add(-p.opts.GiftTimeout)
	var expired []*pendingGift
	for _, g := range p.pending {
		if !g.at.After(cutoff) {
			expired = append(expired, g)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].at.Before(expired[j].at) })
	out := make([]events.Submission, 0, len(expired))
	for _, g := range expired {
		slog.Info("mass gift timed out", slog.String("component", "notify"), slog.String("benefactor", g.login),
			slog.Int("announced", g.subcount), slog.Int("received", len(g.subscribers)))
		out = append(out, p.finish(g))
	}
	return out
}

// finish removes g and builds its summary.
func (p *Processor) finish(g *pendingGift) events.Submission {
	delete(p.pending, g.login)
	subs := g.subscribers
	if subs == nil {
		subs = []map[string]any{}
	}
	data := map[string]any{
		"login":       g.login,
		"name":        g.name,
		"subcount":    g.subcount,
		"subscribers": subs,
		"avatar":      nil,
	}
	names := append([]string(nil), g.names...)
	return events.Submission{
		Kind: events.KindMysteryGift,
		Time: g.at,
		Data: data,
		Prepare: func(ctx context.Context, data map[string]any) {
			if a := p.avatar(ctx, g.login); a != "" {
				data["avatar"] = a
			}
		},
		Done: func(events.Event) {
			p.say(g.channel, giftThanks(g.name, g.subcount, names, p.combined()))
		},
	}
}

func giftThanks(benefactor string, subcount int, names []string, storm int64) string {
	plural := "s"
	if subcount == 1 {
		plural = ""
	}
	line := func(who string) string {
		return fmt.Sprintf("Thanks for the gift%s, %s! Welcome to %s! (Today's storm count: %d)", plural, benefactor, who, storm)
	}
	all := fmt.Sprintf("all %d recipients", subcount)
	who := all
	switch len(names) {
	case 0:
	case 1:
		who = names[0]
	case 2:
		who = names[0] + " and " + names[1]
	default:
		who = strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
	if msg := line(who); len(msg) <= maxLine {
		return msg
	}
	return line(all)
}

func (p *Processor) raid(n chat.Notice, channel string) []events.Submission {
	login := strings.ToLower(n.Param("login"))
	if login == "" {
		login = n.Login
	}
	name := displayName(n.Param("displayName"), login)
	count := atoiDefault(n.Param("viewerCount"), 1)
	systemMsg := n.SystemMsg
	if systemMsg == "" {
		verb := "raiders from %s have joined!"
		if count == 1 {
			verb = "raider from %s has joined!"
		}
		systemMsg = fmt.Sprintf("%d "+verb, count, name)
	}
	p.logSystem(channel, systemMsg, n.Time)

	data := map[string]any{"login": login, "name": name, "count": count}
	logo := n.Param("profileImageURL")
	return []events.Submission{{
		Kind: events.KindRaid,
		Time: n.Time,
		Data: data,
		Prepare: func(ctx context.Context, data map[string]any) {
			if logo != "" {
				data["avatar"] = logo
			} else if a := p.avatar(ctx, login); a != "" {
				data["avatar"] = a
			}
			// The payload count is the viewer count; the storm counter only tallies raids.
			p.increment(ctx, events.KindRaid, 1)
		},
	}}
}

func (p *Processor) unknown(n chat.Notice, channel string) []events.Submission {
	slog.Info("unrecognised usernotice", slog.String("component", "notify"), slog.String("msg_id", n.MsgID))
	var msgs []string
	if n.SystemMsg != "" {
		msgs = append(msgs, n.SystemMsg)
	}
	if n.Message != "" {
		msgs = append(msgs, n.Message)
	}
	for _, m := range msgs {
		p.logSystem(channel, m, n.Time)
	}
	if len(msgs) == 0 {
		return nil
	}
	return []events.Submission{{
		Kind: events.KindMessage,
		Time: n.Time,
		Data: map[string]any{"message": strings.Join(msgs, "\u2014")},
	}}
}

var cheerLevels = []struct {
	min   int
	level string
}{{10000, "red"}, {5000, "blue"}, {1000, "green"}, {100, "purple"}, {1, "gray"}}

// CheerLevel maps a bit amount to its display tier.
func CheerLevel(bits int) string {
	for _, l := range cheerLevels {
		if bits >= l.min {
			return l.level
		}
	}
	return "gray"
}

// Cheer handles a chat line carrying bits. Lines without bits produce nothing.
func (p *Processor) Cheer(l chat.Line) []events.Submission {
	if l.Bits <= 0 {
		return nil
	}
	bits := l.Bits
	return []events.Submission{{
		Kind: events.KindCheer,
		Time: l.Time,
		Data: map[string]any{
			"name":        displayName(l.DisplayName, l.Sender),
			"message":     l.Body,
			"messagehtml": chatlog.MessageHTML(l.Body, l.Emotes),
			"bits":        bits,
			"level":       CheerLevel(bits),
		},
		Prepare: func(ctx context.Context, data map[string]any) {
			data["count"] = p.increment(ctx, events.KindCheer, int64(bits))
		},
	}}
}

// Follow builds the event for a new follower.
func (p *Processor) Follow(login, name string, at time.Time) events.Submission {
	return events.Submission{
		Kind:    events.KindFollow,
		Time:    at,
		Data:    map[string]any{"name": displayName(name, login)},
		Prepare: p.prepare("", events.KindFollow, 1),
	}
}

// Stream builds a stream-up or stream-down event.
func (p *Processor) Stream(online bool, at time.Time) events.Submission {
	kind := events.KindStreamDown
	if online {
		kind = events.KindStreamUp
	}
	return events.Submission{Kind: kind, Time: at, Data: map[string]any{}}
}

// prepare returns a hook that adds the avatar for login (when set) and the storm count.
func (p *Processor) prepare(login, kind string, by int64) func(context.Context, map[string]any) {
	return func(ctx context.Context, data map[string]any) {
		if login != "" {
			if a := p.avatar(ctx, login); a != "" {
				data["avatar"] = a
			}
		}
		data["count"] = p.increment(ctx, kind, by)
	}
}

func (p *Processor) increment(ctx context.Context, kind string, by int64) int64 {
	if p.storm == nil {
		return 0
	}
	n, err := p.storm.Increment(ctx, kind, by)
	if err != nil {
		slog.Error("storm increment failed", slog.String("component", "notify"), slog.String("kind", kind), slog.Any("err", err))
	}
	return n
}

func (p *Processor) combined() int64 {
	if p.storm == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := p.storm.Combined(ctx)
	if err != nil {
		slog.Error("storm read failed", slog.String("component", "notify"), slog.Any("err", err))
	}
	return n
}

func (p *Processor) avatar(ctx context.Context, login string) string {
	if p.avatars == nil || login == "" {
		return ""
	}
	return p.avatars.Avatar(ctx, login)
}

func (p *Processor) say(channel, text string) {
	if p.chat != nil && channel != "" {
		p.chat.Send(channel, text)
	}
}

func (p *Processor) logSystem(channel, text string, at time.Time) {
	if p.log != nil {
		p.log.LogSystem(channel, text, at)
	}
}
