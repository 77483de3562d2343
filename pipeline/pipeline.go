// Package pipeline runs the single event loop that joins chat traffic,
// EventSub notifications, the gift sweep and control actions.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/commands"
	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/eventsub"
	"github.com/onnwee/chatrelay/telemetry"
)

// ErrStopped is returned by Do when the loop is not running.
var ErrStopped = errors.New("pipeline: loop not running")

// ChatSource is the chat session as seen by the loop.
type ChatSource interface {
	Events() <-chan chat.Event
	Channel() string
	State() chat.State
}

// ChatLog records chat lines and deletions.
type ChatLog interface {
	Log(l chat.Line) bool
	Clear(c chat.Clear) bool
}

// Notifier turns notifications into event submissions.
type Notifier interface {
	Notice(n chat.Notice) []events.Submission
	Cheer(l chat.Line) []events.Submission
	Follow(login, name string, at time.Time) events.Submission
	Stream(online bool, at time.Time) events.Submission
	Sweep() []events.Submission
	Pending() int
}

// EventSink accepts logical events.
type EventSink interface {
	Submit(ctx context.Context, s events.Submission) error
}

// Dispatcher runs chat commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, l chat.Line) commands.Result
}

// Deps are the collaborators driven by the loop.
type Deps struct {
	Chat     ChatSource
	ChatLog  ChatLog
	Notify   Notifier
	Events   EventSink
	Commands Dispatcher
}

// Options tune the loop.
type Options struct {
	// SweepInterval is how often open mass gifts are checked; default 120s.
	SweepInterval time.Duration
	// ThrottleMaxAge prunes command throttle entries idle for longer; default 1h.
	ThrottleMaxAge time.Duration
	// Inbox is the capacity of the work queue fed by other goroutines.
	Inbox int
	// PostTimeout bounds how long a producer waits on a full inbox.
	PostTimeout time.Duration
	// NotifyUser is the legacy notification login; its chat lines are
	// logged but never dispatched as commands.
	NotifyUser string
}

type work struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Pipeline owns the event loop.
type Pipeline struct {
	opts Options
	deps Deps

	inbox   chan work
	running atomic.Bool
	stats   stats
}

type stats struct {
	lines    atomic.Uint64
	notices  atomic.Uint64
	clears   atomic.Uint64
	eventsub atomic.Uint64
	events   atomic.Uint64
	pending  atomic.Int64
	last     atomic.Int64
}

// New returns a Pipeline. Call Serve to start the loop.
func New(opts Options, deps Deps) *Pipeline {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 120 * time.Second
	}
	if opts.ThrottleMaxAge <= 0 {
		opts.ThrottleMaxAge = time.Hour
	}
	if opts.Inbox <= 0 {
		opts.Inbox = 256
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = 5 * time.Second
	}
	return &Pipeline{opts: opts, deps: deps, inbox: make(chan work, opts.Inbox)}
}

func (p *Pipeline) String() string { return "pipeline" }

// Serve runs the loop until ctx ends.
func (p *Pipeline) Serve(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "pipeline"))
	p.running.Store(true)
	defer p.running.Store(false)

	var chatEvents <-chan chat.Event
	if p.deps.Chat != nil {
		chatEvents = p.deps.Chat.Events()
	}
	sweep := time.NewTicker(p.opts.SweepInterval)
	defer sweep.Stop()

	log.Info("pipeline loop started", slog.Duration("sweep", p.opts.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			// Fail queued callers instead of leaving them waiting.
			for {
				select {
				case w := <-p.inbox:
					if w.done != nil {
						w.done <- ErrStopped
					}
				default:
					return nil
				}
			}
		case ev, ok := <-chatEvents:
			if !ok {
				chatEvents = nil
				continue
			}
			p.handleChat(ctx, log, ev)
		case w := <-p.inbox:
			err := w.fn(ctx)
			if w.done != nil {
				w.done <- err
			}
		case <-sweep.C:
			p.submit(ctx, log, p.deps.Notify.Sweep()...)
			if pr, ok := p.deps.Commands.(interface{ PruneThrottles(time.Duration) int }); ok {
				pr.PruneThrottles(p.opts.ThrottleMaxAge)
			}
		}
		p.updatePending()
	}
}

func (p *Pipeline) updatePending() {
	if p.deps.Notify == nil {
		return
	}
	n := p.deps.Notify.Pending()
	p.stats.pending.Store(int64(n))
	telemetry.SetGauge(telemetry.PendingGifts, float64(n))
}

func (p *Pipeline) handleChat(ctx context.Context, log *slog.Logger, ev chat.Event) {
	p.stats.last.Store(ev.At().UnixNano())
	switch ev := ev.(type) {
	case chat.Line:
		p.handleLine(ctx, log, ev)
	case chat.Notice:
		p.stats.notices.Add(1)
		p.submit(ctx, log, p.deps.Notify.Notice(ev)...)
	case chat.Clear:
		p.stats.clears.Add(1)
		p.clear(ev)
	default:
		log.Debug("unhandled chat event", slog.Any("event", ev))
	}
}

func (p *Pipeline) handleLine(ctx context.Context, log *slog.Logger, l chat.Line) {
	p.stats.lines.Add(1)
	if p.deps.ChatLog != nil {
		p.deps.ChatLog.Log(l)
	}
	if l.Self {
		return
	}
	if !l.Private {
		p.submit(ctx, log, p.deps.Notify.Cheer(l)...)
	}
	if p.opts.NotifyUser != "" && strings.EqualFold(l.Sender, p.opts.NotifyUser) {
		return
	}
	if p.deps.Commands != nil {
		res := p.deps.Commands.Dispatch(ctx, l)
		if res.Outcome != commands.OutcomeNone {
			log.Debug("command", slog.String("sender", l.Sender), slog.String("outcome", string(res.Outcome)), slog.String("command", commandName(res.Command)))
		}
	}
}

func commandName(c *commands.Command) string {
	switch {
	case c == nil:
		return ""
	case c.Name != "":
		return c.Name
	default:
		return c.Pattern
	}
}

func (p *Pipeline) clear(c chat.Clear) {
	if p.deps.ChatLog == nil {
		return
	}
	if c.Channel == "" && p.deps.Chat != nil {
		c.Channel = p.deps.Chat.Channel()
	}
	p.deps.ChatLog.Clear(c)
}

func (p *Pipeline) submit(ctx context.Context, log *slog.Logger, subs ...events.Submission) {
	for _, s := range subs {
		if err := p.deps.Events.Submit(ctx, s); err != nil {
			log.Warn("event submit failed", slog.String("kind", s.Kind), slog.Any("err", err))
			continue
		}
		p.stats.events.Add(1)
	}
}

// Do runs fn on the loop and waits for its result.
func (p *Pipeline) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !p.running.Load() {
		return ErrStopped
	}
	w := work{fn: fn, done: make(chan error, 1)}
	select {
	case p.inbox <- w:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it. Work is dropped when the inbox stays
// full past PostTimeout.
func (p *Pipeline) post(kind string, fn func(ctx context.Context) error) {
	t := time.NewTimer(p.opts.PostTimeout)
	defer t.Stop()
	select {
	case p.inbox <- work{fn: fn}:
	case <-t.C:
		telemetry.Inc(telemetry.LoopDropped)
		slog.Warn("pipeline inbox full, dropping work", slog.String("component", "pipeline"), slog.String("kind", kind))
	}
}

// Ingest queues a line the bot itself sent so it is logged like inbound traffic.
func (p *Pipeline) Ingest(l chat.Line) {
	l.Self = true
	p.post("self", func(ctx context.Context) error {
		p.handleLine(ctx, slog.Default().With(slog.String("component", "pipeline")), l)
		return nil
	})
}

// Topics returns the EventSub subscriptions the loop consumes. condition
// carries broadcaster_user_id and, for follows and moderation, moderator_user_id.
func (p *Pipeline) Topics(broadcasterID, moderatorID string) []eventsub.Topic {
	bc := map[string]string{"broadcaster_user_id": broadcasterID}
	mod := map[string]string{"broadcaster_user_id": broadcasterID, "moderator_user_id": moderatorID}
	return []eventsub.Topic{
		{Type: eventsub.ChannelFollow, Version: "2", Condition: mod, Handler: p.onNotification},
		{Type: eventsub.StreamOnline, Version: "1", Condition: bc, Handler: p.onNotification},
		{Type: eventsub.StreamOffline, Version: "1", Condition: bc, Handler: p.onNotification},
		{Type: eventsub.ChannelModerate, Version: "2", Condition: mod, Handler: p.onNotification},
	}
}

func (p *Pipeline) onNotification(n eventsub.Notification) {
	p.post(n.Type, func(ctx context.Context) error {
		return p.handleNotification(ctx, n)
	})
}

func (p *Pipeline) handleNotification(ctx context.Context, n eventsub.Notification) error {
	log := slog.Default().With(slog.String("component", "pipeline"), slog.String("type", n.Type))
	p.stats.eventsub.Add(1)
	at := n.Time
	if at.IsZero() {
		at = time.Now()
	}
	p.stats.last.Store(at.UnixNano())

	switch n.Type {
	case eventsub.ChannelFollow:
		var ev eventsub.FollowEvent
		if err := n.Decode(&ev); err != nil {
			log.Warn("decode follow", slog.Any("err", err))
			return err
		}
		if !ev.FollowedAt.IsZero() {
			at = ev.FollowedAt
		}
		p.submit(ctx, log, p.deps.Notify.Follow(ev.UserLogin, ev.UserName, at))
	case eventsub.StreamOnline:
		var ev eventsub.StreamOnlineEvent
		if err := n.Decode(&ev); err != nil {
			log.Warn("decode stream.online", slog.Any("err", err))
			return err
		}
		if !ev.StartedAt.IsZero() {
			at = ev.StartedAt
		}
		p.submit(ctx, log, p.deps.Notify.Stream(true, at))
	case eventsub.StreamOffline:
		p.submit(ctx, log, p.deps.Notify.Stream(false, at))
	case eventsub.ChannelModerate:
		var ev eventsub.ModerateEvent
		if err := n.Decode(&ev); err != nil {
			log.Warn("decode channel.moderate", slog.Any("err", err))
			return err
		}
		if c, ok := moderationClear(ev, at); ok {
			p.stats.clears.Add(1)
			p.clear(c)
		}
	default:
		log.Debug("unhandled notification")
	}
	return nil
}

// moderationClear maps a moderation action onto a chat log deletion.
func moderationClear(ev eventsub.ModerateEvent, at time.Time) (chat.Clear, bool) {
	c := chat.Clear{Time: at}
	if ev.BroadcasterUserLogin != "" {
		c.Channel = "#" + strings.ToLower(ev.BroadcasterUserLogin)
	}
	switch ev.Action {
	case "clear":
		return c, true
	case "ban", "timeout", "delete":
		c.Login, c.MsgID = ev.Target()
		if c.Login == "" && c.MsgID == "" {
			return c, false
		}
		if ev.Timeout != nil && !ev.Timeout.ExpiresAt.IsZero() {
			c.Duration = ev.Timeout.ExpiresAt.Sub(at)
		}
		return c, true
	}
	return c, false
}

// Status is a point-in-time view of the loop.
type Status struct {
	Chat          string    `json:"chat"`
	Running       bool      `json:"running"`
	Lines         uint64    `json:"lines"`
	Notices       uint64    `json:"notices"`
	Clears        uint64    `json:"clears"`
	Notifications uint64    `json:"eventsub_notifications"`
	Events        uint64    `json:"events"`
	PendingGifts  int64     `json:"pending_gifts"`
	Backlog       int       `json:"backlog"`
	LastActivity  time.Time `json:"last_activity"`
}

// Status reports counters without touching the loop.
func (p *Pipeline) Status() Status {
	s := Status{
		Running:       p.running.Load(),
		Lines:         p.stats.lines.Load(),
		Notices:       p.stats.notices.Load(),
		Clears:        p.stats.clears.Load(),
		Notifications: p.stats.eventsub.Load(),
		Events:        p.stats.events.Load(),
		PendingGifts:  p.stats.pending.Load(),
		Backlog:       len(p.inbox),
	}
	if p.deps.Chat != nil {
		s.Chat = p.deps.Chat.State().String()
	}
	if ns := p.stats.last.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns).UTC()
	}
	return s
}
