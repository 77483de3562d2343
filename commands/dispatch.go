package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/telemetry"
)

// State keys.
const (
	StateAccess    = "access"
	StateSpamRules = "spam_rules"
	StateSpam      = "spam"
)

// Outcome is what Dispatch decided for one line.
type Outcome string

const (
	OutcomeNone      Outcome = ""          // no command matched
	OutcomeLocked    Outcome = "locked"    // dropped by lockdown
	OutcomeSpam      Outcome = "spam"      // a spam rule matched
	OutcomeDenied    Outcome = "denied"    // access gating refused the caller
	OutcomeThrottled Outcome = "throttled" // throttled, Cached holds the last result
	OutcomeQueued    Outcome = "queued"    // handler scheduled on the worker pool
)

// Result is returned by Dispatch.
type Result struct {
	Outcome Outcome
	Command *Command
	Cached  string
}

// Replier sends chat lines. Targets without a leading '#' are whispers.
type Replier interface {
	Send(target, text string)
}

// Moderator applies chat moderation. A zero timeout is a ban.
type Moderator interface {
	Timeout(ctx context.Context, login string, d time.Duration, reason string) error
	Ban(ctx context.Context, login, reason string) error
}

// StateStore is the key/value state used for lockdown, spam rules and the
// daily spam tally.
type StateStore interface {
	GetState(ctx context.Context, key string, dst any) (bool, error)
	SetState(ctx context.Context, key string, v any) error
	UpdateState(ctx context.Context, key string, fn func(raw []byte) ([]byte, error)) error
}

// Options configures a Dispatcher.
type Options struct {
	Workers        int64
	HandlerTimeout time.Duration
	// ComplaintPeriod throttles the mod-only and sub-only replies per user.
	ComplaintPeriod time.Duration
	// Date returns the current local civil date; spam levels reset on change.
	Date func() string
	Now  func() time.Time
}

// Dispatcher runs matched commands.
type Dispatcher struct {
	opts  Options
	reg   *Registry
	out   Replier
	mod   Moderator
	state StateStore

	sem        *semaphore.Weighted
	wg         sync.WaitGroup
	throttles  *throttler
	complaints *throttler
	spam       *spamFilter
	access     atomic.Int32
}

// NewDispatcher wires a dispatcher around reg. mod and state may be nil.
func NewDispatcher(opts Options, reg *Registry, out Replier, mod Moderator, state StateStore) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if opts.ComplaintPeriod <= 0 {
		opts.ComplaintPeriod = DefaultThrottlePeriod
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Date == nil {
		opts.Date = func() string { return opts.Now().Format(time.DateOnly) }
	}
	return &Dispatcher{
		opts:       opts,
		reg:        reg,
		out:        out,
		mod:        mod,
		state:      state,
		sem:        semaphore.NewWeighted(opts.Workers),
		throttles:  newThrottler(),
		complaints: newThrottler(),
		spam:       newSpamFilter(),
	}
}

// Registry returns the command table.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Commands lists the registered commands.
func (d *Dispatcher) Commands() []Info { return d.reg.Commands() }

// Load reads the persisted lockdown level and spam rules. Invalid rules are
// logged and ignored.
func (d *Dispatcher) Load(ctx context.Context) error {
	if d.state == nil {
		return nil
	}
	var level string
	if _, err := d.state.GetState(ctx, StateAccess, &level); err != nil {
		return fmt.Errorf("load lockdown: %w", err)
	}
	d.access.Store(int32(ParseAccess(level)))

	var rules []SpamRule
	if _, err := d.state.GetState(ctx, StateSpamRules, &rules); err != nil {
		return fmt.Errorf("load spam rules: %w", err)
	}
	compiled, err := compileSpamRules(rules)
	if err != nil {
		slog.Error("stored spam rules rejected", slog.String("component", "commands"), slog.Any("err", err))
		return nil
	}
	d.spam.set(compiled)
	return nil
}

// Lockdown returns the current lockdown level.
func (d *Dispatcher) Lockdown() Access { return Access(d.access.Load()) }

// SetLockdown changes and persists the lockdown level.
func (d *Dispatcher) SetLockdown(ctx context.Context, a Access) error {
	d.access.Store(int32(a))
	if d.state == nil {
		return nil
	}
	return d.state.SetState(ctx, StateAccess, a.String())
}

// SpamRules returns the active rules.
func (d *Dispatcher) SpamRules() []SpamRule { return d.spam.list() }

// SetSpamRules validates, activates and persists rules.
func (d *Dispatcher) SetSpamRules(ctx context.Context, rules []SpamRule) error {
	compiled, err := compileSpamRules(rules)
	if err != nil {
		return err
	}
	slog.Info("setting spam rules", slog.String("component", "commands"), slog.Int("count", len(rules)))
	d.spam.set(compiled)
	if d.state == nil {
		return nil
	}
	return d.state.SetState(ctx, StateSpamRules, rules)
}

// SpamCounts returns today's escalation tally.
func (d *Dispatcher) SpamCounts(ctx context.Context) (SpamCounts, error) {
	today := d.opts.Date()
	counts := SpamCounts{Date: today}
	if d.state == nil {
		return counts, nil
	}
	var stored SpamCounts
	ok, err := d.state.GetState(ctx, StateSpam, &stored)
	if err != nil {
		return counts, err
	}
	if ok && stored.Date == today {
		return stored, nil
	}
	return counts, nil
}

// Dispatch handles one chat line. It must be called from a single goroutine;
// handlers run on the worker pool and outlive the call.
func (d *Dispatcher) Dispatch(ctx context.Context, l chat.Line) Result {
	if l.Self {
		return Result{}
	}
	if !d.Lockdown().allows(l.Mod, l.Sub) {
		telemetry.IncVec(telemetry.CommandsDispatched, "denied")
		return Result{Outcome: OutcomeLocked}
	}

	if !l.Private && !l.Mod {
		if hit, ok := d.spam.check(l.Body); ok {
			telemetry.IncVec(telemetry.CommandsDispatched, "spam")
			d.punish(ctx, l, hit)
			return Result{Outcome: OutcomeSpam}
		}
	}

	cmd, params, ok := d.reg.Match(l.Body)
	if !ok {
		return Result{}
	}
	req := &Request{Line: l, Params: params, ReplyTo: replyTo(l)}
	log := slog.Default().With(slog.String("component", "commands"), slog.String("command", cmd.Pattern), slog.String("sender", l.Sender))

	if !cmd.Access.allows(l.Mod, l.Sub) {
		log.Info("refusing command", slog.String("access", cmd.Access.String()))
		d.complain(cmd, req)
		telemetry.IncVec(telemetry.CommandsDispatched, "denied")
		return Result{Outcome: OutcomeDenied, Command: cmd}
	}
	if cmd.PublicOnly && l.Private && !l.Mod {
		d.out.Send(l.Sender, "That command cannot be used via private message")
		telemetry.IncVec(telemetry.CommandsDispatched, "denied")
		return Result{Outcome: OutcomeDenied, Command: cmd}
	}

	var key string
	if t := cmd.Throttle; t != nil && !(t.ModOverride && l.Mod) && !(t.AllowPrivate && l.Private) {
		key = throttleKey(cmd.Pattern, t, params)
		allowed, cached := d.throttles.allow(key, t.Count, t.Period, d.opts.Now())
		if !allowed {
			log.Info("command throttled")
			if t.Notify {
				d.out.Send(req.ReplyTo, fmt.Sprintf("%s: A similar command has been registered recently", l.Sender))
			}
			telemetry.IncVec(telemetry.CommandsDispatched, "throttled")
			return Result{Outcome: OutcomeThrottled, Command: cmd, Cached: cached}
		}
	}

	d.run(ctx, log, "commands.handle", func(ctx context.Context) error {
		res, err := cmd.Handler(ctx, req)
		if key != "" {
			d.throttles.remember(key, res)
		}
		if res != "" {
			d.out.Send(req.ReplyTo, res)
		}
		return err
	}, telemetry.CommandAttr(cmd.Pattern), telemetry.ChatSenderAttr(l.Sender))
	return Result{Outcome: OutcomeQueued, Command: cmd}
}

func replyTo(l chat.Line) string {
	if l.Private {
		return l.Sender
	}
	return l.Target
}

// complain tells the caller the command is restricted, at most once per
// complaint period per user and command.
func (d *Dispatcher) complain(cmd *Command, req *Request) {
	var text string
	switch cmd.Access {
	case AccessModerator:
		text = "%s: That is a mod-only command"
	case AccessSubscriber:
		text = "%s: That is a subscriber-only command"
	default:
		return
	}
	key := cmd.Pattern + "\x00" + strings.ToLower(req.Line.Sender)
	if ok, _ := d.complaints.allow(key, 1, d.opts.ComplaintPeriod, d.opts.Now()); !ok {
		return
	}
	d.out.Send(req.ReplyTo, fmt.Sprintf(text, req.Line.Sender))
}

// punish applies the escalation for a spam hit. Helix calls run on the pool.
func (d *Dispatcher) punish(ctx context.Context, l chat.Line, hit SpamHit) {
	level := 0
	if hit.Type == SpamTypeSpam {
		level = d.spam.offence(l.Sender, d.opts.Date())
	}
	esc := escalate(hit.Type, level)
	log := slog.Default().With(slog.String("component", "commands"), slog.String("sender", l.Sender),
		slog.String("type", hit.Type), slog.Int("level", level))
	log.Info("spam detected", slog.String("reason", hit.Reason))

	d.run(ctx, log, "commands.punish", func(ctx context.Context) error {
		var errs []error
		if d.mod != nil {
			var err error
			if esc.timeout > 0 {
				err = d.mod.Timeout(ctx, l.Sender, esc.timeout, hit.Reason)
			} else {
				err = d.mod.Ban(ctx, l.Sender, hit.Reason)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("moderate %s: %w", l.Sender, err))
			}
		}
		d.out.Send(l.Sender, fmt.Sprintf(esc.notice, hit.Reason))
		if level > 0 {
			if err := d.countSpam(ctx, level); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, telemetry.ChatSenderAttr(l.Sender), attribute.String("spam.type", hit.Type), attribute.Int("spam.level", level))
}

// countSpam bumps today's tally for level.
func (d *Dispatcher) countSpam(ctx context.Context, level int) error {
	if d.state == nil {
		return nil
	}
	today := d.opts.Date()
	return d.state.UpdateState(ctx, StateSpam, func(raw []byte) ([]byte, error) {
		var c SpamCounts
		if raw != nil {
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, fmt.Errorf("decode spam counts: %w", err)
			}
		}
		if c.Date != today {
			c = SpamCounts{Date: today}
		}
		c.Count[level-1]++
		return json.Marshal(c)
	})
}

// run executes fn on the worker pool with a timeout, recovering panics.
func (d *Dispatcher) run(ctx context.Context, log *slog.Logger, spanName string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		ctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
		defer cancel()
		ctx, span := telemetry.StartSpan(ctx, "commands", spanName, attrs...)
		defer span.End()
		defer func() {
			if r := recover(); r != nil {
				log.Error("command handler panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				telemetry.RecordError(span, fmt.Errorf("panic: %v", r))
				telemetry.IncVec(telemetry.CommandsDispatched, "error")
			}
		}()
		var err error
		telemetry.TimeFunc(telemetry.HandlerDuration, func() { err = fn(ctx) })
		if err != nil {
			log.Error("command failed", slog.Any("err", err))
			telemetry.RecordError(span, err)
			telemetry.IncVec(telemetry.CommandsDispatched, "error")
			return
		}
		telemetry.SetSpanSuccess(span)
		telemetry.IncVec(telemetry.CommandsDispatched, "ok")
	}()
}

// Wait blocks until every scheduled handler has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// PruneThrottles forgets throttle keys idle for longer than maxAge.
func (d *Dispatcher) PruneThrottles(maxAge time.Duration) int {
	now := d.opts.Now()
	return d.throttles.prune(now, maxAge) + d.complaints.prune(now, maxAge)
}
