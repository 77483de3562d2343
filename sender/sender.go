// Package sender throttles outbound chat to the posting quota.
package sender

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/telemetry"
)

// Sayer writes one line to a channel. It reports false when the line could not be written.
type Sayer interface {
	Say(channel, text string) bool
}

// Whisperer delivers a private message to a login.
type Whisperer interface {
	Whisper(ctx context.Context, login, text string) error
}

// Options configures a Sender.
type Options struct {
	Limit       int
	Window      time.Duration
	Queue       int
	Bot         string
	DisplayName string
	// Retry is how long to wait before re-trying a line the chat session refused.
	Retry time.Duration
}

type item struct {
	target   string
	text     string
	priority bool
}

// Sender queues lines and writes them at no more than Limit per rolling Window.
type Sender struct {
	opts    Options
	out     Sayer
	whisper Whisperer
	ingest  func(chat.Line)
	now     func() time.Time

	mu    sync.Mutex
	queue []item
	wake  chan struct{}

	// sent holds the times of the most recent sends, oldest first. Only Serve touches it.
	sent []time.Time
}

// New returns a Sender writing to out. whisper may be nil. ingest receives every line actually
// sent so it can be logged like inbound traffic; it may be nil.
func New(opts Options, out Sayer, whisper Whisperer, ingest func(chat.Line)) *Sender {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	if opts.Retry <= 0 {
		opts.Retry = time.Second
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.Bot
	}
	return &Sender{
		opts:    opts,
		out:     out,
		whisper: whisper,
		ingest:  ingest,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Send enqueues text for target. It never blocks.
func (s *Sender) Send(target, text string) { s.enqueue(item{target: target, text: text}) }

// SendPriority enqueues text that is never evicted by a full queue.
func (s *Sender) SendPriority(target, text string) {
	s.enqueue(item{target: target, text: text, priority: true})
}

// Len reports queued lines.
func (s *Sender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sender) enqueue(it item) {
	if strings.TrimSpace(it.text) == "" {
		return
	}
	s.mu.Lock()
	if len(s.queue) >= s.opts.Queue && !s.evictLocked(it) {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, it)
	telemetry.SetGauge(telemetry.SenderQueueDepth, float64(len(s.queue)))
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// evictLocked makes room for it by dropping the oldest non-priority line. When every queued line
// is priority the newcomer is dropped instead and false is returned.
func (s *Sender) evictLocked(it item) bool {
	for i, q := range s.queue {
		if q.priority {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		telemetry.Inc(telemetry.SenderDropped)
		slog.Warn("sender queue full, dropped oldest line", slog.String("component", "sender"), slog.String("target", q.target))
		return true
	}
	telemetry.Inc(telemetry.SenderDropped)
	slog.Warn("sender queue full of priority lines, dropped new line", slog.String("component", "sender"), slog.String("target", it.target))
	return false
}

func (s *Sender) pop() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return item{}, false
	}
	it := s.queue[0]
	s.queue = s.queue[1:]
	telemetry.SetGauge(telemetry.SenderQueueDepth, float64(len(s.queue)))
	return it, true
}

func (s *Sender) pushFront(it item) {
	s.mu.Lock()
	s.queue = append([]item{it}, s.queue...)
	s.mu.Unlock()
}

// nextSlot returns how long to wait before another send fits in the window.
func (s *Sender) nextSlot(now time.Time) time.Duration {
	cut := now.Add(-s.opts.Window)
	i := 0
	for i < len(s.sent) && !s.sent[i].After(cut) {
		i++
	}
	s.sent = s.sent[i:]
	if len(s.sent) < s.opts.Limit {
		return 0
	}
	return s.sent[0].Add(s.opts.Window).Sub(now)
}

// Serve drains the queue until ctx is done.
func (s *Sender) Serve(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "sender"))
	for {
		if wait := s.nextSlot(s.now()); wait > 0 {
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		it, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			}
			continue
		}
		sent, retry := s.deliver(ctx, log, it)
		if retry {
			s.pushFront(it)
			if !sleep(ctx, s.opts.Retry) {
				return nil
			}
			continue
		}
		if !sent {
			continue
		}
		at := s.now()
		s.sent = append(s.sent, at)
		telemetry.IncVec(telemetry.ChatLines, "out")
		if s.ingest != nil {
			s.ingest(chat.SelfLine(s.opts.Bot, s.opts.DisplayName, it.target, it.text, at))
		}
	}
}

// deliver writes one line. retry is set when the chat session refused it.
func (s *Sender) deliver(ctx context.Context, log *slog.Logger, it item) (sent, retry bool) {
	if strings.HasPrefix(it.target, "#") {
		if !s.out.Say(it.target, it.text) {
			log.Debug("chat not joined, holding line", slog.String("target", it.target))
			return false, true
		}
		return true, false
	}
	if s.whisper == nil {
		log.Warn("no whisper path, dropping private line", slog.String("target", it.target))
		return false, false
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.whisper.Whisper(wctx, it.target, it.text); err != nil {
		log.Warn("whisper failed", slog.String("target", it.target), slog.Any("err", err))
		return false, false
	}
	return true, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
