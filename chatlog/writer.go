// Package chatlog persists chat lines on a single writer goroutine so rows land
// in arrival order, and renders each line to HTML for downstream readers.
package chatlog

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/onnwee/chatrelay/chat"
	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/telemetry"
)

// Store is the subset of *db.Store the writer needs.
type Store interface {
	InsertChatLine(ctx context.Context, r db.ChatRow) (int64, error)
	MarkSenderDeleted(ctx context.Context, sender string, since time.Time) (int64, error)
	MarkMessageDeleted(ctx context.Context, msgid string) (int64, error)
	MarkChannelDeleted(ctx context.Context, target string, since time.Time) (int64, error)
}

// Options configures a Writer.
type Options struct {
	NotifyUser string
	// Lookback bounds how far back a timeout or ban flags earlier lines.
	Lookback time.Duration
	Buffer   int
	// WriteTimeout applies to each database call.
	WriteTimeout time.Duration
	// DrainTimeout bounds how long Serve keeps writing queued lines after ctx ends.
	DrainTimeout time.Duration
}

type op struct {
	row   *db.ChatRow
	clear *chat.Clear
}

// Writer owns the chat log.
type Writer struct {
	store   Store
	opts    Options
	input   chan op
	dropped atomic.Uint64
}

func New(store Store, opts Options) *Writer {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 15 * time.Minute
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	return &Writer{store: store, opts: opts, input: make(chan op, opts.Buffer)}
}

// Skipped reports lines that are never logged: server commands such as ".timeout"
// or "/ban", but not actions.
func Skipped(body string) bool {
	if body == "" {
		return true
	}
	if body[0] != '.' && body[0] != '/' {
		return false
	}
	return !(len(body) >= 4 && strings.EqualFold(body[1:4], "me "))
}

// Log queues a chat line.
func (w *Writer) Log(l chat.Line) bool {
	if Skipped(l.Body) {
		return false
	}
	row := Row(l, w.opts.NotifyUser)
	return w.enqueue(op{row: &row})
}

// LogSystem queues a notification line attributed to the notify user.
func (w *Writer) LogSystem(channel, text string, at time.Time) bool {
	if text == "" {
		return false
	}
	row := db.ChatRow{Time: at.UTC(), Sender: w.opts.NotifyUser, Target: channel, Message: text, DisplayName: w.opts.NotifyUser}
	row.HTML = Render(row, w.opts.NotifyUser)
	return w.enqueue(op{row: &row})
}

// Clear queues a moderation deletion.
func (w *Writer) Clear(c chat.Clear) bool {
	return w.enqueue(op{clear: &c})
}

// Dropped reports operations discarded because the queue was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

func (w *Writer) enqueue(o op) bool {
	select {
	case w.input <- o:
		return true
	default:
		n := w.dropped.Add(1)
		telemetry.Inc(telemetry.ChatLogDropped)
		if n%100 == 1 {
			slog.Warn("chat log queue full, dropping", slog.String("component", "chatlog"), slog.Uint64("dropped", n))
		}
		return false
	}
}

// Serve writes queued operations until ctx ends, then drains what is left within DrainTimeout.
func (w *Writer) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case o := <-w.input:
			w.apply(context.Background(), o)
		}
	}
}

func (w *Writer) drain() {
	deadline := time.After(w.opts.DrainTimeout)
	for {
		select {
		case o := <-w.input:
			w.apply(context.Background(), o)
		case <-deadline:
			slog.Warn("chat log drain timed out", slog.String("component", "chatlog"), slog.Int("pending", len(w.input)))
			return
		default:
			return
		}
	}
}

func (w *Writer) apply(parent context.Context, o op) {
	ctx, cancel := context.WithTimeout(parent, w.opts.WriteTimeout)
	defer cancel()
	log := slog.Default().With(slog.String("component", "chatlog"))
	switch {
	case o.row != nil:
		if _, err := w.store.InsertChatLine(ctx, *o.row); err != nil {
			telemetry.Inc(telemetry.ChatLogErrors)
			log.Error("chat log insert failed", slog.String("sender", o.row.Sender), slog.Any("err", err))
		}
	case o.clear != nil:
		w.applyClear(ctx, log, *o.clear)
	}
}

func (w *Writer) applyClear(ctx context.Context, log *slog.Logger, c chat.Clear) {
	var (
		n   int64
		err error
	)
	since := c.Time.Add(-w.opts.Lookback)
	switch {
	case c.MsgID != "":
		n, err = w.store.MarkMessageDeleted(ctx, c.MsgID)
	case c.Login != "":
		n, err = w.store.MarkSenderDeleted(ctx, c.Login, since)
	default:
		n, err = w.store.MarkChannelDeleted(ctx, c.Channel, since)
	}
	if err != nil {
		telemetry.Inc(telemetry.ChatLogErrors)
		log.Error("chat log clear failed", slog.String("login", c.Login), slog.Any("err", err))
		return
	}
	log.Info("chat lines marked deleted", slog.String("login", c.Login), slog.String("msgid", c.MsgID), slog.Int64("rows", n))
}
