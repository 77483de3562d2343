// Package events is the durable log of logical channel events and its live
// fan-out. One writer goroutine assigns ids in submission order, then
// publishes each event to every connected stream.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/telemetry"
)

// Event kinds produced by the pipeline. The set is open.
const (
	KindSubscription   = "twitch-subscription"
	KindResubscription = "twitch-resubscription"
	KindMysteryGift    = "twitch-subscription-mysterygift"
	KindCheer          = "twitch-cheer"
	KindRaid           = "twitch-raid"
	KindFollow         = "twitch-follow"
	KindMessage        = "twitch-message"
	KindStreamUp       = "stream-up"
	KindStreamDown     = "stream-down"
)

// Event is one logical event. ID is zero when the event could not be stored.
type Event struct {
	ID   int64
	Kind string
	Time time.Time
	Data map[string]any
}

// Payload returns Data with the event time added, as sent to clients.
func (e Event) Payload() map[string]any {
	out := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		out[k] = v
	}
	out["time"] = e.Time.Format(time.RFC3339Nano)
	return out
}

// Submission is an event waiting for the writer.
type Submission struct {
	Kind string
	Time time.Time
	Data map[string]any
	// Prepare runs on the writer before the insert and may fill in Data,
	// e.g. storm counts or avatars.
	Prepare func(ctx context.Context, data map[string]any)
	// Done runs after the event is stored and published.
	Done func(ev Event)
}

// Store is the subset of *db.Store the log needs.
type Store interface {
	AppendEvent(ctx context.Context, kind string, at time.Time, data []byte) (int64, error)
	EventsAfter(ctx context.Context, afterID int64, since time.Time, limit int) ([]db.EventRow, error)
}

// LogOptions configures a Log.
type LogOptions struct {
	Buffer       int
	WriteTimeout time.Duration
	DrainTimeout time.Duration
}

// Log serialises event writes.
type Log struct {
	store Store
	relay *Relay
	opts  LogOptions
	input chan Submission
	now   func() time.Time
}

func NewLog(store Store, relay *Relay, opts LogOptions) *Log {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	return &Log{store: store, relay: relay, opts: opts, input: make(chan Submission, opts.Buffer), now: time.Now}
}

// Submit queues s. It blocks while the queue is full and fails only when ctx ends.
func (l *Log) Submit(ctx context.Context, s Submission) error {
	if s.Kind == "" {
		return fmt.Errorf("events: submission without kind")
	}
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	if s.Time.IsZero() {
		s.Time = l.now()
	}
	select {
	case l.input <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve writes submissions until ctx ends, then drains the queue within DrainTimeout.
func (l *Log) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case s := <-l.input:
			l.write(context.Background(), s)
		}
	}
}

func (l *Log) drain() {
	deadline := time.After(l.opts.DrainTimeout)
	for {
		select {
		case s := <-l.input:
			l.write(context.Background(), s)
		case <-deadline:
			slog.Warn("event log drain timed out", slog.String("component", "events"), slog.Int("pending", len(l.input)))
			return
		default:
			return
		}
	}
}

func (l *Log) write(parent context.Context, s Submission) {
	ctx, cancel := context.WithTimeout(parent, l.opts.WriteTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "events", "events.append", telemetry.EventKindAttr(s.Kind))
	defer span.End()
	log := slog.Default().With(slog.String("component", "events"), slog.String("kind", s.Kind))

	if s.Prepare != nil {
		s.Prepare(ctx, s.Data)
	}
	ev := Event{Kind: s.Kind, Time: s.Time.UTC(), Data: s.Data}
	payload, err := json.Marshal(s.Data)
	if err == nil {
		ev.ID, err = l.store.AppendEvent(ctx, s.Kind, ev.Time, payload)
	}
	if err != nil {
		telemetry.Inc(telemetry.EventStoreFailures)
		telemetry.RecordError(span, err)
		log.Error("event not stored, publishing without id", slog.Any("err", err))
	} else {
		telemetry.SetSpanSuccess(span)
	}
	telemetry.IncVec(telemetry.EventsAppended, s.Kind)
	l.relay.Publish(ev)
	log.Info("event", slog.Int64("id", ev.ID))
	if s.Done != nil {
		s.Done(ev)
	}
}

// fromRow decodes a stored event.
func fromRow(r db.EventRow) (Event, error) {
	data := map[string]any{}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return Event{}, fmt.Errorf("decode event %d: %w", r.ID, err)
		}
	}
	return Event{ID: r.ID, Kind: r.Kind, Time: r.Time, Data: data}, nil
}
