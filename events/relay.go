package events

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/onnwee/chatrelay/telemetry"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("events: relay closed")

// Subscription is one live client queue. Its channel is closed when the
// client falls behind or the relay shuts down.
type Subscription struct {
	ch   chan Event
	once sync.Once
}

// Events yields live events.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) close() { s.once.Do(func() { close(s.ch) }) }

// Relay fans events out to subscribers.
type Relay struct {
	queue int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewRelay returns a relay whose subscribers each buffer up to queue events.
func NewRelay(queue int) *Relay {
	if queue <= 0 {
		queue = 256
	}
	return &Relay{queue: queue, subs: map[*Subscription]struct{}{}}
}

func (r *Relay) Subscribe() (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s := &Subscription{ch: make(chan Event, r.queue)}
	r.subs[s] = struct{}{}
	telemetry.SetGauge(telemetry.SSESubscribers, float64(len(r.subs)))
	return s, nil
}

func (r *Relay) Unsubscribe(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s]; ok {
		delete(r.subs, s)
		s.close()
		telemetry.SetGauge(telemetry.SSESubscribers, float64(len(r.subs)))
	}
}

// Publish hands ev to every subscriber without blocking. A subscriber whose
// queue is full is dropped.
func (r *Relay) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.subs {
		select {
		case s.ch <- ev:
		default:
			delete(r.subs, s)
			s.close()
			telemetry.Inc(telemetry.SSEDropped)
			slog.Warn("event stream client too slow, dropped", slog.String("component", "events"))
		}
	}
	telemetry.SetGauge(telemetry.SSESubscribers, float64(len(r.subs)))
}

// Len reports connected subscribers.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close ends every subscription and refuses new ones.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for s := range r.subs {
		s.close()
	}
	r.subs = map[*Subscription]struct{}{}
	telemetry.SetGauge(telemetry.SSESubscribers, 0)
}
