package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatrelay/chat"
)

type fakeSayer struct {
	mu     sync.Mutex
	lines  []string
	refuse bool
}

func (f *fakeSayer) Say(channel, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.lines = append(f.lines, channel+" "+text)
	return true
}

func (f *fakeSayer) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeWhisperer struct {
	mu  sync.Mutex
	to  []string
	err error
}

func (f *fakeWhisperer) Whisper(_ context.Context, login, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, login+" "+text)
	return f.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSenderFIFOAndIngest(t *testing.T) {
	out := &fakeSayer{}
	var mu sync.Mutex
	var ingested []chat.Line
	s := New(Options{Limit: 10, Window: time.Second, Bot: "lrrbot"}, out, nil, func(l chat.Line) {
		mu.Lock()
		ingested = append(ingested, l)
		mu.Unlock()
	})
	s.Send("#chan", "one")
	s.Send("#chan", "two")
	s.Send("#chan", "  ")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	waitFor(t, func() bool { return len(out.got()) == 2 })
	got := out.got()
	if got[0] != "#chan one" || got[1] != "#chan two" {
		t.Fatalf("order = %v", got)
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(ingested) == 2 })
	mu.Lock()
	defer mu.Unlock()
	if !ingested[0].Self || ingested[0].Sender != "lrrbot" || ingested[0].Body != "one" {
		t.Fatalf("ingested line = %+v", ingested[0])
	}
}

func TestSenderRespectsWindow(t *testing.T) {
	out := &fakeSayer{}
	s := New(Options{Limit: 2, Window: 300 * time.Millisecond}, out, nil, nil)
	for i := 0; i < 3; i++ {
		s.Send("#chan", "msg")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go s.Serve(ctx)

	waitFor(t, func() bool { return len(out.got()) == 2 })
	time.Sleep(100 * time.Millisecond)
	if n := len(out.got()); n != 2 {
		t.Fatalf("sent %d lines inside the window, want 2", n)
	}
	waitFor(t, func() bool { return len(out.got()) == 3 })
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("third line sent after %v, want at least one window", elapsed)
	}
}

func TestNextSlotSlidingWindow(t *testing.T) {
	s := New(Options{Limit: 2, Window: 10 * time.Second}, &fakeSayer{}, nil, nil)
	base := time.Unix(1000, 0)
	s.sent = []time.Time{base, base.Add(4 * time.Second)}
	if wait := s.nextSlot(base.Add(5 * time.Second)); wait != 5*time.Second {
		t.Fatalf("wait = %v, want 5s", wait)
	}
	if wait := s.nextSlot(base.Add(10 * time.Second)); wait != 0 {
		t.Fatalf("wait = %v, want 0 once the oldest send ages out", wait)
	}
	if len(s.sent) != 1 {
		t.Fatalf("expired sends not pruned: %v", s.sent)
	}
}

func TestQueueOverflowDropsOldestNonPriority(t *testing.T) {
	s := New(Options{Queue: 3}, &fakeSayer{}, nil, nil)
	s.SendPriority("#chan", "p1")
	s.Send("#chan", "a")
	s.Send("#chan", "b")
	s.Send("#chan", "c")
	var texts []string
	for _, it := range s.queue {
		texts = append(texts, it.text)
	}
	want := []string{"p1", "b", "c"}
	if len(texts) != len(want) {
		t.Fatalf("queue = %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("queue = %v, want %v", texts, want)
		}
	}
}

func TestQueueAllPriorityDropsNewcomer(t *testing.T) {
	s := New(Options{Queue: 2}, &fakeSayer{}, nil, nil)
	s.SendPriority("#chan", "p1")
	s.SendPriority("#chan", "p2")
	s.Send("#chan", "late")
	if s.Len() != 2 || s.queue[1].text != "p2" {
		t.Fatalf("queue = %+v", s.queue)
	}
}

func TestWhisperPath(t *testing.T) {
	w := &fakeWhisperer{}
	var ingested int
	var mu sync.Mutex
	s := New(Options{}, &fakeSayer{}, w, func(chat.Line) { mu.Lock(); ingested++; mu.Unlock() })
	s.Send("viewer", "psst")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)
	waitFor(t, func() bool { w.mu.Lock(); defer w.mu.Unlock(); return len(w.to) == 1 })
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return ingested == 1 })

	w.mu.Lock()
	w.err = errors.New("boom")
	w.mu.Unlock()
	s.Send("viewer", "again")
	waitFor(t, func() bool { w.mu.Lock(); defer w.mu.Unlock(); return len(w.to) == 2 })
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ingested != 1 {
		t.Fatalf("failed whisper was logged as sent")
	}
}

func TestRefusedLineIsRetried(t *testing.T) {
	out := &fakeSayer{refuse: true}
	s := New(Options{Retry: 10 * time.Millisecond}, out, nil, nil)
	s.Send("#chan", "held")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)
	time.Sleep(30 * time.Millisecond)
	out.mu.Lock()
	out.refuse = false
	out.mu.Unlock()
	waitFor(t, func() bool { return len(out.got()) == 1 })
}
