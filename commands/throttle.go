package commands

import (
	"strings"
	"sync"
	"time"
)

type throttleEntry struct {
	times  []time.Time // oldest first, at most count entries
	result string
}

// throttler is a ring of recent call times per key plus the last result.
type throttler struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
}

func newThrottler() *throttler {
	return &throttler{entries: map[string]*throttleEntry{}}
}

// throttleKey joins the command pattern with the watched params, lowercased.
func throttleKey(pattern string, t *Throttle, params []string) string {
	var b strings.Builder
	b.WriteString(pattern)
	for _, i := range t.Params {
		b.WriteByte(0)
		if i >= 0 && i < len(params) {
			b.WriteString(strings.ToLower(params[i]))
		}
	}
	return b.String()
}

// allow records a call at now when the key has quota left. When it does not,
// it returns the cached result of the last allowed call.
func (t *throttler) allow(key string, count int, period time.Duration, now time.Time) (bool, string) {
	if count < 1 {
		count = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{}
		t.entries[key] = e
	}
	if len(e.times) >= count && now.Sub(e.times[0]) < period {
		return false, e.result
	}
	e.times = append(e.times, now)
	if len(e.times) > count {
		e.times = append([]time.Time(nil), e.times[len(e.times)-count:]...)
	}
	return true, ""
}

// remember caches the result of an allowed call.
func (t *throttler) remember(key, result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.result = result
	}
}

// prune drops keys whose newest call is older than maxAge.
func (t *throttler) prune(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if len(e.times) == 0 || now.Sub(e.times[len(e.times)-1]) > maxAge {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
