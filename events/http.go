package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/onnwee/chatrelay/telemetry"
)

const (
	mimeJSON   = "application/json"
	mimeStream = "text/event-stream"
)

// Handler serves the event log as a JSON snapshot or a live SSE stream.
type Handler struct {
	Store Store
	Relay *Relay
	// KeepAlive is the silence after which a comment line is written.
	KeepAlive time.Duration
	// PageSize bounds each replay query.
	PageSize int
	Now      func() time.Time
}

type wireEvent struct {
	ID    int64          `json:"id"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

type replayQuery struct {
	active bool
	lastID int64
	since  time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Vary", "Accept")
	q, err := h.parseReplay(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch negotiate(r.Header.Values("Accept")) {
	case mimeStream:
		h.stream(w, r, q)
	case mimeJSON:
		h.snapshot(w, r, q)
	default:
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
	}
}

// parseReplay reads Last-Event-Id (header, then query) and interval. An
// interval without a last id replays from id 0.
func (h *Handler) parseReplay(r *http.Request) (replayQuery, error) {
	var q replayQuery
	raw := r.Header.Get("Last-Event-Id")
	if raw == "" {
		raw = r.URL.Query().Get("last-event-id")
	}
	if raw != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err == nil && id >= 0 {
			q.active = true
			q.lastID = id
		}
	}
	if iv := r.URL.Query().Get("interval"); iv != "" {
		d, err := ParseInterval(iv)
		if err != nil {
			return q, err
		}
		q.active = true
		q.since = h.now().Add(-d)
	}
	return q, nil
}

// replay calls fn for every stored event matching q, in id order.
func (h *Handler) replay(ctx context.Context, q replayQuery, fn func(Event) error) (int64, error) {
	last := q.lastID
	if !q.active {
		return last, nil
	}
	page := h.PageSize
	if page <= 0 {
		page = 1000
	}
	for {
		rows, err := h.Store.EventsAfter(ctx, last, q.since, page)
		if err != nil {
			return last, err
		}
		for _, row := range rows {
			ev, err := fromRow(row)
			if err != nil {
				return last, err
			}
			if err := fn(ev); err != nil {
				return last, err
			}
			last = ev.ID
		}
		if len(rows) < page {
			return last, nil
		}
	}
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request, q replayQuery) {
	out := []wireEvent{}
	_, err := h.replay(r.Context(), q, func(ev Event) error {
		out = append(out, wireEvent{ID: ev.ID, Event: ev.Kind, Data: ev.Payload()})
		return nil
	})
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("event snapshot failed", slog.Any("err", err))
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"events": out}); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("failed to encode event snapshot", slog.Any("err", err))
	}
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, q replayQuery) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context())
	// Subscribe before replaying so nothing published during the replay is lost.
	sub, err := h.Relay.Subscribe()
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.Relay.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)
	send := func(ev Event) error {
		if err := writeFrame(bw, ev); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	last, err := h.replay(r.Context(), q, send)
	if err != nil {
		log.Warn("event replay ended", slog.Any("err", err))
		return
	}
	flusher.Flush()

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	timer := time.NewTimer(keepAlive)
	defer timer.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.ID != 0 && ev.ID <= last {
				continue
			}
			if err := send(ev); err != nil {
				return
			}
			if ev.ID != 0 {
				last = ev.ID
			}
		case <-timer.C:
			if _, err := bw.WriteString(":keep-alive\n\n"); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(keepAlive)
	}
}

// writeFrame writes one SSE frame. Events without an id get no id line.
func writeFrame(w *bufio.Writer, ev Event) error {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if ev.ID != 0 {
		fmt.Fprintf(w, "id:%d\n", ev.ID)
	}
	fmt.Fprintf(w, "event:%s\n", ev.Kind)
	_, err = fmt.Fprintf(w, "data:%s\n\n", data)
	return err
}

var errNoMatch = errors.New("no acceptable type")

// negotiate picks the best of JSON and event-stream for the Accept headers.
// A missing header or a wildcard prefers JSON.
func negotiate(accept []string) string {
	if len(accept) == 0 {
		return mimeJSON
	}
	best, bestQ, bestSpec := "", -1.0, -1
	for _, header := range accept {
		for _, part := range strings.Split(header, ",") {
			mt, q, err := parseMediaRange(part)
			if err != nil || q <= 0 {
				continue
			}
			for _, cand := range []string{mimeJSON, mimeStream} {
				spec := specificity(mt, cand)
				if spec < 0 {
					continue
				}
				if q > bestQ || (q == bestQ && spec > bestSpec) {
					best, bestQ, bestSpec = cand, q, spec
				}
			}
		}
	}
	return best
}

func parseMediaRange(s string) (string, float64, error) {
	fields := strings.Split(s, ";")
	mt := strings.ToLower(strings.TrimSpace(fields[0]))
	if mt == "" {
		return "", 0, errNoMatch
	}
	q := 1.0
	for _, p := range fields[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "q") {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return "", 0, err
			}
			q = f
		}
	}
	return mt, q, nil
}

// specificity is 2 for an exact match, 1 for type/*, 0 for */* and -1 otherwise.
func specificity(mediaRange, cand string) int {
	if mediaRange == cand {
		return 2
	}
	if mediaRange == "*/*" || mediaRange == "*" {
		return 0
	}
	typ, _, _ := strings.Cut(cand, "/")
	if mediaRange == typ+"/*" {
		return 1
	}
	return -1
}
