package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatrelay/chatlog"
	"github.com/onnwee/chatrelay/telemetry"
)

const (
	defaultRecentChat = 100
	maxRecentChat     = 1000
)

// HandleAdminStatus reports a snapshot of the running pipeline.
func (h *Handlers) HandleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status(r.Context()))
}

type recentLine struct {
	ID      int64  `json:"id"`
	Time    string `json:"time"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
	Deleted bool   `json:"deleted"`
	HTML    string `json:"html"`
}

// HandleAdminRecentChat returns the newest chat log rows, oldest first.
// With format=html the rendered lines are returned as a fragment.
func (h *Handlers) HandleAdminRecentChat(w http.ResponseWriter, r *http.Request) {
	if h.deps.Chat == nil {
		http.Error(w, "chat log unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := parseIntQuery(r, "limit", defaultRecentChat)
	if limit > maxRecentChat {
		limit = maxRecentChat
	}
	rows, err := h.deps.Chat.RecentChat(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("recent chat query failed", slog.Any("err", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var b strings.Builder
		for _, row := range rows {
			b.WriteString(chatlog.Render(row, h.deps.NotifyUser))
			b.WriteByte('\n')
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
		return
	}

	out := make([]recentLine, 0, len(rows))
	for _, row := range rows {
		out = append(out, recentLine{
			ID:      row.ID,
			Time:    row.Time.UTC().Format("2006-01-02T15:04:05Z"),
			Sender:  row.Sender,
			Message: row.Message,
			Deleted: row.Deleted,
			HTML:    chatlog.Render(row, h.deps.NotifyUser),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": out})
}
