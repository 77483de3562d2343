package db

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ChatRow is one persisted chat line.
type ChatRow struct {
	ID          int64
	Time        time.Time
	Sender      string
	Target      string
	Message     string
	DisplayName string
	Color       string
	Badges      string
	Emotes      string
	MsgID       string
	Action      bool
	Roles       string
	Tags        map[string]string
	HTML        string
	Deleted     bool
}

// InsertChatLine appends a line to the chat log and returns its row id.
func (s *Store) InsertChatLine(ctx context.Context, r ChatRow) (int64, error) {
	var tags []byte
	if len(r.Tags) > 0 {
		b, err := json.Marshal(r.Tags)
		if err != nil {
			return 0, fmt.Errorf("marshal tags: %w", err)
		}
		tags = b
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO chat_log
		(time, sender, target, message, display_name, color, badges, emotes, msgid, action, roles, tags, message_html)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		r.Time, r.Sender, r.Target, r.Message, r.DisplayName, r.Color, r.Badges, r.Emotes,
		nullIfEmpty(r.MsgID), r.Action, r.Roles, tags, r.HTML).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert chat line: %w", err)
	}
	return id, nil
}

// MarkSenderDeleted flags the sender's lines newer than since. Text is kept.
func (s *Store) MarkSenderDeleted(ctx context.Context, sender string, since time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE chat_log SET deleted = TRUE WHERE sender = $1 AND time >= $2 AND NOT deleted`, sender, since)
	if err != nil {
		return 0, fmt.Errorf("mark sender deleted: %w", err)
	}
	return res.RowsAffected()
}

// MarkMessageDeleted flags a single line by its Twitch message id.
func (s *Store) MarkMessageDeleted(ctx context.Context, msgid string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE chat_log SET deleted = TRUE WHERE msgid = $1`, msgid)
	if err != nil {
		return 0, fmt.Errorf("mark message deleted: %w", err)
	}
	return res.RowsAffected()
}

// MarkChannelDeleted flags every line in target newer than since.
func (s *Store) MarkChannelDeleted(ctx context.Context, target string, since time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE chat_log SET deleted = TRUE WHERE target = $1 AND time >= $2 AND NOT deleted`, target, since)
	if err != nil {
		return 0, fmt.Errorf("mark channel deleted: %w", err)
	}
	return res.RowsAffected()
}

// RecentChat returns up to limit newest lines, newest first.
func (s *Store) RecentChat(ctx context.Context, limit int) ([]ChatRow, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, time, sender, target, message,
		COALESCE(display_name,''), COALESCE(color,''), COALESCE(badges,''), COALESCE(emotes,''),
		COALESCE(msgid,''), action, COALESCE(roles,''), COALESCE(message_html,''), deleted
		FROM chat_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat log: %w", err)
	}
	defer rows.Close()
	var out []ChatRow
	for rows.Next() {
		var r ChatRow
		if err := rows.Scan(&r.ID, &r.Time, &r.Sender, &r.Target, &r.Message, &r.DisplayName, &r.Color,
			&r.Badges, &r.Emotes, &r.MsgID, &r.Action, &r.Roles, &r.HTML, &r.Deleted); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
