package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/onnwee/tgscribe/publish"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PublishRecord is one publish_log row.
type PublishRecord struct {
	ID           string    `json:"id"`
	ChatKey      string    `json:"chat_key"`
	MessageCount int       `json:"message_count"`
	Degraded     int       `json:"degraded"`
	State        string    `json:"state"`
	PasteURL     string    `json:"paste_url,omitempty"`
	PasteError   string    `json:"paste_error,omitempty"`
	DraftID      string    `json:"draft_id,omitempty"`
	CMSError     string    `json:"cms_error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// RecordFromResult flattens a publish result for storage.
func RecordFromResult(r publish.Result) PublishRecord {
	return PublishRecord{
		ID:           r.ID,
		ChatKey:      r.ChatKey,
		MessageCount: r.MessageCount,
		Degraded:     r.Degraded,
		State:        r.State.String(),
		PasteURL:     r.PasteURL,
		PasteError:   errString(r.PasteErr),
		DraftID:      r.DraftID,
		CMSError:     errString(r.CMSErr),
		StartedAt:    r.Started,
		DurationMS:   r.Duration.Milliseconds(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// PublishLog records finished publish runs.
type PublishLog struct{ DB *sql.DB }

// LogPublish inserts r.
func (l *PublishLog) LogPublish(ctx context.Context, r publish.Result) error {
	return l.Insert(ctx, RecordFromResult(r))
}

// Insert writes rec, ignoring a duplicate id.
func (l *PublishLog) Insert(ctx context.Context, rec PublishRecord) error {
	q, args, err := psql.Insert("publish_log").
		Columns("id", "chat_key", "message_count", "degraded", "state", "paste_url", "paste_error", "draft_id", "cms_error", "started_at", "duration_ms").
		Values(rec.ID, rec.ChatKey, rec.MessageCount, rec.Degraded, rec.State, rec.PasteURL, rec.PasteError, rec.DraftID, rec.CMSError, rec.StartedAt, rec.DurationMS).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build publish_log insert: %w", err)
	}
	if _, err := l.DB.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert publish_log: %w", err)
	}
	return nil
}

// ListQuery selects recent rows, optionally for one chat.
func ListQuery(chatKey string, limit int) (string, []any, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	b := psql.Select("id", "chat_key", "message_count", "degraded", "state",
		"COALESCE(paste_url, '')", "COALESCE(paste_error, '')", "COALESCE(draft_id, '')", "COALESCE(cms_error, '')",
		"started_at", "duration_ms").
		From("publish_log").
		OrderBy("started_at DESC").
		Limit(uint64(limit))
	if chatKey != "" {
		b = b.Where(sq.Eq{"chat_key": chatKey})
	}
	return b.ToSql()
}

// Recent returns the newest rows first.
func (l *PublishLog) Recent(ctx context.Context, chatKey string, limit int) ([]PublishRecord, error) {
	q, args, err := ListQuery(chatKey, limit)
	if err != nil {
		return nil, fmt.Errorf("build publish_log query: %w", err)
	}
	rows, err := l.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PublishRecord
	for rows.Next() {
		var r PublishRecord
		if err := rows.Scan(&r.ID, &r.ChatKey, &r.MessageCount, &r.Degraded, &r.State,
			&r.PasteURL, &r.PasteError, &r.DraftID, &r.CMSError, &r.StartedAt, &r.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
