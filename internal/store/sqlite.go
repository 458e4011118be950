package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskwire/internal/frame"
)

// SQLiteBackend persists records in the records table. It is the
// default backend.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) WriteRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, rec := range records {
		content, err := json.Marshal(rec.Contents)
		if err != nil {
			return fmt.Errorf("encode record content: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (id, task_id, first_seq, last_seq, event_type, agent, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.TaskID, rec.FirstSeq, rec.LastSeq, string(rec.Type), nullString(rec.Agent), string(content), rec.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ReadRecords(ctx context.Context, taskID string, fromSeq int64) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, task_id, first_seq, last_seq, event_type, agent, content, created_at
		FROM records
		WHERE task_id = ? AND last_seq >= ?
		ORDER BY first_seq ASC
	`, taskID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var eventType, contentStr, createdAtStr string
		var agent sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.FirstSeq, &rec.LastSeq, &eventType, &agent, &contentStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Type = frame.Type(eventType)
		rec.Agent = agent.String
		if err := json.Unmarshal([]byte(contentStr), &rec.Contents); err != nil {
			return nil, fmt.Errorf("decode record content: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (b *SQLiteBackend) Close() error {
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
