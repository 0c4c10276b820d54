package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore is the append-only event log. Rows are never updated or
// deleted; the table's triggers reject both.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// AppendEvent records one event. A nil payload is stored as an empty object.
func (s *PostgresStore) AppendEvent(ctx context.Context, event Event) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("append event: invalid payload for %s", event.Type)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (user_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3::jsonb, $4)
	`, event.UserID, event.Type, string(payload), event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a user's most recent events, newest first.
func (s *PostgresStore) ListEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, payload, occurred_at, recorded_at
		FROM event_log
		WHERE user_id=$1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		var item Event
		var payloadRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.Type,
			&payloadRaw,
			&item.OccurredAt,
			&item.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.Payload = json.RawMessage(payloadRaw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
