package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("LOCKTRACK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LOCKTRACK_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestEventLogAppendAndList(t *testing.T) {
	s, ctx := openTestStore(t)
	userID := "user-" + time.Now().Format("150405.000000")
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	if err := s.AppendEvent(ctx, Event{UserID: userID, Type: EventSessionStarted, OccurredAt: base}); err != nil {
		t.Fatalf("append first event: %v", err)
	}
	payload, _ := json.Marshal(map[string]string{"old": base.Format(time.RFC3339), "new": base.Add(-time.Hour).Format(time.RFC3339)})
	if err := s.AppendEvent(ctx, Event{UserID: userID, Type: EventSessionStartEdited, Payload: payload, OccurredAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("append second event: %v", err)
	}

	events, err := s.ListEvents(ctx, userID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventSessionStartEdited || events[1].Type != EventSessionStarted {
		t.Fatalf("expected newest first, got %s, %s", events[0].Type, events[1].Type)
	}
	var decoded map[string]string
	if err := json.Unmarshal(events[0].Payload, &decoded); err != nil || decoded["old"] == "" {
		t.Fatalf("unexpected payload %s: %v", events[0].Payload, err)
	}
	if string(events[1].Payload) != "{}" {
		t.Fatalf("expected empty object payload, got %s", events[1].Payload)
	}
}

func TestEventLogRejectsInvalidPayload(t *testing.T) {
	s := NewPostgresStore(nil)
	err := s.AppendEvent(context.Background(), Event{UserID: "u", Type: EventPauseStarted, Payload: json.RawMessage(`{broken`)})
	if err == nil {
		t.Fatal("expected invalid payload to be rejected")
	}
}

func TestEventLogImmutability(t *testing.T) {
	s, ctx := openTestStore(t)
	userID := "immutable-" + time.Now().Format("150405.000000")
	if err := s.AppendEvent(ctx, Event{UserID: userID, Type: EventSessionEnded, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	statements := map[string]string{
		"UPDATE": `UPDATE event_log SET event_type = 'tampered' WHERE user_id = $1`,
		"DELETE": `DELETE FROM event_log WHERE user_id = $1`,
	}
	for op, stmt := range statements {
		_, err := s.DB().ExecContext(ctx, stmt, userID)
		assertImmutableError(t, err, op)
	}
}

func assertImmutableError(t *testing.T, err error, op string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s to be blocked, but it succeeded", op)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000 (object_not_in_prerequisite_state), got: %s", pgErr.SQLState())
	}
	if want := "event_log is immutable; " + op + " is not allowed"; pgErr.Message != want {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}
