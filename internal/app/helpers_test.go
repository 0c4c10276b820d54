package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"locktrack/internal/auth"
	"locktrack/internal/clock"
	"locktrack/internal/config"
	"locktrack/internal/docstore"
	"locktrack/internal/store"
	"locktrack/internal/tracker"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

const testJWTSecret = "test-secret"

type fakeEventLog struct {
	mu        sync.Mutex
	events    []store.Event
	appendErr error
	pingErr   error
}

func (f *fakeEventLog) AppendEvent(_ context.Context, event store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	event.ID = int64(len(f.events) + 1)
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventLog) ListEvents(_ context.Context, userID string, limit int) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Event
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].UserID == userID {
			out = append(out, f.events[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEventLog) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeEventLog) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeEventLog) last(eventType string) (store.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Type == eventType {
			return f.events[i], true
		}
	}
	return store.Event{}, false
}

type testEnv struct {
	t       *testing.T
	redis   *miniredis.Miniredis
	docs    *docstore.RedisStore
	events  *fakeEventLog
	clock   *clock.Fake
	service *Service
	handler http.Handler
}

func testConfig() config.Config {
	defaults := tracker.DefaultPolicy()
	return config.Config{
		JWTSecret:  testJWTSecret,
		SealSecret: "test-seal",
		CORSOrigin: "*",
		Policy: config.Policy{
			PauseCooldown:         defaults.PauseCooldown,
			ReleaseCooldown:       defaults.ReleaseCooldown,
			TickInterval:          time.Hour,
			CooldownNoticeTTL:     defaults.CooldownNoticeTTL,
			VerificationNoticeTTL: defaults.VerificationNoticeTTL,
			NoticeTTL:             defaults.NoticeTTL,
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	docs, err := docstore.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = docs.Close() })

	events := &fakeEventLog{}
	c := clock.NewFake(t0)
	svc := New(testConfig(), docs, events, nil).WithClock(c)
	t.Cleanup(func() { _ = svc.Close() })

	return &testEnv{
		t:       t,
		redis:   mr,
		docs:    docs,
		events:  events,
		clock:   c,
		service: svc,
		handler: NewHTTPServer(svc, "*", nil).Handler(),
	}
}

func (e *testEnv) token(userID, name, role string) string {
	e.t.Helper()
	token, err := auth.IssueToken([]byte(testJWTSecret), auth.NewClaims(userID, name, role, time.Hour))
	if err != nil {
		e.t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// seed writes a document as another device would.
func (e *testEnv) seed(userID string, state tracker.State) {
	e.t.Helper()
	if _, _, err := e.docs.CreateIfAbsent(context.Background(), userID, "other-device", state.FullPatch().Encode()); err != nil {
		e.t.Fatalf("seed document: %v", err)
	}
}

type viewPayload struct {
	Loaded      bool                `json:"loaded"`
	Phase       tracker.Phase       `json:"phase"`
	State       tracker.State       `json:"state"`
	PausePrompt bool                `json:"pausePrompt"`
	EndGate     string              `json:"endGate"`
	Notice      *tracker.Notice     `json:"notice"`
	SyncStatus  string              `json:"syncStatus"`
	Restore     *RestorePrompt      `json:"restore"`
	PendingEnd  *tracker.PendingEnd `json:"pendingEnd"`
}

type errorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func decodeResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
}

var errUnavailable = errors.New("connection refused")
