package app

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"locktrack/internal/clock"
	"locktrack/internal/docstore"
	"locktrack/internal/store"
	"locktrack/internal/tracker"
)

// gatedDocStore holds the first document write for one user until released.
type gatedDocStore struct {
	*docstore.RedisStore
	gatedID string
	creates atomic.Int32
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDocStore) CreateIfAbsent(ctx context.Context, docID, writer string, defaults map[string]string) (bool, int64, error) {
	if docID == g.gatedID {
		g.creates.Add(1)
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.RedisStore.CreateIfAbsent(ctx, docID, writer, defaults)
}

func TestSlowLoadDoesNotBlockOtherUsers(t *testing.T) {
	mr := miniredis.RunT(t)
	redisDocs, err := docstore.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = redisDocs.Close() })
	docs := &gatedDocStore{
		RedisStore: redisDocs,
		gatedID:    "user-slow",
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	svc := New(testConfig(), docs, nil, nil).WithClock(clock.NewFake(t0))
	t.Cleanup(func() { _ = svc.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.View(context.Background(), "user-slow")
			errs <- err
		}()
	}
	select {
	case <-docs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("load never reached the store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view, err := svc.View(ctx, "user-1")
	if err != nil {
		t.Fatalf("View(user-1) error = %v", err)
	}
	if !view.Loaded {
		t.Fatal("expected user-1 loaded while user-slow is still loading")
	}

	close(docs.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("View(user-slow) error = %v", err)
		}
	}
	if got := docs.creates.Load(); got != 1 {
		t.Fatalf("expected one shared load, got %d", got)
	}
}

func TestGoalCompletionOnTickIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	token := env.token("user-1", "Avery", "wearer")
	expectStatus(t, env.do(http.MethodPut, "/api/tracker/goal", token, `{"durationSeconds":3600,"hardcore":true}`), http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, "/api/tracker/session/start", token, ""), http.StatusOK)

	env.clock.Advance(time.Hour)
	h := env.service.lookup("user-1")
	env.service.tick(h)

	if h.tracker.Phase() != tracker.PhaseOff {
		t.Fatalf("expected hardcore completion to release the session, got %s", h.tracker.Phase())
	}
	types := env.events.types()
	want := []string{store.EventGoalSet, store.EventSessionStarted, store.EventGoalCompleted, store.EventSessionEnded}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
	event, _ := env.events.last(store.EventSessionEnded)
	if !strings.Contains(string(event.Payload), "Goal completed") {
		t.Fatalf("expected goal-completed history entry, got %s", event.Payload)
	}

	env.service.tick(h)
	if got := len(env.events.types()); got != len(want) {
		t.Fatalf("expected no further events, got %v", env.events.types())
	}
}
