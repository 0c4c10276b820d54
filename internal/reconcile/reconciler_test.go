package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"locktrack/internal/clock"
	"locktrack/internal/docstore"
	"locktrack/internal/tracker"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store. Change notifications are delivered
// synchronously from MergeWrite when echo is set.
type fakeStore struct {
	mu          sync.Mutex
	docs        map[string]*docstore.Document
	handlers    map[string]docstore.Handler
	echo        bool
	failWrites  bool
	duringWrite func()
	writes      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     map[string]*docstore.Document{},
		handlers: map[string]docstore.Handler{},
	}
}

func copyDoc(d *docstore.Document) *docstore.Document {
	if d == nil {
		return nil
	}
	out := &docstore.Document{Fields: map[string]string{}, Revision: d.Revision, Writer: d.Writer}
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	return out
}

func (f *fakeStore) Get(_ context.Context, docID string) (*docstore.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyDoc(f.docs[docID]), nil
}

func (f *fakeStore) write(docID, writer string, fields map[string]string) int64 {
	f.mu.Lock()
	doc := f.docs[docID]
	if doc == nil {
		doc = &docstore.Document{Fields: map[string]string{}}
		f.docs[docID] = doc
	}
	for k, v := range fields {
		doc.Fields[k] = v
	}
	doc.Revision++
	doc.Writer = writer
	rev := doc.Revision
	f.writes++
	f.mu.Unlock()
	return rev
}

func (f *fakeStore) MergeWrite(_ context.Context, docID, writer string, fields map[string]string) (int64, error) {
	if f.failWrites {
		return 0, errors.New("connection refused")
	}
	if hook := f.duringWrite; hook != nil {
		f.duringWrite = nil
		hook()
	}
	rev := f.write(docID, writer, fields)
	if f.echo {
		f.deliver(docID)
	}
	return rev, nil
}

func (f *fakeStore) CreateIfAbsent(_ context.Context, docID, writer string, defaults map[string]string) (bool, int64, error) {
	f.mu.Lock()
	if doc, ok := f.docs[docID]; ok {
		f.mu.Unlock()
		return false, doc.Revision, nil
	}
	f.mu.Unlock()
	return true, f.write(docID, writer, defaults), nil
}

func (f *fakeStore) Subscribe(_ context.Context, docID string, fn docstore.Handler) (func() error, error) {
	f.mu.Lock()
	f.handlers[docID] = fn
	f.mu.Unlock()
	return func() error {
		f.mu.Lock()
		delete(f.handlers, docID)
		f.mu.Unlock()
		return nil
	}, nil
}

func (f *fakeStore) deliver(docID string) {
	f.mu.Lock()
	fn := f.handlers[docID]
	doc := copyDoc(f.docs[docID])
	f.mu.Unlock()
	if fn != nil {
		fn(doc, nil)
	}
}

func (f *fakeStore) seed(docID string, state tracker.State) {
	f.write(docID, "seed", state.FullPatch().Encode())
}

type harness struct {
	store   *fakeStore
	clock   *clock.Fake
	tracker *tracker.Tracker
	rec     *Reconciler
	phases  []tracker.Phase
}

func newHarness(t *testing.T, store *fakeStore) *harness {
	t.Helper()
	h := &harness{store: store, clock: clock.NewFake(t0)}
	h.tracker = tracker.New(h.clock, nil, tracker.DefaultPolicy())
	h.rec = New(store, "user-1", "device-a", h.tracker, nil, func(p tracker.Phase) {
		h.phases = append(h.phases, p)
	})
	if err := h.rec.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = h.rec.Close() })
	return h
}

func activeState() tracker.State {
	start := t0.Add(-time.Hour)
	return tracker.State{
		IsCageOn:                 true,
		CageOnTime:               &start,
		HasSessionEverBeenActive: true,
		History:                  []tracker.HistoryEntry{{ID: "hist_1", PeriodNumber: 1, Duration: 60}},
	}
}

func TestOpenCreatesBaseline(t *testing.T) {
	store := newFakeStore()
	h := newHarness(t, store)

	if h.rec.Status() != StatusSynced {
		t.Fatalf("expected synced, got %s", h.rec.Status())
	}
	if !h.tracker.Loaded() || h.tracker.Phase() != tracker.PhaseOff {
		t.Fatal("expected loaded tracker in off phase")
	}
	doc, _ := store.Get(context.Background(), "user-1")
	if doc == nil || doc.Fields[tracker.FieldIsCageOn] != "false" || doc.Revision != 1 {
		t.Fatalf("expected baseline document, got %+v", doc)
	}
	if len(h.phases) != 1 || h.phases[0] != tracker.PhaseOff {
		t.Fatalf("expected one applied callback, got %v", h.phases)
	}
}

func TestOpenWithActiveSessionAwaitsDecision(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1", activeState())
	h := newHarness(t, store)

	if h.rec.Status() != StatusConflictPending {
		t.Fatalf("expected conflict pending, got %s", h.rec.Status())
	}
	if h.tracker.Loaded() {
		t.Fatal("tracker must stay unloaded while the decision is pending")
	}
	snapshot, ok := h.rec.Conflict()
	if !ok || !snapshot.IsCageOn {
		t.Fatalf("expected conflict snapshot, got %+v", snapshot)
	}
	err := h.rec.Mutate(context.Background(), h.tracker.StartSession)
	if !tracker.IsKind(err, tracker.KindUnavailable) {
		t.Fatalf("expected unavailable while pending, got %v", err)
	}
}

func TestResumeRemoteAdoptsSession(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1", activeState())
	h := newHarness(t, store)
	writes := store.writes

	if err := h.rec.ResumeRemote(context.Background()); err != nil {
		t.Fatalf("ResumeRemote() error = %v", err)
	}
	if h.rec.Status() != StatusSynced {
		t.Fatalf("expected synced, got %s", h.rec.Status())
	}
	if h.tracker.Phase() != tracker.PhaseActive {
		t.Fatalf("expected active session, got %s", h.tracker.Phase())
	}
	if got := h.tracker.Live().Elapsed; got != 3600 {
		t.Fatalf("expected elapsed time from the remote start, got %d", got)
	}
	if store.writes != writes+1 {
		t.Fatal("expected the resumed session to be written back")
	}
	if _, ok := h.rec.Conflict(); ok {
		t.Fatal("expected conflict cleared")
	}
	if err := h.rec.ResumeRemote(context.Background()); !tracker.IsKind(err, tracker.KindPolicy) {
		t.Fatalf("expected no pending decision, got %v", err)
	}
}

func TestDiscardAndStartNewKeepsHistory(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1", activeState())
	h := newHarness(t, store)

	if err := h.rec.DiscardAndStartNew(context.Background()); err != nil {
		t.Fatalf("DiscardAndStartNew() error = %v", err)
	}
	state := h.tracker.State()
	if state.IsCageOn || len(state.History) != 1 {
		t.Fatalf("expected session dropped and history kept, got %+v", state)
	}
	if state.TimeCageOffStart == nil || !state.TimeCageOffStart.Equal(t0) {
		t.Fatalf("expected cage-off timer started now, got %v", state.TimeCageOffStart)
	}
	doc, _ := store.Get(context.Background(), "user-1")
	if doc.Fields[tracker.FieldIsCageOn] != "false" {
		t.Fatalf("expected discarded session written, got %v", doc.Fields[tracker.FieldIsCageOn])
	}
}

func TestResolveWriteFailureKeepsDecisionPending(t *testing.T) {
	store := newFakeStore()
	store.seed("user-1", activeState())
	h := newHarness(t, store)
	store.failWrites = true

	err := h.rec.ResumeRemote(context.Background())
	if !tracker.IsKind(err, tracker.KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if h.rec.Status() != StatusConflictPending || h.tracker.Loaded() {
		t.Fatalf("expected decision still pending, status %s", h.rec.Status())
	}
}

func TestOwnEchoIsDropped(t *testing.T) {
	store := newFakeStore()
	store.echo = true
	h := newHarness(t, store)

	if err := h.rec.Mutate(context.Background(), h.tracker.StartSession); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if h.rec.Revision() != 2 || h.rec.Status() != StatusSynced {
		t.Fatalf("expected revision 2 synced, got %d %s", h.rec.Revision(), h.rec.Status())
	}

	// A late notification carrying the pre-write document must not roll back.
	h.rec.handleRemote(&docstore.Document{Fields: tracker.Baseline().Encode(), Revision: 1}, nil)
	if h.tracker.Phase() != tracker.PhaseActive {
		t.Fatalf("stale echo rolled back the session: %s", h.tracker.Phase())
	}
}

func TestRemoteChangeIsApplied(t *testing.T) {
	store := newFakeStore()
	h := newHarness(t, store)

	start := t0.Add(-10 * time.Minute)
	other := tracker.State{IsCageOn: true, CageOnTime: &start, HasSessionEverBeenActive: true}
	store.write("user-1", "device-b", other.FullPatch().Encode())
	store.deliver("user-1")

	if h.tracker.Phase() != tracker.PhaseActive {
		t.Fatalf("expected remote session applied, got %s", h.tracker.Phase())
	}
	if last := h.phases[len(h.phases)-1]; last != tracker.PhaseActive {
		t.Fatalf("expected applied callback with active phase, got %s", last)
	}
}

func TestRemoteChangeDuringWriteIsMerged(t *testing.T) {
	store := newFakeStore()
	h := newHarness(t, store)

	store.duringWrite = func() {
		keyholder := tracker.State{Keyholder: tracker.KeyholderRequirement{RequiredDurationSeconds: 3600}}
		patch := keyholder.FullPatch()
		store.write("user-1", "device-b", map[string]string{tracker.FieldKeyholder: string(patch[tracker.FieldKeyholder])})
		store.deliver("user-1")
		if h.rec.Status() != StatusWriteInFlight {
			t.Errorf("expected write in flight, got %s", h.rec.Status())
		}
	}
	if err := h.rec.Mutate(context.Background(), h.tracker.StartSession); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	state := h.tracker.State()
	if !state.IsCageOn {
		t.Fatal("expected our session start to survive")
	}
	if !state.Keyholder.Active() {
		t.Fatal("expected the interleaved remote change to be applied")
	}
	if h.rec.Revision() != 3 {
		t.Fatalf("expected revision 3, got %d", h.rec.Revision())
	}
}

func TestWriteFailureKeepsLocalState(t *testing.T) {
	store := newFakeStore()
	h := newHarness(t, store)
	store.failWrites = true

	if err := h.rec.Mutate(context.Background(), h.tracker.StartSession); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if h.tracker.Phase() != tracker.PhaseActive {
		t.Fatal("expected local state kept after failed write")
	}
	notice := h.tracker.Notice()
	if notice == nil || notice.Kind != tracker.KindRemote {
		t.Fatalf("expected remote notice, got %+v", notice)
	}
	if h.rec.Status() != StatusSynced {
		t.Fatalf("expected synced after failure, got %s", h.rec.Status())
	}
}

func TestMutateReturnsOperationError(t *testing.T) {
	store := newFakeStore()
	h := newHarness(t, store)
	writes := store.writes

	err := h.rec.Mutate(context.Background(), h.tracker.Resume)
	if !tracker.IsKind(err, tracker.KindPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if store.writes != writes {
		t.Fatal("a refused operation must not write")
	}
}
