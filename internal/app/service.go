package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"locktrack/internal/auth"
	"locktrack/internal/clock"
	"locktrack/internal/config"
	"locktrack/internal/logging"
	"locktrack/internal/rbac"
	"locktrack/internal/reconcile"
	"locktrack/internal/secret"
	"locktrack/internal/store"
	"locktrack/internal/ticker"
	"locktrack/internal/tracker"
	"locktrack/internal/util"
)

// Session is the authenticated caller. UserID names the tracker acted on.
type Session struct {
	UserID string
	Name   string
	Role   rbac.Role
}

// DocStore is the remote document store backing every tracker.
type DocStore interface {
	reconcile.Store
	Ping(ctx context.Context) error
}

// EventLog records and lists user events.
type EventLog interface {
	AppendEvent(ctx context.Context, event store.Event) error
	ListEvents(ctx context.Context, userID string, limit int) ([]store.Event, error)
	Ping(ctx context.Context) error
}

type GoalInput struct {
	DurationSeconds int64  `json:"durationSeconds"`
	Hardcore        bool   `json:"hardcore"`
	LockCombination string `json:"lockCombination"`
}

type KeyholderInput struct {
	DurationSeconds int64  `json:"durationSeconds"`
	KeyholderName   string `json:"keyholderName"`
}

// TrackerView is a tracker view plus its sync status.
type TrackerView struct {
	tracker.View
	SyncStatus reconcile.Status `json:"syncStatus"`
	Revision   int64            `json:"revision"`
	Restore    *RestorePrompt   `json:"restore,omitempty"`
}

type startEditEvent struct {
	tracker.StartEdit
	EditedBy   string    `json:"editedBy"`
	EditorRole rbac.Role `json:"editorRole"`
}

// RestorePrompt describes an active remote session found on load.
type RestorePrompt struct {
	CageOnTime           *time.Time `json:"cageOnTime"`
	IsPaused             bool       `json:"isPaused"`
	AccumulatedPauseTime int64      `json:"accumulatedPauseTime"`
}

const (
	eventLogFailedMessage = "Could not record this change in the event log"
	restoreFailedMessage  = "Could not restore from that user"
)

type handle struct {
	userID     string
	tracker    *tracker.Tracker
	reconciler *reconcile.Reconciler
	ticker     *ticker.Scheduler
	logger     *slog.Logger
}

type Service struct {
	cfg    config.Config
	docs   DocStore
	events EventLog
	sealer *secret.Sealer
	clock  clock.Clock
	logger *slog.Logger
	writer string

	mu      sync.Mutex
	handles map[string]*handle
	opening singleflight.Group
}

// New wires a service. events may be nil, in which case nothing is recorded.
func New(cfg config.Config, docs DocStore, events EventLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		cfg:     cfg,
		docs:    docs,
		events:  events,
		sealer:  secret.NewSealer(cfg.SealSecret),
		clock:   clock.System{},
		logger:  logger,
		writer:  util.NewID("writer"),
		handles: make(map[string]*handle),
	}
}

// WithClock replaces the clock used by trackers opened afterwards.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Subject, Name: claims.Name, Role: rbac.Normalize(claims.Role)}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// open returns the user's tracker, loading its document on first use.
// Concurrent first requests for one user share a single load; loads for
// different users never wait on each other.
func (s *Service) open(ctx context.Context, userID string) (*handle, error) {
	if !util.ValidID(userID) {
		return nil, domainError(http.StatusBadRequest, "INVALID_USER", "Invalid user id", nil)
	}
	if h := s.lookup(userID); h != nil {
		return h, nil
	}
	result := s.opening.DoChan(userID, func() (any, error) {
		if h := s.lookup(userID); h != nil {
			return h, nil
		}
		h, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.handles[userID] = h
		s.mu.Unlock()
		return h, nil
	})
	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) lookup(userID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[userID]
}

func (s *Service) load(ctx context.Context, userID string) (*handle, error) {
	logger := logging.ForUser(s.logger, userID)
	h := &handle{
		userID:  userID,
		tracker: tracker.New(s.clock, s.sealer, s.cfg.Policy.Tracker()),
		logger:  logger,
	}
	h.ticker = ticker.New(s.cfg.Policy.TickInterval, func(ticker.Mode) { s.tick(h) })
	h.reconciler = reconcile.New(s.docs, userID, s.writer, h.tracker, logger, func(phase tracker.Phase) {
		h.ticker.Arm(tickerMode(phase, h.tracker.State()))
	})
	if err := h.reconciler.Open(ctx); err != nil {
		h.ticker.Stop()
		_ = h.reconciler.Close()
		logger.Error("open tracker", "error", err)
		return nil, wrapDomainError(err, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Session data is unavailable")
	}
	return h, nil
}

func tickerMode(phase tracker.Phase, state tracker.State) ticker.Mode {
	switch phase {
	case tracker.PhaseActive:
		return ticker.InChastity
	case tracker.PhasePaused:
		return ticker.Paused
	}
	if state.HasSessionEverBeenActive && state.TimeCageOffStart != nil {
		return ticker.CageOff
	}
	return ticker.Idle
}

func (s *Service) tick(h *handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var completed, ended bool
	err := h.reconciler.Mutate(ctx, func() (tracker.Patch, error) {
		patch := h.tracker.Tick()
		_, completed = patch[tracker.FieldGoal]
		_, ended = patch[tracker.FieldHistory]
		return patch, nil
	})
	if err != nil {
		if !errors.Is(err, tracker.ErrNotLoaded) {
			h.logger.Warn("tick failed", "error", err)
		}
		return
	}
	if !completed {
		return
	}
	state := h.tracker.State()
	s.record(ctx, h, store.EventGoalCompleted, map[string]any{
		"durationSeconds": state.Goal.DurationSeconds,
		"hardcore":        state.Goal.IsSelfLocking,
	})
	if ended && len(state.History) > 0 {
		s.record(ctx, h, store.EventSessionEnded, state.History[len(state.History)-1])
	}
}

// mutate runs op through the reconciler, which persists the returned patch.
func (s *Service) mutate(ctx context.Context, userID string, op func(t *tracker.Tracker) (tracker.Patch, error)) (*handle, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := h.reconciler.Mutate(ctx, func() (tracker.Patch, error) { return op(h.tracker) }); err != nil {
		return h, err
	}
	return h, nil
}

// record appends to the event log. Failures never fail the operation.
func (s *Service) record(ctx context.Context, h *handle, eventType string, payload any) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encode event payload", "event_type", eventType, "error", err)
		return
	}
	event := store.Event{UserID: h.userID, Type: eventType, Payload: raw, OccurredAt: s.clock.Now()}
	if err := s.events.AppendEvent(ctx, event); err != nil {
		h.logger.Error("append event", "event_type", eventType, "error", err)
		h.tracker.PostNotice(tracker.KindRemote, eventLogFailedMessage, 0)
	}
}

func (s *Service) render(h *handle) TrackerView {
	view := TrackerView{
		View:       h.tracker.View(),
		SyncStatus: h.reconciler.Status(),
		Revision:   h.reconciler.Revision(),
	}
	if pending, ok := h.reconciler.Conflict(); ok {
		view.Restore = &RestorePrompt{
			CageOnTime:           pending.CageOnTime,
			IsPaused:             pending.IsPaused,
			AccumulatedPauseTime: pending.AccumulatedPauseTimeThisSession,
		}
	}
	return view
}

func (s *Service) View(ctx context.Context, userID string) (TrackerView, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return TrackerView{}, err
	}
	return s.render(h), nil
}

func (s *Service) StartSession(ctx context.Context, userID string) (TrackerView, error) {
	var started bool
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		patch, err := t.StartSession()
		started = len(patch) > 0
		return patch, err
	})
	if err != nil {
		return TrackerView{}, err
	}
	if started {
		s.record(ctx, h, store.EventSessionStarted, map[string]any{"cageOnTime": h.tracker.State().CageOnTime})
	}
	return s.render(h), nil
}

func (s *Service) RequestEnd(ctx context.Context, userID string) (tracker.PendingEnd, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return tracker.PendingEnd{}, err
	}
	return h.tracker.RequestEnd()
}

func (s *Service) CancelEnd(ctx context.Context, userID string) (TrackerView, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return TrackerView{}, err
	}
	h.tracker.CancelEnd()
	return s.render(h), nil
}

func (s *Service) ConfirmEnd(ctx context.Context, userID, reason string) (tracker.HistoryEntry, error) {
	var entry tracker.HistoryEntry
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		var patch tracker.Patch
		var err error
		entry, patch, err = t.ConfirmEnd(reason)
		return patch, err
	})
	if err != nil {
		return tracker.HistoryEntry{}, err
	}
	s.record(ctx, h, store.EventSessionEnded, entry)
	return entry, nil
}

// EditSessionStart moves the start of the active session. The event records
// who made the edit.
func (s *Service) EditSessionStart(ctx context.Context, session Session, newStart time.Time) (TrackerView, error) {
	userID := session.UserID
	var edit tracker.StartEdit
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		var patch tracker.Patch
		var err error
		edit, patch, err = t.EditSessionStart(newStart)
		return patch, err
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventSessionStartEdited, startEditEvent{
		StartEdit:  edit,
		EditedBy:   session.Name,
		EditorRole: session.Role,
	})
	return s.render(h), nil
}

func (s *Service) InitiatePause(ctx context.Context, userID string) (TrackerView, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return TrackerView{}, err
	}
	if err := h.tracker.InitiatePause(); err != nil {
		return TrackerView{}, err
	}
	return s.render(h), nil
}

func (s *Service) CancelPause(ctx context.Context, userID string) (TrackerView, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return TrackerView{}, err
	}
	h.tracker.CancelPause()
	return s.render(h), nil
}

func (s *Service) ConfirmPause(ctx context.Context, userID, reason string) (TrackerView, error) {
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		return t.ConfirmPause(reason)
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventPauseStarted, map[string]any{"reason": reason})
	return s.render(h), nil
}

func (s *Service) Resume(ctx context.Context, userID string) (TrackerView, error) {
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		return t.Resume()
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventPauseEnded, map[string]any{
		"accumulatedPauseTime": h.tracker.State().AccumulatedPauseTimeThisSession,
	})
	return s.render(h), nil
}

// SetGoal returns the backup code of a hardcore goal. It is never stored.
func (s *Service) SetGoal(ctx context.Context, userID string, in GoalInput) (tracker.GoalResult, error) {
	var result tracker.GoalResult
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		var patch tracker.Patch
		var err error
		result, patch, err = t.SetPersonalGoal(tracker.GoalInput{
			DurationSeconds: in.DurationSeconds,
			Hardcore:        in.Hardcore,
			LockCombination: in.LockCombination,
		})
		return patch, err
	})
	if err != nil {
		return tracker.GoalResult{}, err
	}
	s.record(ctx, h, store.EventGoalSet, map[string]any{"durationSeconds": in.DurationSeconds, "hardcore": in.Hardcore})
	return result, nil
}

func (s *Service) ClearGoal(ctx context.Context, userID string) (TrackerView, error) {
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		return t.ClearGoal()
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventGoalCleared, map[string]any{})
	return s.render(h), nil
}

func (s *Service) EmergencyUnlock(ctx context.Context, userID, code string) (tracker.UnlockResult, error) {
	var result tracker.UnlockResult
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		var patch tracker.Patch
		var err error
		result, patch, err = t.AttemptEmergencyUnlock(code)
		return patch, err
	})
	if err != nil {
		return tracker.UnlockResult{}, err
	}
	s.record(ctx, h, store.EventEmergencyUnlock, map[string]any{"entry": result.Entry})
	return result, nil
}

func (s *Service) RevealCombination(ctx context.Context, userID string) (string, error) {
	var combination string
	_, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		var patch tracker.Patch
		var err error
		combination, patch, err = t.RevealCombination()
		return patch, err
	})
	if err != nil {
		return "", err
	}
	return combination, nil
}

func (s *Service) SetKeyholder(ctx context.Context, userID string, in KeyholderInput) (TrackerView, error) {
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		return t.SetKeyholderRequirement(in.DurationSeconds, in.KeyholderName)
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventKeyholderSet, in)
	return s.render(h), nil
}

func (s *Service) ClearKeyholder(ctx context.Context, userID string) (TrackerView, error) {
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		return t.ClearKeyholderRequirement()
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventKeyholderCleared, map[string]any{})
	return s.render(h), nil
}

func (s *Service) FileRelease(ctx context.Context, userID string) (tracker.ReleaseRequest, error) {
	var request tracker.ReleaseRequest
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		var patch tracker.Patch
		var err error
		request, patch, err = t.FileReleaseRequest()
		return patch, err
	})
	if err != nil {
		return tracker.ReleaseRequest{}, err
	}
	s.record(ctx, h, store.EventReleaseRequested, request)
	return request, nil
}

func (s *Service) ApproveRelease(ctx context.Context, userID, requestID, handledBy string) (TrackerView, error) {
	var entry *tracker.HistoryEntry
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		var patch tracker.Patch
		var err error
		entry, patch, err = t.ApproveRelease(requestID, handledBy)
		return patch, err
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventReleaseApproved, map[string]any{"requestId": requestID, "handledBy": handledBy, "entry": entry})
	return s.render(h), nil
}

func (s *Service) DenyRelease(ctx context.Context, userID, requestID, handledBy string) (TrackerView, error) {
	h, err := s.mutate(ctx, userID, func(t *tracker.Tracker) (tracker.Patch, error) {
		return t.DenyRelease(requestID, handledBy)
	})
	if err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventReleaseDenied, map[string]any{"requestId": requestID, "handledBy": handledBy})
	return s.render(h), nil
}

// ResumeRemote answers a restore prompt by continuing the remote session.
func (s *Service) ResumeRemote(ctx context.Context, userID string) (TrackerView, error) {
	return s.resolveRestore(ctx, userID, "resume", (*reconcile.Reconciler).ResumeRemote)
}

// DiscardRemote answers a restore prompt by dropping the remote session.
func (s *Service) DiscardRemote(ctx context.Context, userID string) (TrackerView, error) {
	return s.resolveRestore(ctx, userID, "discard", (*reconcile.Reconciler).DiscardAndStartNew)
}

func (s *Service) resolveRestore(ctx context.Context, userID, choice string, resolve func(*reconcile.Reconciler, context.Context) error) (TrackerView, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return TrackerView{}, err
	}
	if err := resolve(h.reconciler, ctx); err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventRestoreResolved, map[string]any{"choice": choice})
	return s.render(h), nil
}

// RestoreFromUser copies history, goal and keyholder data from another user's
// document. Unknown or invalid ids all fail the same way.
func (s *Service) RestoreFromUser(ctx context.Context, userID, sourceID string) (TrackerView, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return TrackerView{}, err
	}
	sourceID = strings.TrimSpace(sourceID)
	fail := func() (TrackerView, error) {
		h.tracker.PostNotice(tracker.KindVerification, restoreFailedMessage, s.cfg.Policy.VerificationNoticeTTL)
		return TrackerView{}, &tracker.Error{Kind: tracker.KindVerification, Code: "RESTORE_FAILED", Message: restoreFailedMessage}
	}
	if !util.ValidID(sourceID) || sourceID == userID {
		return fail()
	}
	doc, err := s.docs.Get(ctx, sourceID)
	if err != nil {
		h.logger.Error("read restore source", "error", err)
		return fail()
	}
	if doc == nil {
		return fail()
	}
	source, bad := tracker.DecodeDocument(doc.Fields)
	if len(bad) > 0 {
		h.logger.Warn("restore source has malformed fields", "fields", bad)
	}
	if err := h.reconciler.Mutate(ctx, func() (tracker.Patch, error) {
		return h.tracker.RestoreFrom(source)
	}); err != nil {
		return TrackerView{}, err
	}
	s.record(ctx, h, store.EventRestoredFromUser, map[string]any{"sourceUserId": sourceID, "sessions": len(source.History)})
	return s.render(h), nil
}

func (s *Service) History(ctx context.Context, userID string) ([]tracker.HistoryEntry, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !h.tracker.Loaded() {
		return nil, tracker.ErrNotLoaded
	}
	history := h.tracker.State().History
	if history == nil {
		history = []tracker.HistoryEntry{}
	}
	return history, nil
}

func (s *Service) Report(ctx context.Context, userID string) (tracker.Report, error) {
	h, err := s.open(ctx, userID)
	if err != nil {
		return tracker.Report{}, err
	}
	if !h.tracker.Loaded() {
		return tracker.Report{}, tracker.ErrNotLoaded
	}
	state := h.tracker.State()
	return tracker.Summarize(state.History, state.TotalTimeCageOff), nil
}

func (s *Service) Events(ctx context.Context, userID string, limit int) ([]store.Event, error) {
	if s.events == nil {
		return []store.Event{}, nil
	}
	events, err := s.events.ListEvents(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.Event{}
	}
	return events, nil
}

// Ping checks the document store and, when configured, the event log.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"redis": s.docs.Ping(ctx)}
	if s.events != nil {
		checks["database"] = s.events.Ping(ctx)
	}
	return checks
}

// Close stops every ticker and subscription.
func (s *Service) Close() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		h.ticker.Stop()
		if err := h.reconciler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.userID, err))
		}
	}
	return errors.Join(errs...)
}
