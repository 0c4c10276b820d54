package tracker

import (
	"strings"
	"time"

	"locktrack/internal/duration"
	"locktrack/internal/util"
)

// StartSession turns the cage on. It is a silent no-op (nil patch, nil error)
// while a session is active or a pause or end prompt is open.
func (t *Tracker) StartSession() (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	s := &t.state
	if s.IsCageOn || t.pausePrompt || t.pendingEnd != nil {
		return nil, nil
	}
	now := t.clock.Now()
	if s.HasSessionEverBeenActive && s.TimeCageOffStart != nil {
		s.TotalTimeCageOff += duration.Between(*s.TimeCageOffStart, now)
	}
	s.TimeCageOffStart = nil
	s.IsCageOn = true
	s.CageOnTime = timePtr(now)
	s.IsPaused = false
	s.PauseStartTime = nil
	s.AccumulatedPauseTimeThisSession = 0
	s.CurrentSessionPauseEvents = []PauseEvent{}
	s.HasSessionEverBeenActive = true
	s.GoalDurationAtSessionStart = 0
	if s.Goal.IsActive && !s.Goal.IsCompleted {
		s.GoalDurationAtSessionStart = s.Goal.DurationSeconds
	}
	t.live = t.liveLocked(now)
	return s.patch(sessionFields...), nil
}

// RequestEnd stages the end of the active session. Nothing changes until
// ConfirmEnd supplies a reason.
func (t *Tracker) RequestEnd() (PendingEnd, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkEndAllowedLocked(); err != nil {
		return PendingEnd{}, err
	}
	pe := PendingEnd{Start: *t.state.CageOnTime, End: t.clock.Now()}
	t.pendingEnd = &pe
	return pe, nil
}

func (t *Tracker) checkEndAllowedLocked() error {
	if !t.loaded {
		return ErrNotLoaded
	}
	if !t.state.IsCageOn || t.state.CageOnTime == nil {
		return newError(KindPolicy, "NO_ACTIVE_SESSION", "No active session", nil)
	}
	if t.state.Goal.hardcoreLocked() {
		return newError(KindPolicy, "HARDCORE_LOCKED", "Session is locked until the goal completes", nil)
	}
	if t.state.Keyholder.Active() {
		return newError(KindPolicy, "RELEASE_REQUEST_REQUIRED", "A keyholder must approve a release request", nil)
	}
	return nil
}

func (t *Tracker) CancelEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingEnd = nil
}

// ConfirmEnd commits a staged end with the given reason and returns the new
// history entry.
func (t *Tracker) ConfirmEnd(reason string) (HistoryEntry, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return HistoryEntry{}, nil, newError(KindInvalidInput, "REASON_REQUIRED", "A reason is required", nil)
	}
	if t.pendingEnd == nil {
		return HistoryEntry{}, nil, newError(KindPolicy, "NO_PENDING_END", "No session end is pending", nil)
	}
	pending := *t.pendingEnd
	if err := t.checkEndAllowedLocked(); err != nil {
		t.pendingEnd = nil
		return HistoryEntry{}, nil, err
	}
	entry, patch := t.endLocked(pending.Start, pending.End, reason)
	return entry, patch, nil
}

// EndChastityNow ends the active session immediately, bypassing the reason prompt
// and the end gates. It backs emergency unlock, goal auto-release and approved
// release requests.
func (t *Tracker) EndChastityNow(reason string) (HistoryEntry, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return HistoryEntry{}, nil, ErrNotLoaded
	}
	if !t.state.IsCageOn || t.state.CageOnTime == nil {
		return HistoryEntry{}, nil, newError(KindPolicy, "NO_ACTIVE_SESSION", "No active session", nil)
	}
	entry, patch := t.endLocked(*t.state.CageOnTime, t.clock.Now(), reason)
	return entry, patch, nil
}

// endLocked closes any open pause at end, appends the history entry and resets
// the session to the off baseline.
func (t *Tracker) endLocked(start, end time.Time, reason string) (HistoryEntry, Patch) {
	s := &t.state
	events := clonePauseEvents(s.CurrentSessionPauseEvents)
	if events == nil {
		events = []PauseEvent{}
	}
	pauseTotal := s.AccumulatedPauseTimeThisSession
	if s.IsPaused && s.PauseStartTime != nil {
		open := duration.Between(*s.PauseStartTime, end)
		pauseTotal += open
		if i := lastOpenPause(events); i >= 0 {
			events[i].EndTime = timePtr(end)
			events[i].Duration = int64Ptr(open)
		}
	}
	raw := duration.Between(start, end)
	if pauseTotal > raw {
		pauseTotal = raw
	}

	entry := HistoryEntry{
		ID:                         util.NewID("hist"),
		PeriodNumber:               len(s.History) + 1,
		StartTime:                  start,
		EndTime:                    end,
		Duration:                   raw,
		TotalPauseDurationSeconds:  pauseTotal,
		PauseEvents:                events,
		ReasonForRemoval:           reason,
		GoalDurationAtSessionStart: s.GoalDurationAtSessionStart,
	}
	if goal := s.GoalDurationAtSessionStart; goal > 0 {
		diff := entry.EffectiveSeconds() - goal
		status := GoalNotMet
		if diff >= 0 {
			status = GoalMet
		}
		entry.GoalStatus = &status
		entry.GoalTimeDifference = int64Ptr(diff)
	}

	s.History = append(s.History, entry)
	s.IsCageOn = false
	s.CageOnTime = nil
	s.IsPaused = false
	s.PauseStartTime = nil
	s.AccumulatedPauseTimeThisSession = 0
	s.CurrentSessionPauseEvents = nil
	s.GoalDurationAtSessionStart = 0
	s.TimeCageOffStart = timePtr(end)
	t.pendingEnd = nil
	t.pausePrompt = false
	t.live = t.liveLocked(t.clock.Now())

	fields := append(append([]string(nil), sessionFields...), FieldHistory)
	return entry, s.patch(fields...)
}

// StartEdit records an accepted start-time edit for the audit trail.
type StartEdit struct {
	Old time.Time `json:"old"`
	New time.Time `json:"new"`
}

// EditSessionStart rewrites the start of the active session.
func (t *Tracker) EditSessionStart(newStart time.Time) (StartEdit, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return StartEdit{}, nil, ErrNotLoaded
	}
	s := &t.state
	if !s.IsCageOn || s.CageOnTime == nil {
		return StartEdit{}, nil, newError(KindPolicy, "NO_ACTIVE_SESSION", "Only an active session can be edited", nil)
	}
	if newStart.IsZero() {
		return StartEdit{}, nil, newError(KindInvalidInput, "INVALID_START", "Invalid start time", nil)
	}
	now := t.clock.Now()
	if newStart.After(now) {
		return StartEdit{}, nil, newError(KindInvalidInput, "START_IN_FUTURE", "Start time cannot be in the future", nil)
	}
	edit := StartEdit{Old: *s.CageOnTime, New: newStart}
	s.CageOnTime = timePtr(newStart)
	if t.pendingEnd != nil {
		t.pendingEnd.Start = newStart
	}
	t.live = t.liveLocked(now)
	return edit, s.patch(FieldCageOnTime), nil
}

func lastOpenPause(events []PauseEvent) int {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EndTime == nil {
			return i
		}
	}
	return -1
}
