package tracker

import (
	"fmt"
	"strings"
	"time"

	"locktrack/internal/duration"
)

// InitiatePause opens the reason prompt, or refuses while the cooldown since the
// end of the last pause is running.
func (t *Tracker) InitiatePause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkPausableLocked(); err != nil {
		return err
	}
	if err := t.checkCooldownLocked(t.clock.Now()); err != nil {
		return err
	}
	t.pausePrompt = true
	return nil
}

func (t *Tracker) CancelPause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pausePrompt = false
}

// ConfirmPause pauses the session and opens a pause event.
func (t *Tracker) ConfirmPause(reason string) (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkPausableLocked(); err != nil {
		return nil, err
	}
	if !t.pausePrompt {
		return nil, newError(KindPolicy, "PAUSE_NOT_INITIATED", "Pause has not been initiated", nil)
	}
	now := t.clock.Now()
	if err := t.checkCooldownLocked(now); err != nil {
		t.pausePrompt = false
		return nil, err
	}
	s := &t.state
	s.IsPaused = true
	s.PauseStartTime = timePtr(now)
	s.CurrentSessionPauseEvents = append(s.CurrentSessionPauseEvents, PauseEvent{
		StartTime: now,
		Reason:    strings.TrimSpace(reason),
	})
	t.pausePrompt = false
	t.live = t.liveLocked(now)
	return s.patch(FieldIsPaused, FieldPauseStartTime, FieldPauseEvents), nil
}

// Resume closes the open pause and starts the cooldown window.
func (t *Tracker) Resume() (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	s := &t.state
	if !s.IsPaused || s.PauseStartTime == nil {
		return nil, newError(KindPolicy, "NOT_PAUSED", "Session is not paused", nil)
	}
	now := t.clock.Now()
	paused := duration.Between(*s.PauseStartTime, now)
	s.AccumulatedPauseTimeThisSession += paused
	if i := lastOpenPause(s.CurrentSessionPauseEvents); i >= 0 {
		s.CurrentSessionPauseEvents[i].EndTime = timePtr(now)
		s.CurrentSessionPauseEvents[i].Duration = int64Ptr(paused)
	}
	s.IsPaused = false
	s.PauseStartTime = nil
	s.LastPauseEndTime = timePtr(now)
	t.live = t.liveLocked(now)
	return s.patch(
		FieldIsPaused,
		FieldPauseStartTime,
		FieldAccumulatedPauseTime,
		FieldPauseEvents,
		FieldLastPauseEndTime,
	), nil
}

func (t *Tracker) checkPausableLocked() error {
	if !t.loaded {
		return ErrNotLoaded
	}
	if !t.state.IsCageOn {
		return newError(KindPolicy, "NO_ACTIVE_SESSION", "No active session", nil)
	}
	if t.state.IsPaused {
		return newError(KindPolicy, "ALREADY_PAUSED", "Session is already paused", nil)
	}
	return nil
}

func (t *Tracker) checkCooldownLocked(now time.Time) error {
	remaining := t.pauseCooldownRemainingLocked(now)
	if remaining <= 0 {
		return nil
	}
	message := fmt.Sprintf("You can pause again in %s", duration.Format(remaining))
	t.notifyLocked(KindPolicy, message, t.policy.CooldownNoticeTTL)
	return newError(KindPolicy, "PAUSE_COOLDOWN", message, map[string]any{"remainingSeconds": remaining})
}

// pauseCooldownRemainingLocked is measured from the end of the last pause.
func (t *Tracker) pauseCooldownRemainingLocked(now time.Time) int64 {
	last := t.state.LastPauseEndTime
	if last == nil {
		return 0
	}
	remaining := int64(t.policy.PauseCooldown/time.Second) - duration.Between(*last, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
