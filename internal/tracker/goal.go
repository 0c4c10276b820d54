package tracker

import (
	"strings"
	"time"

	"locktrack/internal/duration"
	"locktrack/internal/secret"
)

type GoalInput struct {
	DurationSeconds int64
	Hardcore        bool
	LockCombination string
}

// GoalResult carries the backup code of a hardcore goal. It is the only place the
// plaintext code ever appears.
type GoalResult struct {
	Goal       Goal   `json:"goal"`
	BackupCode string `json:"backupCode,omitempty"`
}

// SetPersonalGoal replaces the personal goal. It is refused while a keyholder
// requirement is active or a hardcore goal is still running.
func (t *Tracker) SetPersonalGoal(in GoalInput) (GoalResult, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return GoalResult{}, nil, ErrNotLoaded
	}
	if t.state.Keyholder.Active() {
		return GoalResult{}, nil, newError(KindPolicy, "KEYHOLDER_LOCKED", "Goals cannot be changed while a keyholder requirement is active", nil)
	}
	if t.state.Goal.hardcoreLocked() {
		return GoalResult{}, nil, newError(KindPolicy, "HARDCORE_LOCKED", "A hardcore goal is still running", nil)
	}
	if in.DurationSeconds <= 0 {
		return GoalResult{}, nil, newError(KindInvalidInput, "INVALID_DURATION", "Goal duration must be positive", nil)
	}
	combination := strings.TrimSpace(in.LockCombination)
	if combination != "" && !in.Hardcore {
		return GoalResult{}, nil, newError(KindInvalidInput, "COMBINATION_REQUIRES_HARDCORE", "A lock combination can only be stored with a hardcore goal", nil)
	}

	now := t.clock.Now()
	goal := Goal{
		DurationSeconds: in.DurationSeconds,
		IsSelfLocking:   in.Hardcore,
		IsActive:        true,
		SetAt:           timePtr(now),
		EndDate:         timePtr(now.Add(time.Duration(in.DurationSeconds) * time.Second)),
	}
	var result GoalResult
	if in.Hardcore {
		code, hash, err := secret.NewBackupCode()
		if err != nil {
			return GoalResult{}, nil, err
		}
		goal.BackupCodeHash = hash
		result.BackupCode = code
		if combination != "" {
			if t.sealer == nil {
				return GoalResult{}, nil, newError(KindInvalidInput, "COMBINATION_UNSUPPORTED", "Lock combinations are not enabled", nil)
			}
			sealed, err := t.sealer.Seal(combination)
			if err != nil {
				return GoalResult{}, nil, err
			}
			goal.SealedCombination = sealed
		}
	}
	t.state.Goal = goal
	result.Goal = scrubGoal(goal)
	return result, t.state.patch(FieldGoal), nil
}

// ClearGoal removes the personal goal unless a hardcore goal is still running.
func (t *Tracker) ClearGoal() (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	if t.state.Goal.hardcoreLocked() {
		return nil, newError(KindPolicy, "HARDCORE_LOCKED", "A hardcore goal can only be cleared by completing it or with the backup code", nil)
	}
	t.state.Goal = Goal{}
	return t.state.patch(FieldGoal), nil
}

type UnlockResult struct {
	Combination string        `json:"combination,omitempty"`
	Entry       *HistoryEntry `json:"entry,omitempty"`
}

// AttemptEmergencyUnlock checks code against the stored backup code. On success
// the code is consumed, the goal cleared, the combination revealed and the
// session ended. Failures never say whether a code exists.
func (t *Tracker) AttemptEmergencyUnlock(code string) (UnlockResult, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return UnlockResult{}, nil, ErrNotLoaded
	}
	goal := t.state.Goal
	if !goal.hardcoreLocked() {
		return UnlockResult{}, nil, newError(KindPolicy, "NO_HARDCORE_GOAL", "No hardcore goal is running", nil)
	}
	if !secret.VerifyCode(goal.BackupCodeHash, code) {
		t.notifyLocked(KindVerification, unlockFailedMessage, t.policy.VerificationNoticeTTL)
		return UnlockResult{}, nil, newError(KindVerification, "UNLOCK_FAILED", unlockFailedMessage, nil)
	}

	var result UnlockResult
	if goal.SealedCombination != "" && t.sealer != nil {
		if plain, err := t.sealer.Open(goal.SealedCombination); err == nil {
			result.Combination = plain
		}
	}
	var patch Patch
	if t.state.IsCageOn && t.state.CageOnTime != nil {
		entry, endPatch := t.endLocked(*t.state.CageOnTime, t.clock.Now(), "Emergency unlock")
		result.Entry = &entry
		patch = patch.Merge(endPatch)
	}
	t.state.Goal = Goal{}
	patch = patch.Merge(t.state.patch(FieldGoal))
	return result, patch, nil
}

// RevealCombination returns the stored lock combination once, after the goal
// has completed.
func (t *Tracker) RevealCombination() (string, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return "", nil, ErrNotLoaded
	}
	g := &t.state.Goal
	if g.SealedCombination == "" || g.CombinationRevealed {
		return "", nil, newError(KindPolicy, "NOTHING_TO_REVEAL", "No combination is available", nil)
	}
	if !g.IsCompleted {
		return "", nil, newError(KindPolicy, "COMBINATION_LOCKED", "The combination is revealed when the goal completes", nil)
	}
	if t.sealer == nil {
		return "", nil, newError(KindPolicy, "NOTHING_TO_REVEAL", "No combination is available", nil)
	}
	plain, err := t.sealer.Open(g.SealedCombination)
	if err != nil {
		return "", nil, newError(KindInvalidInput, "COMBINATION_CORRUPT", "The stored combination could not be read", nil)
	}
	g.CombinationRevealed = true
	return plain, t.state.patch(FieldGoal), nil
}

// checkGoalLocked marks the goal complete once effective time reaches it.
// A goal set during the session counts from when it was set. Completing a
// hardcore goal releases the session.
func (t *Tracker) checkGoalLocked(now time.Time) Patch {
	g := &t.state.Goal
	if !g.IsActive || g.IsCompleted || !t.state.IsCageOn || g.DurationSeconds <= 0 {
		return nil
	}
	progress := t.live.TimeInChastity
	if cageOn := t.state.CageOnTime; g.SetAt != nil && cageOn != nil && g.SetAt.After(*cageOn) {
		progress = t.state.effectiveSince(*g.SetAt, now)
	}
	if progress < g.DurationSeconds {
		return nil
	}
	g.IsCompleted = true
	g.CompletedAt = timePtr(now)
	var patch Patch
	if g.IsSelfLocking && t.state.CageOnTime != nil {
		_, endPatch := t.endLocked(*t.state.CageOnTime, now, "Goal completed")
		patch = patch.Merge(endPatch)
	}
	return patch.Merge(t.state.patch(FieldGoal))
}

// effectiveSince is the unpaused time of the current session between from and now.
func (s State) effectiveSince(from, now time.Time) int64 {
	var paused int64
	for _, e := range s.CurrentSessionPauseEvents {
		end := now
		if e.EndTime != nil {
			end = *e.EndTime
		}
		start := e.StartTime
		if start.Before(from) {
			start = from
		}
		paused += duration.Between(start, end)
	}
	return duration.Effective(duration.Between(from, now), paused, 0)
}

func scrubGoal(g Goal) Goal {
	g.BackupCodeHash = ""
	g.SealedCombination = ""
	return g
}
