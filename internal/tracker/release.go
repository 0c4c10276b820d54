package tracker

import (
	"fmt"
	"strings"
	"time"

	"locktrack/internal/duration"
	"locktrack/internal/util"
)

// SetKeyholderRequirement imposes a minimum duration. While it is set the
// session can only end through an approved release request.
func (t *Tracker) SetKeyholderRequirement(seconds int64, keyholderName string) (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	if seconds <= 0 {
		return nil, newError(KindInvalidInput, "INVALID_DURATION", "Required duration must be positive", nil)
	}
	if g := t.state.Goal; g.IsActive && !g.IsCompleted {
		return nil, newError(KindPolicy, "PERSONAL_GOAL_ACTIVE", "A personal goal is active", nil)
	}
	t.state.Keyholder = KeyholderRequirement{
		RequiredDurationSeconds: seconds,
		KeyholderName:           strings.TrimSpace(keyholderName),
		SetAt:                   timePtr(t.clock.Now()),
	}
	return t.state.patch(FieldKeyholder), nil
}

func (t *Tracker) ClearKeyholderRequirement() (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	t.state.Keyholder = KeyholderRequirement{}
	return t.state.patch(FieldKeyholder), nil
}

// FileReleaseRequest asks the keyholder for an early release.
func (t *Tracker) FileReleaseRequest() (ReleaseRequest, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return ReleaseRequest{}, nil, ErrNotLoaded
	}
	s := &t.state
	if !s.Keyholder.Active() {
		return ReleaseRequest{}, nil, newError(KindPolicy, "NO_KEYHOLDER", "No keyholder requirement is active", nil)
	}
	if !s.IsCageOn {
		return ReleaseRequest{}, nil, newError(KindPolicy, "NO_ACTIVE_SESSION", "No active session", nil)
	}
	for _, r := range s.ReleaseRequests {
		if r.Status == ReleasePending {
			return ReleaseRequest{}, nil, newError(KindPolicy, "REQUEST_PENDING", "A release request is already pending", map[string]any{"requestId": r.ID})
		}
	}
	now := t.clock.Now()
	if remaining := t.releaseCooldownRemainingLocked(now); remaining > 0 {
		message := fmt.Sprintf("You can request release again in %s", duration.Format(remaining))
		t.notifyLocked(KindPolicy, message, t.policy.CooldownNoticeTTL)
		return ReleaseRequest{}, nil, newError(KindPolicy, "RELEASE_COOLDOWN", message, map[string]any{"remainingSeconds": remaining})
	}
	req := ReleaseRequest{
		ID:          util.NewID("rr"),
		Status:      ReleasePending,
		RequestedAt: now,
	}
	s.ReleaseRequests = append(s.ReleaseRequests, req)
	return req, s.patch(FieldReleaseRequests), nil
}

// releaseCooldownRemainingLocked is measured from the most recent denial.
func (t *Tracker) releaseCooldownRemainingLocked(now time.Time) int64 {
	var latest *time.Time
	for _, r := range t.state.ReleaseRequests {
		if r.Status != ReleaseDenied || r.DeniedAt == nil {
			continue
		}
		if latest == nil || r.DeniedAt.After(*latest) {
			latest = r.DeniedAt
		}
	}
	if latest == nil {
		return 0
	}
	remaining := int64(t.policy.ReleaseCooldown/time.Second) - duration.Between(*latest, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ApproveRelease approves a pending request and ends the session.
func (t *Tracker) ApproveRelease(requestID, handledBy string) (*HistoryEntry, Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, err := t.pendingRequestLocked(requestID)
	if err != nil {
		return nil, nil, err
	}
	now := t.clock.Now()
	req.Status = ReleaseApproved
	req.ApprovedAt = timePtr(now)
	req.HandledBy = strings.TrimSpace(handledBy)

	patch := t.state.patch(FieldReleaseRequests)
	if !t.state.IsCageOn || t.state.CageOnTime == nil {
		return nil, patch, nil
	}
	entry, endPatch := t.endLocked(*t.state.CageOnTime, now, "Keyholder approved release")
	return &entry, patch.Merge(endPatch), nil
}

// DenyRelease denies a pending request, starting the denial cooldown.
func (t *Tracker) DenyRelease(requestID, handledBy string) (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, err := t.pendingRequestLocked(requestID)
	if err != nil {
		return nil, err
	}
	req.Status = ReleaseDenied
	req.DeniedAt = timePtr(t.clock.Now())
	req.HandledBy = strings.TrimSpace(handledBy)
	return t.state.patch(FieldReleaseRequests), nil
}

func (t *Tracker) pendingRequestLocked(requestID string) (*ReleaseRequest, error) {
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	for i := range t.state.ReleaseRequests {
		r := &t.state.ReleaseRequests[i]
		if r.ID != requestID {
			continue
		}
		if r.Status != ReleasePending {
			return nil, newError(KindPolicy, "REQUEST_NOT_PENDING", "Release request is not pending", nil)
		}
		return r, nil
	}
	return nil, newError(KindInvalidInput, "REQUEST_NOT_FOUND", "Release request not found", nil)
}
