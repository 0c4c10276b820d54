package tracker

import (
	"time"

	"locktrack/internal/duration"
)

// PauseEvent is open (EndTime nil) while the session is paused.
type PauseEvent struct {
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Reason    string     `json:"reason"`
	Duration  *int64     `json:"duration"`
}

type GoalStatus string

const (
	GoalMet    GoalStatus = "Met"
	GoalNotMet GoalStatus = "Not Met"
)

// HistoryEntry is created once when a session ends and never changed afterwards.
type HistoryEntry struct {
	ID                         string       `json:"id"`
	PeriodNumber               int          `json:"periodNumber"`
	StartTime                  time.Time    `json:"startTime"`
	EndTime                    time.Time    `json:"endTime"`
	Duration                   int64        `json:"duration"`
	TotalPauseDurationSeconds  int64        `json:"totalPauseDurationSeconds"`
	PauseEvents                []PauseEvent `json:"pauseEvents"`
	ReasonForRemoval           string       `json:"reasonForRemoval"`
	GoalDurationAtSessionStart int64        `json:"goalDurationAtSessionStart"`
	GoalStatus                 *GoalStatus  `json:"goalStatus"`
	GoalTimeDifference         *int64       `json:"goalTimeDifference"`
}

// EffectiveSeconds is the raw duration minus paused time.
func (h HistoryEntry) EffectiveSeconds() int64 {
	return duration.Effective(h.Duration, h.TotalPauseDurationSeconds, 0)
}

// Goal is the wearer's personal goal. A self-locking (hardcore) goal blocks
// ending the session until it completes or the backup code is used.
type Goal struct {
	DurationSeconds     int64      `json:"goalDurationSeconds"`
	IsSelfLocking       bool       `json:"isSelfLocking"`
	SealedCombination   string     `json:"selfLockCombination,omitempty"`
	CombinationRevealed bool       `json:"combinationRevealed"`
	BackupCodeHash      string     `json:"backupCodeHash,omitempty"`
	IsActive            bool       `json:"isGoalActive"`
	IsCompleted         bool       `json:"isGoalCompleted"`
	SetAt               *time.Time `json:"goalSetAt"`
	EndDate             *time.Time `json:"goalEndDate"`
	CompletedAt         *time.Time `json:"goalCompletedAt"`
}

func (g Goal) hardcoreLocked() bool {
	return g.IsActive && g.IsSelfLocking && !g.IsCompleted
}

// KeyholderRequirement replaces ordinary cage-off with a release request while set.
type KeyholderRequirement struct {
	RequiredDurationSeconds int64      `json:"requiredKeyholderDurationSeconds"`
	KeyholderName           string     `json:"keyholderName,omitempty"`
	SetAt                   *time.Time `json:"setAt"`
}

func (k KeyholderRequirement) Active() bool {
	return k.RequiredDurationSeconds > 0
}

type ReleaseStatus string

const (
	ReleasePending  ReleaseStatus = "pending"
	ReleaseApproved ReleaseStatus = "approved"
	ReleaseDenied   ReleaseStatus = "denied"
)

type ReleaseRequest struct {
	ID          string        `json:"id"`
	Status      ReleaseStatus `json:"status"`
	RequestedAt time.Time     `json:"requestedAt"`
	DeniedAt    *time.Time    `json:"deniedAt"`
	ApprovedAt  *time.Time    `json:"approvedAt"`
	HandledBy   string        `json:"handledBy,omitempty"`
}

// State is everything persisted in a user's remote document.
type State struct {
	IsCageOn                        bool                 `json:"isCageOn"`
	CageOnTime                      *time.Time           `json:"cageOnTime"`
	IsPaused                        bool                 `json:"isPaused"`
	PauseStartTime                  *time.Time           `json:"pauseStartTime"`
	AccumulatedPauseTimeThisSession int64                `json:"accumulatedPauseTimeThisSession"`
	CurrentSessionPauseEvents       []PauseEvent         `json:"currentSessionPauseEvents"`
	LastPauseEndTime                *time.Time           `json:"lastPauseEndTime"`
	HasSessionEverBeenActive        bool                 `json:"hasSessionEverBeenActive"`
	TimeCageOffStart                *time.Time           `json:"timeCageOffStart"`
	TotalTimeCageOff                int64                `json:"totalTimeCageOff"`
	GoalDurationAtSessionStart      int64                `json:"goalDurationAtSessionStart"`
	History                         []HistoryEntry       `json:"chastityHistory"`
	Goal                            Goal                 `json:"goal"`
	Keyholder                       KeyholderRequirement `json:"keyholder"`
	ReleaseRequests                 []ReleaseRequest     `json:"releaseRequests"`
}

// Phase is the lifecycle position of a session.
type Phase string

const (
	PhaseOff    Phase = "off"
	PhaseActive Phase = "active"
	PhasePaused Phase = "paused"
)

func (s State) Phase() Phase {
	switch {
	case !s.IsCageOn:
		return PhaseOff
	case s.IsPaused:
		return PhasePaused
	default:
		return PhaseActive
	}
}

// PendingEnd is a staged session end waiting for its reason.
type PendingEnd struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Notice is a transient user-facing message.
type Notice struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s State) clone() State {
	out := s
	out.CageOnTime = cloneTime(s.CageOnTime)
	out.PauseStartTime = cloneTime(s.PauseStartTime)
	out.LastPauseEndTime = cloneTime(s.LastPauseEndTime)
	out.TimeCageOffStart = cloneTime(s.TimeCageOffStart)
	out.CurrentSessionPauseEvents = clonePauseEvents(s.CurrentSessionPauseEvents)
	out.History = append([]HistoryEntry(nil), s.History...)
	out.ReleaseRequests = append([]ReleaseRequest(nil), s.ReleaseRequests...)
	return out
}

func clonePauseEvents(events []PauseEvent) []PauseEvent {
	if events == nil {
		return nil
	}
	out := make([]PauseEvent, len(events))
	for i, e := range events {
		out[i] = PauseEvent{
			StartTime: e.StartTime,
			EndTime:   cloneTime(e.EndTime),
			Reason:    e.Reason,
			Duration:  cloneInt(e.Duration),
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func int64Ptr(v int64) *int64 {
	return &v
}
