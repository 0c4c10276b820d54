package store

import (
	"encoding/json"
	"time"
)

// Event types recorded in the event log.
const (
	EventSessionStarted     = "session_started"
	EventSessionEnded       = "session_ended"
	EventSessionStartEdited = "session_start_edited"
	EventPauseStarted       = "pause_started"
	EventPauseEnded         = "pause_ended"
	EventGoalSet            = "goal_set"
	EventGoalCleared        = "goal_cleared"
	EventGoalCompleted      = "goal_completed"
	EventEmergencyUnlock    = "emergency_unlock"
	EventKeyholderSet       = "keyholder_set"
	EventKeyholderCleared   = "keyholder_cleared"
	EventReleaseRequested   = "release_requested"
	EventReleaseApproved    = "release_approved"
	EventReleaseDenied      = "release_denied"
	EventRestoreResolved    = "restore_resolved"
	EventRestoredFromUser   = "restored_from_user"
)

type Event struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"userId"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
	RecordedAt time.Time       `json:"recordedAt"`
}
