package tracker

import (
	"encoding/json"
	"sort"
)

// Remote document field names.
const (
	FieldIsCageOn                   = "isCageOn"
	FieldCageOnTime                 = "cageOnTime"
	FieldIsPaused                   = "isPaused"
	FieldPauseStartTime             = "pauseStartTime"
	FieldAccumulatedPauseTime       = "accumulatedPauseTimeThisSession"
	FieldPauseEvents                = "currentSessionPauseEvents"
	FieldLastPauseEndTime           = "lastPauseEndTime"
	FieldHasSessionEverBeenActive   = "hasSessionEverBeenActive"
	FieldTimeCageOffStart           = "timeCageOffStart"
	FieldTotalTimeCageOff           = "totalTimeCageOff"
	FieldGoalDurationAtSessionStart = "goalDurationAtSessionStart"
	FieldHistory                    = "chastityHistory"
	FieldGoal                       = "goal"
	FieldKeyholder                  = "keyholder"
	FieldReleaseRequests            = "releaseRequests"
)

// sessionFields make up the per-session part of the document.
var sessionFields = []string{
	FieldIsCageOn,
	FieldCageOnTime,
	FieldIsPaused,
	FieldPauseStartTime,
	FieldAccumulatedPauseTime,
	FieldPauseEvents,
	FieldLastPauseEndTime,
	FieldHasSessionEverBeenActive,
	FieldTimeCageOffStart,
	FieldTotalTimeCageOff,
	FieldGoalDurationAtSessionStart,
}

var allFields = append(append([]string(nil), sessionFields...),
	FieldHistory,
	FieldGoal,
	FieldKeyholder,
	FieldReleaseRequests,
)

// Patch is a partial document: field name to its JSON value.
type Patch map[string]json.RawMessage

// Merge copies other's fields over p and returns p.
func (p Patch) Merge(other Patch) Patch {
	if len(other) == 0 {
		return p
	}
	if p == nil {
		p = make(Patch, len(other))
	}
	for k, v := range other {
		p[k] = v
	}
	return p
}

func (p Patch) Fields() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Encode renders the patch as string values for a merge-write.
func (p Patch) Encode() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = string(v)
	}
	return out
}

func (s *State) fieldPtr(name string) any {
	switch name {
	case FieldIsCageOn:
		return &s.IsCageOn
	case FieldCageOnTime:
		return &s.CageOnTime
	case FieldIsPaused:
		return &s.IsPaused
	case FieldPauseStartTime:
		return &s.PauseStartTime
	case FieldAccumulatedPauseTime:
		return &s.AccumulatedPauseTimeThisSession
	case FieldPauseEvents:
		return &s.CurrentSessionPauseEvents
	case FieldLastPauseEndTime:
		return &s.LastPauseEndTime
	case FieldHasSessionEverBeenActive:
		return &s.HasSessionEverBeenActive
	case FieldTimeCageOffStart:
		return &s.TimeCageOffStart
	case FieldTotalTimeCageOff:
		return &s.TotalTimeCageOff
	case FieldGoalDurationAtSessionStart:
		return &s.GoalDurationAtSessionStart
	case FieldHistory:
		return &s.History
	case FieldGoal:
		return &s.Goal
	case FieldKeyholder:
		return &s.Keyholder
	case FieldReleaseRequests:
		return &s.ReleaseRequests
	default:
		return nil
	}
}

// patch snapshots the named fields of s.
func (s *State) patch(fields ...string) Patch {
	p := make(Patch, len(fields))
	for _, f := range fields {
		ptr := s.fieldPtr(f)
		if ptr == nil {
			continue
		}
		raw, err := json.Marshal(ptr)
		if err != nil {
			continue
		}
		p[f] = raw
	}
	return p
}

// FullPatch snapshots every document field of s.
func (s State) FullPatch() Patch {
	return s.patch(allFields...)
}

// Baseline is the off-baseline document written on first run.
func Baseline() Patch {
	var s State
	return s.patch(allFields...)
}

// DecodeDocument parses remote fields. Malformed values fall back to their zero
// value and are reported by name; unknown fields are ignored.
func DecodeDocument(fields map[string]string) (State, []string) {
	var s State
	var bad []string
	for _, name := range allFields {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		// Decode into a copy so a half-parsed value never reaches s.
		next := s
		if err := json.Unmarshal([]byte(raw), next.fieldPtr(name)); err != nil {
			bad = append(bad, name)
			continue
		}
		s = next
	}
	bad = append(bad, s.sanitize()...)
	return s, bad
}

// sanitize clamps values that would break invariants.
func (s *State) sanitize() []string {
	var bad []string
	if s.AccumulatedPauseTimeThisSession < 0 {
		s.AccumulatedPauseTimeThisSession = 0
		bad = append(bad, FieldAccumulatedPauseTime)
	}
	if s.TotalTimeCageOff < 0 {
		s.TotalTimeCageOff = 0
		bad = append(bad, FieldTotalTimeCageOff)
	}
	if s.GoalDurationAtSessionStart < 0 {
		s.GoalDurationAtSessionStart = 0
		bad = append(bad, FieldGoalDurationAtSessionStart)
	}
	if s.IsCageOn && (s.CageOnTime == nil || s.CageOnTime.IsZero()) {
		s.IsCageOn = false
		s.CageOnTime = nil
		bad = append(bad, FieldCageOnTime)
	}
	if s.IsPaused && (!s.IsCageOn || s.PauseStartTime == nil) {
		s.IsPaused = false
		s.PauseStartTime = nil
		bad = append(bad, FieldIsPaused)
	}
	return bad
}
