package tracker

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"
)

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestBaselineCoversEveryField(t *testing.T) {
	base := Baseline()
	for _, f := range allFields {
		if _, ok := base[f]; !ok {
			t.Fatalf("baseline missing %s", f)
		}
	}
	if string(base[FieldIsCageOn]) != "false" || string(base[FieldCageOnTime]) != "null" {
		t.Fatalf("unexpected baseline values: %s %s", base[FieldIsCageOn], base[FieldCageOnTime])
	}
}

func TestDecodeDocumentRestoresEncodedState(t *testing.T) {
	tr, c := newTestTracker(t)
	if _, _, err := tr.SetPersonalGoal(GoalInput{DurationSeconds: 3600, Hardcore: true}); err != nil {
		t.Fatalf("SetPersonalGoal() error = %v", err)
	}
	mustStart(t, tr)
	c.Advance(time.Minute)
	if err := tr.InitiatePause(); err != nil {
		t.Fatalf("InitiatePause() error = %v", err)
	}
	if _, err := tr.ConfirmPause("call"); err != nil {
		t.Fatalf("ConfirmPause() error = %v", err)
	}

	want := tr.State()
	got, bad := DecodeDocument(want.FullPatch().Encode())
	if len(bad) != 0 {
		t.Fatalf("unexpected bad fields: %v", bad)
	}
	if !got.IsCageOn || !got.IsPaused || !got.CageOnTime.Equal(*want.CageOnTime) {
		t.Fatalf("session fields not restored: %+v", got)
	}
	if got.Goal.BackupCodeHash != want.Goal.BackupCodeHash || !got.Goal.IsSelfLocking {
		t.Fatalf("goal not restored: %+v", got.Goal)
	}
	if len(got.CurrentSessionPauseEvents) != 1 || got.CurrentSessionPauseEvents[0].EndTime != nil {
		t.Fatalf("open pause event not restored: %+v", got.CurrentSessionPauseEvents)
	}
}

func TestDecodeDocumentFallsBackOnBadFields(t *testing.T) {
	start := t0.Format(time.RFC3339)
	fields := map[string]string{
		FieldIsCageOn:         "true",
		FieldCageOnTime:       `"` + start + `"`,
		FieldTotalTimeCageOff: `"not a number"`,
		FieldHistory:          `{"broken":`,
		FieldGoal:             `{"goalDurationSeconds":3600,"isSelfLocking":"yes"}`,
		"someUnknownField":    `"ignored"`,
	}
	got, bad := DecodeDocument(fields)
	if !got.IsCageOn || got.CageOnTime == nil || !got.CageOnTime.Equal(t0) {
		t.Fatalf("expected good fields kept, got %+v", got)
	}
	if got.TotalTimeCageOff != 0 || got.History != nil {
		t.Fatalf("expected bad fields zeroed, got %+v", got)
	}
	if got.Goal != (Goal{}) {
		t.Fatalf("a partly decoded goal must not leak, got %+v", got.Goal)
	}
	if want := sortedCopy([]string{FieldHistory, FieldTotalTimeCageOff, FieldGoal}); !equalStrings(sortedCopy(bad), want) {
		t.Fatalf("expected bad fields %v, got %v", want, bad)
	}
}

func TestDecodeDocumentSanitizesInvariants(t *testing.T) {
	fields := map[string]string{
		FieldIsCageOn:             "false",
		FieldIsPaused:             "true",
		FieldPauseStartTime:       `"` + t0.Format(time.RFC3339) + `"`,
		FieldAccumulatedPauseTime: "-40",
	}
	got, bad := DecodeDocument(fields)
	if got.IsPaused || got.PauseStartTime != nil {
		t.Fatalf("expected paused cleared while cage off, got %+v", got)
	}
	if got.AccumulatedPauseTimeThisSession != 0 {
		t.Fatalf("expected negative accumulation clamped, got %d", got.AccumulatedPauseTimeThisSession)
	}
	if want := []string{FieldAccumulatedPauseTime, FieldIsPaused}; !equalStrings(sortedCopy(bad), want) {
		t.Fatalf("expected bad fields %v, got %v", want, bad)
	}

	got, _ = DecodeDocument(map[string]string{FieldIsCageOn: "true"})
	if got.IsCageOn {
		t.Fatal("expected cage on without a start time to be dropped")
	}
}

func TestPatchMergeAndEncode(t *testing.T) {
	var p Patch
	p = p.Merge(nil)
	if p != nil {
		t.Fatal("expected nil merge to keep nil patch")
	}
	p = p.Merge(Patch{FieldIsCageOn: json.RawMessage("true")})
	p = p.Merge(Patch{FieldIsCageOn: json.RawMessage("false"), FieldIsPaused: json.RawMessage("false")})
	encoded := p.Encode()
	if encoded[FieldIsCageOn] != "false" || len(encoded) != 2 {
		t.Fatalf("unexpected encoded patch: %v", encoded)
	}
	if got := p.Fields(); !equalStrings(got, []string{FieldIsCageOn, FieldIsPaused}) {
		t.Fatalf("unexpected fields: %v", got)
	}
}

func TestResetSessionKeepsHistoryAndGoal(t *testing.T) {
	tr, c := newTestTracker(t)
	if _, _, err := tr.SetPersonalGoal(GoalInput{DurationSeconds: 86400}); err != nil {
		t.Fatalf("SetPersonalGoal() error = %v", err)
	}
	mustStart(t, tr)
	c.Advance(time.Hour)
	mustEnd(t, tr, "first")
	mustStart(t, tr)
	c.Advance(time.Hour)

	patch := tr.ResetSession()
	if _, ok := patch[FieldHistory]; ok {
		t.Fatal("reset must not rewrite history")
	}
	state := tr.State()
	if state.IsCageOn || state.CageOnTime != nil || len(state.History) != 1 || !state.Goal.IsActive {
		t.Fatalf("unexpected state after reset: %+v", state)
	}
	if state.TimeCageOffStart == nil || !state.TimeCageOffStart.Equal(c.Now()) {
		t.Fatalf("expected cage-off timer started now, got %v", state.TimeCageOffStart)
	}
}

func TestSummarize(t *testing.T) {
	met, notMet := GoalMet, GoalNotMet
	history := []HistoryEntry{
		{Duration: 3600, TotalPauseDurationSeconds: 600, GoalStatus: &met},
		{Duration: 7200, GoalStatus: &notMet},
		{Duration: 1800},
	}
	r := Summarize(history, 900)
	if r.Sessions != 3 || r.TotalEffectiveSeconds != 12000 || r.TotalPausedSeconds != 600 {
		t.Fatalf("unexpected totals: %+v", r)
	}
	if r.LongestSessionSeconds != 7200 || r.AverageSessionSeconds != 4000 {
		t.Fatalf("unexpected longest/average: %+v", r)
	}
	if r.GoalsMet != 1 || r.GoalsNotMet != 1 || r.TotalTimeCageOff != 900 {
		t.Fatalf("unexpected goal counts: %+v", r)
	}
	if r.Longest != "2h 00m 00s" || r.TotalPaused != "10m 00s" {
		t.Fatalf("unexpected formatting: %q %q", r.Longest, r.TotalPaused)
	}

	empty := Summarize(nil, 0)
	if empty.Sessions != 0 || empty.Average != "0s" {
		t.Fatalf("unexpected empty report: %+v", empty)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
