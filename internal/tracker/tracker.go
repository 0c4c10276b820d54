// Package tracker implements the session, pause, goal and release-request rules
// for one user's lock sessions. A Tracker owns the in-memory state; it never
// talks to the remote store itself. Every mutating operation returns the Patch
// the caller must persist.
package tracker

import (
	"sync"
	"time"

	"locktrack/internal/clock"
	"locktrack/internal/duration"
	"locktrack/internal/secret"
)

// Policy holds the configurable windows of the rules engine.
type Policy struct {
	PauseCooldown         time.Duration
	ReleaseCooldown       time.Duration
	CooldownNoticeTTL     time.Duration
	VerificationNoticeTTL time.Duration
	NoticeTTL             time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		PauseCooldown:         12 * time.Hour,
		ReleaseCooldown:       4 * time.Hour,
		CooldownNoticeTTL:     5 * time.Second,
		VerificationNoticeTTL: 3 * time.Second,
		NoticeTTL:             5 * time.Second,
	}
}

// Live holds the derived counters recomputed on every tick.
type Live struct {
	Elapsed           int64 `json:"elapsedSeconds"`
	TimeInChastity    int64 `json:"timeInChastity"`
	TimeCageOff       int64 `json:"timeCageOff"`
	LivePauseDuration int64 `json:"livePauseDuration"`
}

type Tracker struct {
	clock  clock.Clock
	sealer *secret.Sealer
	policy Policy

	mu          sync.Mutex
	loaded      bool
	state       State
	pendingEnd  *PendingEnd
	pausePrompt bool
	notice      *Notice
	live        Live
}

func New(c clock.Clock, sealer *secret.Sealer, policy Policy) *Tracker {
	if c == nil {
		c = clock.System{}
	}
	return &Tracker{clock: c, sealer: sealer, policy: policy}
}

// Loaded reports whether a remote state has been adopted.
func (t *Tracker) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// ApplyRemote adopts a remote state wholesale. Staged prompts that no longer fit
// the new state are dropped.
func (t *Tracker) ApplyRemote(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state.clone()
	t.loaded = true
	if t.pendingEnd != nil && !t.state.IsCageOn {
		t.pendingEnd = nil
	}
	if t.pausePrompt && (!t.state.IsCageOn || t.state.IsPaused) {
		t.pausePrompt = false
	}
	t.live = t.liveLocked(t.clock.Now())
}

func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Phase()
}

// State returns a copy of the current state, secrets included.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// View is the display model of a tracker.
type View struct {
	Loaded                 bool        `json:"loaded"`
	Phase                  Phase       `json:"phase"`
	State                  State       `json:"state"`
	Live                   Live        `json:"live"`
	Formatted              Formatted   `json:"formatted"`
	PendingEnd             *PendingEnd `json:"pendingEnd"`
	PausePrompt            bool        `json:"pausePrompt"`
	PauseCooldownRemaining int64       `json:"pauseCooldownRemaining"`
	EndGate                string      `json:"endGate"`
	CombinationAvailable   bool        `json:"combinationAvailable"`
	Notice                 *Notice     `json:"notice"`
}

type Formatted struct {
	TimeInChastity    string `json:"timeInChastity"`
	TimeCageOff       string `json:"timeCageOff"`
	LivePauseDuration string `json:"livePauseDuration"`
	TotalTimeCageOff  string `json:"totalTimeCageOff"`
}

// End gates reported in View.EndGate.
const (
	EndGateOpen      = "open"
	EndGateHardcore  = "hardcore"
	EndGateKeyholder = "keyholder"
)

// View renders the current state with live counters; secrets are scrubbed.
func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	live := t.liveLocked(now)
	state := t.state.clone()
	state.Goal.BackupCodeHash = ""
	state.Goal.SealedCombination = ""
	v := View{
		Loaded:                 t.loaded,
		Phase:                  t.state.Phase(),
		State:                  state,
		Live:                   live,
		PausePrompt:            t.pausePrompt,
		PauseCooldownRemaining: t.pauseCooldownRemainingLocked(now),
		EndGate:                t.endGateLocked(),
		CombinationAvailable:   t.state.Goal.IsCompleted && t.state.Goal.SealedCombination != "" && !t.state.Goal.CombinationRevealed,
		Notice:                 t.noticeLocked(now),
		Formatted: Formatted{
			TimeInChastity:    duration.Format(live.TimeInChastity),
			TimeCageOff:       duration.Format(live.TimeCageOff),
			LivePauseDuration: duration.Format(live.LivePauseDuration),
			TotalTimeCageOff:  duration.Format(t.state.TotalTimeCageOff),
		},
	}
	if t.pendingEnd != nil {
		pe := *t.pendingEnd
		v.PendingEnd = &pe
	}
	return v
}

func (t *Tracker) endGateLocked() string {
	switch {
	case t.state.Goal.hardcoreLocked():
		return EndGateHardcore
	case t.state.Keyholder.Active():
		return EndGateKeyholder
	default:
		return EndGateOpen
	}
}

func (t *Tracker) liveLocked(now time.Time) Live {
	s := t.state
	var live Live
	if s.IsCageOn {
		live.Elapsed = duration.Since(s.CageOnTime, now)
		if s.IsPaused {
			live.LivePauseDuration = duration.Since(s.PauseStartTime, now)
		}
		live.TimeInChastity = duration.Effective(live.Elapsed, s.AccumulatedPauseTimeThisSession, live.LivePauseDuration)
	} else {
		live.TimeCageOff = duration.Since(s.TimeCageOffStart, now)
	}
	return live
}

// Tick refreshes the live counters and checks goal completion. It returns a
// non-empty patch only when the goal state changed.
func (t *Tracker) Tick() Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return nil
	}
	now := t.clock.Now()
	t.live = t.liveLocked(now)
	return t.checkGoalLocked(now)
}

// Live returns the counters from the last tick.
func (t *Tracker) Live() Live {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// PostNotice shows a transient message for ttl (the policy default when ttl is zero).
func (t *Tracker) PostNotice(kind Kind, message string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ttl <= 0 {
		ttl = t.policy.NoticeTTL
	}
	t.notifyLocked(kind, message, ttl)
}

func (t *Tracker) Notice() *Notice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.noticeLocked(t.clock.Now())
}

func (t *Tracker) notifyLocked(kind Kind, message string, ttl time.Duration) {
	t.notice = &Notice{Kind: kind, Message: message, ExpiresAt: t.clock.Now().Add(ttl)}
}

func (t *Tracker) noticeLocked(now time.Time) *Notice {
	if t.notice == nil {
		return nil
	}
	if !now.Before(t.notice.ExpiresAt) {
		t.notice = nil
		return nil
	}
	n := *t.notice
	return &n
}

// ResetSession drops the active session without recording it, starting the
// cage-off counter now. Used when a restore prompt is answered with discard.
func (t *Tracker) ResetSession() Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	s := &t.state
	s.IsCageOn = false
	s.CageOnTime = nil
	s.IsPaused = false
	s.PauseStartTime = nil
	s.AccumulatedPauseTimeThisSession = 0
	s.CurrentSessionPauseEvents = nil
	s.GoalDurationAtSessionStart = 0
	if s.HasSessionEverBeenActive {
		s.TimeCageOffStart = timePtr(now)
	}
	t.loaded = true
	t.pendingEnd = nil
	t.pausePrompt = false
	t.live = t.liveLocked(now)
	return s.patch(sessionFields...)
}

// SessionPatch snapshots the session fields, for re-asserting an adopted state.
func (t *Tracker) SessionPatch() Patch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.patch(sessionFields...)
}

// Unload forgets the adopted state, returning the tracker to the loading phase.
func (t *Tracker) Unload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded = false
	t.state = State{}
	t.pendingEnd = nil
	t.pausePrompt = false
	t.live = Live{}
}
