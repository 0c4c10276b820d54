package tracker

import "locktrack/internal/duration"

// Report aggregates a user's history for the report display.
type Report struct {
	Sessions              int    `json:"sessions"`
	TotalEffectiveSeconds int64  `json:"totalEffectiveSeconds"`
	TotalPausedSeconds    int64  `json:"totalPausedSeconds"`
	LongestSessionSeconds int64  `json:"longestSessionSeconds"`
	AverageSessionSeconds int64  `json:"averageSessionSeconds"`
	TotalTimeCageOff      int64  `json:"totalTimeCageOff"`
	GoalsMet              int    `json:"goalsMet"`
	GoalsNotMet           int    `json:"goalsNotMet"`
	TotalEffective        string `json:"totalEffective"`
	TotalPaused           string `json:"totalPaused"`
	Longest               string `json:"longest"`
	Average               string `json:"average"`
}

func Summarize(history []HistoryEntry, totalTimeCageOff int64) Report {
	r := Report{Sessions: len(history), TotalTimeCageOff: totalTimeCageOff}
	for _, h := range history {
		effective := h.EffectiveSeconds()
		r.TotalEffectiveSeconds += effective
		r.TotalPausedSeconds += h.TotalPauseDurationSeconds
		if effective > r.LongestSessionSeconds {
			r.LongestSessionSeconds = effective
		}
		if h.GoalStatus != nil {
			switch *h.GoalStatus {
			case GoalMet:
				r.GoalsMet++
			case GoalNotMet:
				r.GoalsNotMet++
			}
		}
	}
	if r.Sessions > 0 {
		r.AverageSessionSeconds = r.TotalEffectiveSeconds / int64(r.Sessions)
	}
	r.TotalEffective = duration.Format(r.TotalEffectiveSeconds)
	r.TotalPaused = duration.Format(r.TotalPausedSeconds)
	r.Longest = duration.Format(r.LongestSessionSeconds)
	r.Average = duration.Format(r.AverageSessionSeconds)
	return r
}
