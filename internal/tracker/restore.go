package tracker

// RestoreFrom copies the history, goal and keyholder requirement of another
// user's document over this one. It is refused during an active session and
// while a running hardcore goal or keyholder requirement would be replaced.
// Backup codes and sealed combinations never move between users, so a copied
// goal is never hardcore.
func (t *Tracker) RestoreFrom(src State) (Patch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		return nil, ErrNotLoaded
	}
	if t.state.IsCageOn {
		return nil, newError(KindPolicy, "SESSION_ACTIVE", "End the current session before restoring", nil)
	}
	if t.state.Goal.hardcoreLocked() {
		return nil, newError(KindPolicy, "HARDCORE_LOCKED", "A hardcore goal is still running", nil)
	}
	if t.state.Keyholder.Active() {
		return nil, newError(KindPolicy, "KEYHOLDER_LOCKED", "Records cannot be restored while a keyholder requirement is active", nil)
	}
	src = src.clone()
	goal := scrubGoal(src.Goal)
	goal.IsSelfLocking = false
	goal.CombinationRevealed = false
	s := &t.state
	s.History = src.History
	s.Goal = goal
	s.Keyholder = src.Keyholder
	return s.patch(FieldHistory, FieldGoal, FieldKeyholder), nil
}
