// Package ticker drives the once-per-second live counters of a tracker.
package ticker

import (
	"sync"
	"time"
)

// Mode tags which live counter a loop is driving. At most one is armed at a time.
type Mode int

const (
	Idle Mode = iota
	InChastity
	CageOff
	Paused
)

func (m Mode) String() string {
	switch m {
	case InChastity:
		return "in_chastity"
	case CageOff:
		return "cage_off"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

// Scheduler owns a single ticking goroutine.
type Scheduler struct {
	interval time.Duration
	onTick   func(Mode)

	mu   sync.Mutex
	mode Mode
	stop chan struct{}
}

func New(interval time.Duration, onTick func(Mode)) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{interval: interval, onTick: onTick}
}

// Arm clears the running loop and starts one for mode. Re-arming the mode that is
// already running keeps the existing loop.
func (s *Scheduler) Arm(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil && s.mode == mode {
		return
	}
	s.clearLocked()
	s.mode = mode
	if mode == Idle {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	go s.run(mode, stop)
}

func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.mode = Idle
}

func (s *Scheduler) clearLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *Scheduler) run(mode Mode, stop <-chan struct{}) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			select {
			case <-stop:
				return
			default:
			}
			if s.onTick != nil {
				s.onTick(mode)
			}
		}
	}
}
