package comfortcloud

import (
	"sort"
	"sync"
	"time"
)

// TimerName identifies one of the agent's named timers. Arming a name
// replaces any timer already pending under it.
type TimerName string

const (
	TimerLoginRenewal TimerName = "login-renewal"
	TimerPoll         TimerName = "poll"
	TimerRetry        TimerName = "retry"
	TimerRefresh      TimerName = "refresh"
	TimerCoalesce     TimerName = "coalesce"
)

// Scheduler runs named one-shot timers. Once stopped, pending timers are
// cancelled and new ones are refused, so callbacks from a retired agent
// generation never run.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[TimerName]*scheduledTimer
	nextID  uint64
	stopped bool
}

type scheduledTimer struct {
	id    uint64
	timer *time.Timer
	due   time.Time
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[TimerName]*scheduledTimer)}
}

// Arm schedules fn to run after d under name, cancelling any pending timer
// with the same name. It returns false if the scheduler is stopped.
func (s *Scheduler) Arm(name TimerName, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if old, ok := s.timers[name]; ok {
		old.timer.Stop()
	}

	s.nextID++
	id := s.nextID
	entry := &scheduledTimer{id: id, due: time.Now().Add(d)}
	// fire takes s.mu, so it cannot observe entry before timer is set.
	entry.timer = time.AfterFunc(d, func() { s.fire(name, id, fn) })
	s.timers[name] = entry
	return true
}

// fire runs fn only if the timer is still the current one for name.
func (s *Scheduler) fire(name TimerName, id uint64, fn func()) {
	s.mu.Lock()
	entry, ok := s.timers[name]
	if s.stopped || !ok || entry.id != id {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	s.mu.Unlock()

	fn()
}

// Cancel stops the named timer. It reports whether one was pending.
func (s *Scheduler) Cancel(name TimerName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[name]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, name)
	return true
}

// CancelAll stops every pending timer but leaves the scheduler usable.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

// Stop cancels every pending timer and refuses new ones. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelAllLocked()
}

func (s *Scheduler) cancelAllLocked() {
	for name, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, name)
	}
}

// Pending reports whether the named timer is armed.
func (s *Scheduler) Pending(name TimerName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Due returns when the named timer will fire.
func (s *Scheduler) Due(name TimerName) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[name]
	if !ok {
		return time.Time{}, false
	}
	return entry.due, true
}

// Names lists the pending timers in sorted order.
func (s *Scheduler) Names() []TimerName {
	s.mu.Lock()
	names := make([]TimerName, 0, len(s.timers))
	for name := range s.timers {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
