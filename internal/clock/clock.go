// Package clock provides cancellable scheduled tasks behind an interface so
// debounce and expiry timers can be driven manually in tests.
package clock

import (
	"slices"
	"sync"
	"time"
)

// Task is a handle to a scheduled function.
type Task interface {
	// Stop cancels the task. It reports whether the call prevented the task
	// from running.
	Stop() bool
}

// Scheduler schedules functions to run after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
	Now() time.Time
}

type realScheduler struct{}

// Real returns a Scheduler backed by the runtime timers.
func Real() Scheduler { return realScheduler{} }

func (realScheduler) AfterFunc(d time.Duration, f func()) Task { return time.AfterFunc(d, f) }
func (realScheduler) Now() time.Time                          { return time.Now() }

// Manual is a Scheduler whose time only moves when Advance is called.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	m   *Manual
	at  time.Time
	seq int
	fn  func()
}

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, at: m.now.Add(d), seq: m.seq, fn: f}
	m.tasks = append(m.tasks, t)
	return t
}

func (t *manualTask) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	i := slices.Index(t.m.tasks, t)
	if i < 0 {
		return false
	}
	t.m.tasks = slices.Delete(t.m.tasks, i, i+1)
	return true
}

// Advance moves time forward by d, running every task that comes due in
// deadline order. Tasks run without the scheduler lock held, so they may
// schedule or stop other tasks.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.tasks = slices.DeleteFunc(m.tasks, func(t *manualTask) bool { return t == next })
		m.now = next.at
		m.mu.Unlock()

		next.fn()
	}
}

func (m *Manual) nextDue(target time.Time) *manualTask {
	var next *manualTask
	for _, t := range m.tasks {
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

// Pending returns the number of scheduled tasks that have not run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
