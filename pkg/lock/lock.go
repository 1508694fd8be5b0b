package lock

import (
	"sync"
	"time"
)

// Monitor is a mutex paired with a single wake-up signal.
// Unlike sync.Cond, the wait can be bounded with a timeout.
type Monitor struct {
	mu sync.Mutex
	l  chan struct{}
}

// Forever makes Wait block until Notify.
const Forever time.Duration = -1

func NewMonitor() *Monitor { return &Monitor{l: make(chan struct{}, 1)} }

func (m *Monitor) Lock()   { m.mu.Lock() }
func (m *Monitor) Unlock() { m.mu.Unlock() }

// AssertHeld panics if nobody holds the monitor.
// It can't tell which goroutine is the owner.
func (m *Monitor) AssertHeld() {
	if m.mu.TryLock() {
		m.mu.Unlock()
		panic("lock: monitor is not held")
	}
}

// Wait releases the monitor and blocks until Notify or, if d >= 0,
// at most for the given period of time. The monitor is reacquired
// before returning. Returns false on timeout.
// Must be called with the monitor held.
func (m *Monitor) Wait(d time.Duration) (notified bool) {
	// a notification sent while nobody waited is gone, as with condvars
	select {
	case <-m.l:
	default:
	}
	m.mu.Unlock()
	defer m.mu.Lock()

	if d < 0 {
		<-m.l
		return true
	}
	if d == 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.l:
		return true
	case <-t.C:
		return false
	}
}

// Notify wakes up the waiter, if any.
// Should be called with the monitor held.
func (m *Monitor) Notify() {
	select {
	case m.l <- struct{}{}:
	default:
	}
}
