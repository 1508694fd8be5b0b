package thread

import "sync"

// Loop is a dispatcher with its own goroutine which runs queued
// functions one by one in FIFO order.
type Loop struct {
	mu     sync.Mutex
	q      []func()
	signal chan struct{}
	done   chan struct{}
	closed bool
}

func NewLoop(name string) *Loop {
	l := &Loop{signal: make(chan struct{}, 1), done: make(chan struct{})}
	Go(name, l.run)
	return l
}

// Dispatch queues fn, the queue is unbounded so it never blocks.
func (l *Loop) Dispatch(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.q = append(l.q, fn)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Sync runs fn in the loop and waits for its completion.
func (l *Loop) Sync(fn func()) {
	done := make(chan struct{})
	l.Dispatch(func() { fn(); close(done) })
	select {
	case <-done:
	case <-l.done:
	}
}

// Close runs everything queued so far and stops the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.signal {
		for {
			l.mu.Lock()
			if len(l.q) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := l.q[0]
			l.q[0] = nil
			l.q = l.q[1:]
			l.mu.Unlock()
			fn()
		}
	}
}
