package thread

import (
	"context"
	"runtime/pprof"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Tasks runs throwaway worker goroutines for blocking jobs
// (i.e. opening or closing an audio stream) and lets the owner wait for them.
type Tasks struct {
	mu sync.Mutex
	g  *errgroup.Group
	n  int
}

func (t *Tasks) Go(name string, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.g == nil {
		t.g = &errgroup.Group{}
	}
	t.n++
	t.g.Go(func() error {
		pprof.Do(context.Background(), pprof.Labels("thread", name), func(context.Context) { fn() })
		return nil
	})
}

// Wait blocks until all the tasks are finished,
// including the ones started while waiting.
func (t *Tasks) Wait() {
	for {
		t.mu.Lock()
		g, n := t.g, t.n
		t.g, t.n = nil, 0
		t.mu.Unlock()
		if n == 0 {
			return
		}
		_ = g.Wait()
	}
}
