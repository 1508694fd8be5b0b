// Package thread provides the control thread of a graph and its helper
// worker threads.
// See: https://github.com/golang/go/wiki/LockOSThread
package thread

import (
	"context"
	"runtime/pprof"

	"github.com/faiface/mainthread"
)

// Dispatcher queues functions for asynchronous execution on some thread.
// Dispatch must never block for long, it can be called from an audio callback.
type Dispatcher interface {
	Dispatch(fn func())
}

// Main dispatches functions onto the main OS thread.
// The program must run inside of Wrap, Dispatch panics otherwise.
// Dispatch blocks while the main thread queue is full.
type Main struct{}

func (Main) Dispatch(fn func()) { mainthread.CallNonBlock(fn) }

// Wrap runs the main function and serves the main OS thread queue
// until the function returns.
func Wrap(fn func()) { mainthread.Run(fn) }

// Go starts fn in a new goroutine labeled with the name,
// the label shows up in the profiler.
func Go(name string, fn func()) {
	go pprof.Do(context.Background(), pprof.Labels("thread", name), func(context.Context) { fn() })
}
