package driver

import (
	"context"
	"fmt"
	"sync"
)

// Operation is a state change of an audio context.
type Operation int

const (
	OpResume Operation = iota
	OpSuspend
	OpClose
)

func (o Operation) String() string {
	switch o {
	case OpResume:
		return "resume"
	case OpSuspend:
		return "suspend"
	case OpClose:
		return "close"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Promise is resolved once the audio output reaches the state
// the operation has requested.
type Promise struct {
	op   Operation
	done chan struct{}
	once sync.Once
}

func NewPromise(op Operation) *Promise { return &Promise{op: op, done: make(chan struct{})} }

func (p *Promise) Op() Operation          { return p.op }
func (p *Promise) Done() <-chan struct{} { return p.done }
func (p *Promise) Resolve()              { p.once.Do(func() { close(p.done) }) }

func (p *Promise) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the promise is resolved or the context is done.
func (p *Promise) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingOperation struct {
	track   string
	promise *Promise
	op      Operation
}

// EnqueueStreamAndPromiseForOperation keeps the promise until the audio
// stream is started (resume) or stopped (anything else).
// The monitor must be held.
func (d *AudioCallbackDriver) EnqueueStreamAndPromiseForOperation(track string, p *Promise, op Operation) {
	d.g.Monitor().AssertHeld()
	d.pending = append(d.pending, pendingOperation{track: track, promise: p, op: op})
}

// CompleteAudioContextOperations resolves the pending operations
// matching the finished stream task.
func (d *AudioCallbackDriver) CompleteAudioContextOperations(t task) {
	mon := d.g.Monitor()
	mon.Lock()
	defer mon.Unlock()
	kept := d.pending[:0]
	for _, o := range d.pending {
		if (t == taskInit && o.op == OpResume) || (t == taskShutdown && o.op != OpResume) {
			d.log.Debug().Msgf("%v of %v completed", o.op, o.track)
			o.promise.Resolve()
			continue
		}
		kept = append(kept, o)
	}
	clear(d.pending[len(kept):])
	d.pending = kept
}

// PendingOperations returns the number of unresolved operations.
func (d *AudioCallbackDriver) PendingOperations() int {
	mon := d.g.Monitor()
	mon.Lock()
	defer mon.Unlock()
	return len(d.pending)
}
