package driver

import (
	"sync/atomic"

	"github.com/mediagraph/mediagraph/pkg/lock"
	"github.com/mediagraph/mediagraph/pkg/media"
)

// Graph is the side of a media graph the drivers work with.
type Graph interface {
	// OneIteration processes the interval of the timeline.
	// Returns false when the graph doesn't need any more iterations.
	OneIteration(t Timeline) bool
	// EnsureNextIteration makes sure the graph won't go idle.
	EnsureNextIteration()
	// MessagesQueued and SwapMessageQueues handle the control messages,
	// both must be called with the monitor held.
	MessagesQueued() bool
	SwapMessageQueues()
	// SetCurrentDriver and CurrentDriver must be called with the monitor
	// held. Use SetCurrent to switch the drivers.
	SetCurrentDriver(d Driver)
	CurrentDriver() Driver
	Monitor() *lock.Monitor
	Flags() *Flags
	// Running tells whether the graph is started and not shut down.
	Running() bool
	// FlushSourcesNow makes the graph process all stream sources on the
	// next iteration.
	FlushSourcesNow()
	AddMixerCallback(m MixerCallback)
	RemoveMixerCallback(m MixerCallback)
	Rate() media.Rate
	AudioChannelCount() int
}

// MixerCallback receives the mixed graph output of an iteration.
type MixerCallback interface {
	MixerCallback(mixed media.Samples, frames int)
}

// Flags are shared between the graph, its drivers and wakers.
type Flags struct {
	// NeedAnotherIteration is set when the graph has work to do.
	NeedAnotherIteration atomic.Bool
	// Asleep is set when the driver is about to wait indefinitely.
	Asleep atomic.Bool
}

// SetCurrent makes d the current driver of the graph.
// The monitor of the graph must be held.
func SetCurrent(g Graph, d Driver) {
	g.Monitor().AssertHeld()
	if old := g.CurrentDriver(); old != nil {
		old.base().current.Store(false)
	}
	if d != nil {
		d.base().current.Store(true)
	}
	g.SetCurrentDriver(d)
}
