// Package driver implements graph drivers which decide when the graph
// iterates and which clock it follows.
//
// A graph has exactly one current driver. A system clock driver paces
// the graph with the wall clock on its own goroutine, an audio callback
// driver iterates the graph inside of the audio output callbacks and an
// offline driver iterates it as fast as possible.
// A driver hands over its timeline to the next one on a switch.
package driver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediagraph/mediagraph/pkg/audio"
	"github.com/mediagraph/mediagraph/pkg/clock"
	"github.com/mediagraph/mediagraph/pkg/com"
	"github.com/mediagraph/mediagraph/pkg/config"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/media"
	"github.com/mediagraph/mediagraph/pkg/thread"
)

var ErrTimeRegression = errors.New("graph time goes back")

type Kind int

const (
	KindSystemClock Kind = iota
	KindOffline
	KindAudioCallback
)

func (k Kind) String() string {
	switch k {
	case KindSystemClock:
		return "SystemClockDriver"
	case KindOffline:
		return "OfflineClockDriver"
	case KindAudioCallback:
		return "AudioCallbackDriver"
	}
	return fmt.Sprintf("Driver(%d)", int(k))
}

// WaitState tells a waker whether the driver thread needs a notification.
type WaitState int32

const (
	Running WaitState = iota
	WaitingForNextIteration
	WaitingIndefinitely
	WakingUp
)

func (w WaitState) String() string {
	switch w {
	case Running:
		return "running"
	case WaitingForNextIteration:
		return "waiting"
	case WaitingIndefinitely:
		return "waiting indefinitely"
	case WakingUp:
		return "waking up"
	}
	return "unknown"
}

// Driver paces the iterations of a graph.
type Driver interface {
	ID() com.Uid
	Kind() Kind
	// Start starts the driver, must be called on the control thread.
	Start()
	// Stop stops pacing the graph until Resume or Revive.
	Stop()
	// Resume restarts a stopped driver.
	Resume()
	// Revive switches to the queued next driver or restarts this one.
	Revive()
	// Shutdown stops the driver for good.
	Shutdown()
	// SetGraphTime copies the timeline of the previous driver.
	// Must be called once before the start.
	SetGraphTime(previous Driver, t Timeline)
	// SwitchAtNextIteration makes the driver hand over the graph to the
	// next driver after the current iteration. The monitor must be held.
	SwitchAtNextIteration(next Driver)
	// NextDriver must be called with the monitor held.
	NextDriver() Driver
	Timeline() Timeline
	UpdateStateComputedTime(t media.GraphTime) error
	// WaitForNextIteration is called by the graph with the monitor held
	// at the end of each iteration.
	WaitForNextIteration()
	// WakeUp wakes up a waiting driver, the monitor must be held.
	WakeUp()
	EnsureNextIteration()
	WaitState() WaitState
	IterationDuration() time.Duration
	// CurrentTime returns the graph time of the driver clock.
	CurrentTime() media.GraphTime
	CurrentTimeStamp() time.Time
	IsCurrent() bool
	AsAudioCallbackDriver() *AudioCallbackDriver

	base() *graphDriver
	start(o origin)
	// parkedPrevious returns the previous driver which may still be
	// switching the output devices.
	parkedPrevious() Driver
}

// Env is what drivers need from the outside world.
type Env struct {
	Graph Graph
	// Audio opens the streams of audio callback drivers.
	Audio audio.Backend
	// Control runs tasks on the control thread,
	// a new thread.Loop if not set.
	Control thread.Dispatcher
	Conf    config.Driver
	Stream  config.Audio
	Log     *logger.Logger
	Clock   clock.Clock
	// Fatal is called on protocol violations and must not return.
	// Panics by default.
	Fatal   func(error)
	Metrics *Metrics
	// Tasks runs blocking audio stream jobs.
	Tasks *thread.Tasks
}

func (e *Env) defaults() {
	if e.Log == nil {
		e.Log = logger.Default()
	}
	if e.Clock == nil {
		e.Clock = clock.Real{}
	}
	if e.Fatal == nil {
		e.Fatal = func(err error) { panic(err) }
	}
	if e.Metrics == nil {
		e.Metrics = NewMetrics(nil)
	}
	if e.Tasks == nil {
		e.Tasks = &thread.Tasks{}
	}
	if e.Control == nil {
		e.Control = thread.NewLoop("control")
	}
	if e.Conf.TargetPeriodMs == 0 {
		c := config.Default()
		e.Conf = c.Driver
		if e.Stream.LatencyFrames == 0 {
			e.Stream = c.Audio
		}
	}
}

// NewEnv checks the environment and sets the defaults for everything
// that is not set except for the graph and the audio backend.
func NewEnv(e Env) *Env {
	e.defaults()
	return &e
}

// ProtocolError is a violation of the driver hand-off protocol.
type ProtocolError struct {
	Driver string
	Op     string
	Msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("driver %v: %v: %v", e.Driver, e.Op, e.Msg)
}

// start origins
type origin int

const (
	fromControl origin = iota
	fromDriverThread
	fromAudioThread
)

// graphDriver keeps the timeline and hand-off links of a driver.
type graphDriver struct {
	env  *Env
	g    Graph
	id   com.Uid
	kind Kind
	log  *logger.Logger
	m    kindMetrics
	self Driver

	mu   sync.Mutex
	tl   Timeline
	prev Driver

	// guarded by the graph monitor
	next Driver

	waitState atomic.Int32
	current   atomic.Bool
}

func (d *graphDriver) init(env *Env, kind Kind, self Driver) {
	d.env = env
	d.g = env.Graph
	d.id = com.NewUid()
	d.kind = kind
	d.log = env.Log.Tag(kind.String(), d.id.Short())
	d.m = env.Metrics.forKind(kind)
	d.self = self
}

func (d *graphDriver) base() *graphDriver { return d }
func (d *graphDriver) ID() com.Uid        { return d.id }
func (d *graphDriver) Kind() Kind         { return d.kind }
func (d *graphDriver) IsCurrent() bool    { return d.current.Load() }

func (d *graphDriver) WaitState() WaitState     { return WaitState(d.waitState.Load()) }
func (d *graphDriver) setWaitState(s WaitState) { d.waitState.Store(int32(s)) }

func (d *graphDriver) AsAudioCallbackDriver() *AudioCallbackDriver { return nil }

func (d *graphDriver) String() string { return d.kind.String() + "." + d.id.Short() }

// fatal reports a protocol violation.
func (d *graphDriver) fatal(op string, format string, args ...any) {
	err := &ProtocolError{Driver: d.String(), Op: op, Msg: fmt.Sprintf(format, args...)}
	d.log.Error().Err(err).Msg("protocol violation")
	d.env.Fatal(err)
	panic(err)
}

func (d *graphDriver) SetGraphTime(previous Driver, t Timeline) {
	if previous == nil {
		d.fatal("SetGraphTime", "no previous driver")
	}
	d.mu.Lock()
	if d.prev != nil {
		d.mu.Unlock()
		d.fatal("SetGraphTime", "called twice, previous driver is %v", d.prev.base())
	}
	d.prev = previous
	d.tl = t
	d.mu.Unlock()
	d.log.Debug().Msgf("graph time from %v, %v", previous.base(), t)
}

// takePrevious moves out the previous driver link.
func (d *graphDriver) takePrevious() (prev Driver) {
	d.mu.Lock()
	prev, d.prev = d.prev, nil
	d.mu.Unlock()
	return
}

func (d *graphDriver) previous() Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prev
}

func (d *graphDriver) SwitchAtNextIteration(next Driver) {
	d.g.Monitor().AssertHeld()
	if next != nil && next.Kind() == KindAudioCallback {
		if prev := d.self.parkedPrevious(); prev != nil && prev != next {
			if a := prev.AsAudioCallbackDriver(); a != nil && a.IsSwitchingDevice() {
				d.log.Debug().Msgf("switch to %v dropped, %v is switching devices", next.base(), prev.base())
				return
			}
		}
	}
	if next != nil {
		d.log.Debug().Msgf("switching to %v at the next iteration", next.base())
	}
	d.next = next
}

func (d *graphDriver) parkedPrevious() Driver { return d.previous() }

func (d *graphDriver) NextDriver() Driver {
	d.g.Monitor().AssertHeld()
	return d.next
}

func (d *graphDriver) EnsureNextIteration() { d.g.EnsureNextIteration() }

// switchToNextDriver hands the graph over to the next driver if any.
// Must be called without the monitor held.
func (d *graphDriver) switchToNextDriver(o origin) bool {
	mon := d.g.Monitor()
	mon.Lock()
	next := d.next
	if next == nil {
		mon.Unlock()
		return false
	}
	d.next = nil
	tl := d.Timeline()
	next.SetGraphTime(d.self, tl)
	SetCurrent(d.g, next)
	mon.Unlock()

	d.log.Info().Msgf("switch to %v, %v", next.base(), tl)
	d.env.Metrics.switched(d.kind, next.Kind())
	next.start(o)
	return true
}

// release shuts down the old driver on the control thread.
func (d *graphDriver) release(old Driver) {
	if old == nil {
		return
	}
	d.log.Debug().Msgf("release %v", old.base())
	d.env.Control.Dispatch(old.Shutdown)
}
