// Package graph contains a media graph driven by the graph drivers.
//
// The graph mixes its sources into blocks of audio and hands them to the
// audio output (through the audio callback driver) or to a sink when it
// renders offline. Control messages are queued from any thread and run
// at the start of the next iteration.
package graph

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mediagraph/mediagraph/pkg/com"
	"github.com/mediagraph/mediagraph/pkg/config"
	"github.com/mediagraph/mediagraph/pkg/driver"
	"github.com/mediagraph/mediagraph/pkg/lock"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/media"
)

var (
	ErrStarted    = errors.New("graph is already started")
	ErrNotStarted = errors.New("graph is not started")
)

// Message is a control message run by the graph before an iteration.
type Message func()

// Processor renders frames of audio starting at the given graph time.
// The output is mixed, so processors must add to it.
type Processor interface {
	Process(start media.GraphTime, out media.Samples, frames int, channels int)
}

// Sink receives the mixed output of an offline graph.
type Sink interface {
	Write(s media.Samples, frames int) error
}

type Graph struct {
	id   com.Uid
	conf config.GraphConfig
	env  *driver.Env
	log  *logger.Logger

	rate     media.Rate
	channels int

	mon   *lock.Monitor
	flags driver.Flags

	// guarded by mon
	current     driver.Driver
	front, back []Message
	audioOutput bool

	mu      sync.Mutex
	mixers  []driver.MixerCallback
	sources []Processor
	sink    Sink

	// the iteration state, only used by the current driver
	mix        media.Samples
	iterations int
	end        media.GraphTime
	processed  atomic.Int64

	started   atomic.Bool
	suspended atomic.Bool
	finishing atomic.Bool
	flush     atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates a graph. The driver environment is completed with the graph
// itself and the driver config.
func New(conf config.GraphConfig, env driver.Env) *Graph {
	g := &Graph{
		id:       com.NewUid(),
		conf:     conf,
		rate:     media.Rate(conf.Graph.SampleRate),
		channels: conf.Graph.Channels,
		mon:      lock.NewMonitor(),
		done:     make(chan struct{}),
	}
	env.Graph = g
	env.Conf = conf.Driver
	env.Stream = conf.Audio
	g.env = driver.NewEnv(env)
	g.log = g.env.Log.Tag("graph", g.id.Short())
	if conf.Offline.Enabled && conf.Offline.DurationSec > 0 {
		g.end = g.rate.SecondsToMediaTime(conf.Offline.DurationSec)
	}
	return g
}

func (g *Graph) ID() com.Uid      { return g.id }
func (g *Graph) Env() *driver.Env { return g.env }

// Done is closed after the last iteration of the graph.
func (g *Graph) Done() <-chan struct{} { return g.done }

// AddSource adds a processor to the mix.
func (g *Graph) AddSource(p Processor) {
	g.AppendMessage(func() {
		g.mu.Lock()
		g.sources = append(g.sources, p)
		g.mu.Unlock()
	})
}

// SetSink sets the output of an offline graph.
func (g *Graph) SetSink(s Sink) {
	g.mu.Lock()
	g.sink = s
	g.mu.Unlock()
}

// Start creates the first driver of the graph and starts it on the
// control thread. Offline graphs use the offline clock, others
// the audio output if requested or the system clock.
func (g *Graph) Start() error {
	if !g.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	var d driver.Driver
	g.mon.Lock()
	switch {
	case g.conf.Offline.Enabled:
		d = driver.NewOfflineClockDriver(g.env, 0)
	case g.audioOutput:
		d = driver.NewAudioCallbackDriver(g.env)
	default:
		d = driver.NewSystemClockDriver(g.env)
	}
	driver.SetCurrent(g, d)
	// drivers won't start with nothing to do
	g.back = append(g.back, func() { g.log.Info().Msgf("started with %v", d) })
	g.mon.Unlock()

	g.log.Info().Msgf("rate: %v, channels: %v", g.rate, g.channels)
	g.env.Control.Dispatch(d.Start)
	return nil
}

// AppendMessage queues a control message for the next iteration
// and wakes up the driver.
func (g *Graph) AppendMessage(m Message) {
	g.mon.Lock()
	g.back = append(g.back, m)
	g.mon.Unlock()
	g.EnsureNextIteration()
}

func (g *Graph) OneIteration(t driver.Timeline) bool {
	g.mon.Lock()
	messages := g.front
	g.front = nil
	if g.flush.Swap(false) {
		messages = append(messages, g.back...)
		g.back = nil
	}
	g.mon.Unlock()
	for _, m := range messages {
		m()
	}

	processed := media.GraphTime(g.processed.Load())
	from, to := max(t.StateComputed, processed), t.NextStateComputed
	if g.end > 0 {
		to = min(to, g.end)
	}
	ok := true
	if frames := int(to - from); frames > 0 {
		ok = g.render(from, frames)
		processed = to
		g.processed.Store(int64(to))
	}
	g.iterations++

	g.mu.Lock()
	alive := len(g.sources) > 0
	g.mu.Unlock()
	if alive {
		g.flags.NeedAnotherIteration.Store(true)
	}

	finished := !ok || g.finishing.Load() || (g.end > 0 && processed >= g.end)

	g.mon.Lock()
	defer g.mon.Unlock()
	if finished {
		g.log.Info().Msgf("finished after %v iterations, %v", g.iterations, t)
		g.doneOnce.Do(func() { close(g.done) })
		return false
	}
	g.current.WaitForNextIteration()
	g.SwapMessageQueues()
	return true
}

// render mixes the sources and sends the mix out.
// Returns false if the sink has failed.
func (g *Graph) render(from media.GraphTime, frames int) bool {
	size := frames * g.channels
	if cap(g.mix) < size {
		g.mix = make(media.Samples, size)
	}
	mix := g.mix[:size]
	clear(mix)

	g.mu.Lock()
	sources := slices.Clone(g.sources)
	mixers := slices.Clone(g.mixers)
	sink := g.sink
	g.mu.Unlock()

	for _, s := range sources {
		s.Process(from, mix, frames, g.channels)
	}
	for _, m := range mixers {
		m.MixerCallback(mix, frames)
	}
	if sink != nil {
		if err := sink.Write(mix, frames); err != nil {
			g.log.Error().Err(err).Msg("sink write")
			return false
		}
	}
	return true
}

func (g *Graph) EnsureNextIteration() {
	g.flags.NeedAnotherIteration.Store(true)
	if g.flags.Asleep.Load() {
		g.mon.Lock()
		if g.current != nil {
			g.current.WakeUp()
		}
		g.mon.Unlock()
	}
}

func (g *Graph) MessagesQueued() bool { return len(g.back) > 0 }

func (g *Graph) SwapMessageQueues() {
	g.mon.AssertHeld()
	g.front = append(g.front, g.back...)
	clear(g.back)
	g.back = g.back[:0]
}

func (g *Graph) CurrentDriver() driver.Driver {
	g.mon.AssertHeld()
	return g.current
}

func (g *Graph) SetCurrentDriver(d driver.Driver) {
	g.mon.AssertHeld()
	if g.current != nil && d != nil {
		g.log.Debug().Msgf("current driver %v -> %v", g.current, d)
	}
	g.current = d
}

// Driver returns the current driver.
func (g *Graph) Driver() driver.Driver {
	g.mon.Lock()
	defer g.mon.Unlock()
	return g.current
}

func (g *Graph) Monitor() *lock.Monitor { return g.mon }
func (g *Graph) Flags() *driver.Flags   { return &g.flags }
func (g *Graph) Running() bool          { return g.started.Load() && !g.finishing.Load() }
func (g *Graph) FlushSourcesNow()       { g.flush.Store(true) }
func (g *Graph) Rate() media.Rate       { return g.rate }
func (g *Graph) AudioChannelCount() int { return g.channels }

// Processed returns the graph time up to which the sources are rendered.
func (g *Graph) Processed() media.GraphTime { return media.GraphTime(g.processed.Load()) }

func (g *Graph) AddMixerCallback(m driver.MixerCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.mixers, m) {
		g.mixers = append(g.mixers, m)
	}
}

func (g *Graph) RemoveMixerCallback(m driver.MixerCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mixers = slices.DeleteFunc(g.mixers, func(x driver.MixerCallback) bool { return x == m })
}

// CurrentTime returns the graph time of the current driver clock.
func (g *Graph) CurrentTime() media.GraphTime {
	if d := g.Driver(); d != nil {
		return d.CurrentTime()
	}
	return 0
}

// SetAudioOutput switches the graph between the audio output and
// the system clock.
func (g *Graph) SetAudioOutput(on bool) {
	g.mon.Lock()
	g.audioOutput = on
	cur := g.current
	if cur == nil || g.conf.Offline.Enabled {
		g.mon.Unlock()
		return
	}
	switched := false
	switch audio := cur.AsAudioCallbackDriver() != nil; {
	case on && !audio && !isAudio(cur.NextDriver()):
		cur.SwitchAtNextIteration(driver.NewAudioCallbackDriver(g.env))
		switched = true
	case !on && audio && !isSystem(cur.NextDriver()):
		cur.SwitchAtNextIteration(driver.NewSystemClockDriver(g.env))
		switched = true
	}
	g.mon.Unlock()
	if switched {
		g.log.Info().Msgf("audio output: %v", on)
		g.EnsureNextIteration()
	}
}

// ApplyAudioContextOperation changes the audio output state.
// The promise is resolved when the audio stream is started for resume
// or released for suspend and close.
func (g *Graph) ApplyAudioContextOperation(track string, op driver.Operation) *driver.Promise {
	p := driver.NewPromise(op)
	g.mon.Lock()
	cur := g.current
	if cur == nil || g.conf.Offline.Enabled {
		g.mon.Unlock()
		p.Resolve()
		return p
	}
	next := cur.NextDriver()
	switch op {
	case driver.OpResume:
		g.audioOutput = true
		switch {
		case cur.AsAudioCallbackDriver() != nil && !isSystem(next):
			p.Resolve()
		case isAudio(next):
			next.AsAudioCallbackDriver().EnqueueStreamAndPromiseForOperation(track, p, op)
		default:
			a := driver.NewAudioCallbackDriver(g.env)
			cur.SwitchAtNextIteration(a)
			if cur.NextDriver() == a {
				a.EnqueueStreamAndPromiseForOperation(track, p, op)
			} else {
				p.Resolve()
			}
		}
	default:
		g.audioOutput = false
		if a := cur.AsAudioCallbackDriver(); a != nil {
			a.EnqueueStreamAndPromiseForOperation(track, p, op)
			if !isSystem(next) {
				cur.SwitchAtNextIteration(driver.NewSystemClockDriver(g.env))
			}
		} else if isAudio(next) {
			// let it start and go back right away
			a := next.AsAudioCallbackDriver()
			a.EnqueueStreamAndPromiseForOperation(track, p, op)
			a.SwitchAtNextIteration(driver.NewSystemClockDriver(g.env))
		} else {
			p.Resolve()
		}
	}
	g.mon.Unlock()

	g.log.Debug().Msgf("%v of %v", op, track)
	g.EnsureNextIteration()
	return p
}

// Suspend stops the current driver, the graph doesn't iterate until Resume.
func (g *Graph) Suspend() {
	if d := g.Driver(); d != nil {
		g.suspended.Store(true)
		g.env.Control.Dispatch(d.Stop)
	}
}

// Resume revives the current driver.
func (g *Graph) Resume() {
	if d := g.Driver(); d != nil {
		g.suspended.Store(false)
		g.env.Control.Dispatch(d.Revive)
	}
}

// Pause pauses the audio output, the callbacks play silence.
func (g *Graph) Pause(pause bool) {
	if d := g.Driver(); d != nil {
		if a := d.AsAudioCallbackDriver(); a != nil {
			a.Pause(pause)
		}
	}
}

// Shutdown runs the last iteration and shuts down the current driver.
// Suspended graphs are shut down without the last iteration.
func (g *Graph) Shutdown(ctx context.Context) error {
	if !g.started.Load() {
		return ErrNotStarted
	}
	g.finishing.Store(true)
	if !g.suspended.Load() {
		g.EnsureNextIteration()
		select {
		case <-g.done:
		case <-ctx.Done():
			g.log.Warn().Msg("no final iteration")
		}
	}
	g.doneOnce.Do(func() { close(g.done) })

	released := make(chan struct{})
	g.env.Control.Dispatch(func() {
		if d := g.Driver(); d != nil {
			d.Shutdown()
		}
		close(released)
	})
	select {
	case <-released:
	case <-ctx.Done():
		return ctx.Err()
	}

	// audio streams are closed asynchronously
	closed := make(chan struct{})
	go func() { g.env.Tasks.Wait(); close(closed) }()
	select {
	case <-closed:
		g.log.Info().Msg("shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isAudio(d driver.Driver) bool  { return d != nil && d.Kind() == driver.KindAudioCallback }
func isSystem(d driver.Driver) bool { return d != nil && d.Kind() == driver.KindSystemClock }
