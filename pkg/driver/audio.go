package driver

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediagraph/mediagraph/pkg/audio"
	"github.com/mediagraph/mediagraph/pkg/media"
)

// spill buffer size in blocks
const spillBlocks = 2

var errClosing = errors.New("driver is shutting down")

// streamRef keeps the stream for lock-free position queries.
type streamRef struct{ audio.Stream }

// AudioCallbackDriver iterates the graph inside of the callbacks of
// an audio output stream, so graph time follows the audio clock.
//
// The data callback never blocks, the monitor is held there only
// for short checks.
type AudioCallbackDriver struct {
	graphDriver
	channels int

	// guards the stream operations, those are blocking
	smu     sync.Mutex
	stream  audio.Stream
	live    atomic.Pointer[streamRef]
	closing atomic.Bool

	started    atomic.Bool
	paused     atomic.Bool
	finished   atomic.Bool
	inCallback atomic.Bool
	parked     atomic.Pointer[ParkedDriver]
	duration   atomic.Int64

	// held during the data callback
	cbMu    sync.Mutex
	buffer  media.CallbackBuffer
	scratch media.SpillBuffer

	// guarded by the monitor
	pending []pendingOperation
}

func NewAudioCallbackDriver(env *Env) *AudioCallbackDriver {
	channels := env.Graph.AudioChannelCount()
	d := &AudioCallbackDriver{
		channels: channels,
		buffer:   media.NewCallbackBuffer(channels),
		scratch:  media.NewSpillBuffer(spillBlocks*media.BlockSize, channels),
	}
	d.graphDriver.init(env, KindAudioCallback, d)
	d.duration.Store(int64(env.Conf.TargetPeriod()))
	return d
}

func (d *AudioCallbackDriver) AsAudioCallbackDriver() *AudioCallbackDriver { return d }

// IsStarted tells whether the audio stream has been started.
func (d *AudioCallbackDriver) IsStarted() bool { return d.started.Load() }

// Start opens the audio stream on a worker goroutine.
func (d *AudioCallbackDriver) Start() { d.start(fromControl) }

func (d *AudioCallbackDriver) start(o origin) {
	d.finished.Store(false)
	if o == fromDriverThread {
		d.init()
		d.CompleteAudioContextOperations(taskInit)
		return
	}
	d.dispatch(taskInit)
}

// init opens and starts the audio stream or falls back to
// the system clock driver. It may block.
func (d *AudioCallbackDriver) init() {
	if err := d.openAndStart(); err != nil {
		if !errors.Is(err, errClosing) {
			d.fallback(err)
		}
		d.releasePrevious()
		return
	}
	d.g.AddMixerCallback(d)
	d.releasePrevious()
}

func (d *AudioCallbackDriver) openAndStart() error {
	d.smu.Lock()
	defer d.smu.Unlock()
	if d.closing.Load() {
		return errClosing
	}
	if d.stream == nil {
		if d.env.Audio == nil {
			return audio.ErrNoDevice
		}
		if rate, err := d.env.Audio.PreferredSampleRate(); err == nil && rate != int(d.g.Rate()) {
			d.log.Debug().Msgf("device rate %v differs from the graph rate %v", rate, d.g.Rate())
		}
		s, err := d.env.Audio.Open(audio.Params{
			Name:          d.env.Stream.Name,
			Channels:      d.channels,
			Rate:          int(d.g.Rate()),
			LatencyFrames: d.env.Stream.LatencyFrames,
		}, audio.Callbacks{
			Data:          d.DataCallback,
			State:         d.StateCallback,
			DeviceChanged: d.DeviceChangedCallback,
		})
		if err != nil {
			return err
		}
		d.stream = s
		d.live.Store(&streamRef{s})
	}
	if d.started.Load() {
		return nil
	}
	// the callbacks may start right away
	d.started.Store(true)
	if err := d.stream.Start(); err != nil {
		d.started.Store(false)
		if cErr := d.stream.Close(); cErr != nil {
			err = errors.Join(err, cErr)
		}
		d.stream = nil
		return err
	}
	d.log.Debug().Msg("audio stream has been started")
	return nil
}

// fallback makes a system clock driver run the graph instead.
func (d *AudioCallbackDriver) fallback(err error) {
	d.log.Error().Err(err).Msg("could not start the audio stream, falling back to the system clock")
	d.env.Metrics.fallbacks.Inc()

	mon := d.g.Monitor()
	mon.Lock()
	if !d.IsCurrent() {
		mon.Unlock()
		return
	}
	next := newFallbackDriver(d.env)
	next.SetGraphTime(d, d.Timeline())
	SetCurrent(d.g, next)
	mon.Unlock()
	next.start(fromDriverThread)
}

// releasePrevious shuts down the driver this one has replaced.
func (d *AudioCallbackDriver) releasePrevious() {
	prev := d.takePrevious()
	if prev == nil {
		return
	}
	if prev.AsAudioCallbackDriver() != nil {
		d.log.Debug().Msgf("release %v off the control thread", prev.base())
		prev.Shutdown()
		return
	}
	d.release(prev)
}

// stop stops the stream, it blocks until the current callback returns.
func (d *AudioCallbackDriver) stop() {
	d.smu.Lock()
	defer d.smu.Unlock()
	if d.stream == nil || !d.started.Load() {
		return
	}
	if err := d.stream.Stop(); err != nil {
		d.log.Error().Err(err).Msg("could not stop the audio stream")
	}
	d.started.Store(false)
}

func (d *AudioCallbackDriver) destroy() {
	d.smu.Lock()
	s := d.stream
	d.stream = nil
	d.smu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			d.log.Error().Err(err).Msg("could not close the audio stream")
		}
	}
	d.g.RemoveMixerCallback(d)
	d.log.Debug().Msg("destroyed")
}

// Stop stops the audio stream on a worker goroutine.
func (d *AudioCallbackDriver) Stop() { d.dispatch(taskStop) }

// Resume restarts the audio stream on a worker goroutine.
func (d *AudioCallbackDriver) Resume() {
	d.finished.Store(false)
	d.dispatch(taskInit)
}

// Revive switches to the queued driver or restarts the audio stream.
// Called on the control thread for a stopped driver.
func (d *AudioCallbackDriver) Revive() {
	if d.started.Load() {
		d.EnsureNextIteration()
		return
	}
	d.log.Debug().Msg("reviving")
	if d.switchToNextDriver(fromControl) {
		d.g.RemoveMixerCallback(d)
		return
	}
	d.Resume()
}

// Shutdown stops and closes the audio stream on a worker goroutine,
// closing a stream may block for a while.
func (d *AudioCallbackDriver) Shutdown() {
	if d.closing.Swap(true) {
		return
	}
	d.dispatch(taskShutdown)
}

// Pause makes the driver output silence without iterating the graph.
func (d *AudioCallbackDriver) Pause(pause bool) { d.paused.Store(pause) }

// WaitForNextIteration never waits, audio callbacks pace the graph.
func (d *AudioCallbackDriver) WaitForNextIteration() {
	d.g.Flags().NeedAnotherIteration.Store(false)
}

func (d *AudioCallbackDriver) WakeUp() {
	d.g.Monitor().AssertHeld()
	d.g.Flags().Asleep.Store(false)
	d.g.Monitor().Notify()
}

func (d *AudioCallbackDriver) IterationDuration() time.Duration {
	return time.Duration(d.duration.Load())
}

// CurrentTime returns the number of frames played by the stream.
func (d *AudioCallbackDriver) CurrentTime() media.GraphTime {
	if s := d.live.Load(); s != nil {
		return media.GraphTime(s.Position())
	}
	return 0
}

func (d *AudioCallbackDriver) CurrentTimeStamp() time.Time { return d.env.Clock.Now() }

// SpilledFrames returns the number of frames waiting for the next callback.
func (d *AudioCallbackDriver) SpilledFrames() int {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	return d.scratch.Len()
}

func silence(out media.Samples, frames int) int {
	clear(out)
	return frames
}

// DataCallback renders frames into out.
// A return of fewer frames than requested drains the stream.
func (d *AudioCallbackDriver) DataCallback(out media.Samples, frames int) int {
	// an output device switch is in progress
	if !d.cbMu.TryLock() {
		return silence(out, frames)
	}
	defer d.cbMu.Unlock()

	if d.paused.Load() || d.finished.Load() {
		return silence(out, frames)
	}
	if d.deviceSwitching() {
		return silence(out, frames)
	}
	if !d.IsCurrent() {
		return silence(out, frames)
	}

	g := d.g
	mon := g.Monitor()
	tl := d.Timeline()
	// nothing has been computed yet
	if tl.NextStateComputed == 0 {
		mon.Lock()
		// the stream may call back while prefilling its buffers,
		// before anything is sent to a new graph
		if !g.MessagesQueued() {
			mon.Unlock()
			return silence(out, frames)
		}
		g.SwapMessageQueues()
		mon.Unlock()
	}

	rate := g.Rate()
	period := rate.MediaTimeToDuration(media.GraphTime(frames))
	dur := (d.duration.Load()*3 + int64(period)) / 4
	d.duration.Store(dur)
	d.m.duration.Set(time.Duration(dur).Seconds())

	d.buffer.Set(out, frames)
	d.scratch.Empty(&d.buffer)

	still := true
	if avail := d.buffer.Available(); avail > 0 {
		state := tl.NextStateComputed
		next := media.RoundUpToNextAudioBlock(state + media.GraphTime(avail))
		start := tl.IterationEnd
		// keep the same distance between the current time and the state
		// time every iteration, so the clocks don't drift
		end := start + media.GraphTime(d.env.Conf.IterationMargin*float64(state-start))
		if end > state {
			d.log.Warn().Int64("start", int64(start)).Int64("end", int64(end)).
				Int64("state", int64(state)).Msg("global underrun")
			d.m.underruns.Inc()
			end = state
		}
		if end < start {
			end = start
		}
		tl = Timeline{IterationStart: start, IterationEnd: end, StateComputed: state, NextStateComputed: next}
		d.setTimeline(tl)

		d.m.iterations.Inc()
		d.inCallback.Store(true)
		still = g.OneIteration(tl)
		d.inCallback.Store(false)
	} else {
		d.env.Metrics.skipped.Inc()
	}
	if n := d.buffer.Filled(); n > 0 && still {
		d.log.Debug().Int("frames", n).Msg("silence")
	}

	mon.Lock()
	switching := d.next != nil
	mon.Unlock()

	if switching && still {
		// keep the stream running until it's started
		if !d.started.Load() {
			return frames
		}
		if d.switchToNextDriver(fromAudioThread) {
			d.g.RemoveMixerCallback(d)
			return frames - 1
		}
	}
	if !still {
		d.finished.Store(true)
		d.g.RemoveMixerCallback(d)
		d.log.Debug().Msgf("stopping the audio stream, %v", tl)
		return frames - 1
	}
	return frames
}

// deviceSwitching outputs silence while parked and switches back
// after a number of callbacks.
func (d *AudioCallbackDriver) deviceSwitching() bool {
	p := d.parked.Load()
	if p == nil {
		return false
	}
	// the callbacks may stop and then start again during a switch
	if p.callbacks++; p.callbacks < d.env.Conf.DeviceSwitchCallbacks {
		return true
	}
	mon := d.g.Monitor()
	mon.Lock()
	cur := d.g.CurrentDriver()
	if cur == nil || cur == Driver(d) || cur.Kind() != KindSystemClock || cur.NextDriver() != nil {
		// the graph moved on
		mon.Unlock()
		return true
	}
	p.Drop()
	cur.SwitchAtNextIteration(d)
	mon.Unlock()
	d.log.Info().Msgf("switching back after %v callbacks", p.callbacks)
	d.EnsureNextIteration()
	return false
}

// MixerCallback receives the mixed output of the graph.
func (d *AudioCallbackDriver) MixerCallback(mixed media.Samples, frames int) {
	if !d.inCallback.Load() {
		return
	}
	n := min(d.buffer.Available(), frames)
	d.buffer.WriteFrames(mixed, n)
	if rest := frames - n; rest > 0 {
		if w := d.scratch.Fill(mixed[n*d.channels:], rest); w < rest {
			d.env.Metrics.overflows.Inc()
			d.log.Warn().Int("dropped", rest-w).Msg("spill buffer overflow")
		}
	}
}

func (d *AudioCallbackDriver) StateCallback(s audio.State) {
	d.log.Debug().Msgf("audio stream %v", s)
}

// DeviceChangedCallback hands the graph over to a system clock driver
// until the audio callbacks flow again after an output device change.
func (d *AudioCallbackDriver) DeviceChangedCallback() {
	if d.env.Conf.NoDeviceSwitchFallback {
		d.log.Info().Msg("output device has been changed")
		return
	}
	// waits for the current data callback
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	if !d.g.Running() {
		return
	}
	mon := d.g.Monitor()
	mon.Lock()
	if !d.IsCurrent() {
		mon.Unlock()
		return
	}
	if d.ParkForDeviceSwitch() == nil {
		mon.Unlock()
		return
	}
	d.log.Error().Msg("switching to the system clock during the output device switch")
	d.env.Metrics.deviceSwitches.Inc()
	d.g.FlushSourcesNow()
	next := newFallbackDriver(d.env)
	next.SetGraphTime(d, d.Timeline())
	SetCurrent(d.g, next)
	mon.Unlock()
	next.start(fromAudioThread)
}

