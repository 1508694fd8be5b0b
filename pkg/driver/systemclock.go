package driver

import (
	"sync"
	"time"

	"github.com/mediagraph/mediagraph/pkg/lock"
	"github.com/mediagraph/mediagraph/pkg/media"
)

// SystemClockDriver paces the graph with the wall clock.
type SystemClockDriver struct {
	threadedDriver
	fallback bool

	cmu     sync.Mutex
	initial time.Time
	last    time.Time
}

func NewSystemClockDriver(env *Env) *SystemClockDriver {
	d := &SystemClockDriver{}
	d.threadedDriver.init(env, KindSystemClock, d, d)
	d.initial = env.Clock.Now()
	d.last = d.initial
	return d
}

// newFallbackDriver creates a driver which runs the graph while
// the audio output is not available.
func newFallbackDriver(env *Env) *SystemClockDriver {
	d := NewSystemClockDriver(env)
	d.fallback = true
	return d
}

// IsFallback tells whether the driver replaces an audio driver.
func (d *SystemClockDriver) IsFallback() bool { return d.fallback }

func (d *SystemClockDriver) onThreadStart() {
	d.cmu.Lock()
	d.last = d.env.Clock.Now()
	d.cmu.Unlock()
}

func (d *SystemClockDriver) interval() (from, to media.GraphTime) {
	now := d.env.Clock.Now()
	d.cmu.Lock()
	elapsed := now.Sub(d.last)
	d.last = now
	d.cmu.Unlock()

	tl := d.Timeline()
	from = tl.IterationEnd
	to = from + d.g.Rate().DurationToMediaTime(elapsed)
	// the new state computed time
	if limit := tl.NextStateComputed; to > limit {
		if limit > 0 {
			d.log.Warn().Msgf("global underrun, [%d; %d] > %d", from, to, limit)
			d.m.underruns.Inc()
		}
		to = limit
	}
	if from >= to {
		d.log.Debug().Msgf("time did not advance, %d", from)
		to = from
	}
	return
}

func (d *SystemClockDriver) WaitForNextIteration() {
	mon := d.g.Monitor()
	mon.AssertHeld()

	flags := d.g.Flags()
	another := flags.NeedAnotherIteration.Load()
	if !another {
		flags.Asleep.Store(true)
		// it could be set meanwhile
		if another = flags.NeedAnotherIteration.Load(); another {
			flags.Asleep.Store(false)
		}
	}

	timeout := lock.Forever
	if another {
		timeout = d.waitInterval()
		d.setWaitState(WaitingForNextIteration)
	} else {
		d.setWaitState(WaitingIndefinitely)
	}
	if !d.stopped.Load() && timeout != 0 {
		mon.Wait(timeout)
	}
	d.setWaitState(Running)
	flags.Asleep.Store(false)
	flags.NeedAnotherIteration.Store(false)
}

// waitInterval returns the rest of the period since the last wake up.
func (d *SystemClockDriver) waitInterval() time.Duration {
	d.cmu.Lock()
	last := d.last
	d.cmu.Unlock()
	timeout := d.env.Conf.TargetPeriod() - d.env.Clock.Now().Sub(last)
	if timeout < 0 {
		timeout = 0
	}
	if limit := d.env.Conf.MaxWait(); timeout > limit {
		timeout = limit
	}
	return timeout
}

func (d *SystemClockDriver) WakeUp() {
	d.g.Monitor().AssertHeld()
	d.setWaitState(WakingUp)
	d.g.Flags().Asleep.Store(false)
	d.g.Monitor().Notify()
}

func (d *SystemClockDriver) IterationDuration() time.Duration { return d.env.Conf.TargetPeriod() }

func (d *SystemClockDriver) CurrentTimeStamp() time.Time {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	return d.last
}

// CurrentTime extrapolates the iteration end with the wall clock.
func (d *SystemClockDriver) CurrentTime() media.GraphTime {
	elapsed := d.env.Clock.Now().Sub(d.CurrentTimeStamp())
	return d.IterationEnd() + d.g.Rate().DurationToMediaTime(elapsed)
}

// Uptime returns the time since the driver creation.
func (d *SystemClockDriver) Uptime() time.Duration { return d.env.Clock.Now().Sub(d.initial) }
