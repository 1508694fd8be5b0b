package driver

import (
	"sync"
	"sync/atomic"

	"github.com/mediagraph/mediagraph/pkg/media"
	"github.com/mediagraph/mediagraph/pkg/thread"
)

// pacer is the clock of a threaded driver.
type pacer interface {
	// interval returns the next iteration interval.
	interval() (from, to media.GraphTime)
	onThreadStart()
}

// threadedDriver iterates the graph on its own goroutine.
type threadedDriver struct {
	graphDriver
	pacer     pacer
	lookAhead media.GraphTime

	stopped atomic.Bool

	tmu  sync.Mutex
	done chan struct{}
	shut bool
	// an audio driver that is switching the output devices
	// and will take over again
	parked Driver
}

func (d *threadedDriver) init(env *Env, kind Kind, self Driver, p pacer) {
	d.graphDriver.init(env, kind, self)
	d.pacer = p
	d.lookAhead = env.Graph.Rate().MillisecondsToMediaTime(env.Conf.AudioTargetMs())
}

func (d *threadedDriver) Start() { d.start(fromControl) }

func (d *threadedDriver) start(origin) {
	if !d.spawn(true) {
		d.log.Warn().Msg("the driver has been already started")
	}
}

// spawn starts the driver goroutine if it's not running.
func (d *threadedDriver) spawn(first bool) bool {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	if d.shut || d.runningLocked() {
		return false
	}
	d.stopped.Store(false)
	done := make(chan struct{})
	d.done = done
	thread.Go(d.String(), func() {
		defer close(done)
		if first {
			d.threadStart()
		}
		d.pacer.onThreadStart()
		d.runThread()
	})
	return true
}

func (d *threadedDriver) runningLocked() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *threadedDriver) running() bool {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	return d.runningLocked()
}

// threadStart either takes the control messages of a new graph
// or releases the previous driver.
func (d *threadedDriver) threadStart() {
	prev := d.takePrevious()
	if prev == nil {
		mon := d.g.Monitor()
		mon.Lock()
		if !d.g.MessagesQueued() {
			mon.Unlock()
			d.fatal("Start", "no control messages queued")
		}
		d.g.SwapMessageQueues()
		mon.Unlock()
		return
	}
	if a := prev.AsAudioCallbackDriver(); a != nil {
		mon := d.g.Monitor()
		mon.Lock()
		// it may have already asked to switch back
		switching := a.IsSwitchingDevice() || d.next == prev
		mon.Unlock()
		if switching {
			d.log.Debug().Msgf("%v is switching devices, not releasing it", a)
			d.tmu.Lock()
			d.parked = prev
			d.tmu.Unlock()
			return
		}
	}
	d.release(prev)
}

func (d *threadedDriver) runThread() {
	d.log.Debug().Msg("thread has been started")
	for !d.stopped.Load() {
		from, to := d.pacer.interval()
		tl := d.nextIteration(from, to, d.lookAhead)
		d.m.iterations.Inc()
		if !d.g.OneIteration(tl) {
			d.log.Debug().Msgf("graph processing has been finished, %v", tl)
			return
		}
		if d.switchToNextDriver(fromDriverThread) {
			return
		}
	}
	d.log.Debug().Msg("thread has been stopped")
}

// Stop joins the driver goroutine.
// Must not be called from the driver goroutine or with the monitor held.
func (d *threadedDriver) Stop() {
	d.tmu.Lock()
	done := d.done
	d.tmu.Unlock()
	if done == nil {
		return
	}
	mon := d.g.Monitor()
	mon.Lock()
	d.stopped.Store(true)
	mon.Notify()
	mon.Unlock()
	<-done
}

func (d *threadedDriver) Resume() {
	if d.spawn(false) {
		d.log.Debug().Msg("resumed")
	}
}

func (d *threadedDriver) Revive() {
	if d.running() {
		d.EnsureNextIteration()
		return
	}
	d.log.Debug().Msg("reviving")
	if d.switchToNextDriver(fromControl) {
		return
	}
	d.spawn(false)
}

// Shutdown stops the driver and releases the audio driver parked
// while switching the devices.
func (d *threadedDriver) Shutdown() {
	d.Stop()
	d.tmu.Lock()
	d.shut = true
	parked := d.parked
	d.parked = nil
	d.tmu.Unlock()
	if parked != nil && !parked.IsCurrent() {
		d.log.Debug().Msgf("release parked %v", parked.base())
		parked.Shutdown()
	}
}

func (d *threadedDriver) parkedPrevious() Driver {
	if prev := d.previous(); prev != nil {
		return prev
	}
	d.tmu.Lock()
	defer d.tmu.Unlock()
	return d.parked
}
