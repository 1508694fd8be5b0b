package driver

import (
	"time"

	"github.com/mediagraph/mediagraph/pkg/media"
)

// OfflineClockDriver iterates the graph as fast as possible,
// each iteration advances graph time by a fixed slice.
type OfflineClockDriver struct {
	threadedDriver
	slice media.GraphTime
}

// NewOfflineClockDriver creates an offline driver, a zero slice
// is taken from the config.
func NewOfflineClockDriver(env *Env, slice time.Duration) *OfflineClockDriver {
	if slice <= 0 {
		slice = time.Duration(env.Conf.OfflineSliceMs) * time.Millisecond
	}
	d := &OfflineClockDriver{slice: env.Graph.Rate().DurationToMediaTime(slice)}
	d.threadedDriver.init(env, KindOffline, d, d)
	return d
}

func (d *OfflineClockDriver) onThreadStart() {}

func (d *OfflineClockDriver) interval() (from, to media.GraphTime) {
	tl := d.Timeline()
	from = tl.IterationEnd
	to = from + d.slice
	if to > tl.NextStateComputed {
		to = tl.NextStateComputed
	}
	if to < from {
		to = from
	}
	return
}

// WaitForNextIteration never waits.
func (d *OfflineClockDriver) WaitForNextIteration() {
	d.g.Flags().NeedAnotherIteration.Store(false)
}

func (d *OfflineClockDriver) WakeUp() {
	d.fatal("WakeUp", "an offline graph never sleeps")
}

func (d *OfflineClockDriver) CurrentTimeStamp() time.Time {
	d.fatal("CurrentTimeStamp", "offline drivers have no wall clock")
	return time.Time{}
}

func (d *OfflineClockDriver) CurrentTime() media.GraphTime { return d.IterationEnd() }

func (d *OfflineClockDriver) IterationDuration() time.Duration {
	return d.g.Rate().MediaTimeToDuration(d.slice)
}

// Shutdown stops the driver goroutine, the goroutine is joined
// on the control thread.
func (d *OfflineClockDriver) Shutdown() {
	d.tmu.Lock()
	d.shut = true
	done := d.done
	d.tmu.Unlock()
	if done == nil {
		return
	}
	mon := d.g.Monitor()
	mon.Lock()
	d.stopped.Store(true)
	mon.Unlock()
	d.env.Control.Dispatch(func() {
		<-done
		d.log.Debug().Msg("thread has been joined")
	})
}

// Done is closed when the driver goroutine exits.
func (d *OfflineClockDriver) Done() <-chan struct{} {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	if d.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return d.done
}
