package driver

import (
	"fmt"

	"github.com/mediagraph/mediagraph/pkg/media"
)

// Timeline is the time state of a graph driver.
//
// [IterationStart, IterationEnd) is the interval the graph processes
// in an iteration and [StateComputed, NextStateComputed) is the
// look-ahead horizon which the graph has computed (or computes) the
// state of its tracks up to.
// A timeline is copied from one driver into another on a switch.
type Timeline struct {
	IterationStart    media.GraphTime
	IterationEnd      media.GraphTime
	StateComputed     media.GraphTime
	NextStateComputed media.GraphTime
}

// Ordered checks that
// IterationStart <= IterationEnd <= StateComputed <= NextStateComputed.
func (t Timeline) Ordered() bool {
	return t.IterationStart <= t.IterationEnd &&
		t.IterationEnd <= t.StateComputed &&
		t.StateComputed <= t.NextStateComputed
}

func (t Timeline) String() string {
	return fmt.Sprintf("interval[%d; %d] state[%d; %d]",
		t.IterationStart, t.IterationEnd, t.StateComputed, t.NextStateComputed)
}

func (d *graphDriver) Timeline() Timeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tl
}

func (d *graphDriver) setTimeline(t Timeline) {
	d.mu.Lock()
	d.tl = t
	d.mu.Unlock()
}

func (d *graphDriver) IterationStart() media.GraphTime    { return d.Timeline().IterationStart }
func (d *graphDriver) IterationEnd() media.GraphTime      { return d.Timeline().IterationEnd }
func (d *graphDriver) StateComputedTime() media.GraphTime { return d.Timeline().StateComputed }

// UpdateStateComputedTime moves the state computed horizon to t.
// Time never goes back, so t should be past the iteration end and not
// below the current horizon, otherwise the update is rejected.
func (d *graphDriver) UpdateStateComputedTime(t media.GraphTime) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t <= d.tl.IterationEnd || t < d.tl.StateComputed {
		d.log.Warn().Msgf("state computed time update to %d rejected, %v", t, d.tl)
		return fmt.Errorf("%w: %d, %v", ErrTimeRegression, t, d.tl)
	}
	d.tl.StateComputed = t
	if d.tl.NextStateComputed < t {
		d.tl.NextStateComputed = t
	}
	return nil
}

// nextIteration computes the timeline of a non-realtime driver
// for the new interval [from, to) with the look-ahead computed from
// the interval end.
func (d *graphDriver) nextIteration(from, to media.GraphTime, lookAhead media.GraphTime) Timeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := Timeline{
		IterationStart:    from,
		IterationEnd:      to,
		StateComputed:     d.tl.NextStateComputed,
		NextStateComputed: media.RoundUpToNextAudioBlock(to + lookAhead),
	}
	if t.NextStateComputed < t.StateComputed {
		// a previous driver may have been processing further ahead
		d.log.Debug().Msgf("prevent state from going backwards, %v", t)
		t.NextStateComputed = t.StateComputed
	}
	d.tl = t
	return t
}
