package driver

import (
	"testing"
	"time"

	"github.com/mediagraph/mediagraph/pkg/clock"
	"github.com/mediagraph/mediagraph/pkg/config"
	"github.com/mediagraph/mediagraph/pkg/media"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSystemClock(t *testing.T, env *testEnv) *SystemClockDriver {
	t.Helper()
	d := NewSystemClockDriver(env.Env)
	env.g.setCurrent(d)
	d.Start()
	return d
}

func TestSystemClockAdvances(t *testing.T) {
	env := newTestEnv(t)
	env.g.keepAlive = true
	env.g.queue(1)
	d := startSystemClock(t, env)

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(d)) >= 5 }, waitFor, tick)
	d.Stop()

	tls := env.g.iterationsOf(d)
	period := testRate.MillisecondsToMediaTime(int64(env.Conf.TargetPeriodMs))
	// the first iteration has no computed state to play yet
	var advanced media.GraphTime
	for i, tl := range tls[1:4] {
		advanced += tl.IterationEnd - tl.IterationStart
		assert.GreaterOrEqual(t, tl.IterationEnd-tl.IterationStart, period, "iteration %v, %v", i+1, tl)
	}
	assert.GreaterOrEqual(t, advanced, 3*period)
	assert.Less(t, advanced, 3*period*8, "3 wake ups took too long")
}

func TestSystemClockTimelineInvariants(t *testing.T) {
	env := newTestEnv(t)
	env.g.keepAlive = true
	env.g.queue(1)
	d := startSystemClock(t, env)

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(d)) >= 10 }, waitFor, tick)
	d.Stop()

	tls := env.g.iterationsOf(d)
	for i, tl := range tls {
		require.True(t, tl.Ordered(), "%v: %v", i, tl)
		require.Zero(t, tl.NextStateComputed%media.BlockSize)
		if i > 0 {
			require.Equal(t, tls[i-1].IterationEnd, tl.IterationStart, "gap at %v", i)
			require.Equal(t, tls[i-1].NextStateComputed, tl.StateComputed)
		}
	}
	require.Greater(t, testutil.ToFloat64(env.Metrics.iterations.WithLabelValues(KindSystemClock.String())), 9.0)
}

func TestSystemClockStartWithoutMessages(t *testing.T) {
	env := newTestEnv(t)
	d := NewSystemClockDriver(env.Env)
	env.g.setCurrent(d)
	d.Start()

	require.Equal(t, "Start", env.fatal.expect(t).Op)
	require.Empty(t, env.g.iterationsOf(d))
}

func TestSystemClockSleepsAndWakesUp(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d := startSystemClock(t, env)

	require.Eventually(t, func() bool {
		return d.WaitState() == WaitingIndefinitely && env.g.flags.Asleep.Load()
	}, waitFor, tick)
	n := len(env.g.iterationsOf(d))

	env.g.EnsureNextIteration()
	require.Eventually(t, func() bool { return len(env.g.iterationsOf(d)) > n }, waitFor, tick)
	require.Eventually(t, func() bool { return d.WaitState() == WaitingIndefinitely }, waitFor, tick)
}

func TestSystemClockWaitInterval(t *testing.T) {
	env := newTestEnv(t, func(c *config.Driver) { c.MaxWaitSec = 1 })
	c := clock.NewManual(time.Unix(1, 0))
	env.Clock = c
	d := NewSystemClockDriver(env.Env)
	d.onThreadStart()

	c.Advance(4 * time.Millisecond)
	assert.Equal(t, 6*time.Millisecond, d.waitInterval())

	c.Advance(time.Hour)
	assert.Equal(t, time.Duration(0), d.waitInterval())

	env.Conf.TargetPeriodMs = 5000
	d.onThreadStart()
	assert.Equal(t, time.Second, d.waitInterval())
}

func TestSystemClockInterval(t *testing.T) {
	env := newTestEnv(t)
	c := clock.NewManual(time.Unix(1, 0))
	env.Clock = c
	d := NewSystemClockDriver(env.Env)
	d.onThreadStart()
	lookAhead := testRate.MillisecondsToMediaTime(env.Conf.AudioTargetMs())

	// nothing is computed yet
	c.Advance(10 * time.Millisecond)
	from, to := d.interval()
	require.Equal(t, media.GraphTime(0), from)
	require.Equal(t, media.GraphTime(0), to)
	require.Zero(t, testutil.ToFloat64(env.Metrics.underruns.WithLabelValues(KindSystemClock.String())))
	tl := d.nextIteration(from, to, lookAhead)
	require.Equal(t, Timeline{0, 0, 0, 1536}, tl)

	c.Advance(10 * time.Millisecond)
	from, to = d.interval()
	require.Equal(t, media.GraphTime(0), from)
	require.Equal(t, media.GraphTime(480), to)
	tl = d.nextIteration(from, to, lookAhead)
	require.Equal(t, Timeline{0, 480, 1536, 2048}, tl)

	// a late wake up can't go past the computed state
	c.Advance(time.Second)
	from, to = d.interval()
	require.Equal(t, media.GraphTime(480), from)
	require.Equal(t, media.GraphTime(2048), to)
	require.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.underruns.WithLabelValues(KindSystemClock.String())))

	// no time, no progress
	d.nextIteration(from, to, lookAhead)
	from, to = d.interval()
	require.Equal(t, from, to)

	c.Advance(5 * time.Millisecond)
	require.Equal(t, media.GraphTime(2048+240), d.CurrentTime())
	require.Equal(t, 5*time.Millisecond, c.Now().Sub(d.CurrentTimeStamp()))
}

func TestSystemClockStopAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.g.keepAlive = true
	env.g.queue(1)
	d := startSystemClock(t, env)

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(d)) >= 2 }, waitFor, tick)
	d.Stop()
	require.False(t, d.running())
	n := len(env.g.iterationsOf(d))
	time.Sleep(3 * env.Conf.TargetPeriod())
	require.Equal(t, n, len(env.g.iterationsOf(d)))

	d.Revive()
	require.Eventually(t, func() bool { return len(env.g.iterationsOf(d)) > n }, waitFor, tick)
	tls := env.g.iterationsOf(d)
	require.Equal(t, tls[n-1].IterationEnd, tls[n].IterationStart)
}

func TestSystemClockSwitch(t *testing.T) {
	env := newTestEnv(t)
	env.g.keepAlive = true
	env.g.queue(1)
	a := startSystemClock(t, env)

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(a)) >= 3 }, waitFor, tick)
	b := NewSystemClockDriver(env.Env)
	env.g.switchAtNextIteration(a, b)

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(b)) >= 3 }, waitFor, tick)
	require.False(t, a.IsCurrent())
	require.True(t, b.IsCurrent())
	require.Nil(t, b.previous(), "the previous driver should be released")
	require.Eventually(t, func() bool {
		a.tmu.Lock()
		defer a.tmu.Unlock()
		return a.shut
	}, waitFor, tick)

	atl, btl := env.g.iterationsOf(a), env.g.iterationsOf(b)
	last := atl[len(atl)-1]
	require.Equal(t, last, env.g.switchesTo(b)[0].tl)
	require.Equal(t, last.IterationEnd, btl[0].IterationStart)
	require.Equal(t, last.NextStateComputed, btl[0].StateComputed)
	require.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.switches.WithLabelValues(
		KindSystemClock.String(), KindSystemClock.String())))
}

func TestSystemClockGraphFinished(t *testing.T) {
	env := newTestEnv(t)
	env.g.keepAlive = true
	env.g.stopAt = 3
	env.g.queue(1)
	d := startSystemClock(t, env)

	require.Eventually(t, func() bool { return !d.running() && len(env.g.iterationsOf(d)) == 3 }, waitFor, tick)
}

func TestOfflineNeverWaits(t *testing.T) {
	env := newTestEnv(t)
	d := NewOfflineClockDriver(env.Env, 0)
	env.g.setCurrent(d)

	for _, another := range []bool{true, false} {
		env.g.flags.NeedAnotherIteration.Store(another)
		start := time.Now()
		env.g.mon.Lock()
		d.WaitForNextIteration()
		env.g.mon.Unlock()
		require.Less(t, time.Since(start), 5*time.Millisecond)
		require.Equal(t, Running, d.WaitState())
	}
}

func TestOfflineAdvancesBySlice(t *testing.T) {
	env := newTestEnv(t)
	env.g.stopAt = 20
	env.g.queue(1)
	d := NewOfflineClockDriver(env.Env, 5*time.Millisecond)
	env.g.setCurrent(d)
	d.Start()

	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatalf("offline rendering takes too long")
	}

	tls := env.g.iterationsOf(d)
	require.Len(t, tls, 20)
	slice := testRate.MillisecondsToMediaTime(5)
	for i, tl := range tls[1:] {
		require.Equal(t, slice, tl.IterationEnd-tl.IterationStart, "iteration %v", i+1)
		require.True(t, tl.Ordered())
	}
	require.Equal(t, 5*time.Millisecond, d.IterationDuration())
	require.Equal(t, tls[19].IterationEnd, d.CurrentTime())
}

func TestOfflineWakeUp(t *testing.T) {
	env := newTestEnv(t)
	d := NewOfflineClockDriver(env.Env, 0)

	violate(d.WakeUp)
	require.Equal(t, "WakeUp", env.fatal.expect(t).Op)

	violate(func() { d.CurrentTimeStamp() })
	require.Equal(t, "CurrentTimeStamp", env.fatal.expect(t).Op)
}

func TestOfflineShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.g.keepAlive = true
	env.g.queue(1)
	d := NewOfflineClockDriver(env.Env, 0)
	env.g.setCurrent(d)
	d.Start()

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(d)) > 10 }, waitFor, tick)
	d.Shutdown()
	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatalf("offline driver is still running")
	}
	// the join is queued on the control thread
	env.control.Sync(func() {})
}

func TestSwitchDroppedWhileSwitchingDevices(t *testing.T) {
	env := newTestEnv(t)
	a := NewAudioCallbackDriver(env.Env)
	require.NotNil(t, a.ParkForDeviceSwitch())
	require.Nil(t, a.ParkForDeviceSwitch(), "parked twice")
	require.True(t, a.IsSwitchingDevice())

	fallback := newFallbackDriver(env.Env)
	fallback.SetGraphTime(a, Timeline{})

	b := NewAudioCallbackDriver(env.Env)
	env.g.mon.Lock()
	defer env.g.mon.Unlock()

	fallback.SwitchAtNextIteration(b)
	require.Nil(t, fallback.NextDriver())

	fallback.SwitchAtNextIteration(a)
	require.Equal(t, Driver(a), fallback.NextDriver())

	s := NewSystemClockDriver(env.Env)
	fallback.SwitchAtNextIteration(s)
	require.Equal(t, Driver(s), fallback.NextDriver())
	fallback.SwitchAtNextIteration(nil)
}
