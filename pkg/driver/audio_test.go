package driver

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/mediagraph/mediagraph/pkg/audio"
	"github.com/mediagraph/mediagraph/pkg/config"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/media"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAudio(t *testing.T, env *testEnv) (*AudioCallbackDriver, *audio.VirtualStream) {
	t.Helper()
	d := NewAudioCallbackDriver(env.Env)
	env.g.setCurrent(d)
	d.Start()
	env.Tasks.Wait()
	s := env.backend.Last()
	require.NotNil(t, s)
	require.True(t, d.IsStarted())
	return d, s
}

func samplesOf(frames int, v int16) media.Samples {
	s := make(media.Samples, frames*testChannels)
	for i := range s {
		s[i] = v
	}
	return s
}

func requireFrames(t *testing.T, out media.Samples, v int16) {
	t.Helper()
	for i, s := range out {
		if s != v {
			t.Fatalf("sample %v is %v, expected %v", i, s, v)
		}
	}
}

func TestAudioFirstCallbackWithoutMessages(t *testing.T) {
	env := newTestEnv(t)
	d, _ := startAudio(t, env)

	out := samplesOf(128, 7)
	require.Equal(t, 128, d.DataCallback(out, 128))
	requireFrames(t, out, 0)
	require.Empty(t, env.g.history())
	require.Zero(t, d.StateComputedTime())
}

func TestAudioIterations(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d, s := startAudio(t, env)

	n, out := s.Pump(128)
	require.Equal(t, 128, n)
	requireFrames(t, out, 1)
	require.Equal(t, Timeline{0, 0, 0, 256}, d.Timeline())
	// a whole block is left for the next callback
	require.Equal(t, 128, d.SpilledFrames())

	n, out = s.Pump(128)
	require.Equal(t, 128, n)
	requireFrames(t, out, 1)
	require.Len(t, env.g.history(), 1, "the spilled frames should be enough")
	require.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.skipped))

	n, _ = s.Pump(128)
	require.Equal(t, 128, n)
	require.Equal(t, Timeline{0, 204, 256, 512}, d.Timeline())

	tls := env.g.iterationsOf(d)
	require.Len(t, tls, 2)
	require.Equal(t, tls[0].IterationEnd, tls[1].IterationStart)
	require.Equal(t, tls[0].NextStateComputed, tls[1].StateComputed)
}

func TestAudioSpilledFramesGoFirst(t *testing.T) {
	env := newTestEnv(t)
	d, s := startAudio(t, env)
	d.setTimeline(Timeline{0, 128, 256, 384})
	d.scratch.Fill(samplesOf(40, 7), 40)

	var played media.Samples
	for _, frames := range []int{100, 284} {
		n, out := s.Pump(frames)
		require.Equal(t, frames, n)
		played = append(played, out...)
	}

	tls := env.g.iterationsOf(d)
	require.Len(t, tls, 2)
	var mixed media.GraphTime
	for _, tl := range tls {
		require.True(t, tl.Ordered(), tl.String())
		mixed += tl.NextStateComputed - tl.StateComputed
	}
	require.Equal(t, media.GraphTime(3*media.BlockSize), mixed)
	require.Equal(t, Timeline{128, 332, 384, 512}, tls[0])
	require.Equal(t, media.GraphTime(768), tls[1].NextStateComputed)

	require.Equal(t, 40, d.SpilledFrames())
	requireFrames(t, played[:40*testChannels], 7)
	requireFrames(t, played[40*testChannels:], 1)
}

type logBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestAudioSilencePadding(t *testing.T) {
	env := newTestEnv(t)
	var out logBuffer
	env.Log = logger.Default().Output(&out)
	env.g.queue(1)
	d, s := startAudio(t, env)
	// nothing gets mixed into the callback buffer
	env.g.RemoveMixerCallback(d)

	n, played := s.Pump(128)
	require.Equal(t, 128, n)
	requireFrames(t, played, 0)
	require.Len(t, env.g.iterationsOf(d), 1)
	require.Contains(t, out.String(), `"frames":128`)
	require.Contains(t, out.String(), `"message":"silence"`)
}

func TestAudioCallbackNeverReturnsMore(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d, s := startAudio(t, env)
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		frames := 1 + rnd.Intn(2048)
		n, _ := s.Pump(frames)
		require.Equal(t, frames, n)
	}
	for i, tl := range env.g.iterationsOf(d) {
		require.True(t, tl.Ordered(), "%v: %v", i, tl)
	}
	require.LessOrEqual(t, d.SpilledFrames(), spillBlocks*media.BlockSize)
	require.Zero(t, testutil.ToFloat64(env.Metrics.overflows))
}

func TestAudioGraphFinished(t *testing.T) {
	env := newTestEnv(t)
	env.g.stopAt = 2
	env.g.queue(1)
	d, s := startAudio(t, env)

	tests := []struct {
		frames int
		want   int
	}{
		{frames: 128, want: 128},
		// from the spill buffer
		{frames: 128, want: 128},
		{frames: 128, want: 127},
		// the stream has been drained
		{frames: 128, want: 0},
	}
	for i, test := range tests {
		n, _ := s.Pump(test.frames)
		require.Equal(t, test.want, n, "callback %v", i)
	}
	require.True(t, s.Drained())

	out := samplesOf(128, 7)
	require.Equal(t, 128, d.DataCallback(out, 128))
	requireFrames(t, out, 0)
	require.Len(t, env.g.history(), 2)
}

func TestAudioInitFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.FailOpen.Store(true)

	prev := NewSystemClockDriver(env.Env)
	tl := Timeline{256, 512, 768, 1024}
	d := NewAudioCallbackDriver(env.Env)
	d.SetGraphTime(prev, tl)
	env.g.setCurrent(d)
	d.Start()
	env.Tasks.Wait()

	cur, ok := env.g.currentDriver().(*SystemClockDriver)
	require.True(t, ok, "the graph should run on the system clock")
	require.True(t, cur.IsFallback())
	require.False(t, d.IsCurrent())

	sw := env.g.switchesTo(cur)
	require.Len(t, sw, 1)
	require.Equal(t, tl, sw[0].tl)
	require.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.fallbacks))

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(cur)) > 0 }, waitFor, tick)
	require.Equal(t, tl.IterationEnd, env.g.iterationsOf(cur)[0].IterationStart)
}

func TestAudioStartFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.FailStart.Store(true)
	env.g.queue(1)

	d := NewAudioCallbackDriver(env.Env)
	env.g.setCurrent(d)
	d.Start()
	env.Tasks.Wait()

	require.False(t, d.IsStarted())
	require.Equal(t, KindSystemClock, env.g.currentDriver().Kind())
	require.Nil(t, env.backend.Last(), "the failed stream should be closed")
}

func TestAudioSwitchToSystemClock(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d, s := startAudio(t, env)
	for i := 0; i < 4; i++ {
		s.Pump(128)
	}

	next := NewSystemClockDriver(env.Env)
	env.g.switchAtNextIteration(d, next)
	n, _ := s.Pump(128)
	require.Equal(t, 127, n)
	require.True(t, next.IsCurrent())

	require.Eventually(t, func() bool { return len(env.g.iterationsOf(next)) > 0 }, waitFor, tick)
	atl := env.g.iterationsOf(d)
	require.Equal(t, atl[len(atl)-1].IterationEnd, env.g.iterationsOf(next)[0].IterationStart)

	// the audio driver is shut down off the control thread
	require.Eventually(t, func() bool { env.Tasks.Wait(); return env.backend.Last() == nil }, waitFor, tick)
}

func TestAudioDeviceSwitch(t *testing.T) {
	env := newTestEnv(t, func(c *config.Driver) { c.DeviceSwitchCallbacks = 3 })
	env.g.keepAlive = true
	env.g.queue(1)
	d, s := startAudio(t, env)
	s.Pump(128)
	s.Pump(128)
	iterations := len(env.g.iterationsOf(d))

	env.backend.ChangeDevice()
	fallback, ok := env.g.currentDriver().(*SystemClockDriver)
	require.True(t, ok)
	require.True(t, fallback.IsFallback())
	require.True(t, d.IsSwitchingDevice())
	require.Equal(t, int32(1), env.g.flushes.Load())
	require.Equal(t, d.Timeline(), env.g.switchesTo(fallback)[0].tl)

	// already switching
	env.backend.ChangeDevice()
	require.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.deviceSwitches))

	for i := 0; i < 3; i++ {
		n, out := s.Pump(128)
		require.Equal(t, 128, n)
		requireFrames(t, out, 0)
	}
	require.Len(t, env.g.iterationsOf(d), iterations)
	require.False(t, d.IsSwitchingDevice())

	require.Eventually(t, d.IsCurrent, waitFor, tick)
	require.Eventually(t, func() bool {
		fallback.tmu.Lock()
		defer fallback.tmu.Unlock()
		return fallback.shut
	}, waitFor, tick)
	require.Equal(t, 1, env.backend.Opened(), "the stream should be reused")

	back := env.g.switchesTo(d)
	require.Len(t, back, 2)
	s.Pump(128)
	s.Pump(128)
	tls := env.g.iterationsOf(d)
	require.Greater(t, len(tls), iterations)
	require.Equal(t, back[1].tl.IterationEnd, tls[iterations].IterationStart)
	require.True(t, tls[iterations].Ordered())
}

func TestAudioDeviceChangeIgnored(t *testing.T) {
	tests := []struct {
		name     string
		fallback bool
		running  bool
	}{
		{name: "disabled", fallback: false, running: true},
		{name: "not running", fallback: true, running: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Driver) { c.NoDeviceSwitchFallback = !test.fallback })
			env.g.queue(1)
			d, _ := startAudio(t, env)
			env.g.running.Store(test.running)

			d.DeviceChangedCallback()
			require.True(t, d.IsCurrent())
			require.False(t, d.IsSwitchingDevice())
		})
	}
}

func TestAudioPause(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d, s := startAudio(t, env)

	d.Pause(true)
	n, out := s.Pump(128)
	require.Equal(t, 128, n)
	requireFrames(t, out, 0)
	require.Empty(t, env.g.history())

	d.Pause(false)
	_, out = s.Pump(128)
	requireFrames(t, out, 1)
}

func TestAudioMixerOutsideOfCallback(t *testing.T) {
	env := newTestEnv(t)
	d, _ := startAudio(t, env)
	d.MixerCallback(samplesOf(128, 1), 128)
	require.Zero(t, d.SpilledFrames())
}

func TestAudioContextOperations(t *testing.T) {
	env := newTestEnv(t)
	d := NewAudioCallbackDriver(env.Env)

	resume, suspend, closing := NewPromise(OpResume), NewPromise(OpSuspend), NewPromise(OpClose)
	env.g.mon.Lock()
	d.EnqueueStreamAndPromiseForOperation("a", resume, resume.Op())
	d.EnqueueStreamAndPromiseForOperation("b", suspend, suspend.Op())
	d.EnqueueStreamAndPromiseForOperation("c", closing, closing.Op())
	env.g.mon.Unlock()

	d.CompleteAudioContextOperations(taskInit)
	assert.True(t, resume.Resolved())
	assert.False(t, suspend.Resolved())
	assert.False(t, closing.Resolved())
	assert.Equal(t, 2, d.PendingOperations())

	d.CompleteAudioContextOperations(taskInit)
	assert.Equal(t, 2, d.PendingOperations())

	d.CompleteAudioContextOperations(taskShutdown)
	assert.True(t, suspend.Resolved())
	assert.True(t, closing.Resolved())
	assert.Zero(t, d.PendingOperations())
}

func TestAudioShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d, s := startAudio(t, env)
	s.Pump(128)

	suspend := NewPromise(OpSuspend)
	env.g.mon.Lock()
	d.EnqueueStreamAndPromiseForOperation("a", suspend, OpSuspend)
	env.g.mon.Unlock()

	d.Shutdown()
	d.Shutdown()
	env.Tasks.Wait()

	require.True(t, suspend.Resolved())
	require.False(t, d.IsStarted())
	require.Nil(t, env.backend.Last())
	require.Equal(t, media.GraphTime(128), d.CurrentTime())
}

func TestAudioStopAndRevive(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d, s := startAudio(t, env)
	s.Pump(128)

	d.Stop()
	env.Tasks.Wait()
	require.False(t, d.IsStarted())
	require.False(t, s.Started())

	d.Revive()
	env.Tasks.Wait()
	require.True(t, d.IsStarted())
	require.True(t, s.Started())
	require.Equal(t, 1, env.backend.Opened())

	n, _ := s.Pump(128)
	require.Equal(t, 128, n)
}

func TestAudioReviveWithNextDriver(t *testing.T) {
	env := newTestEnv(t)
	env.g.queue(1)
	d, s := startAudio(t, env)
	s.Pump(128)
	d.Stop()
	env.Tasks.Wait()

	next := NewSystemClockDriver(env.Env)
	env.g.switchAtNextIteration(d, next)
	d.Revive()

	require.True(t, next.IsCurrent())
	require.Eventually(t, func() bool { return len(env.g.iterationsOf(next)) > 0 }, waitFor, tick)
	require.Equal(t, d.IterationEnd(), env.g.iterationsOf(next)[0].IterationStart)
}
