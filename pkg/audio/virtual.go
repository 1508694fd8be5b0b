package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/media"
	"github.com/mediagraph/mediagraph/pkg/thread"
)

const VirtualName = "virtual"

func init() {
	Register(VirtualName, func(conf Config, log *logger.Logger) (Backend, error) {
		return NewVirtual(conf.Rate, false, log), nil
	})
}

// Virtual is a software audio backend without any sound.
// Its streams either call back on their own goroutine, paced by the
// wall clock, or, in the manual mode, only when pumped.
type Virtual struct {
	rate   int
	manual bool
	log    *logger.Logger

	// FailOpen makes the next stream opens fail.
	FailOpen  atomic.Bool
	FailStart atomic.Bool
	FailStop  atomic.Bool

	mu      sync.Mutex
	streams []*VirtualStream
	opened  int
}

type VirtualStream struct {
	b      *Virtual
	p      Params
	cb     Callbacks
	buf    media.Samples
	frames atomic.Int64

	mu      sync.Mutex
	started bool
	drained bool
	closed  bool
	done    chan struct{}
	stop    chan struct{}
}

// NewVirtual creates a virtual backend with the given preferred rate.
func NewVirtual(rate int, manual bool, log *logger.Logger) *Virtual {
	if log == nil {
		log = logger.Default()
	}
	return &Virtual{rate: rate, manual: manual, log: log.Extend(log.With().Str("m", "vaudio"))}
}

func (v *Virtual) Name() string                      { return VirtualName }
func (v *Virtual) PreferredSampleRate() (int, error) { return v.rate, nil }
func (v *Virtual) Close() error                      { return nil }

func (v *Virtual) Open(p Params, cb Callbacks) (Stream, error) {
	if v.FailOpen.Load() {
		return nil, fmt.Errorf("%w: %w", ErrStreamInit, ErrNoDevice)
	}
	if p.Channels < 1 || p.Rate < 1 || p.LatencyFrames < 1 {
		return nil, fmt.Errorf("%w: bad params %+v", ErrStreamInit, p)
	}
	s := &VirtualStream{b: v, p: p, cb: cb, buf: make(media.Samples, p.LatencyFrames*p.Channels)}
	v.mu.Lock()
	v.streams = append(v.streams, s)
	v.opened++
	v.mu.Unlock()
	v.log.Debug().Msgf("open %v", p)
	return s, nil
}

// Opened returns the number of streams opened so far.
func (v *Virtual) Opened() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opened
}

// Last returns the most recently opened stream that is not closed.
func (v *Virtual) Last() *VirtualStream {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := len(v.streams) - 1; i >= 0; i-- {
		if !v.streams[i].isClosed() {
			return v.streams[i]
		}
	}
	return nil
}

// ChangeDevice emulates an OS level switch of the output device
// for all open streams.
func (v *Virtual) ChangeDevice() {
	v.mu.Lock()
	streams := append([]*VirtualStream(nil), v.streams...)
	v.mu.Unlock()
	for _, s := range streams {
		if !s.isClosed() && s.cb.DeviceChanged != nil {
			s.cb.DeviceChanged()
		}
	}
}

func (s *VirtualStream) Start() error {
	if s.b.FailStart.Load() {
		return ErrStreamStart
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: closed", ErrStreamStart)
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started, s.drained = true, false
	if !s.b.manual {
		s.stop, s.done = make(chan struct{}), make(chan struct{})
		stop, done := s.stop, s.done
		thread.Go("audio:"+s.p.Name, func() { s.run(stop, done) })
	}
	s.mu.Unlock()
	notify(s.cb.State, StateStarted)
	return nil
}

func (s *VirtualStream) run(stop, done chan struct{}) {
	defer close(done)
	period := time.Duration(s.p.LatencyFrames) * time.Second / time.Duration(s.p.Rate)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if !s.callback(s.p.LatencyFrames) {
				return
			}
		}
	}
}

// callback calls the data callback once and reports whether the stream
// still runs.
func (s *VirtualStream) callback(frames int) bool {
	n := s.cb.Data(s.buf[:frames*s.p.Channels], frames)
	s.frames.Add(int64(n))
	if n < frames {
		s.mu.Lock()
		s.started, s.drained = false, true
		s.mu.Unlock()
		notify(s.cb.State, StateDrained)
		return false
	}
	return true
}

// Pump calls the data callback of a manual stream synchronously.
// Returns the number of frames produced and the written samples
// which are valid until the next pump.
func (s *VirtualStream) Pump(frames int) (int, media.Samples) {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return 0, nil
	}
	if frames*s.p.Channels > len(s.buf) {
		s.buf = make(media.Samples, frames*s.p.Channels)
	}
	s.mu.Unlock()
	before := s.frames.Load()
	s.callback(frames)
	return int(s.frames.Load() - before), s.buf[:frames*s.p.Channels]
}

func (s *VirtualStream) Stop() error {
	if s.b.FailStop.Load() {
		return ErrStreamStop
	}
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if wasStarted {
		notify(s.cb.State, StateStopped)
	}
	return nil
}

func (s *VirtualStream) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

func (s *VirtualStream) Position() int64 { return s.frames.Load() }

// Started tells whether the stream calls back.
func (s *VirtualStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Drained tells whether the last callback returned short.
func (s *VirtualStream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

func (s *VirtualStream) Params() Params { return s.p }

func (s *VirtualStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
