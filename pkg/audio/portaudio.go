//go:build portaudio

package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/media"
	"github.com/mediagraph/mediagraph/pkg/thread"
)

const PortAudioName = "portaudio"

func init() { Register(PortAudioName, NewPortAudio) }

// PortAudio plays through the default output device of the host.
type PortAudio struct {
	conf Config
	log  *logger.Logger

	mu      sync.Mutex
	streams map[*paStream]struct{}
	device  string
	done    chan struct{}
}

type paStream struct {
	b      *PortAudio
	s      *portaudio.Stream
	p      Params
	cb     Callbacks
	frames atomic.Int64
	// set after a short callback, the rest of the buffers are silence
	drained atomic.Bool
	stopped atomic.Bool
}

func NewPortAudio(conf Config, log *logger.Logger) (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	b := &PortAudio{
		conf:    conf,
		log:     log.Extend(log.With().Str("m", "portaudio")),
		streams: map[*paStream]struct{}{},
		done:    make(chan struct{}),
	}
	if dev, err := portaudio.DefaultOutputDevice(); err == nil {
		b.device = dev.Name
		b.log.Info().Msgf("output device: %v", dev.Name)
	}
	if conf.DevicePollMs > 0 {
		thread.Go("portaudio:poll", b.poll)
	}
	return b, nil
}

func (b *PortAudio) Name() string { return PortAudioName }

func (b *PortAudio) PreferredSampleRate() (int, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoDevice, err)
	}
	return int(dev.DefaultSampleRate), nil
}

func (b *PortAudio) Open(p Params, cb Callbacks) (Stream, error) {
	st := &paStream{b: b, p: p, cb: cb}
	s, err := portaudio.OpenDefaultStream(0, p.Channels, float64(p.Rate), p.LatencyFrames, st.callback)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamInit, err)
	}
	st.s = s
	b.mu.Lock()
	b.streams[st] = struct{}{}
	b.mu.Unlock()
	return st, nil
}

func (b *PortAudio) Close() error {
	close(b.done)
	return portaudio.Terminate()
}

// poll checks the default output device name since portaudio
// has no device change notifications.
func (b *PortAudio) poll() {
	t := time.NewTicker(time.Duration(b.conf.DevicePollMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			dev, err := portaudio.DefaultOutputDevice()
			if err != nil {
				continue
			}
			b.mu.Lock()
			changed := dev.Name != b.device
			b.device = dev.Name
			var streams []*paStream
			if changed {
				for s := range b.streams {
					streams = append(streams, s)
				}
			}
			b.mu.Unlock()
			if changed {
				b.log.Info().Msgf("output device has been changed to %v", dev.Name)
			}
			for _, s := range streams {
				if s.cb.DeviceChanged != nil {
					s.cb.DeviceChanged()
				}
			}
		}
	}
}

func (s *paStream) callback(out []int16) {
	frames := len(out) / s.p.Channels
	if s.drained.Load() {
		clear(out)
		return
	}
	n := s.cb.Data(media.Samples(out), frames)
	s.frames.Add(int64(n))
	if n < frames {
		s.drained.Store(true)
		clear(out[n*s.p.Channels:])
		notify(s.cb.State, StateDrained)
		// the stream can't be stopped from its own callback
		thread.Go("portaudio:drain", func() { _ = s.stop() })
	}
}

func (s *paStream) Start() error {
	s.drained.Store(false)
	s.stopped.Store(false)
	if err := s.s.Start(); err != nil {
		notify(s.cb.State, StateError)
		return fmt.Errorf("%w: %w", ErrStreamStart, err)
	}
	notify(s.cb.State, StateStarted)
	return nil
}

func (s *paStream) stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	if err := s.s.Stop(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamStop, err)
	}
	notify(s.cb.State, StateStopped)
	return nil
}

func (s *paStream) Stop() error { return s.stop() }

func (s *paStream) Close() error {
	err := s.stop()
	s.b.mu.Lock()
	delete(s.b.streams, s)
	s.b.mu.Unlock()
	if cErr := s.s.Close(); cErr != nil {
		return fmt.Errorf("%w: %w", ErrStreamStop, cErr)
	}
	return err
}

func (s *paStream) Position() int64 { return s.frames.Load() }
