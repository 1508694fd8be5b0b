// Package audio describes the platform audio output used by the realtime
// graph driver.
package audio

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mediagraph/mediagraph/pkg/com"
	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/media"
)

var (
	ErrNoDevice    = errors.New("no audio output device")
	ErrStreamInit  = errors.New("audio stream init failed")
	ErrStreamStart = errors.New("audio stream start failed")
	ErrStreamStop  = errors.New("audio stream stop failed")
	ErrNoBackend   = errors.New("unknown audio backend")
)

type State int

const (
	StateStarted State = iota
	StateStopped
	StateDrained
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateDrained:
		return "drained"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Params of an output stream.
// Samples are always interleaved 16bit PCM.
type Params struct {
	Name          string
	Channels      int
	Rate          int
	LatencyFrames int
}

// Callbacks are invoked from the audio thread of a stream.
type Callbacks struct {
	// Data fills out with the given number of frames.
	// Returning fewer frames than requested drains and stops the stream.
	Data func(out media.Samples, frames int) int
	// State reports stream state changes.
	State func(State)
	// DeviceChanged is fired when the output device is switched underneath
	// the stream.
	DeviceChanged func()
}

// Backend opens output streams.
type Backend interface {
	Name() string
	PreferredSampleRate() (int, error)
	Open(p Params, cb Callbacks) (Stream, error)
	Close() error
}

// Stream is a single output stream.
// Stop and Close may block until the current callback returns,
// so never call them from inside a callback.
type Stream interface {
	Start() error
	Stop() error
	Close() error
	// Position returns the number of frames consumed so far.
	Position() int64
}

type Factory func(conf Config, log *logger.Logger) (Backend, error)

// Config of a backend.
type Config struct {
	// preferred sample rate of virtual devices
	Rate          int
	Name          string
	LatencyFrames int
	DevicePollMs  int
}

var backends = com.NewMap[string, Factory]()

// Register makes a backend available by name.
func Register(name string, f Factory) { backends.Put(name, f) }

// Backends returns the list of registered backend names.
func Backends() []string {
	names := backends.Keys()
	sort.Strings(names)
	return names
}

// New creates a registered backend.
func New(name string, conf Config, log *logger.Logger) (Backend, error) {
	f, err := backends.Find(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v, available: %v", ErrNoBackend, name, Backends())
	}
	return f(conf, log)
}

func notify(fn func(State), s State) {
	if fn != nil {
		fn(s)
	}
}
