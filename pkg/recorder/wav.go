// Package recorder saves the output of offline graphs.
package recorder

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/mediagraph/mediagraph/pkg/logger"
	"github.com/mediagraph/mediagraph/pkg/media"
)

const riffHeaderSize = 44

var ErrClosed = errors.New("recorder is closed")

// Wav writes 16bit PCM audio into a WAV file.
type Wav struct {
	mu       sync.Mutex
	f        *file
	rate     int
	channels int
	frames   int64
	closed   bool
	buf      []byte
	log      *logger.Logger
}

// NewWav creates (or truncates) the file at path and locks it
// until Close.
func NewWav(path string, rate, channels int, log *logger.Logger) (*Wav, error) {
	f, err := newFile(path)
	if err != nil {
		return nil, err
	}
	// add pad for RIFF
	if err = f.Write(make([]byte, riffHeaderSize)); err != nil {
		_ = f.Close()
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &Wav{f: f, rate: rate, channels: channels, log: log.Extend(log.With().Str("m", "wav"))}, nil
}

func (w *Wav) Write(s media.Samples, frames int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	n := frames * w.channels
	if cap(w.buf) < n*2 {
		w.buf = make([]byte, n*2)
	}
	bs := w.buf[:n*2]
	for i, v := range s[:n] {
		binary.LittleEndian.PutUint16(bs[i*2:], uint16(v))
	}
	if err := w.f.Write(bs); err != nil {
		return err
	}
	w.frames += int64(frames)
	return nil
}

// Frames returns the number of frames written.
func (w *Wav) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close writes the actual RIFF header and closes the file.
func (w *Wav) Close() (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err = w.f.Flush(); err == nil {
		err = w.f.WriteAtStart(riffWavHeader(uint32(w.f.Size()), w.rate, w.channels))
	}
	if er := w.f.Close(); er != nil && err == nil {
		err = er
	}
	w.log.Debug().Msgf("%v frames saved", w.frames)
	return
}

// riffWavHeader creates RIFF WAV header.
// See: http://soundfile.sapp.org/doc/WaveFormat
func riffWavHeader(fSize uint32, rate int, channels int) []byte {
	const (
		bits  = 16
		chunk = 36
	)
	aSize := fSize - riffHeaderSize
	h := make([]byte, riffHeaderSize)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], aSize+chunk)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], bits)
	// PCM
	binary.LittleEndian.PutUint16(h[20:], 1)
	binary.LittleEndian.PutUint16(h[22:], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(rate))
	binary.LittleEndian.PutUint32(h[28:], uint32(rate*channels*bits)>>3)
	binary.LittleEndian.PutUint16(h[32:], uint16(channels*bits>>3))
	binary.LittleEndian.PutUint16(h[34:], bits)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], aSize)
	return h
}
