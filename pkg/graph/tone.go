package graph

import (
	"math"

	"github.com/mediagraph/mediagraph/pkg/media"
)

// Tone is a sine wave source.
// The wave depends only on the graph time, so it stays continuous
// across driver switches.
type Tone struct {
	Freq float64
	Gain float64
	rate media.Rate
}

func NewTone(freq, gain float64, rate media.Rate) *Tone {
	return &Tone{Freq: freq, Gain: min(max(gain, 0), 1), rate: rate}
}

// Sample returns the value of the wave at t.
func (t *Tone) Sample(at media.GraphTime) int16 {
	phase := 2 * math.Pi * t.Freq * t.rate.MediaTimeToSeconds(at)
	return int16(math.Round(t.Gain * math.MaxInt16 * math.Sin(phase)))
}

func (t *Tone) Process(start media.GraphTime, out media.Samples, frames int, channels int) {
	for i := 0; i < frames; i++ {
		v := int32(t.Sample(start + media.GraphTime(i)))
		for c := 0; c < channels; c++ {
			j := i*channels + c
			out[j] = int16(min(max(int32(out[j])+v, math.MinInt16), math.MaxInt16))
		}
	}
}
