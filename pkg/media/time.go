package media

import (
	"math"
	"time"
)

// GraphTime is the graph's own monotonic time in frames at the graph
// sample rate. It never correlates with the wall clock directly.
type GraphTime int64

// Rate is a graph sample rate in Hz used to convert between the wall clock
// and graph time.
type Rate int

const (
	BlockSizeBits = 7
	// BlockSize is the audio block quantum of the graph in frames.
	BlockSize = 1 << BlockSizeBits
)

const MaxGraphTime = GraphTime(math.MaxInt64)

// RoundUpToNextAudioBlock returns the start of the block after the one
// containing t. An aligned t moves one whole block forward.
func RoundUpToNextAudioBlock(t GraphTime) GraphTime {
	return ((t >> BlockSizeBits) + 1) << BlockSizeBits
}

func (r Rate) MillisecondsToMediaTime(ms int64) GraphTime { return GraphTime(ms * int64(r) / 1000) }
func (r Rate) SecondsToMediaTime(s float64) GraphTime     { return GraphTime(s * float64(r)) }
func (r Rate) MediaTimeToSeconds(t GraphTime) float64     { return float64(t) / float64(r) }

func (r Rate) DurationToMediaTime(d time.Duration) GraphTime {
	return r.SecondsToMediaTime(d.Seconds())
}

func (r Rate) MediaTimeToDuration(t GraphTime) time.Duration {
	return time.Duration(int64(t) * int64(time.Second) / int64(r))
}
