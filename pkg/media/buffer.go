package media

// Samples is a slice of 16bit PCM (LE interleaved) audio samples.
type Samples []int16

// CallbackBuffer is a non-thread safe view over the destination buffer
// of an audio callback. All sizes are in frames (samples per channel).
type CallbackBuffer struct {
	s        Samples
	channels int
	frames   int
	wi       int
}

// SpillBuffer holds the frames that didn't fit into the previous audio
// callback buffer, since the graph always renders whole audio blocks and
// hardware buffers come in arbitrary sizes.
type SpillBuffer struct {
	s        Samples
	channels int
	pos      int
}

func NewCallbackBuffer(channels int) CallbackBuffer { return CallbackBuffer{channels: channels} }

// Set points the wrapper to a new callback buffer of n frames.
func (b *CallbackBuffer) Set(s Samples, frames int) { b.s, b.frames, b.wi = s, frames, 0 }

// Available returns the number of frames that can still be written.
func (b *CallbackBuffer) Available() int { return b.frames - b.wi }

// Written returns the number of frames written since the last Set.
func (b *CallbackBuffer) Written() int { return b.wi }

// WriteFrames copies n frames from s into the buffer.
// The caller must ensure that n <= Available().
func (b *CallbackBuffer) WriteFrames(s Samples, n int) {
	copy(b.s[b.wi*b.channels:(b.wi+n)*b.channels], s[:n*b.channels])
	b.wi += n
}

// Filled finishes the current callback buffer.
// Whatever is left unwritten gets zeroed, so the callback never returns
// random data. Returns the number of frames of silence appended.
func (b *CallbackBuffer) Filled() (silence int) {
	silence = b.Available()
	if silence > 0 {
		clear(b.s[b.wi*b.channels : b.frames*b.channels])
	}
	b.s, b.frames, b.wi = nil, 0, 0
	return
}

// NewSpillBuffer creates a spill buffer that can hold up to n frames.
func NewSpillBuffer(frames int, channels int) SpillBuffer {
	return SpillBuffer{s: make(Samples, frames*channels), channels: channels}
}

// Len returns the number of frames waiting in the buffer.
func (b *SpillBuffer) Len() int { return b.pos }

// Cap returns the capacity of the buffer in frames.
func (b *SpillBuffer) Cap() int { return len(b.s) / b.channels }

// Empty moves as many frames as possible into dst.
// The rest (if any) is shifted to the front of the buffer.
func (b *SpillBuffer) Empty(dst *CallbackBuffer) (n int) {
	n = min(dst.Available(), b.pos)
	if n == 0 {
		return
	}
	dst.WriteFrames(b.s, n)
	b.pos -= n
	if b.pos > 0 {
		copy(b.s, b.s[n*b.channels:(n+b.pos)*b.channels])
	}
	return
}

// Fill appends up to n frames of s into the buffer.
// Returns the number of frames actually stored.
func (b *SpillBuffer) Fill(s Samples, n int) (w int) {
	w = min(n, b.Cap()-b.pos)
	copy(b.s[b.pos*b.channels:(b.pos+w)*b.channels], s[:w*b.channels])
	b.pos += w
	return
}
