package audio

import (
	"github.com/voxhome/voxd/internal/util"
	opus "gopkg.in/hraban/opus.v2"
)

// maxPacketSize bounds one compressed voice frame.
const maxPacketSize = 1500

// encoderComplexity trades CPU for quality; voice frames do not need the
// top setting.
const encoderComplexity = 5

// Encoder compresses PCM frames into Opus packets. Not safe for
// concurrent use; the executor serializes encode jobs.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewEncoder creates a voice-tuned Opus encoder.
func NewEncoder(sampleRate, channels int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, util.WrapError("create opus encoder", err)
	}
	if err := enc.SetComplexity(encoderComplexity); err != nil {
		return nil, util.WrapError("set opus complexity", err)
	}
	return &Encoder{enc: enc, buf: make([]byte, maxPacketSize)}, nil
}

// Encode compresses one PCM frame and returns a fresh packet slice.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, util.WrapError("opus encode", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// Decoder decompresses Opus packets into PCM frames. Not safe for
// concurrent use; the executor serializes decode jobs.
type Decoder struct {
	dec        *opus.Decoder
	sampleRate int
	channels   int
	frameMs    int
}

// NewDecoder creates a decoder for the given stream parameters.
func NewDecoder(sampleRate, channels, frameMs int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, util.WrapError("create opus decoder", err)
	}
	return &Decoder{dec: dec, sampleRate: sampleRate, channels: channels, frameMs: frameMs}, nil
}

// SampleRate returns the decoder's stream rate in Hz.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// FrameMs returns the decoder's frame duration in milliseconds.
func (d *Decoder) FrameMs() int { return d.frameMs }

// FrameSamples returns the per-channel sample count of one frame.
func (d *Decoder) FrameSamples() int {
	return d.sampleRate * d.frameMs / 1000
}

// Decode decompresses one packet into a fresh PCM slice.
func (d *Decoder) Decode(payload []byte) ([]int16, error) {
	pcm := make([]int16, d.FrameSamples()*d.channels)
	n, err := d.dec.Decode(payload, pcm)
	if err != nil {
		return nil, util.WrapError("opus decode", err)
	}
	return pcm[:n*d.channels], nil
}

// Reset discards accumulated decoder state, for use at stream boundaries.
func (d *Decoder) Reset() error {
	dec, err := opus.NewDecoder(d.sampleRate, d.channels)
	if err != nil {
		return util.WrapError("reset opus decoder", err)
	}
	d.dec = dec
	return nil
}
