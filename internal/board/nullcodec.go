package board

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxhome/voxd/internal/types"
)

// NullCodec is a silent audio codec for hosts without audio hardware. Read
// returns silence at real-time pace and Write discards samples at the same
// pace, so the pipeline's timing behaves as it would against hardware.
type NullCodec struct {
	inRate   int
	outRate  int
	channels int

	mu            sync.Mutex
	inputEnabled  bool
	outputEnabled bool
	volume        int
}

// NewNullCodec returns a codec at the encoder's working format.
func NewNullCodec() *NullCodec {
	return &NullCodec{
		inRate:   types.EncodeSampleRate,
		outRate:  types.EncodeSampleRate,
		channels: 1,
	}
}

// InputSampleRate is the capture rate in Hz.
func (c *NullCodec) InputSampleRate() int { return c.inRate }

// OutputSampleRate is the playback rate in Hz.
func (c *NullCodec) OutputSampleRate() int { return c.outRate }

// InputChannels is the number of interleaved capture channels.
func (c *NullCodec) InputChannels() int { return c.channels }

// EnableInput switches the capture side.
func (c *NullCodec) EnableInput(enabled bool) error {
	c.mu.Lock()
	c.inputEnabled = enabled
	c.mu.Unlock()
	slog.Debug("null codec input", "enabled", enabled)
	return nil
}

// EnableOutput switches the playback side.
func (c *NullCodec) EnableOutput(enabled bool) error {
	c.mu.Lock()
	c.outputEnabled = enabled
	c.mu.Unlock()
	slog.Debug("null codec output", "enabled", enabled)
	return nil
}

// SetOutputVolume records the volume.
func (c *NullCodec) SetOutputVolume(volume int) error {
	c.mu.Lock()
	c.volume = volume
	c.mu.Unlock()
	slog.Debug("null codec volume", "volume", volume)
	return nil
}

// Read fills buf with silence, pacing like real capture hardware.
func (c *NullCodec) Read(buf []int16) (int, error) {
	frames := len(buf) / c.channels
	time.Sleep(time.Duration(frames) * time.Second / time.Duration(c.inRate))
	clear(buf)
	return len(buf), nil
}

// Write discards samples, pacing like real playback hardware.
func (c *NullCodec) Write(samples []int16) (int, error) {
	time.Sleep(time.Duration(len(samples)) * time.Second / time.Duration(c.outRate))
	return len(samples), nil
}

// Close is a no-op.
func (c *NullCodec) Close() error { return nil }
