// Package audio implements the real-time audio pipeline: the capture path
// from the codec gateway through resampling and compression to the
// transport, and the playback path from the transport through ordered
// decode back to the gateway.
package audio

// CodecGateway is the boundary to the hardware audio codec. Read and
// Write move interleaved 16-bit PCM; both may block until the hardware
// has a frame ready.
type CodecGateway interface {
	// InputSampleRate is the capture rate in Hz.
	InputSampleRate() int
	// OutputSampleRate is the playback rate in Hz.
	OutputSampleRate() int
	// InputChannels is the number of interleaved capture channels. A
	// second channel, when present, carries the playback reference signal
	// and is stripped before encoding.
	InputChannels() int

	EnableInput(enabled bool) error
	EnableOutput(enabled bool) error
	SetOutputVolume(volume int) error

	// Read fills buf with interleaved capture samples and returns the
	// count read.
	Read(buf []int16) (int, error)
	// Write queues interleaved playback samples.
	Write(samples []int16) (int, error)

	Close() error
}
