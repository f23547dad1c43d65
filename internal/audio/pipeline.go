package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxhome/voxd/internal/task"
	"github.com/voxhome/voxd/internal/types"
)

// Pipeline drives both real-time audio paths. The capture path reads PCM
// from the gateway, strips the reference channel, resamples to the encode
// rate, and hands compression to the executor; encode-queue backpressure
// blocks the feed so at most one frame is in flight. The playback path
// decodes inbound packets in arrival order and renders them in strictly
// ascending timestamp order, dropping anything at or behind the last
// rendered timestamp.
type Pipeline struct {
	codec CodecGateway
	exec  *task.Executor

	enc        *Encoder
	inResample *Resampler

	onEncoded    func(types.EncodedPacket)
	onInputFrame func([]int16)

	mu           sync.Mutex
	dec          *Decoder
	outResample  *Resampler
	queue        []types.AudioFrame
	queuedMs     int
	generation   uint64
	lastRendered int64
	captureTS    int64

	inputEnabled  bool
	outputEnabled bool
	volume        int
	lastOutput    time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPipeline wires a pipeline to the gateway and executor. The decode
// side starts at the encode rate and frame duration; a server hello may
// change it with SetDecodeSampleRate.
func NewPipeline(codec CodecGateway, exec *task.Executor) (*Pipeline, error) {
	inResample, err := NewResampler(codec.InputSampleRate(), types.EncodeSampleRate, 1)
	if err != nil {
		return nil, err
	}
	enc, err := NewEncoder(types.EncodeSampleRate, 1)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(types.EncodeSampleRate, 1, types.FrameDurationMs)
	if err != nil {
		return nil, err
	}
	outResample, err := NewResampler(types.EncodeSampleRate, codec.OutputSampleRate(), 1)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		codec:        codec,
		exec:         exec,
		enc:          enc,
		inResample:   inResample,
		dec:          dec,
		outResample:  outResample,
		lastRendered: -1,
		volume:       -1,
	}, nil
}

// OnEncoded registers the capture delivery callback. It runs on the encode
// worker; set it before Start.
func (p *Pipeline) OnEncoded(fn func(types.EncodedPacket)) { p.onEncoded = fn }

// OnInputFrame registers a tap on the mono encode-rate capture frames,
// used by the voice-activity gate. Set it before Start.
func (p *Pipeline) OnInputFrame(fn func([]int16)) { p.onInputFrame = fn }

// Start launches the capture and playback loops.
func (p *Pipeline) Start() {
	p.stopChan = make(chan struct{})
	p.wg.Add(2)
	go p.captureLoop()
	go p.playbackLoop()
}

// Stop terminates both loops. Pending executor jobs are the executor
// owner's concern.
func (p *Pipeline) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

// EnableInput switches the capture side, passing through to the gateway
// only on a change.
func (p *Pipeline) EnableInput(enabled bool) error {
	p.mu.Lock()
	if p.inputEnabled == enabled {
		p.mu.Unlock()
		return nil
	}
	p.inputEnabled = enabled
	p.mu.Unlock()
	return p.codec.EnableInput(enabled)
}

// EnableOutput switches the playback side, passing through to the gateway
// only on a change.
func (p *Pipeline) EnableOutput(enabled bool) error {
	p.mu.Lock()
	if p.outputEnabled == enabled {
		p.mu.Unlock()
		return nil
	}
	p.outputEnabled = enabled
	if enabled {
		p.lastOutput = time.Now()
	}
	p.mu.Unlock()
	return p.codec.EnableOutput(enabled)
}

// SetOutputVolume caches the volume and passes changes to the gateway.
func (p *Pipeline) SetOutputVolume(volume int) error {
	p.mu.Lock()
	if p.volume == volume {
		p.mu.Unlock()
		return nil
	}
	p.volume = volume
	p.mu.Unlock()
	return p.codec.SetOutputVolume(volume)
}

// QueuedMs returns the playback backlog in milliseconds.
func (p *Pipeline) QueuedMs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedMs
}

// PushIncoming feeds one compressed packet into the playback path. Packets
// beyond the backlog cap are dropped, and decode order is arrival order.
func (p *Pipeline) PushIncoming(pkt types.EncodedPacket) {
	p.mu.Lock()
	if p.queuedMs >= types.MaxPlaybackQueueMs {
		p.mu.Unlock()
		slog.Warn("playback backlog full, dropping packet", "timestamp", pkt.Timestamp)
		return
	}
	dec := p.dec
	gen := p.generation
	frameMs := dec.FrameMs()
	p.queuedMs += frameMs
	p.mu.Unlock()

	if err := p.exec.Submit(task.QueueDecode, func() {
		p.decodeOne(dec, gen, pkt, frameMs)
	}); err != nil {
		p.releaseQueued(gen, frameMs)
	}
}

func (p *Pipeline) decodeOne(dec *Decoder, gen uint64, pkt types.EncodedPacket, frameMs int) {
	pcm, err := dec.Decode(pkt.Payload)
	if err != nil {
		slog.Warn("dropping undecodable packet", "timestamp", pkt.Timestamp, "error", err)
		p.releaseQueued(gen, frameMs)
		return
	}

	p.mu.Lock()
	resample := p.outResample
	stale := gen != p.generation // playback side was reset after submit
	p.mu.Unlock()
	if stale {
		return
	}

	out, err := resample.Process(pcm)
	if err != nil {
		slog.Warn("dropping unresamplable frame", "timestamp", pkt.Timestamp, "error", err)
		p.releaseQueued(gen, frameMs)
		return
	}

	p.queueDecoded(gen, types.AudioFrame{
		Samples:    out,
		SampleRate: p.codec.OutputSampleRate(),
		Channels:   1,
		Timestamp:  pkt.Timestamp,
	})
}

// queueDecoded appends a decoded frame unless the playback side was reset
// after its decode job was submitted. A frame from before the reset must
// never render: it would replay aborted speech and advance the ordering
// gate past the next session's opening timestamps.
func (p *Pipeline) queueDecoded(gen uint64, frame types.AudioFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		return
	}
	p.queue = append(p.queue, frame)
}

// releaseQueued returns a dropped packet's backlog accounting, unless a
// reset already cleared it.
func (p *Pipeline) releaseQueued(gen uint64, frameMs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		return
	}
	p.queuedMs -= frameMs
	if p.queuedMs < 0 {
		p.queuedMs = 0
	}
}

// ResetDecoder drops all pending and queued playback audio and rewinds the
// ordering gate, for use at session boundaries. A decode job already
// executing keeps running, but its frame is discarded when it finishes.
func (p *Pipeline) ResetDecoder() error {
	p.exec.Purge(task.QueueDecode)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.queue = nil
	p.queuedMs = 0
	p.lastRendered = -1
	return p.dec.Reset()
}

// SetDecodeSampleRate reconfigures the playback decode side for a
// server-announced stream format. Queued audio from the previous format is
// discarded.
func (p *Pipeline) SetDecodeSampleRate(sampleRate, frameMs int) error {
	dec, err := NewDecoder(sampleRate, 1, frameMs)
	if err != nil {
		return err
	}
	outResample, err := NewResampler(sampleRate, p.codec.OutputSampleRate(), 1)
	if err != nil {
		return err
	}

	p.exec.Purge(task.QueueDecode)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	if sampleRate != p.codec.OutputSampleRate() {
		slog.Warn("server sample rate differs from device output rate, resampling",
			"server", sampleRate, "device", p.codec.OutputSampleRate())
	}
	p.dec = dec
	p.outResample = outResample
	p.queue = nil
	p.queuedMs = 0
	p.lastRendered = -1
	return nil
}

// captureLoop reads gateway frames, reduces them to mono encode-rate PCM,
// and submits encode jobs. Submit blocks on a full encode queue, which is
// the capture path's backpressure.
func (p *Pipeline) captureLoop() {
	defer p.wg.Done()

	channels := p.codec.InputChannels()
	frameSamples := p.codec.InputSampleRate() * types.FrameDurationMs / 1000
	buf := make([]int16, frameSamples*channels)

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		p.mu.Lock()
		enabled := p.inputEnabled
		p.mu.Unlock()
		if !enabled {
			select {
			case <-p.stopChan:
				return
			case <-time.After(types.FrameDurationMs * time.Millisecond):
			}
			continue
		}

		n, err := p.codec.Read(buf)
		if err != nil {
			select {
			case <-p.stopChan:
				return
			default:
			}
			slog.Error("gateway read failed", "error", err)
			continue
		}

		mono := primaryChannel(buf[:n], channels)
		pcm, err := p.inResample.Process(mono)
		if err != nil {
			slog.Error("capture resample failed", "error", err)
			continue
		}

		if p.onInputFrame != nil {
			p.onInputFrame(pcm)
		}

		p.mu.Lock()
		ts := p.captureTS
		p.captureTS += types.FrameDurationMs
		p.mu.Unlock()

		frame := pcm
		if err := p.exec.Submit(task.QueueEncode, func() {
			p.encodeOne(frame, ts)
		}); err != nil {
			return
		}
	}
}

func (p *Pipeline) encodeOne(pcm []int16, ts int64) {
	payload, err := p.enc.Encode(pcm)
	if err != nil {
		slog.Warn("dropping unencodable frame", "error", err)
		return
	}
	if p.onEncoded != nil {
		p.onEncoded(types.EncodedPacket{Payload: payload, Timestamp: ts})
	}
}

// playbackLoop renders one frame per frame period: the next fresh queued
// frame, or silence on underrun. Output is disabled after a sustained
// silent stretch and re-enabled when audio arrives.
func (p *Pipeline) playbackLoop() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		period := time.Duration(p.dec.FrameMs()) * time.Millisecond
		p.mu.Unlock()

		select {
		case <-p.stopChan:
			return
		case <-time.After(period):
		}
		p.renderOnce()
	}
}

// renderOnce pops stale frames, then renders the first fresh frame or a
// silence frame.
func (p *Pipeline) renderOnce() {
	frame, ok := p.nextRenderable()
	if !ok {
		p.renderIdle()
		return
	}

	if err := p.EnableOutput(true); err != nil {
		slog.Error("failed to enable output", "error", err)
		return
	}
	if _, err := p.codec.Write(frame.Samples); err != nil {
		slog.Error("gateway write failed", "error", err)
		return
	}
	p.mu.Lock()
	p.lastOutput = time.Now()
	p.mu.Unlock()
}

// nextRenderable dequeues until it finds a frame newer than the last
// rendered timestamp. Everything older arrived out of order and is stale.
func (p *Pipeline) nextRenderable() (types.AudioFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) > 0 {
		frame := p.queue[0]
		p.queue = p.queue[1:]
		p.queuedMs -= p.dec.FrameMs()
		if p.queuedMs < 0 {
			p.queuedMs = 0
		}
		if frame.Timestamp <= p.lastRendered {
			slog.Debug("dropping stale frame",
				"timestamp", frame.Timestamp, "last_rendered", p.lastRendered)
			continue
		}
		p.lastRendered = frame.Timestamp
		return frame, true
	}
	return types.AudioFrame{}, false
}

// renderIdle writes one silence frame on underrun, and disables the output
// once the silence has lasted past the idle timeout.
func (p *Pipeline) renderIdle() {
	p.mu.Lock()
	enabled := p.outputEnabled
	idleFor := time.Since(p.lastOutput)
	frameSamples := p.codec.OutputSampleRate() * p.dec.FrameMs() / 1000
	p.mu.Unlock()

	if !enabled {
		return
	}
	if idleFor >= types.IdleOutputTimeout {
		if err := p.EnableOutput(false); err != nil {
			slog.Error("failed to disable idle output", "error", err)
		}
		return
	}
	if _, err := p.codec.Write(make([]int16, frameSamples)); err != nil {
		slog.Error("gateway write failed", "error", err)
	}
}

// primaryChannel extracts channel 0 from an interleaved frame. Mono input
// passes through.
func primaryChannel(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		mono[i] = samples[i*channels]
	}
	return mono
}
