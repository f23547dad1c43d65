package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhome/voxd/internal/task"
	"github.com/voxhome/voxd/internal/types"
)

// renderPipeline builds a pipeline with only the playback ordering state,
// enough to exercise the render-side queue directly.
func renderPipeline() *Pipeline {
	return &Pipeline{
		dec:          &Decoder{sampleRate: types.EncodeSampleRate, channels: 1, frameMs: types.FrameDurationMs},
		lastRendered: -1,
	}
}

func enqueue(p *Pipeline, timestamps ...int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ts := range timestamps {
		p.queue = append(p.queue, types.AudioFrame{Timestamp: ts})
		p.queuedMs += p.dec.FrameMs()
	}
}

func renderAll(p *Pipeline) []int64 {
	var rendered []int64
	for {
		frame, ok := p.nextRenderable()
		if !ok {
			return rendered
		}
		rendered = append(rendered, frame.Timestamp)
	}
}

func TestRenderOrderDropsStaleFrames(t *testing.T) {
	p := renderPipeline()
	enqueue(p, 100, 80, 120, 110)
	assert.Equal(t, []int64{100, 120}, renderAll(p),
		"frames at or behind the last rendered timestamp are stale")
}

func TestRenderZeroTimestampFirstFrame(t *testing.T) {
	p := renderPipeline()
	enqueue(p, 0, 60, 120)
	assert.Equal(t, []int64{0, 60, 120}, renderAll(p),
		"a first frame at timestamp 0 must render")
}

func TestRenderEqualTimestampIsStale(t *testing.T) {
	p := renderPipeline()
	enqueue(p, 60, 60, 120)
	assert.Equal(t, []int64{60, 120}, renderAll(p))
}

func TestResetDiscardsInFlightDecode(t *testing.T) {
	p := renderPipeline()
	p.exec = task.NewExecutor(0)
	defer p.exec.Stop()

	// A decode job captures the generation when it is submitted; a reset
	// (barge-in, session restart) lands before the job finishes.
	gen := p.generation
	require.NoError(t, p.ResetDecoder())

	p.queueDecoded(gen, types.AudioFrame{Timestamp: 300})
	_, ok := p.nextRenderable()
	assert.False(t, ok, "frames decoded for the aborted session must not render")

	p.queueDecoded(p.generation, types.AudioFrame{Timestamp: 0})
	frame, ok := p.nextRenderable()
	assert.True(t, ok, "the new session's opening frame must render")
	assert.Zero(t, frame.Timestamp)
}

func TestRenderUnderrunReportsNoFrame(t *testing.T) {
	p := renderPipeline()
	_, ok := p.nextRenderable()
	assert.False(t, ok)
}

func TestRenderQueueAccounting(t *testing.T) {
	p := renderPipeline()
	enqueue(p, 100, 80, 120)
	renderAll(p)
	assert.Zero(t, p.QueuedMs(), "stale and rendered frames both leave the backlog")
}

func TestPrimaryChannel(t *testing.T) {
	mono := []int16{1, 2, 3}
	assert.Equal(t, mono, primaryChannel(mono, 1))

	stereo := []int16{1, 100, 2, 200, 3, 300}
	assert.Equal(t, []int16{1, 2, 3}, primaryChannel(stereo, 2),
		"reference channel is stripped")
}

func TestResamplerPassThrough(t *testing.T) {
	r, err := NewResampler(16000, 16000, 1)
	assert.NoError(t, err)
	in := []int16{1, -1, 32767, -32768}
	out, err := r.Process(in)
	assert.NoError(t, err)
	assert.Equal(t, in, out)
}
