// Package wakeword provides the voice-activity gate and wake-phrase hook.
// It consumes the mono capture tap and reports speaking transitions and
// wake-word hits; the acoustic model behind phrase detection is pluggable.
package wakeword

import (
	"math"
	"sync"

	"github.com/voxhome/voxd/internal/types"
)

// PhraseDetector recognizes a wake phrase in a PCM stream. Feed is called
// once per capture frame; it returns the phrase on a hit. Implementations
// need not be safe for concurrent use; the gate serializes calls.
type PhraseDetector interface {
	Feed(pcm []int16) (phrase string, detected bool)
	Reset()
}

// Gate turns capture frames into speaking/not-speaking transitions using an
// RMS energy threshold with a hold-off, so a single loud or quiet frame
// cannot flip the state.
type Gate struct {
	thresholdDB float64
	holdMs      int
	detector    PhraseDetector

	onSpeaking func(speaking bool)
	onWake     func(phrase string)

	mu         sync.Mutex
	enabled    bool
	speaking   bool
	msAbove    int
	msBelow    int
	lastPhrase string
}

// New creates a gate. thresholdDB is in dBFS (negative; quieter frames are
// below it), holdMs is the sustained duration a level must hold before the
// state flips. detector may be nil when no wake phrase model is installed.
func New(thresholdDB float64, holdMs int, detector PhraseDetector) *Gate {
	return &Gate{thresholdDB: thresholdDB, holdMs: holdMs, detector: detector}
}

// OnSpeakingChange registers the transition callback. Set before feeding.
func (g *Gate) OnSpeakingChange(fn func(bool)) { g.onSpeaking = fn }

// OnWakeWord registers the wake-phrase callback. Set before feeding.
func (g *Gate) OnWakeWord(fn func(string)) { g.onWake = fn }

// SetEnabled switches the gate. Disabling resets speaking state and the
// phrase detector.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.speaking = false
	g.msAbove = 0
	g.msBelow = 0
	g.mu.Unlock()
	if !enabled && g.detector != nil {
		g.detector.Reset()
	}
}

// IsSpeaking reports the current voice-activity state.
func (g *Gate) IsSpeaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// LastPhrase returns the most recently detected wake phrase.
func (g *Gate) LastPhrase() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastPhrase
}

// Feed consumes one mono encode-rate frame. It runs on the capture loop.
func (g *Gate) Feed(pcm []int16) {
	g.mu.Lock()
	if !g.enabled || len(pcm) == 0 {
		g.mu.Unlock()
		return
	}

	frameMs := len(pcm) * 1000 / types.EncodeSampleRate
	level := levelDB(pcm)

	var transition *bool
	if level >= g.thresholdDB {
		g.msAbove += frameMs
		g.msBelow = 0
		if !g.speaking && g.msAbove >= g.holdMs {
			g.speaking = true
			t := true
			transition = &t
		}
	} else {
		g.msBelow += frameMs
		g.msAbove = 0
		if g.speaking && g.msBelow >= g.holdMs {
			g.speaking = false
			t := false
			transition = &t
		}
	}
	g.mu.Unlock()

	if transition != nil && g.onSpeaking != nil {
		g.onSpeaking(*transition)
	}

	if g.detector == nil {
		return
	}
	if phrase, ok := g.detector.Feed(pcm); ok {
		g.mu.Lock()
		g.lastPhrase = phrase
		g.mu.Unlock()
		if g.onWake != nil {
			g.onWake(phrase)
		}
	}
}

// levelDB computes the RMS level of a frame in dBFS.
func levelDB(pcm []int16) float64 {
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	if rms < 1 {
		rms = 1
	}
	return 20 * math.Log10(rms/32768.0)
}
