package audio

import (
	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/voxhome/voxd/internal/util"
)

// Resampler converts 16-bit PCM between sample rates. Equal rates pass
// samples through untouched.
type Resampler struct {
	conv    resampling.Resampler
	inRate  int
	outRate int
}

// NewResampler creates a rate converter. When inRate equals outRate no
// converter is allocated and Process is a pass-through.
func NewResampler(inRate, outRate, channels int) (*Resampler, error) {
	r := &Resampler{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return r, nil
	}
	conv, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, util.WrapError("create resampler", err)
	}
	r.conv = conv
	return r, nil
}

// Process converts one frame of samples to the output rate.
func (r *Resampler) Process(samples []int16) ([]int16, error) {
	if r.conv == nil {
		return samples, nil
	}

	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s) / 32768.0
	}

	out, err := r.conv.Process(in)
	if err != nil {
		return nil, util.WrapError("resample audio", err)
	}

	res := make([]int16, len(out))
	for i, f := range out {
		switch {
		case f >= 1.0:
			res[i] = 32767
		case f <= -1.0:
			res[i] = -32768
		default:
			res[i] = int16(f * 32767.0)
		}
	}
	return res, nil
}
