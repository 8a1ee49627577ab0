package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts a mono signal between sample rates.
func Resample(samples []float64, from, to int) ([]float64, error) {
	if from == to || len(samples) == 0 {
		return samples, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	out, err := r.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", from, to, err)
	}
	return out, nil
}

// Trim settings: frames quieter than trimTopDB below the loudest frame count
// as silence at either end.
const (
	trimTopDB     = 25.0
	trimFrame     = 2048
	trimHop       = 512
	minKeptSecs   = 0.5
	padSecs       = 0.05
	targetLevelDB = -20.0
	peakCeiling   = 0.95
)

// TrimSilence cuts leading and trailing silence and pads both ends with
// 50 ms of zeros. Clips that would end up shorter than half a second are
// returned unchanged.
func TrimSilence(samples []float64, sampleRate int) []float64 {
	if len(samples) == 0 {
		return samples
	}
	frame, hop := trimFrame, trimHop
	if len(samples) < frame {
		frame = len(samples)
	}
	n := 1 + (len(samples)-frame)/hop
	levels := make([]float64, n)
	peak := 0.0
	for i := range levels {
		levels[i] = rmsOf(samples[i*hop : i*hop+frame])
		if levels[i] > peak {
			peak = levels[i]
		}
	}
	if peak == 0 {
		return samples
	}
	cut := peak * math.Pow(10, -trimTopDB/20)
	first, last := -1, -1
	for i, l := range levels {
		if l > cut {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return samples
	}
	start := first * hop
	end := last*hop + frame
	if end > len(samples) {
		end = len(samples)
	}
	if float64(end-start) < minKeptSecs*float64(sampleRate) {
		return samples
	}
	pad := int(padSecs * float64(sampleRate))
	out := make([]float64, 0, end-start+2*pad)
	out = append(out, make([]float64, pad)...)
	out = append(out, samples[start:end]...)
	out = append(out, make([]float64, pad)...)
	return out
}

// Normalize scales the signal to -20 dB RMS without letting the peak pass 0.95.
func Normalize(samples []float64) []float64 {
	rms := rmsOf(samples)
	gain := math.Pow(10, (targetLevelDB-20*math.Log10(rms+epsilon))/20)
	out := make([]float64, len(samples))
	peak := 0.0
	for i, s := range samples {
		out[i] = s * gain
		if a := math.Abs(out[i]); a > peak {
			peak = a
		}
	}
	if peak > peakCeiling {
		k := peakCeiling / peak
		for i := range out {
			out[i] *= k
		}
	}
	return out
}

// Processed is a training-ready take.
type Processed struct {
	WAV             []byte
	SampleRate      int
	DurationSeconds float64
	Metrics         Metrics
}

// Preprocess decodes a WAV, resamples it to targetRate, trims silence,
// normalizes loudness and re-encodes it as 16-bit mono.
func Preprocess(data []byte, targetRate int) (*Processed, error) {
	clip, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	samples, err := Resample(clip.Samples, clip.SampleRate, targetRate)
	if err != nil {
		return nil, err
	}
	samples = Normalize(TrimSilence(samples, targetRate))
	out, err := EncodeWAV16(samples, targetRate)
	if err != nil {
		return nil, fmt.Errorf("encode processed audio: %w", err)
	}
	return &Processed{
		WAV:             out,
		SampleRate:      targetRate,
		DurationSeconds: round(float64(len(samples))/float64(targetRate), 2),
		Metrics:         Analyze(samples, targetRate),
	}, nil
}
