package audio

import (
	"math"
	"sort"
)

const (
	frameSeconds     = 0.025
	hopSeconds       = 0.010
	clipLevel        = 0.99
	clipSampleShare  = 0.001
	noiseFloorShare  = 10 // quietest 1/10 of frames
	silenceNoiseMult = 2.0
	epsilon          = 1e-10
)

// Metrics are the quality measurements stored on a Recording.
type Metrics struct {
	SNRDB            float64 `json:"snr_db"`
	RMSLevel         float64 `json:"rms_level"`
	ClippingDetected bool    `json:"clipping_detected"`
	SilenceRatio     float64 `json:"silence_ratio"`
}

// Analyze measures a mono clip. The noise floor is the mean RMS of the
// quietest tenth of 25 ms frames and the signal level is the mean of the
// louder half; silence is any frame under twice the noise floor.
func Analyze(samples []float64, sampleRate int) Metrics {
	if len(samples) == 0 || sampleRate <= 0 {
		return Metrics{SNRDB: 0, RMSLevel: round(20*math.Log10(epsilon), 2), SilenceRatio: 1}
	}

	frameRMS := framedRMS(samples, sampleRate)
	sorted := append([]float64(nil), frameRMS...)
	sort.Float64s(sorted)

	nNoise := len(sorted) / noiseFloorShare
	if nNoise < 1 {
		nNoise = 1
	}
	noise := mean(sorted[:nNoise])
	signal := mean(sorted[len(sorted)/2:])
	snr := 20 * math.Log10((signal+epsilon)/(noise+epsilon))

	threshold := noise * silenceNoiseMult
	silent := 0
	for _, r := range frameRMS {
		if r < threshold {
			silent++
		}
	}

	clipped := 0
	var sumSq float64
	for _, s := range samples {
		sumSq += s * s
		if math.Abs(s) > clipLevel {
			clipped++
		}
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))

	return Metrics{
		SNRDB:            round(snr, 2),
		RMSLevel:         round(20*math.Log10(rms+epsilon), 2),
		ClippingDetected: float64(clipped) > float64(len(samples))*clipSampleShare,
		SilenceRatio:     round(float64(silent)/float64(len(frameRMS)), 3),
	}
}

func framedRMS(samples []float64, sampleRate int) []float64 {
	frameLen := int(frameSeconds * float64(sampleRate))
	hop := int(hopSeconds * float64(sampleRate))
	if frameLen < 1 {
		frameLen = 1
	}
	if hop < 1 {
		hop = 1
	}
	if len(samples) < frameLen {
		return []float64{rmsOf(samples)}
	}
	n := 1 + (len(samples)-frameLen)/hop
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = rmsOf(samples[i*hop : i*hop+frameLen])
	}
	return out
}

func rmsOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x * x
	}
	return math.Sqrt(s / float64(len(xs)))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
