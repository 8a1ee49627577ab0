package training

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"VoiceForge/internal/audio"
	apperrors "VoiceForge/pkg/errors"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	pitchMinHz   = 70.0
	pitchMaxHz   = 400.0
	voicedRatio  = 0.3
	frameSeconds = 0.04
)

// Conditioning is the artifact written by ConditioningBackend.
type Conditioning struct {
	Version         string    `json:"version"`
	Engine          string    `json:"engine"`
	SampleRate      int       `json:"sample_rate"`
	Samples         int       `json:"samples"`
	Embedding       []float64 `json:"speaker_embedding"`
	EmbeddingStdDev []float64 `json:"speaker_embedding_stddev"`
	SimilarityScore float64   `json:"similarity_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConditioningBackend derives a compact speaker embedding (pitch, loudness,
// brightness and voicing statistics) from the samples. It stands in for an
// external trainer when none is configured.
type ConditioningBackend struct{}

func (ConditioningBackend) Train(ctx context.Context, profileID string, samples []Sample, progress ProgressFunc) (*Result, error) {
	if len(samples) == 0 {
		return nil, apperrors.E(apperrors.KindTrainingFailure, "At least 1 audio sample required")
	}
	total := len(samples) + 1
	vectors := make([][]float64, 0, len(samples))
	rate := 0
	for i, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clip, err := audio.DecodeWAV(s.WAV)
		if err != nil {
			return nil, apperrors.WrapKind(apperrors.KindTrainingFailure, err,
				fmt.Sprintf("Could not read processed sample %d", s.PromptIndex))
		}
		rate = clip.SampleRate
		if v := features(clip.Samples, clip.SampleRate); v != nil {
			vectors = append(vectors, v)
		}
		if progress != nil {
			progress(float64(i+1)/float64(total), fmt.Sprintf("Processing audio sample %d/%d", i+1, len(samples)))
		}
	}
	if len(vectors) == 0 {
		return nil, apperrors.E(apperrors.KindTrainingFailure, "No voiced audio found in samples")
	}

	dims := len(vectors[0])
	centroid := make([]float64, dims)
	spread := make([]float64, dims)
	column := make([]float64, len(vectors))
	for d := 0; d < dims; d++ {
		for i, v := range vectors {
			column[i] = v[d]
		}
		centroid[d], spread[d] = stat.MeanStdDev(column, nil)
		if math.IsNaN(spread[d]) {
			spread[d] = 0
		}
	}
	score := consistency(vectors, centroid)

	art := Conditioning{
		Version:         "1.0",
		Engine:          "voiceforge-conditioning",
		SampleRate:      rate,
		Samples:         len(vectors),
		Embedding:       centroid,
		EmbeddingStdDev: spread,
		SimilarityScore: score,
		CreatedAt:       time.Now().UTC(),
	}
	raw, err := json.Marshal(art)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(1, "Extracting voice conditioning latents")
	}
	return &Result{Artifact: raw, ContentType: "application/json", SimilarityScore: score}, nil
}

// features returns [median pitch Hz, pitch spread, mean RMS dB, zero
// crossing rate, voiced share] or nil for a clip with no voiced frames.
func features(samples []float64, rate int) []float64 {
	frame := int(frameSeconds * float64(rate))
	if frame <= 0 || len(samples) < frame {
		return nil
	}
	var pitches, levels []float64
	crossings, voiced, frames := 0, 0, 0
	for start := 0; start+frame <= len(samples); start += frame / 2 {
		w := samples[start : start+frame]
		frames++
		level := math.Sqrt(floats.Dot(w, w) / float64(len(w)))
		levels = append(levels, 20*math.Log10(level+1e-10))
		for i := 1; i < len(w); i++ {
			if (w[i-1] < 0) != (w[i] < 0) {
				crossings++
			}
		}
		if f0, ok := pitch(w, rate); ok {
			pitches = append(pitches, f0)
			voiced++
		}
	}
	if len(pitches) == 0 {
		return nil
	}
	sort.Float64s(pitches)
	median := stat.Quantile(0.5, stat.Empirical, pitches, nil)
	_, pitchSD := stat.MeanStdDev(pitches, nil)
	if math.IsNaN(pitchSD) {
		pitchSD = 0
	}
	zcr := float64(crossings) / float64(frames*frame)
	return []float64{median, pitchSD, stat.Mean(levels, nil), zcr, float64(voiced) / float64(frames)}
}

// pitch estimates f0 by normalized autocorrelation inside the speech range.
func pitch(w []float64, rate int) (float64, bool) {
	energy := floats.Dot(w, w)
	if energy < 1e-6 {
		return 0, false
	}
	minLag := int(float64(rate) / pitchMaxHz)
	maxLag := int(float64(rate) / pitchMinHz)
	if maxLag >= len(w) {
		maxLag = len(w) - 1
	}
	best, bestLag := 0.0, 0
	for lag := minLag; lag <= maxLag; lag++ {
		r := floats.Dot(w[:len(w)-lag], w[lag:]) / energy
		if r > best {
			best, bestLag = r, lag
		}
	}
	if bestLag == 0 || best < voicedRatio {
		return 0, false
	}
	return float64(rate) / float64(bestLag), true
}

// consistency maps the mean normalized distance of each sample from the
// centroid onto (0,1]; identical samples score 1.
func consistency(vectors [][]float64, centroid []float64) float64 {
	if len(vectors) < 2 {
		return 1
	}
	dist := make([]float64, len(vectors))
	diff := make([]float64, len(centroid))
	for i, v := range vectors {
		for d := range v {
			scale := math.Abs(centroid[d])
			if scale < 1e-6 {
				scale = 1
			}
			diff[d] = (v[d] - centroid[d]) / scale
		}
		dist[i] = floats.Norm(diff, 2)
	}
	score := 1 / (1 + stat.Mean(dist, nil))
	return math.Round(score*1000) / 1000
}
