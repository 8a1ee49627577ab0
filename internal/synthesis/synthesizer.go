package synthesis

import (
	"context"
	"unicode/utf8"

	apperrors "VoiceForge/pkg/errors"
)

const (
	MaxTextRunes = 1000
	MinSpeed     = 0.5
	MaxSpeed     = 2.0
	DefaultSpeed = 1.0
)

// Preset trades quality for latency.
type Preset string

const (
	PresetUltraFast   Preset = "ultra_fast"
	PresetFast        Preset = "fast"
	PresetStandard    Preset = "standard"
	PresetHighQuality Preset = "high_quality"
)

func (p Preset) Valid() bool {
	switch p {
	case PresetUltraFast, PresetFast, PresetStandard, PresetHighQuality:
		return true
	}
	return false
}

// Request is one synthesis call. Model is the stored voice model artifact.
type Request struct {
	ProfileID string
	Text      string
	Model     []byte
	Preset    Preset
	Speed     float64
}

// Audio is the synthesized speech as a mono WAV.
type Audio struct {
	WAV        []byte
	SampleRate int
	Duration   float64
}

// Synthesizer renders text in the voice captured by a trained model.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}

// normalize fills defaults and rejects what no synthesizer accepts.
func (r *Request) normalize() error {
	if r.Preset == "" {
		r.Preset = PresetFast
	}
	if !r.Preset.Valid() {
		return apperrors.Ef(apperrors.KindValidation, "Unknown preset %q", string(r.Preset))
	}
	if r.Speed == 0 {
		r.Speed = DefaultSpeed
	}
	if r.Speed < MinSpeed || r.Speed > MaxSpeed {
		return apperrors.Ef(apperrors.KindValidation, "speed must be between %.1f and %.1f", MinSpeed, MaxSpeed)
	}
	if r.Text == "" {
		return apperrors.E(apperrors.KindValidation, "text is required")
	}
	if utf8.RuneCountInString(r.Text) > MaxTextRunes {
		return apperrors.Ef(apperrors.KindValidation, "text must be at most %d characters", MaxTextRunes)
	}
	return nil
}
