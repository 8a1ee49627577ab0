package synthesis

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"unicode"

	"VoiceForge/internal/audio"
	"VoiceForge/internal/training"
	apperrors "VoiceForge/pkg/errors"
)

const (
	runeSeconds  = 0.075
	wordSeconds  = 0.1
	pauseSeconds = 0.12
	fadeSeconds  = 0.01
	toneRate     = 22050
)

var presetHarmonics = map[Preset]int{
	PresetUltraFast:   2,
	PresetFast:        3,
	PresetStandard:    5,
	PresetHighQuality: 8,
}

// ToneSynthesizer voices text as a harmonic tone shaped by the speaker
// embedding of a built-in conditioning artifact: one syllable-length burst
// per word at the speaker's pitch and loudness. It stands in for an external
// synthesis engine when none is configured.
type ToneSynthesizer struct{}

func (ToneSynthesizer) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	var cond training.Conditioning
	if err := json.Unmarshal(req.Model, &cond); err != nil || len(cond.Embedding) < 3 {
		return nil, apperrors.E(apperrors.KindValidation, "Voice model format is not supported by the built-in synthesizer")
	}
	f0 := cond.Embedding[0]
	wobble := 0.0
	if len(cond.Embedding) > 1 {
		wobble = math.Min(cond.Embedding[1], f0*0.1)
	}
	// 训练时响度为 dBFS，限制在可听范围内
	amp := math.Pow(10, math.Max(math.Min(cond.Embedding[2], -6), -40)/20)

	words := strings.FieldsFunc(req.Text, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
	if len(words) == 0 {
		return nil, apperrors.E(apperrors.KindValidation, "text has nothing to speak")
	}
	harmonics := presetHarmonics[req.Preset]

	var out []float64
	pause := make([]float64, int(pauseSeconds/req.Speed*toneRate))
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secs := (wordSeconds + runeSeconds*float64(len([]rune(w)))) / req.Speed
		out = append(out, burst(secs, f0, wobble, amp, harmonics)...)
		if i < len(words)-1 {
			out = append(out, pause...)
		}
	}
	wav, err := audio.EncodeWAV16(out, toneRate)
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "encode synthesized audio")
	}
	return &Audio{WAV: wav, SampleRate: toneRate, Duration: float64(len(out)) / toneRate}, nil
}

func burst(secs, f0, wobble, amp float64, harmonics int) []float64 {
	n := int(secs * toneRate)
	fadeSecs := fadeSeconds
	fade := int(fadeSecs * toneRate)
	s := make([]float64, n)
	phase := 0.0
	for i := range s {
		t := float64(i) / toneRate
		// 5 Hz 颤音
		f := f0 + wobble*math.Sin(2*math.Pi*5*t)
		phase += 2 * math.Pi * f / toneRate
		v := 0.0
		for h := 1; h <= harmonics; h++ {
			v += math.Sin(float64(h)*phase) / float64(h)
		}
		env := 1.0
		if i < fade {
			env = float64(i) / float64(fade)
		} else if n-i < fade {
			env = float64(n-i) / float64(fade)
		}
		s[i] = amp * env * v / 2
	}
	return s
}
