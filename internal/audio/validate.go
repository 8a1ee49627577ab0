package audio

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AllowedExtensions accepted at upload. Only WAV can be measured.
var AllowedExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".flac": true, ".ogg": true, ".webm": true,
}

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".webm": "audio/webm",
}

// ContentType for a stored upload with the given extension.
func ContentType(ext string) string {
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Limits bound an upload before any signal analysis.
type Limits struct {
	MinBytes     int64
	MaxBytes     int64
	MinDuration  float64
	MaxDuration  float64
	AnalysisRate int // metrics are measured at this rate
}

// Inspection is the result of a successful Inspect.
type Inspection struct {
	Clip            *Clip
	Extension       string
	DurationSeconds float64
	SampleRate      int
	Metrics         Metrics
}

// InvalidError explains why an upload cannot be evaluated.
type InvalidError struct{ Reason string }

func (e *InvalidError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// Inspect validates size, extension and duration, then measures the clip at
// the analysis rate.
func Inspect(data []byte, filename string, lim Limits) (*Inspection, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return nil, invalid("Unsupported audio format: %s. Allowed: .flac, .mp3, .ogg, .wav, .webm", ext)
	}
	if int64(len(data)) < lim.MinBytes {
		return nil, invalid("Audio file is too small - likely empty or corrupted")
	}
	if lim.MaxBytes > 0 && int64(len(data)) > lim.MaxBytes {
		return nil, invalid("Audio file exceeds %dMB size limit", lim.MaxBytes/(1024*1024))
	}

	clip, err := DecodeWAV(data)
	if err != nil {
		return nil, invalid("Cannot read audio file: %v", err)
	}
	dur := clip.Duration()
	if dur < lim.MinDuration {
		return nil, invalid("Recording too short - minimum %g second required", lim.MinDuration)
	}
	if lim.MaxDuration > 0 && dur > lim.MaxDuration {
		return nil, invalid("Recording too long - maximum %g seconds", lim.MaxDuration)
	}

	rate := lim.AnalysisRate
	if rate <= 0 {
		rate = clip.SampleRate
	}
	samples, err := Resample(clip.Samples, clip.SampleRate, rate)
	if err != nil {
		return nil, err
	}
	return &Inspection{
		Clip:            clip,
		Extension:       ext,
		DurationSeconds: round(dur, 2),
		SampleRate:      rate,
		Metrics:         Analyze(samples, rate),
	}, nil
}
