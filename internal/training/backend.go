package training

import (
	"context"
)

// Sample is one preprocessed take handed to the backend.
type Sample struct {
	RecordingID uint
	PromptIndex int
	WAV         []byte
}

// Result is what a successful training run produces.
type Result struct {
	Artifact        []byte
	ContentType     string
	SimilarityScore float64
}

// ProgressFunc receives the backend's own progress in [0,1].
type ProgressFunc func(fraction float64, step string)

// Backend turns accepted samples into a conditioning artifact. Errors are
// treated as TrainingFailure unless already classified.
type Backend interface {
	Train(ctx context.Context, profileID string, samples []Sample, progress ProgressFunc) (*Result, error)
}
