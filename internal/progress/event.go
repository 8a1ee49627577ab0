// Package progress fans training checkpoints out to live subscribers and
// keeps the latest event per profile so late joiners are never left waiting.
package progress

import (
	"time"

	"VoiceForge/internal/models"
)

// Event is the payload pushed on the streaming channel.
type Event struct {
	ProfileID string               `json:"profile_id"`
	Progress  float64              `json:"progress"`
	Step      string               `json:"step"`
	Status    models.ProfileStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// Terminal reports whether no further automatic event follows.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// Publisher is what the pipeline needs from the broadcaster.
type Publisher interface {
	Publish(e Event)
}
