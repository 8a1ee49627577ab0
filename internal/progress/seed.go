package progress

import (
	"context"
	"time"

	"VoiceForge/internal/models"

	"gorm.io/gorm"
)

// Loader rebuilds an event from persisted state for a subscriber that finds
// no cached event, e.g. after a restart or once the snapshot expired.
type Loader func(ctx context.Context, profileID string) (Event, bool)

// ProfileLoader reads the profile row.
func ProfileLoader(db *gorm.DB) Loader {
	return func(ctx context.Context, profileID string) (Event, bool) {
		p, err := models.GetProfile(db.WithContext(ctx), profileID)
		if err != nil {
			return Event{}, false
		}
		return EventFromProfile(p), true
	}
}

// EventFromProfile 由档案当前状态构造一条进度事件
func EventFromProfile(p *models.VoiceProfile) Event {
	ev := Event{
		ProfileID: p.ID,
		Progress:  p.TrainingProgress,
		Status:    p.Status,
		Timestamp: p.UpdatedAt.UTC(),
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	switch p.Status {
	case models.StatusPending, models.StatusRecording:
		ev.Step = "Waiting for training"
	case models.StatusProcessing:
		ev.Step = "Preprocessing recordings"
	case models.StatusTraining:
		ev.Step = "Training voice model"
	case models.StatusReady:
		ev.Progress = 1.0
		ev.Step = "Training complete!"
	case models.StatusFailed:
		ev.Progress = 0
		ev.Step = "Training failed"
		if p.TrainingError != nil && *p.TrainingError != "" {
			ev.Step += ": " + *p.TrainingError
		}
	case models.StatusArchived:
		ev.Step = "Archived"
	}
	return ev
}
