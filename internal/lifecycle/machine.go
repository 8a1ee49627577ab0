// Package lifecycle owns every voice profile status change.
//
// Each transition is a single conditional UPDATE on (id, expected status). A
// caller that loses the race gets InvalidStateTransition and should re-read the
// profile instead of retrying.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"VoiceForge/internal/models"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Machine struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func New(db *gorm.DB) *Machine {
	return &Machine{
		db:  db,
		log: logger.Named("lifecycle"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves a profile from one status to another, applying extra
// column updates in the same statement.
func (m *Machine) Transition(ctx context.Context, profileID string, from, to models.ProfileStatus, extra map[string]any) error {
	return m.cas(m.db.WithContext(ctx), profileID, from, to, extra)
}

func (m *Machine) cas(tx *gorm.DB, profileID string, from, to models.ProfileStatus, extra map[string]any) error {
	if !models.CanTransition(from, to) {
		return apperrors.Ef(apperrors.KindInvalidStateTransition, "Cannot move voice profile from %s to %s", from, to)
	}
	updates := map[string]any{"status": to, "updated_at": m.now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.VoiceProfile{}).
		Where("id = ? AND status = ?", profileID, from).
		Updates(updates)
	if res.Error != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, res.Error, "update profile status")
	}
	if res.RowsAffected == 1 {
		m.log.Debug("profile transition", zap.String("profile_id", profileID),
			zap.String("from", string(from)), zap.String("to", string(to)))
		return nil
	}

	var n int64
	if err := tx.Model(&models.VoiceProfile{}).Where("id = ?", profileID).Count(&n).Error; err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, "load profile")
	}
	if n == 0 {
		return apperrors.E(apperrors.KindNotFound, "Voice profile not found")
	}
	return apperrors.Ef(apperrors.KindInvalidStateTransition, "Voice profile is no longer %s", from)
}

// Load 读取档案，不存在时返回 NotFound
func (m *Machine) Load(ctx context.Context, profileID string) (*models.VoiceProfile, error) {
	return load(m.db.WithContext(ctx), profileID)
}

func load(tx *gorm.DB, profileID string) (*models.VoiceProfile, error) {
	p, err := models.GetProfile(tx, profileID)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.E(apperrors.KindNotFound, "Voice profile not found")
	}
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "load profile")
	}
	return p, nil
}

// MarkRecording performs pending→recording after the first accepted sample.
// A profile already past pending is left alone.
func (m *Machine) MarkRecording(ctx context.Context, profileID string) error {
	err := m.Transition(ctx, profileID, models.StatusPending, models.StatusRecording, nil)
	if apperrors.Is(err, apperrors.ErrInvalidStateTransition) {
		return nil
	}
	return err
}

// RequestTraining checks the eligibility guard, moves the profile to
// processing and records a fresh queued job, all in one transaction.
func (m *Machine) RequestTraining(ctx context.Context, profileID, ownerID string, minRecordings int) (*models.TrainingJob, error) {
	var job *models.TrainingJob
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := load(tx, profileID)
		if err != nil {
			return err
		}
		if ownerID != "" && p.OwnerID != ownerID {
			return apperrors.E(apperrors.KindNotFound, "Voice profile not found")
		}
		switch {
		case p.Status == models.StatusProcessing || p.Status == models.StatusTraining:
			return apperrors.E(apperrors.KindInvalidStateTransition, "Training already in progress")
		case p.Status == models.StatusReady:
			return apperrors.E(apperrors.KindInvalidStateTransition, "Voice model already trained")
		case !p.Status.CanRequestTraining():
			return apperrors.Ef(apperrors.KindInvalidStateTransition, "Voice profile is %s", p.Status)
		}
		if p.TotalRecordings < minRecordings {
			return apperrors.Ef(apperrors.KindInvalidStateTransition,
				"Minimum %d recordings required. Currently have %d.", minRecordings, p.TotalRecordings)
		}
		if _, err := models.ActiveJob(tx, profileID); err == nil {
			return apperrors.E(apperrors.KindInvalidStateTransition, "Training already in progress")
		} else if !stderrors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "load active job")
		}

		now := m.now()
		err = m.cas(tx, profileID, p.Status, models.StatusProcessing, map[string]any{
			"training_progress":      0,
			"training_error":         nil,
			"training_started_at":    now,
			"training_completed_at":  nil,
			"voice_similarity_score": nil,
		})
		if err != nil {
			return err
		}
		job = &models.TrainingJob{
			VoiceProfileID: profileID,
			Stage:          models.StagePreprocessing,
			State:          models.JobQueued,
			Step:           "Queued",
		}
		if err := tx.Create(job).Error; err != nil {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "create training job")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// StartTraining performs processing→training once preprocessing succeeded.
func (m *Machine) StartTraining(ctx context.Context, profileID string) error {
	return m.Transition(ctx, profileID, models.StatusProcessing, models.StatusTraining, nil)
}

// Complete performs training→ready.
func (m *Machine) Complete(ctx context.Context, profileID string, score float64, modelRef string) error {
	return m.Transition(ctx, profileID, models.StatusTraining, models.StatusReady, map[string]any{
		"voice_similarity_score": score,
		"model_ref":              modelRef,
		"training_progress":      1.0,
		"training_completed_at":  m.now(),
		"training_error":         nil,
	})
}

// Fail moves a processing or training profile to failed with an already
// sanitized message.
func (m *Machine) Fail(ctx context.Context, profileID, reason string) error {
	p, err := m.Load(ctx, profileID)
	if err != nil {
		return err
	}
	if p.Status != models.StatusProcessing && p.Status != models.StatusTraining {
		return apperrors.Ef(apperrors.KindInvalidStateTransition, "Cannot fail voice profile in status %s", p.Status)
	}
	return m.Transition(ctx, profileID, p.Status, models.StatusFailed, map[string]any{
		"training_error":    reason,
		"training_progress": 0,
	})
}

// Archive moves any non-archived profile to archived and revokes its
// recording tokens.
func (m *Machine) Archive(ctx context.Context, profileID, ownerID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := load(tx, profileID)
		if err != nil {
			return err
		}
		if ownerID != "" && p.OwnerID != ownerID {
			return apperrors.E(apperrors.KindNotFound, "Voice profile not found")
		}
		if err := m.cas(tx, profileID, p.Status, models.StatusArchived, nil); err != nil {
			return err
		}
		err = tx.Model(&models.RecordingToken{}).
			Where("voice_profile_id = ? AND revoked_at IS NULL", profileID).
			Update("revoked_at", m.now()).Error
		if err != nil {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "revoke recording tokens")
		}
		return nil
	})
}

// SetProgress 仅在处理/训练中更新进度，档案已删除或已结束时静默忽略
func (m *Machine) SetProgress(ctx context.Context, profileID string, progress float64) error {
	err := m.db.WithContext(ctx).Model(&models.VoiceProfile{}).
		Where("id = ? AND status IN ?", profileID, []models.ProfileStatus{models.StatusProcessing, models.StatusTraining}).
		Updates(map[string]any{"training_progress": progress, "updated_at": m.now()}).Error
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, fmt.Sprintf("update progress of %s", profileID))
	}
	return nil
}
