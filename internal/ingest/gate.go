// Package ingest accepts recordings uploaded through a recording link, scores
// them and keeps the profile's accepted-sample totals exact.
package ingest

import (
	"bytes"
	"context"
	stderrors "errors"
	"time"

	"VoiceForge/internal/audio"
	"VoiceForge/internal/lifecycle"
	"VoiceForge/internal/models"
	"VoiceForge/internal/tokens"
	"VoiceForge/pkg/config"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/metrics"
	stores "VoiceForge/pkg/storage"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	notAccepting      = "This voice profile is no longer accepting recordings"
	blobDeleteTimeout = 30 * time.Second
)

type Gate struct {
	db         *gorm.DB
	tokens     *tokens.Tokenizer
	machine    *lifecycle.Machine
	store      stores.Store
	cfg        config.Pipeline
	thresholds Thresholds
	log        *zap.Logger
}

func NewGate(db *gorm.DB, tk *tokens.Tokenizer, m *lifecycle.Machine, store stores.Store, cfg config.Pipeline) *Gate {
	return &Gate{
		db:         db,
		tokens:     tk,
		machine:    m,
		store:      store,
		cfg:        cfg,
		thresholds: ThresholdsFrom(cfg),
		log:        logger.Named("ingest"),
	}
}

// Upload is one take submitted through a recording link.
type Upload struct {
	Token       string
	PromptIndex int
	Filename    string
	Data        []byte
}

// Outcome is returned for both accepted and rejected takes.
type Outcome struct {
	RecordingID    uint                   `json:"recording_id"`
	Status         models.RecordingStatus `json:"status"`
	QualityMetrics *audio.Metrics         `json:"quality_metrics"`
	Message        string                 `json:"message"`
}

// Evaluate scores the upload and stores it in its slot, superseding any
// earlier take for the same prompt index.
func (g *Gate) Evaluate(ctx context.Context, up Upload) (*Outcome, error) {
	start := time.Now()
	profileID, err := g.tokens.Resolve(ctx, up.Token)
	if err != nil {
		return nil, err
	}
	if up.PromptIndex < 0 {
		return nil, apperrors.Ef(apperrors.KindValidation, "Recording number %d is out of range", up.PromptIndex)
	}
	if up.PromptIndex >= g.cfg.MaxRecordingsPerProfile {
		metrics.RecordingsTotal.WithLabelValues("quota_exceeded").Inc()
		return nil, apperrors.Ef(apperrors.KindQuotaExceeded,
			"Recording number %d is out of range (max %d recordings)", up.PromptIndex, g.cfg.MaxRecordingsPerProfile)
	}

	profile, err := g.machine.Load(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if !profile.Status.AcceptsRecordings() {
		return nil, apperrors.E(apperrors.KindValidation, notAccepting)
	}

	ins, err := audio.Inspect(up.Data, up.Filename, audio.Limits{
		MinBytes:     g.cfg.MinUploadBytes,
		MaxBytes:     g.cfg.MaxUploadBytes,
		MinDuration:  g.cfg.MinDurationSeconds,
		MaxDuration:  g.cfg.MaxDurationSeconds,
		AnalysisRate: g.cfg.AudioSampleRate,
	})
	if err != nil {
		var inv *audio.InvalidError
		if stderrors.As(err, &inv) {
			metrics.RecordingsTotal.WithLabelValues("invalid").Inc()
			return nil, apperrors.WrapKind(apperrors.KindValidation, err, inv.Reason)
		}
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "analyze audio")
	}
	accepted, reason := g.thresholds.Judge(ins.Metrics)

	key := stores.RawRecordingKey(profileID, up.PromptIndex, up.Data, ins.Extension)
	if err := g.store.Put(ctx, key, bytes.NewReader(up.Data), int64(len(up.Data)), audio.ContentType(ins.Extension)); err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "store recording")
	}

	m := ins.Metrics
	rec := models.Recording{
		VoiceProfileID:   profileID,
		PromptIndex:      up.PromptIndex,
		Status:           models.RecordingProcessed,
		OriginalRef:      key,
		FileSizeBytes:    int64(len(up.Data)),
		DurationSeconds:  ins.DurationSeconds,
		SampleRate:       ins.SampleRate,
		SNRDB:            &m.SNRDB,
		RMSLevel:         &m.RMSLevel,
		ClippingDetected: &m.ClippingDetected,
		SilenceRatio:     &m.SilenceRatio,
	}
	if !accepted {
		rec.Status = models.RecordingRejected
		rec.RejectionReason = &reason
	}

	saved, superseded, err := g.saveSlot(ctx, rec)
	if err != nil {
		return nil, err
	}
	if superseded != "" && superseded != key {
		g.dropBlob(superseded)
	}

	if accepted {
		if err := g.machine.MarkRecording(ctx, profileID); err != nil {
			g.log.Warn("pending->recording failed", zap.String("profile_id", profileID), zap.Error(err))
		}
	}

	out := &Outcome{
		RecordingID:    saved.ID,
		Status:         saved.Status,
		QualityMetrics: &m,
		Message:        "Recording uploaded successfully",
	}
	if !accepted {
		out.Message = "Recording rejected: " + reason
	}
	metrics.RecordingsTotal.WithLabelValues(string(saved.Status)).Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	g.log.Info("recording evaluated",
		zap.String("profile_id", profileID),
		zap.Int("prompt_index", up.PromptIndex),
		zap.String("status", string(saved.Status)),
		zap.Float64("snr_db", m.SNRDB),
		zap.Float64("silence_ratio", m.SilenceRatio))
	return out, nil
}

// saveSlot overwrites the slot and recounts the accepted totals while holding
// the profile row, so concurrent uploads to other slots cannot lose updates.
// It also returns the raw blob of the take it replaced, if any.
func (g *Gate) saveSlot(ctx context.Context, rec models.Recording) (*models.Recording, string, error) {
	var superseded string
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.VoiceProfile
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", rec.VoiceProfileID).First(&p).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.E(apperrors.KindNotFound, "Voice profile not found")
		}
		if err != nil {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "lock profile")
		}
		if !p.Status.AcceptsRecordings() {
			return apperrors.E(apperrors.KindValidation, notAccepting)
		}

		var existing models.Recording
		err = tx.Where("voice_profile_id = ? AND prompt_index = ?", rec.VoiceProfileID, rec.PromptIndex).
			First(&existing).Error
		switch {
		case err == nil:
			superseded = existing.OriginalRef
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			if err := tx.Save(&rec).Error; err != nil {
				return apperrors.WrapKind(apperrors.KindInfrastructure, err, "overwrite recording")
			}
		case stderrors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&rec).Error; err != nil {
				return apperrors.WrapKind(apperrors.KindInfrastructure, err, "create recording")
			}
		default:
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "load slot")
		}

		count, dur, err := models.AcceptedTotals(tx, rec.VoiceProfileID)
		if err != nil {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "count recordings")
		}
		err = tx.Model(&models.VoiceProfile{}).Where("id = ?", rec.VoiceProfileID).
			Updates(map[string]any{
				"total_recordings":       count,
				"total_duration_seconds": dur,
				"updated_at":             time.Now().UTC(),
			}).Error
		if err != nil {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "update totals")
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return &rec, superseded, nil
}

// dropBlob 删除被覆盖的原始录音；失败只记日志，删除档案时会按前缀清理
func (g *Gate) dropBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), blobDeleteTimeout)
	defer cancel()
	if err := g.store.Delete(ctx, key); err != nil {
		g.log.Warn("delete superseded recording", zap.String("key", key), zap.Error(err))
	}
}
