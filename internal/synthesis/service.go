package synthesis

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"math"
	"regexp"
	"strings"
	"time"

	"VoiceForge/internal/models"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/metrics"
	stores "VoiceForge/pkg/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var reAudioName = regexp.MustCompile(`^[0-9a-f]{32}\.wav$`)

// Result describes one stored synthesis.
type Result struct {
	ProfileID string
	Name      string
	Key       string
	Text      string
	Preset    Preset
	Duration  float64
	CreatedAt time.Time
}

// Service gates synthesis on a ready profile and keeps the output in the
// profile's storage prefix, so deleting the profile also removes it.
type Service struct {
	db    *gorm.DB
	store stores.Store
	synth Synthesizer
	log   *zap.Logger
}

func NewService(db *gorm.DB, store stores.Store, synth Synthesizer) *Service {
	return &Service{db: db, store: store, synth: synth, log: logger.Named("synthesis")}
}

// Generate synthesizes text with the owner's ready profile.
func (s *Service) Generate(ctx context.Context, ownerID string, req Request) (*Result, error) {
	res, err := s.generate(ctx, ownerID, req)
	switch {
	case err == nil:
		metrics.SynthesisTotal.WithLabelValues("ok").Inc()
	case apperrors.KindOf(err) == apperrors.KindInfrastructure:
		metrics.SynthesisTotal.WithLabelValues("error").Inc()
	default:
		metrics.SynthesisTotal.WithLabelValues("rejected").Inc()
	}
	return res, err
}

func (s *Service) generate(ctx context.Context, ownerID string, req Request) (*Result, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	p, err := s.readyProfile(ctx, req.ProfileID, ownerID)
	if err != nil {
		return nil, err
	}
	model, err := stores.ReadAll(ctx, s.store, *p.ModelRef)
	if err != nil {
		if stderrors.Is(err, stores.ErrObjectNotFound) {
			return nil, apperrors.E(apperrors.KindInvalidStateTransition, "Voice model not found for this profile")
		}
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Could not load voice model")
	}
	req.Model = model

	out, err := s.synth.Synthesize(ctx, req)
	if err != nil {
		s.log.Warn("synthesis failed", zap.String("profile_id", p.ID), zap.Error(err))
		return nil, err
	}

	name := strings.ReplaceAll(uuid.NewString(), "-", "") + ".wav"
	key := stores.SynthesizedKey(p.ID, name)
	if err := s.store.Put(ctx, key, bytes.NewReader(out.WAV), int64(len(out.WAV)), "audio/wav"); err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Could not store synthesized audio")
	}
	s.log.Info("speech synthesized", zap.String("profile_id", p.ID), zap.String("key", key),
		zap.Float64("duration", out.Duration), zap.String("preset", string(req.Preset)))
	return &Result{
		ProfileID: p.ID,
		Name:      name,
		Key:       key,
		Text:      req.Text,
		Preset:    req.Preset,
		Duration:  math.Round(out.Duration*100) / 100,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Open streams a stored synthesis back to the profile's owner.
func (s *Service) Open(ctx context.Context, ownerID, profileID, name string) (io.ReadCloser, error) {
	if !reAudioName.MatchString(name) {
		return nil, apperrors.E(apperrors.KindNotFound, "Audio not found")
	}
	if _, err := s.ownedProfile(ctx, profileID, ownerID); err != nil {
		return nil, err
	}
	rc, err := s.store.Get(ctx, stores.SynthesizedKey(profileID, name))
	if stderrors.Is(err, stores.ErrObjectNotFound) {
		return nil, apperrors.E(apperrors.KindNotFound, "Audio not found")
	}
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Could not load synthesized audio")
	}
	return rc, nil
}

func (s *Service) ownedProfile(ctx context.Context, id, ownerID string) (*models.VoiceProfile, error) {
	p, err := models.GetOwnedProfile(s.db.WithContext(ctx), id, ownerID)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.E(apperrors.KindNotFound, "Voice profile not found")
	}
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "load profile")
	}
	return p, nil
}

func (s *Service) readyProfile(ctx context.Context, id, ownerID string) (*models.VoiceProfile, error) {
	p, err := s.ownedProfile(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusReady {
		return nil, apperrors.Ef(apperrors.KindInvalidStateTransition, "Voice profile is %s, not ready for synthesis", p.Status)
	}
	if p.ModelRef == nil || *p.ModelRef == "" {
		return nil, apperrors.E(apperrors.KindInvalidStateTransition, "Voice model not found for this profile")
	}
	return p, nil
}
