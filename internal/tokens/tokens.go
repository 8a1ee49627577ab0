// Package tokens issues and resolves anonymous recording-link tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stderrors "errors"
	"time"

	"VoiceForge/internal/models"
	"VoiceForge/pkg/cache"
	apperrors "VoiceForge/pkg/errors"

	"gorm.io/gorm"
)

// tokenBytes 48 字节随机数，base64url 后 64 字符
const tokenBytes = 48

const cachePrefix = "rectoken:"

type Tokenizer struct {
	db    *gorm.DB
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// New returns a Tokenizer. A zero ttl issues tokens that never expire;
// c may be nil.
func New(db *gorm.DB, c cache.Cache, ttl time.Duration) *Tokenizer {
	return &Tokenizer{db: db, cache: c, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Generate returns a fresh url-safe random token.
func Generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue creates a token for the profile inside tx (or the tokenizer's db when
// tx is nil) and mirrors it onto voice_profiles.recording_token.
func (t *Tokenizer) Issue(ctx context.Context, tx *gorm.DB, profileID string) (string, error) {
	if tx == nil {
		tx = t.db
	}
	tx = tx.WithContext(ctx)
	tok, err := Generate()
	if err != nil {
		return "", apperrors.WrapKind(apperrors.KindInfrastructure, err, "generate token")
	}
	row := &models.RecordingToken{Token: tok, VoiceProfileID: profileID}
	if t.ttl > 0 {
		exp := t.now().Add(t.ttl)
		row.ExpiresAt = &exp
	}
	if err := tx.Create(row).Error; err != nil {
		return "", apperrors.WrapKind(apperrors.KindInfrastructure, err, "store token")
	}
	if err := tx.Model(&models.VoiceProfile{}).Where("id = ?", profileID).
		Update("recording_token", tok).Error; err != nil {
		return "", apperrors.WrapKind(apperrors.KindInfrastructure, err, "attach token")
	}
	return tok, nil
}

// Resolve maps a token to its profile id.
func (t *Tokenizer) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperrors.E(apperrors.KindTokenInvalid, "Invalid recording link")
	}
	if t.cache != nil {
		if id, ok := t.cache.Get(ctx, cachePrefix+token); ok {
			return id, nil
		}
	}

	var row models.RecordingToken
	err := t.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperrors.E(apperrors.KindTokenInvalid, "Invalid recording link")
	}
	if err != nil {
		return "", apperrors.WrapKind(apperrors.KindInfrastructure, err, "resolve token")
	}
	if row.RevokedAt != nil {
		return "", apperrors.E(apperrors.KindTokenInvalid, "Invalid recording link")
	}
	now := t.now()
	if row.Expired(now) {
		return "", apperrors.E(apperrors.KindTokenExpired, "Recording link has expired")
	}

	if t.cache != nil {
		// 缓存不能比令牌本身活得久
		ttl := time.Minute
		if row.ExpiresAt != nil {
			if left := row.ExpiresAt.Sub(now); left < ttl {
				ttl = left
			}
		}
		_ = t.cache.Set(ctx, cachePrefix+token, row.VoiceProfileID, ttl)
	}
	return row.VoiceProfileID, nil
}

// Revoke invalidates every live token of the profile.
func (t *Tokenizer) Revoke(ctx context.Context, tx *gorm.DB, profileID string) error {
	if tx == nil {
		tx = t.db
	}
	tx = tx.WithContext(ctx)
	var live []string
	if err := tx.Model(&models.RecordingToken{}).
		Where("voice_profile_id = ? AND revoked_at IS NULL", profileID).
		Pluck("token", &live).Error; err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, "load tokens")
	}
	if len(live) == 0 {
		return nil
	}
	if err := tx.Model(&models.RecordingToken{}).Where("token IN ?", live).
		Update("revoked_at", t.now()).Error; err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, "revoke tokens")
	}
	t.Forget(ctx, live...)
	return nil
}

// Forget drops cached resolutions so revocation takes effect at once.
func (t *Tokenizer) Forget(ctx context.Context, tokens ...string) {
	if t.cache == nil {
		return
	}
	for _, tok := range tokens {
		_ = t.cache.Delete(ctx, cachePrefix+tok)
	}
}

// Regenerate revokes the current tokens and issues a new one.
func (t *Tokenizer) Regenerate(ctx context.Context, profileID string) (string, error) {
	var tok string
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := t.Revoke(ctx, tx, profileID); err != nil {
			return err
		}
		var err error
		tok, err = t.Issue(ctx, tx, profileID)
		return err
	})
	return tok, err
}

// Purge deletes tokens revoked or expired before the cutoff.
func (t *Tokenizer) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return models.PurgeRecordingTokens(t.db.WithContext(ctx), t.now().Add(-olderThan))
}
