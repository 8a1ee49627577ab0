package tokens

import (
	"context"
	"testing"
	"time"

	"VoiceForge/internal/models"
	"VoiceForge/pkg/cache"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, *models.VoiceProfile) {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "file::memory:", false)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	p := &models.VoiceProfile{OwnerID: "o", Name: "n"}
	require.NoError(t, db.Create(p).Error)
	return db, p
}

func TestGenerateIsRandomAndLong(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

func TestIssueAndResolve(t *testing.T) {
	db, p := setup(t)
	c := cache.NewLocalCache(cache.LocalConfig{MaxSize: 100})
	tk := New(db, c, 0)
	ctx := context.Background()

	tok, err := tk.Issue(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, tok)

	id, err := tk.Resolve(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, p.ID, id)

	stored, _ := models.GetProfile(db, p.ID)
	assert.Equal(t, tok, stored.RecordingToken)

	_, err = tk.Resolve(ctx, "unknown")
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestResolveExpired(t *testing.T) {
	db, p := setup(t)
	tk := New(db, nil, time.Hour)
	ctx := context.Background()

	tok, err := tk.Issue(ctx, nil, p.ID)
	require.NoError(t, err)

	tk.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	_, err = tk.Resolve(ctx, tok)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestRegenerateRevokesCachedToken(t *testing.T) {
	db, p := setup(t)
	c := cache.NewLocalCache(cache.LocalConfig{MaxSize: 100})
	tk := New(db, c, 0)
	ctx := context.Background()

	old, err := tk.Issue(ctx, nil, p.ID)
	require.NoError(t, err)
	_, err = tk.Resolve(ctx, old) // 进入缓存
	require.NoError(t, err)

	fresh, err := tk.Regenerate(ctx, p.ID)
	require.NoError(t, err)

	_, err = tk.Resolve(ctx, old)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	id, err := tk.Resolve(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, p.ID, id)
}

func TestPurge(t *testing.T) {
	db, p := setup(t)
	tk := New(db, nil, 0)
	ctx := context.Background()

	_, err := tk.Issue(ctx, nil, p.ID)
	require.NoError(t, err)
	require.NoError(t, tk.Revoke(ctx, nil, p.ID))

	tk.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	n, err := tk.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
