package lifecycle

import (
	"context"
	"sync"
	"testing"

	"VoiceForge/internal/models"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "file::memory:", false)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedProfile(t *testing.T, db *gorm.DB, status models.ProfileStatus, total int) *models.VoiceProfile {
	t.Helper()
	p := &models.VoiceProfile{OwnerID: "owner", Name: "voice", Status: status, TotalRecordings: total}
	require.NoError(t, db.Create(p).Error)
	return p
}

func TestTransitionCAS(t *testing.T) {
	db := newTestDB(t)
	m := New(db)
	ctx := context.Background()
	p := seedProfile(t, db, models.StatusPending, 0)

	require.NoError(t, m.Transition(ctx, p.ID, models.StatusPending, models.StatusRecording, nil))

	// 过期的期望值
	err := m.Transition(ctx, p.ID, models.StatusPending, models.StatusRecording, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)

	// 非法边
	err = m.Transition(ctx, p.ID, models.StatusRecording, models.StatusReady, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)

	got, err := m.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRecording, got.Status)
}

func TestTransitionMissingProfile(t *testing.T) {
	m := New(newTestDB(t))
	err := m.Transition(context.Background(), "nope", models.StatusTraining, models.StatusReady, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestConcurrentTransitionOnlyOneWins(t *testing.T) {
	db := newTestDB(t)
	m := New(db)
	p := seedProfile(t, db, models.StatusPending, 0)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Transition(context.Background(), p.ID, models.StatusPending, models.StatusRecording, nil) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMarkRecordingIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	m := New(db)
	ctx := context.Background()
	p := seedProfile(t, db, models.StatusPending, 1)

	require.NoError(t, m.MarkRecording(ctx, p.ID))
	require.NoError(t, m.MarkRecording(ctx, p.ID))
	got, _ := m.Load(ctx, p.ID)
	assert.Equal(t, models.StatusRecording, got.Status)
}

func TestRequestTrainingGuard(t *testing.T) {
	db := newTestDB(t)
	m := New(db)
	ctx := context.Background()

	short := seedProfile(t, db, models.StatusRecording, 4)
	_, err := m.RequestTraining(ctx, short.ID, "owner", 5)
	require.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)
	assert.Contains(t, err.Error(), "Minimum 5 recordings required")
	got, _ := m.Load(ctx, short.ID)
	assert.Equal(t, models.StatusRecording, got.Status)

	ok := seedProfile(t, db, models.StatusRecording, 5)
	job, err := m.RequestTraining(ctx, ok.ID, "owner", 5)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.State)
	got, _ = m.Load(ctx, ok.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.NotNil(t, got.TrainingStartedAt)

	// 第二次请求被拒绝
	_, err = m.RequestTraining(ctx, ok.ID, "owner", 5)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)

	_, err = m.RequestTraining(ctx, ok.ID, "someone-else", 5)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTrainingHappyPathAndFailure(t *testing.T) {
	db := newTestDB(t)
	m := New(db)
	ctx := context.Background()

	p := seedProfile(t, db, models.StatusRecording, 5)
	_, err := m.RequestTraining(ctx, p.ID, "", 5)
	require.NoError(t, err)
	require.NoError(t, m.StartTraining(ctx, p.ID))
	require.NoError(t, m.Complete(ctx, p.ID, 0.87, "profiles/x/model/conditioning.json"))

	got, _ := m.Load(ctx, p.ID)
	assert.Equal(t, models.StatusReady, got.Status)
	require.NotNil(t, got.VoiceSimilarityScore)
	assert.InDelta(t, 0.87, *got.VoiceSimilarityScore, 1e-9)
	assert.Equal(t, 1.0, got.TrainingProgress)
	assert.NotNil(t, got.TrainingCompletedAt)

	// ready 之后不能再失败
	assert.ErrorIs(t, m.Fail(ctx, p.ID, "boom"), apperrors.ErrInvalidStateTransition)

	q := seedProfile(t, db, models.StatusRecording, 5)
	_, err = m.RequestTraining(ctx, q.ID, "", 5)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, q.ID, "Training failed"))
	got, _ = m.Load(ctx, q.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.TrainingError)
	assert.Equal(t, "Training failed", *got.TrainingError)

	// 失败后可以重新训练，但先要结束旧任务
	require.NoError(t, db.Model(&models.TrainingJob{}).Where("voice_profile_id = ?", q.ID).
		Update("state", models.JobFailed).Error)
	_, err = m.RequestTraining(ctx, q.ID, "", 5)
	require.NoError(t, err)
}

func TestArchive(t *testing.T) {
	db := newTestDB(t)
	m := New(db)
	ctx := context.Background()
	p := seedProfile(t, db, models.StatusReady, 5)
	require.NoError(t, db.Create(&models.RecordingToken{Token: "tok", VoiceProfileID: p.ID}).Error)

	require.NoError(t, m.Archive(ctx, p.ID, "owner"))
	var tok models.RecordingToken
	require.NoError(t, db.First(&tok, "token = ?", "tok").Error)
	assert.NotNil(t, tok.RevokedAt)

	assert.ErrorIs(t, m.Archive(ctx, p.ID, "owner"), apperrors.ErrInvalidStateTransition)
	_, err := m.RequestTraining(ctx, p.ID, "owner", 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStateTransition)
}
