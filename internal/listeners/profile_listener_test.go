package listeners

import (
	"bytes"
	"context"
	"testing"

	"VoiceForge/internal/models"
	stores "VoiceForge/pkg/storage"
	"VoiceForge/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileDeletedPurgesBlobs(t *testing.T) {
	util.Sig().Reset()
	t.Cleanup(util.Sig().Reset)

	store, err := stores.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	for _, key := range []string{
		stores.RawRecordingKey("p1", 0, []byte("x"), ".wav"),
		stores.ProcessedRecordingKey("p1", 0),
		stores.ModelKey("p1"),
		stores.RawRecordingKey("p2", 0, []byte("x"), ".wav"),
	} {
		require.NoError(t, store.Put(ctx, key, bytes.NewReader([]byte("x")), 1, "audio/wav"))
	}

	l := InitProfileListeners(store)
	util.Sig().Emit(models.SigProfileDeleted, "p1")
	l.Wait()

	ok, err := store.Exists(ctx, stores.ModelKey("p1"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Exists(ctx, stores.RawRecordingKey("p2", 0, []byte("x"), ".wav"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProfileReadyIgnoresUnexpectedSender(t *testing.T) {
	util.Sig().Reset()
	t.Cleanup(util.Sig().Reset)

	store, err := stores.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	InitProfileListeners(store)

	score := 0.9
	assert.NotPanics(t, func() {
		util.Sig().Emit(models.SigProfileReady, "not-a-profile")
		util.Sig().Emit(models.SigProfileReady, &models.VoiceProfile{ID: "p1", VoiceSimilarityScore: &score})
		util.Sig().Emit(models.SigProfileDeleted, 42)
	})
}
