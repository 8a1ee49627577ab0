package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := RawRecordingKey("p1", 3, []byte("RIFF"), ".wav")
	sum := sha256.Sum256([]byte("RIFF"))
	assert.Equal(t, "profiles/p1/recordings/raw/003-"+hex.EncodeToString(sum[:])+".wav", key)
	assert.NotEqual(t, key, RawRecordingKey("p1", 3, []byte("RIFF2"), ".wav"))

	require.NoError(t, s.Put(ctx, key, bytes.NewReader([]byte("RIFF")), 4, "audio/wav"))
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))

	// 覆盖写
	require.NoError(t, s.Put(ctx, key, bytes.NewReader([]byte("RIFF2")), 5, "audio/wav"))
	data, err = ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "RIFF2", string(data))
}

func TestLocalStoreMissingAndDelete(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "profiles/none/x.wav")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.NoError(t, s.Delete(ctx, "profiles/none/x.wav"))
}

func TestLocalStoreDeletePrefix(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, RawRecordingKey("p1", i, []byte("x"), ".wav"), bytes.NewReader([]byte("x")), 1, ""))
	}
	require.NoError(t, s.Put(ctx, ModelKey("p2"), bytes.NewReader([]byte("{}")), 2, ""))

	n, err := s.DeletePrefix(ctx, ProfilePrefix("p1"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, _ := s.Exists(ctx, ModelKey("p2"))
	assert.True(t, ok)

	n, err = s.DeletePrefix(ctx, ProfilePrefix("p1"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLocalStoreRejectsEscape(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	err = s.Put(context.Background(), "../outside.wav", bytes.NewReader(nil), 0, "")
	assert.Error(t, err)
}
