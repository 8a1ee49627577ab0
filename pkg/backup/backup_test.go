package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"VoiceForge/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID   uint
	Name string
}

func TestRunSnapshotsAndPrunes(t *testing.T) {
	db, err := util.InitDatabase("sqlite", "file::memory:", false)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&row{}))
	require.NoError(t, db.Create(&row{Name: "alice"}).Error)

	dir := t.TempDir()
	b := New(db, dir, 2)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		b.now = func() time.Time { return at }
		_, err := b.Run(context.Background())
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "voiceforge_backup_20260102_030505.db", entries[0].Name())
	assert.Equal(t, "voiceforge_backup_20260102_030605.db", entries[1].Name())

	snap, err := util.InitDatabase("sqlite", filepath.Join(dir, entries[1].Name()), false)
	require.NoError(t, err)
	var got row
	require.NoError(t, snap.First(&got).Error)
	assert.Equal(t, "alice", got.Name)
}

func TestRunRefusesToOverwrite(t *testing.T) {
	db, err := util.InitDatabase("sqlite", "file::memory:", false)
	require.NoError(t, err)
	b := New(db, t.TempDir(), 0)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return at }

	_, err = b.Run(context.Background())
	require.NoError(t, err)
	_, err = b.Run(context.Background())
	assert.Error(t, err)
}
