package listeners

import (
	"context"
	"sync"
	"time"

	"VoiceForge/internal/models"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/metrics"
	stores "VoiceForge/pkg/storage"
	"VoiceForge/pkg/util"

	"go.uber.org/zap"
)

const purgeTimeout = 5 * time.Minute

// ProfileListeners 档案生命周期信号的后台处理；Wait 供优雅退出时等待清理完成
type ProfileListeners struct {
	store stores.Store
	wg    sync.WaitGroup
	log   *zap.Logger
}

func InitProfileListeners(store stores.Store) *ProfileListeners {
	l := &ProfileListeners{store: store, log: logger.Named("listeners")}

	// profile deleted - purge its blobs in the background
	util.Sig().Connect(models.SigProfileDeleted, func(sender any, params ...any) {
		id, ok := sender.(string)
		if !ok || id == "" {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.purge(id)
		}()
	})

	util.Sig().Connect(models.SigProfileReady, func(sender any, params ...any) {
		p, ok := sender.(*models.VoiceProfile)
		if !ok {
			return
		}
		metrics.ProfilesReady.Inc()
		fields := []zap.Field{zap.String("profile_id", p.ID), zap.String("owner_id", p.OwnerID)}
		if p.VoiceSimilarityScore != nil {
			fields = append(fields, zap.Float64("similarity", *p.VoiceSimilarityScore))
		}
		l.log.Info("voice profile ready", fields...)
	})
	return l
}

func (l *ProfileListeners) purge(profileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	n, err := l.store.DeletePrefix(ctx, stores.ProfilePrefix(profileID))
	if err != nil {
		metrics.BlobPurges.WithLabelValues("error").Inc()
		l.log.Warn("purge profile blobs failed", zap.String("profile_id", profileID), zap.Error(err))
		return
	}
	metrics.BlobPurges.WithLabelValues("ok").Inc()
	l.log.Info("profile blobs purged", zap.String("profile_id", profileID), zap.Int("objects", n))
}

// Wait blocks until in-flight purges finish.
func (l *ProfileListeners) Wait() {
	l.wg.Wait()
}
