package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"VoiceForge/pkg/config"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/scheduler"
	"VoiceForge/pkg/util"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const filePrefix = "voiceforge_backup_"

// Backup 对 sqlite 做一致性快照；其他驱动交给数据库自身的备份方案
type Backup struct {
	db   *gorm.DB
	dir  string
	keep int
	now  func() time.Time
}

func New(db *gorm.DB, dir string, keep int) *Backup {
	return &Backup{db: db, dir: dir, keep: keep, now: time.Now}
}

// Register 按 BACKUP_SCHEDULE 注册定时备份；非 sqlite 驱动直接跳过
func Register(cr *scheduler.Cron, cfg *config.Config, db *gorm.DB) error {
	if !cfg.BackupEnabled {
		return nil
	}
	if !util.IsSQLite(cfg.DBDriver) {
		logger.Warn("backup skipped: only sqlite is supported", zap.String("driver", cfg.DBDriver))
		return nil
	}
	b := New(db, cfg.BackupPath, cfg.BackupKeep)
	_, err := cr.Add(cfg.BackupSchedule, scheduler.FuncJob(func(ctx context.Context) {
		path, err := b.Run(ctx)
		if err != nil {
			logger.Warn("Backup failed", zap.Error(err))
			return
		}
		logger.Info("Backup completed successfully", zap.String("path", path))
	}))
	return err
}

// Run 执行一次 VACUUM INTO 快照并清理多余的旧备份
func (b *Backup) Run(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	dst := filepath.Join(b.dir, filePrefix+b.now().UTC().Format("20060102_150405")+".db")
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("backup %s already exists", filepath.Base(dst))
	}
	if err := b.db.WithContext(ctx).Exec("VACUUM INTO ?", dst).Error; err != nil {
		return "", fmt.Errorf("failed to snapshot sqlite database: %w", err)
	}
	if err := b.prune(); err != nil {
		logger.Warn("prune old backups", zap.Error(err))
	}
	return dst, nil
}

// prune 只保留最新的 keep 份
func (b *Backup) prune() error {
	if b.keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= b.keep {
		return nil
	}
	// 文件名里的时间戳可直接按字典序排序
	sort.Strings(names)
	for _, name := range names[:len(names)-b.keep] {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
			return err
		}
	}
	return nil
}
