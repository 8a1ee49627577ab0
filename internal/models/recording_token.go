package models

import (
	"time"

	"gorm.io/gorm"
)

// RecordingToken 匿名录音链接令牌
type RecordingToken struct {
	Token          string     `gorm:"primaryKey;size:96"`
	VoiceProfileID string     `gorm:"size:36;index"`
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	CreatedAt      time.Time
}

func (RecordingToken) TableName() string { return "recording_tokens" }

// Expired 过期判断，到期时刻本身视为已过期
func (t *RecordingToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// PurgeRecordingTokens 删除撤销或过期早于 before 的令牌
func PurgeRecordingTokens(db *gorm.DB, before time.Time) (int64, error) {
	res := db.Where("(revoked_at IS NOT NULL AND revoked_at < ?) OR (expires_at IS NOT NULL AND expires_at < ?)", before, before).
		Delete(&RecordingToken{})
	return res.RowsAffected, res.Error
}
