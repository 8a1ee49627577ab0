package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VoiceProfile 声音档案，状态只能经由 lifecycle 包迁移
type VoiceProfile struct {
	ID                   string        `json:"id" gorm:"primaryKey;size:36"`
	OwnerID              string        `json:"owner_id" gorm:"size:64;index"`
	Name                 string        `json:"name" gorm:"size:255"`
	Description          string        `json:"description,omitempty" gorm:"type:text"`
	Language             string        `json:"language" gorm:"size:16;default:ne"`
	Status               ProfileStatus `json:"status" gorm:"size:20;index;default:pending"`
	RecordingToken       string        `json:"-" gorm:"size:96;index"`
	TotalRecordings      int           `json:"total_recordings"`
	TotalDurationSeconds float64       `json:"total_duration_seconds"`
	TrainingProgress     float64       `json:"training_progress"`
	VoiceSimilarityScore *float64      `json:"voice_similarity_score"`
	ModelRef             *string       `json:"-" gorm:"size:512"`
	TrainingStartedAt    *time.Time    `json:"training_started_at"`
	TrainingCompletedAt  *time.Time    `json:"training_completed_at"`
	TrainingError        *string       `json:"training_error" gorm:"type:text"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func (VoiceProfile) TableName() string { return "voice_profiles" }

func (p *VoiceProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.Language == "" {
		p.Language = "ne"
	}
	return nil
}

// GetProfile 按ID获取档案
func GetProfile(db *gorm.DB, id string) (*VoiceProfile, error) {
	var p VoiceProfile
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOwnedProfile 仅返回属于 ownerID 的档案
func GetOwnedProfile(db *gorm.DB, id, ownerID string) (*VoiceProfile, error) {
	var p VoiceProfile
	if err := db.Where("id = ? AND owner_id = ?", id, ownerID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfiles 分页列出某用户的档案，按创建时间倒序
func ListProfiles(db *gorm.DB, ownerID string, page, pageSize int) ([]VoiceProfile, int64, error) {
	var (
		profiles []VoiceProfile
		total    int64
	)
	q := db.Model(&VoiceProfile{}).Where("owner_id = ?", ownerID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&profiles).Error
	if err != nil {
		return nil, 0, err
	}
	return profiles, total, nil
}
