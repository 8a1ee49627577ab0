package models

import (
	"time"

	"gorm.io/gorm"
)

// Recording 每个 (档案, 句子序号) 只保留最新一次上传
type Recording struct {
	ID               uint            `json:"id" gorm:"primaryKey"`
	VoiceProfileID   string          `json:"voice_profile_id" gorm:"size:36;uniqueIndex:idx_recording_slot,priority:1"`
	PromptIndex      int             `json:"prompt_index" gorm:"uniqueIndex:idx_recording_slot,priority:2"`
	Status           RecordingStatus `json:"status" gorm:"size:20"`
	OriginalRef      string          `json:"-" gorm:"size:512"`
	ProcessedRef     string          `json:"-" gorm:"size:512"`
	FileSizeBytes    int64           `json:"file_size_bytes"`
	DurationSeconds  float64         `json:"duration_seconds"`
	SampleRate       int             `json:"sample_rate"`
	SNRDB            *float64        `json:"snr_db"`
	RMSLevel         *float64        `json:"rms_level"`
	ClippingDetected *bool           `json:"clipping_detected"`
	SilenceRatio     *float64        `json:"silence_ratio"`
	RejectionReason  *string         `json:"rejection_reason" gorm:"type:text"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Recording) TableName() string { return "recordings" }

// ListRecordings 按句子序号返回档案的全部录音
func ListRecordings(db *gorm.DB, profileID string) ([]Recording, error) {
	var recs []Recording
	err := db.Where("voice_profile_id = ?", profileID).Order("prompt_index ASC").Find(&recs).Error
	return recs, err
}

// ListAcceptedRecordings 通过质量门控的录音
func ListAcceptedRecordings(db *gorm.DB, profileID string) ([]Recording, error) {
	var recs []Recording
	err := db.Where("voice_profile_id = ? AND status = ?", profileID, RecordingProcessed).
		Order("prompt_index ASC").Find(&recs).Error
	return recs, err
}

// AcceptedTotals 统计通过的录音数与总时长
func AcceptedTotals(db *gorm.DB, profileID string) (count int, duration float64, err error) {
	var row struct {
		Count    int
		Duration float64
	}
	err = db.Model(&Recording{}).
		Select("COUNT(*) AS count, COALESCE(SUM(duration_seconds), 0) AS duration").
		Where("voice_profile_id = ? AND status = ?", profileID, RecordingProcessed).
		Scan(&row).Error
	return row.Count, row.Duration, err
}
