package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrainingJob 一次训练请求；同一 job id 的状态变更至多应用一次
type TrainingJob struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	VoiceProfileID string     `json:"voice_profile_id" gorm:"size:36;index"`
	Stage          JobStage   `json:"stage" gorm:"size:20"`
	State          JobState   `json:"state" gorm:"size:20;index"`
	Progress       float64    `json:"progress"`
	Step           string     `json:"step" gorm:"size:255"`
	Error          *string    `json:"error" gorm:"type:text"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (TrainingJob) TableName() string { return "training_jobs" }

func (j *TrainingJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.State == "" {
		j.State = JobQueued
	}
	if j.Stage == "" {
		j.Stage = StagePreprocessing
	}
	return nil
}

func GetTrainingJob(db *gorm.DB, id string) (*TrainingJob, error) {
	var j TrainingJob
	if err := db.Where("id = ?", id).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// ActiveJob 档案当前未结束的任务，没有则返回 gorm.ErrRecordNotFound
func ActiveJob(db *gorm.DB, profileID string) (*TrainingJob, error) {
	var j TrainingJob
	err := db.Where("voice_profile_id = ? AND state IN ?", profileID, []JobState{JobQueued, JobRunning}).
		Order("created_at DESC").First(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CASJobState 比较并交换任务状态；返回是否生效
func CASJobState(db *gorm.DB, id string, stage JobStage, from, to JobState, extra map[string]any) (bool, error) {
	updates := map[string]any{"state": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := db.Model(&TrainingJob{}).
		Where("id = ? AND stage = ? AND state = ?", id, stage, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// StaleRunningJobs 运行超过 cutoff 仍未结束的任务
func StaleRunningJobs(db *gorm.DB, cutoff time.Time) ([]TrainingJob, error) {
	var jobs []TrainingJob
	err := db.Where("state = ? AND started_at < ?", JobRunning, cutoff).Find(&jobs).Error
	return jobs, err
}

// UpdateJobProgress 记录运行中任务的进度与步骤
func UpdateJobProgress(db *gorm.DB, id string, progress float64, step string) error {
	return db.Model(&TrainingJob{}).
		Where("id = ? AND state = ?", id, JobRunning).
		Updates(map[string]any{"progress": progress, "step": step}).Error
}

// CancelActiveJobs 将档案未结束的任务标记为取消
func CancelActiveJobs(db *gorm.DB, profileID string, at time.Time) (int64, error) {
	res := db.Model(&TrainingJob{}).
		Where("voice_profile_id = ? AND state IN ?", profileID, []JobState{JobQueued, JobRunning}).
		Updates(map[string]any{"state": JobCancelled, "finished_at": at})
	return res.RowsAffected, res.Error
}

// StaleQueuedJobs 排队超过 cutoff 仍未被领取的任务；消息可能在提交后、投递前丢失
func StaleQueuedJobs(db *gorm.DB, cutoff time.Time) ([]TrainingJob, error) {
	var jobs []TrainingJob
	err := db.Where("state = ? AND updated_at < ?", JobQueued, cutoff).Order("created_at").Find(&jobs).Error
	return jobs, err
}

// TouchQueuedJob 刷新排队任务的 updated_at，避免下一轮重复补发
func TouchQueuedJob(db *gorm.DB, id string, stage JobStage, at time.Time) error {
	return db.Model(&TrainingJob{}).
		Where("id = ? AND stage = ? AND state = ?", id, stage, JobQueued).
		UpdateColumn("updated_at", at).Error
}
