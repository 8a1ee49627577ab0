package models

import "fmt"

// ProfileStatus 声音档案生命周期状态
type ProfileStatus string

const (
	StatusPending    ProfileStatus = "pending"
	StatusRecording  ProfileStatus = "recording"
	StatusProcessing ProfileStatus = "processing"
	StatusTraining   ProfileStatus = "training"
	StatusReady      ProfileStatus = "ready"
	StatusFailed     ProfileStatus = "failed"
	StatusArchived   ProfileStatus = "archived"
)

// AllStatuses in lifecycle order.
var AllStatuses = []ProfileStatus{
	StatusPending, StatusRecording, StatusProcessing, StatusTraining,
	StatusReady, StatusFailed, StatusArchived,
}

// transitions 是唯一的合法边表，未列出的迁移一律拒绝
var transitions = map[ProfileStatus]map[ProfileStatus]bool{
	StatusPending: {
		StatusRecording:  true,
		StatusProcessing: true,
		StatusArchived:   true,
	},
	StatusRecording: {
		StatusProcessing: true,
		StatusArchived:   true,
	},
	StatusProcessing: {
		StatusTraining: true,
		StatusFailed:   true,
		StatusArchived: true,
	},
	StatusTraining: {
		StatusReady:    true,
		StatusFailed:   true,
		StatusArchived: true,
	},
	StatusReady: {
		StatusArchived: true,
	},
	StatusFailed: {
		// 失败后允许显式重新训练
		StatusProcessing: true,
		StatusArchived:   true,
	},
	StatusArchived: {},
}

func (s ProfileStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from→to is an edge of the lifecycle.
func CanTransition(from, to ProfileStatus) bool {
	return transitions[from][to]
}

// AcceptsRecordings 仅 pending/recording 接收录音
func (s ProfileStatus) AcceptsRecordings() bool {
	return s == StatusPending || s == StatusRecording
}

// CanRequestTraining lists the statuses from which an owner may start training.
func (s ProfileStatus) CanRequestTraining() bool {
	return s == StatusPending || s == StatusRecording || s == StatusFailed
}

// Terminal 无自动后续迁移的状态
func (s ProfileStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusArchived
}

func (s ProfileStatus) String() string { return string(s) }

func ParseProfileStatus(v string) (ProfileStatus, error) {
	s := ProfileStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown profile status %q", v)
	}
	return s, nil
}

// RecordingStatus 单条录音状态
type RecordingStatus string

const (
	RecordingUploaded   RecordingStatus = "uploaded"
	RecordingProcessing RecordingStatus = "processing"
	RecordingProcessed  RecordingStatus = "processed"
	RecordingRejected   RecordingStatus = "rejected"
	RecordingFailed     RecordingStatus = "failed"
)

// Accepted 通过质量门控的录音计入训练样本
func (s RecordingStatus) Accepted() bool {
	return s == RecordingProcessed
}

// JobStage / JobState 训练任务的阶段与状态
type JobStage string

const (
	StagePreprocessing JobStage = "preprocessing"
	StageTraining      JobStage = "training"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}
