package models

import "gorm.io/gorm"

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&VoiceProfile{},
		&Recording{},
		&TrainingJob{},
		&RecordingToken{},
	)
}
