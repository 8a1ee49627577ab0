package config

import (
	"log"
	"os"
	"time"

	"VoiceForge/pkg/cache"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/util"
)

// config/config.go
type Config struct {
	DBDriver        string `env:"DB_DRIVER"`
	DSN             string `env:"DSN"`
	Log             logger.LogConfig
	Addr            string `env:"ADDR"`
	Mode            string `env:"MODE"`
	APIPrefix       string `env:"API_PREFIX"`
	APISecretKey    string `env:"API_SECRET_KEY"`
	FrontendBaseURL string `env:"FRONTEND_BASE_URL"`
	ConfigFile      string `env:"CONFIG_FILE"`

	Pipeline Pipeline
	Queue    Queue
	Storage  Storage
	Trainer  Trainer
	Progress Progress
	Cache    cache.Config

	UploadRateLimit string `env:"UPLOAD_RATE_LIMIT"`
	MetricsPrefix   string `env:"METRICS_PREFIX"`
	SystemMetrics   bool   `env:"SYSTEM_METRICS_ENABLED"`
	BackupEnabled   bool   `env:"BACKUP_ENABLED"`
	BackupPath      string `env:"BACKUP_PATH"`
	BackupSchedule  string `env:"BACKUP_SCHEDULE"`
	BackupKeep      int    `env:"BACKUP_KEEP"`
}

// Pipeline 录音门控与训练资格相关阈值
type Pipeline struct {
	MinRecordingsForTraining int           `env:"MIN_RECORDINGS_FOR_TRAINING" toml:"min_recordings_for_training"`
	MaxRecordingsPerProfile  int           `env:"MAX_RECORDINGS_PER_PROFILE" toml:"max_recordings_per_profile"`
	MinDurationSeconds       float64       `env:"MIN_RECORDING_DURATION_SECONDS" toml:"min_recording_duration_seconds"`
	MaxDurationSeconds       float64       `env:"MAX_RECORDING_DURATION_SECONDS" toml:"max_recording_duration_seconds"`
	MinUploadBytes           int64         `env:"MIN_UPLOAD_BYTES" toml:"min_upload_bytes"`
	MaxUploadBytes           int64         `env:"MAX_UPLOAD_BYTES" toml:"max_upload_bytes"`
	AudioSampleRate          int           `env:"AUDIO_SAMPLE_RATE" toml:"audio_sample_rate"`
	MinSNRDB                 float64       `env:"QUALITY_MIN_SNR_DB" toml:"min_snr_db"`
	MinRMSDB                 float64       `env:"QUALITY_MIN_RMS_DB" toml:"min_rms_db"`
	MaxSilenceRatio          float64       `env:"QUALITY_MAX_SILENCE_RATIO" toml:"max_silence_ratio"`
	RecordingTokenTTL        time.Duration `env:"RECORDING_TOKEN_TTL"`
}

// Queue 作业队列
type Queue struct {
	Driver                string        `env:"QUEUE_DRIVER"` // nats | memory
	NATSURL               string        `env:"NATS_URL"`
	NATSEmbedded          bool          `env:"NATS_EMBEDDED"`
	NATSStoreDir          string        `env:"NATS_STORE_DIR"`
	PreprocessConcurrency int           `env:"PREPROCESS_CONCURRENCY"`
	TrainingTimeout       time.Duration `env:"TRAINING_TIMEOUT"`
}

// Storage 音频与模型产物存储
type Storage struct {
	Driver    string `env:"STORAGE_DRIVER"` // local | minio
	LocalRoot string `env:"STORAGE_LOCAL_ROOT"`
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET"`
	UseSSL    bool   `env:"MINIO_USE_SSL"`
}

// Trainer 训练后端；URL 为空时使用内置条件提取
type Trainer struct {
	URL              string        `env:"TRAINER_URL"`
	Timeout          time.Duration `env:"TRAINER_TIMEOUT"`
	SynthesisTimeout time.Duration `env:"SYNTHESIS_TIMEOUT"`
}

// Progress 进度推送
type Progress struct {
	TerminalGrace time.Duration `env:"PROGRESS_TERMINAL_GRACE"`
	SnapshotTTL   time.Duration `env:"PROGRESS_SNAPSHOT_TTL"`
	BufferSize    int           `env:"PROGRESS_BUFFER_SIZE"`
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	err := util.LoadEnv(env)
	if err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	cfg := FromEnv()

	// 3. 可选 TOML 覆盖
	if cfg.ConfigFile != "" {
		if err := ApplyFile(cfg, cfg.ConfigFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// FromEnv builds a Config from the process environment with defaults applied.
func FromEnv() *Config {
	return &Config{
		DBDriver:        util.GetEnvOr("DB_DRIVER", "sqlite"),
		DSN:             util.GetEnvOr("DSN", "voiceforge.db"),
		Addr:            util.GetEnvOr("ADDR", ":8000"),
		Mode:            util.GetEnvOr("MODE", "debug"),
		APIPrefix:       util.GetEnvOr("API_PREFIX", "/api/v1"),
		APISecretKey:    util.GetEnv("API_SECRET_KEY"),
		FrontendBaseURL: util.GetEnvOr("FRONTEND_BASE_URL", "http://localhost:3000"),
		ConfigFile:      util.GetEnv("CONFIG_FILE"),
		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Pipeline: Pipeline{
			MinRecordingsForTraining: int(util.GetIntEnvOr("MIN_RECORDINGS_FOR_TRAINING", 5)),
			MaxRecordingsPerProfile:  int(util.GetIntEnvOr("MAX_RECORDINGS_PER_PROFILE", 50)),
			MinDurationSeconds:       util.GetFloatEnvOr("MIN_RECORDING_DURATION_SECONDS", 1),
			MaxDurationSeconds:       util.GetFloatEnvOr("MAX_RECORDING_DURATION_SECONDS", 30),
			MinUploadBytes:           util.GetIntEnvOr("MIN_UPLOAD_BYTES", 1000),
			MaxUploadBytes:           util.GetIntEnvOr("MAX_UPLOAD_BYTES", 50*1024*1024),
			AudioSampleRate:          int(util.GetIntEnvOr("AUDIO_SAMPLE_RATE", 22050)),
			MinSNRDB:                 util.GetFloatEnvOr("QUALITY_MIN_SNR_DB", 10),
			MinRMSDB:                 util.GetFloatEnvOr("QUALITY_MIN_RMS_DB", -40),
			MaxSilenceRatio:          util.GetFloatEnvOr("QUALITY_MAX_SILENCE_RATIO", 0.5),
			RecordingTokenTTL:        util.GetDurationEnvOr("RECORDING_TOKEN_TTL", 0),
		},
		Queue: Queue{
			Driver:                util.GetEnvOr("QUEUE_DRIVER", "nats"),
			NATSURL:               util.GetEnvOr("NATS_URL", "nats://127.0.0.1:4222"),
			NATSEmbedded:          util.GetBoolEnvOr("NATS_EMBEDDED", true),
			NATSStoreDir:          util.GetEnvOr("NATS_STORE_DIR", "data/jetstream"),
			PreprocessConcurrency: int(util.GetIntEnvOr("PREPROCESS_CONCURRENCY", 4)),
			TrainingTimeout:       util.GetDurationEnvOr("TRAINING_TIMEOUT", time.Hour),
		},
		Storage: Storage{
			Driver:    util.GetEnvOr("STORAGE_DRIVER", "local"),
			LocalRoot: util.GetEnvOr("STORAGE_LOCAL_ROOT", "data/blobs"),
			Endpoint:  util.GetEnv("MINIO_ENDPOINT"),
			AccessKey: util.GetEnv("MINIO_ACCESS_KEY"),
			SecretKey: util.GetEnv("MINIO_SECRET_KEY"),
			Bucket:    util.GetEnvOr("MINIO_BUCKET", "voiceforge-audio"),
			UseSSL:    util.GetBoolEnv("MINIO_USE_SSL"),
		},
		Trainer: Trainer{
			URL:              util.GetEnv("TRAINER_URL"),
			Timeout:          util.GetDurationEnvOr("TRAINER_TIMEOUT", 30*time.Minute),
			SynthesisTimeout: util.GetDurationEnvOr("SYNTHESIS_TIMEOUT", 2*time.Minute),
		},
		Progress: Progress{
			TerminalGrace: util.GetDurationEnvOr("PROGRESS_TERMINAL_GRACE", 3*time.Second),
			SnapshotTTL:   util.GetDurationEnvOr("PROGRESS_SNAPSHOT_TTL", time.Hour),
			BufferSize:    int(util.GetIntEnvOr("PROGRESS_BUFFER_SIZE", 32)),
		},
		Cache: cache.Config{
			Type: util.GetEnvOr("CACHE_TYPE", "local"),
			Redis: cache.RedisConfig{
				Addr:         util.GetEnvOr("REDIS_ADDR", "localhost:6379"),
				Password:     util.GetEnv("REDIS_PASSWORD"),
				DB:           int(util.GetIntEnv("REDIS_DB")),
				PoolSize:     int(util.GetIntEnvOr("REDIS_POOL_SIZE", 10)),
				MinIdleConns: int(util.GetIntEnvOr("REDIS_MIN_IDLE_CONNS", 2)),
				DialTimeout:  util.GetDurationEnvOr("REDIS_DIAL_TIMEOUT", 5*time.Second),
				ReadTimeout:  util.GetDurationEnvOr("REDIS_READ_TIMEOUT", 3*time.Second),
				WriteTimeout: util.GetDurationEnvOr("REDIS_WRITE_TIMEOUT", 3*time.Second),
			},
			Local: cache.LocalConfig{
				MaxSize:           int(util.GetIntEnvOr("LOCAL_CACHE_MAX_SIZE", 10000)),
				DefaultExpiration: util.GetDurationEnvOr("LOCAL_CACHE_DEFAULT_EXPIRATION", 5*time.Minute),
				CleanupInterval:   util.GetDurationEnvOr("LOCAL_CACHE_CLEANUP_INTERVAL", 10*time.Minute),
			},
		},
		UploadRateLimit: util.GetEnvOr("UPLOAD_RATE_LIMIT", "30-M"),
		MetricsPrefix:   util.GetEnvOr("METRICS_PREFIX", "/metrics"),
		SystemMetrics:   util.GetBoolEnv("SYSTEM_METRICS_ENABLED"),
		BackupEnabled:   util.GetBoolEnv("BACKUP_ENABLED"),
		BackupPath:      util.GetEnvOr("BACKUP_PATH", "backups"),
		BackupSchedule:  util.GetEnvOr("BACKUP_SCHEDULE", "0 3 * * *"),
		BackupKeep:      int(util.GetIntEnvOr("BACKUP_KEEP", 7)),
	}
}
