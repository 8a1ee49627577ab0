package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the tunable sections of Config; unset keys keep env values.
type fileConfig struct {
	Pipeline struct {
		MinRecordingsForTraining *int     `toml:"min_recordings_for_training"`
		MaxRecordingsPerProfile  *int     `toml:"max_recordings_per_profile"`
		MinDurationSeconds       *float64 `toml:"min_recording_duration_seconds"`
		MaxDurationSeconds       *float64 `toml:"max_recording_duration_seconds"`
		AudioSampleRate          *int     `toml:"audio_sample_rate"`
		MinSNRDB                 *float64 `toml:"min_snr_db"`
		MinRMSDB                 *float64 `toml:"min_rms_db"`
		MaxSilenceRatio          *float64 `toml:"max_silence_ratio"`
		RecordingTokenTTL        *string  `toml:"recording_token_ttl"`
	} `toml:"pipeline"`
	Queue struct {
		PreprocessConcurrency *int    `toml:"preprocess_concurrency"`
		TrainingTimeout       *string `toml:"training_timeout"`
	} `toml:"queue"`
	Progress struct {
		TerminalGrace *string `toml:"terminal_grace"`
		SnapshotTTL   *string `toml:"snapshot_ttl"`
	} `toml:"progress"`
}

// ApplyFile overlays a TOML file onto cfg.
func ApplyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return ApplyTOML(cfg, data)
}

// ApplyTOML overlays TOML content onto cfg.
func ApplyTOML(cfg *Config, data []byte) error {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	p := &cfg.Pipeline
	setInt(&p.MinRecordingsForTraining, fc.Pipeline.MinRecordingsForTraining)
	setInt(&p.MaxRecordingsPerProfile, fc.Pipeline.MaxRecordingsPerProfile)
	setFloat(&p.MinDurationSeconds, fc.Pipeline.MinDurationSeconds)
	setFloat(&p.MaxDurationSeconds, fc.Pipeline.MaxDurationSeconds)
	setInt(&p.AudioSampleRate, fc.Pipeline.AudioSampleRate)
	setFloat(&p.MinSNRDB, fc.Pipeline.MinSNRDB)
	setFloat(&p.MinRMSDB, fc.Pipeline.MinRMSDB)
	setFloat(&p.MaxSilenceRatio, fc.Pipeline.MaxSilenceRatio)
	if err := setDuration(&p.RecordingTokenTTL, fc.Pipeline.RecordingTokenTTL); err != nil {
		return err
	}

	setInt(&cfg.Queue.PreprocessConcurrency, fc.Queue.PreprocessConcurrency)
	if err := setDuration(&cfg.Queue.TrainingTimeout, fc.Queue.TrainingTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Progress.TerminalGrace, fc.Progress.TerminalGrace); err != nil {
		return err
	}
	if err := setDuration(&cfg.Progress.SnapshotTTL, fc.Progress.SnapshotTTL); err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.MinRecordingsForTraining < 1:
		return fmt.Errorf("min_recordings_for_training must be >= 1")
	case p.MaxRecordingsPerProfile < p.MinRecordingsForTraining:
		return fmt.Errorf("max_recordings_per_profile (%d) < min_recordings_for_training (%d)",
			p.MaxRecordingsPerProfile, p.MinRecordingsForTraining)
	case p.MaxDurationSeconds <= p.MinDurationSeconds:
		return fmt.Errorf("max_recording_duration_seconds must exceed the minimum")
	case p.MaxSilenceRatio < 0 || p.MaxSilenceRatio > 1:
		return fmt.Errorf("max_silence_ratio must be within [0,1]")
	case c.Queue.PreprocessConcurrency < 1:
		return fmt.Errorf("preprocess_concurrency must be >= 1")
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", *v, err)
	}
	*dst = d
	return nil
}
