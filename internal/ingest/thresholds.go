package ingest

import (
	"fmt"

	"VoiceForge/internal/audio"
	"VoiceForge/pkg/config"
)

// Thresholds a take must meet to count toward training.
type Thresholds struct {
	MinSNRDB        float64
	MinRMSDB        float64
	MaxSilenceRatio float64
}

func ThresholdsFrom(p config.Pipeline) Thresholds {
	return Thresholds{MinSNRDB: p.MinSNRDB, MinRMSDB: p.MinRMSDB, MaxSilenceRatio: p.MaxSilenceRatio}
}

// Judge returns whether the metrics pass and, if not, the reason for the
// last failing check. Clipping is checked last so it wins.
func (t Thresholds) Judge(m audio.Metrics) (bool, string) {
	reason := ""
	if m.SNRDB < t.MinSNRDB {
		reason = fmt.Sprintf("Low signal-to-noise ratio: %gdB (min: %gdB)", m.SNRDB, t.MinSNRDB)
	}
	if m.RMSLevel < t.MinRMSDB {
		reason = fmt.Sprintf("Volume too low: %gdB", m.RMSLevel)
	}
	if m.SilenceRatio > t.MaxSilenceRatio {
		reason = fmt.Sprintf("Too much silence: %.0f%%", m.SilenceRatio*100)
	}
	if m.ClippingDetected {
		reason = "Audio clipping detected - volume too high"
	}
	return reason == "", reason
}
