package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"VoiceForge/internal/synthesis"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/middleware"
	"VoiceForge/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type synthesisRequest struct {
	VoiceProfileID string  `json:"voice_profile_id" binding:"required"`
	Text           string  `json:"text" binding:"required"`
	Preset         string  `json:"preset"`
	Speed          float64 `json:"speed"`
}

type synthesisResponse struct {
	AudioURL        string    `json:"audio_url"`
	DurationSeconds float64   `json:"duration_seconds"`
	Text            string    `json:"text"`
	VoiceProfileID  string    `json:"voice_profile_id"`
	Preset          string    `json:"preset"`
	CreatedAt       time.Time `json:"created_at"`
}

func (h *Handlers) synthesizedURL(profileID, name string) string {
	return strings.TrimRight(h.cfg.APIPrefix, "/") + "/synthesis/" + profileID + "/" + name
}

// 用已训练完成的声音合成语音
func (h *Handlers) handleGenerateSpeech(c *gin.Context) {
	var req synthesisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}
	res, err := h.synthesis.Generate(c.Request.Context(), middleware.OwnerID(c), synthesis.Request{
		ProfileID: req.VoiceProfileID,
		Text:      strings.TrimSpace(req.Text),
		Preset:    synthesis.Preset(req.Preset),
		Speed:     req.Speed,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "speech synthesized", synthesisResponse{
		AudioURL:        h.synthesizedURL(res.ProfileID, res.Name),
		DurationSeconds: res.Duration,
		Text:            res.Text,
		VoiceProfileID:  res.ProfileID,
		Preset:          string(res.Preset),
		CreatedAt:       res.CreatedAt,
	})
}

func (h *Handlers) handleGetSynthesizedAudio(c *gin.Context) {
	rc, err := h.synthesis.Open(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer rc.Close()
	c.Header("Content-Type", "audio/wav")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		logger.Warn("stream synthesized audio", zap.String("profile_id", c.Param("id")), zap.Error(err))
	}
}
