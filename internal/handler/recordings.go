package handlers

import (
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"VoiceForge/internal/ingest"
	"VoiceForge/internal/models"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/middleware"
	"VoiceForge/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	// multipart 头部等开销的余量
	uploadOverhead  = 1 << 20
	multipartMemory = 32 << 20
)

// 录音页：按链接令牌返回录制会话信息，无需登录
func (h *Handlers) handleRecordingSession(c *gin.Context) {
	session, err := h.gate.Session(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "recording session", session)
}

// 上传一条录音：表单字段 prompt_index 与音频文件 audio_file
func (h *Handlers) handleUploadRecording(c *gin.Context) {
	if limit := h.cfg.Pipeline.MaxUploadBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+uploadOverhead)
	}

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if stderrors.As(err, &tooBig) {
			response.Error(c, apperrors.E(apperrors.KindValidation, "File too large"))
			return
		}
		response.Error(c, apperrors.WrapKind(apperrors.KindValidation, err, "invalid multipart form"))
		return
	}

	idx, err := strconv.Atoi(c.PostForm("prompt_index"))
	if err != nil {
		response.Error(c, apperrors.E(apperrors.KindValidation, "prompt_index must be an integer"))
		return
	}
	fh, err := c.FormFile("audio_file")
	if err != nil {
		fh, err = c.FormFile("file")
	}
	if err != nil {
		response.Error(c, apperrors.E(apperrors.KindValidation, "audio file is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.Error(c, apperrors.WrapKind(apperrors.KindValidation, err, "Could not read audio file"))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		response.Error(c, apperrors.WrapKind(apperrors.KindValidation, err, "Could not read audio file"))
		return
	}
	name := fh.Filename
	if name == "" {
		name = "recording.wav"
	}

	out, err := h.gate.Evaluate(c.Request.Context(), ingest.Upload{
		Token:       c.Param("token"),
		PromptIndex: idx,
		Filename:    name,
		Data:        data,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	// 质量不达标也算一次成功的上传，结果在 status 中
	response.Created(c, out.Message, out)
}

// 所有者查看档案下的录音，按句子序号排序
func (h *Handlers) handleListRecordings(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.ownedProfile(ctx, c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	recs, err := models.ListRecordings(h.db.WithContext(ctx), p.ID)
	if err != nil {
		response.Error(c, apperrors.WrapKind(apperrors.KindInfrastructure, err, "list recordings"))
		return
	}
	if recs == nil {
		recs = []models.Recording{}
	}
	response.Success(c, "recordings", recs)
}
