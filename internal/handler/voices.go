package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"VoiceForge/internal/models"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/middleware"
	"VoiceForge/pkg/response"
	"VoiceForge/pkg/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type createProfileRequest struct {
	Name        string `json:"name" binding:"required,max=255"`
	Description string `json:"description"`
	Language    string `json:"language" binding:"omitempty,max=16"`
}

type profileListResponse struct {
	Items    []models.VoiceProfile `json:"items"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

type recordingLinkResponse struct {
	ProfileID    string `json:"profile_id"`
	ProfileName  string `json:"profile_name"`
	Token        string `json:"token"`
	RecordingURL string `json:"recording_url"`
}

type trainResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ownedProfile 加载当前用户名下的档案，不属于调用方的档案一律按不存在处理
func (h *Handlers) ownedProfile(ctx context.Context, id, owner string) (*models.VoiceProfile, error) {
	p, err := models.GetOwnedProfile(h.db.WithContext(ctx), id, owner)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.E(apperrors.KindNotFound, "Voice profile not found")
	}
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "load profile")
	}
	return p, nil
}

func (h *Handlers) recordingURL(token string) string {
	return strings.TrimRight(h.cfg.FrontendBaseURL, "/") + "/record/" + token
}

// 创建声音档案，同一事务内签发录音链接
func (h *Handlers) handleCreateProfile(c *gin.Context) {
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "invalid request", gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		response.Fail(c, "name is required", nil)
		return
	}

	ctx := c.Request.Context()
	p := &models.VoiceProfile{
		OwnerID:     middleware.OwnerID(c),
		Name:        name,
		Description: req.Description,
		Language:    req.Language,
	}
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "create profile")
		}
		tok, err := h.tokens.Issue(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		p.RecordingToken = tok
		return nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	logger.Info("voice profile created", zap.String("profile_id", p.ID), zap.String("owner_id", p.OwnerID))
	response.Created(c, "voice profile created", p)
}

func (h *Handlers) handleListProfiles(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil || page < 1 {
		response.Error(c, apperrors.E(apperrors.KindValidation, "page must be >= 1"))
		return
	}
	pageSize, err := queryInt(c, "page_size", defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		response.Error(c, apperrors.Ef(apperrors.KindValidation, "page_size must be between 1 and %d", maxPageSize))
		return
	}

	items, total, err := models.ListProfiles(h.db.WithContext(c.Request.Context()), middleware.OwnerID(c), page, pageSize)
	if err != nil {
		response.Error(c, apperrors.WrapKind(apperrors.KindInfrastructure, err, "list profiles"))
		return
	}
	if items == nil {
		items = []models.VoiceProfile{}
	}
	response.Success(c, "voice profiles", profileListResponse{Items: items, Total: total, Page: page, PageSize: pageSize})
}

func (h *Handlers) handleGetProfile(c *gin.Context) {
	p, err := h.ownedProfile(c.Request.Context(), c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "voice profile", p)
}

// 删除档案：撤销链接、取消在途任务、删除录音与档案行，对象存储由监听器异步清理
func (h *Handlers) handleDeleteProfile(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.ownedProfile(ctx, c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	if err := h.dispatcher.CancelActive(ctx, p.ID); err != nil {
		response.Error(c, err)
		return
	}
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := h.tokens.Revoke(ctx, tx, p.ID); err != nil {
			return err
		}
		for _, model := range []any{&models.Recording{}, &models.TrainingJob{}} {
			if err := tx.Where("voice_profile_id = ?", p.ID).Delete(model).Error; err != nil {
				return apperrors.WrapKind(apperrors.KindInfrastructure, err, "delete profile data")
			}
		}
		if err := tx.Where("id = ?", p.ID).Delete(&models.VoiceProfile{}).Error; err != nil {
			return apperrors.WrapKind(apperrors.KindInfrastructure, err, "delete profile")
		}
		return nil
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	h.progress.Forget(ctx, p.ID)
	util.Sig().Emit(models.SigProfileDeleted, p.ID)
	logger.Info("voice profile deleted", zap.String("profile_id", p.ID))
	c.Status(http.StatusNoContent)
}

func (h *Handlers) handleArchiveProfile(c *gin.Context) {
	ctx := c.Request.Context()
	owner := middleware.OwnerID(c)
	p, err := h.ownedProfile(ctx, c.Param("id"), owner)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.machine.Archive(ctx, p.ID, owner); err != nil {
		response.Error(c, err)
		return
	}
	h.tokens.Forget(ctx, p.RecordingToken)

	p, err = h.ownedProfile(ctx, p.ID, owner)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "voice profile archived", p)
}

func (h *Handlers) handleGetRecordingLink(c *gin.Context) {
	p, err := h.ownedProfile(c.Request.Context(), c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "recording link", recordingLinkResponse{
		ProfileID:    p.ID,
		ProfileName:  p.Name,
		Token:        p.RecordingToken,
		RecordingURL: h.recordingURL(p.RecordingToken),
	})
}

// 重新生成录音链接，旧链接立即失效
func (h *Handlers) handleRegenerateRecordingLink(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.ownedProfile(ctx, c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	if p.Status == models.StatusArchived {
		response.Error(c, apperrors.E(apperrors.KindInvalidStateTransition, "Voice profile is archived"))
		return
	}
	tok, err := h.tokens.Regenerate(ctx, p.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "recording link regenerated", recordingLinkResponse{
		ProfileID:    p.ID,
		ProfileName:  p.Name,
		Token:        tok,
		RecordingURL: h.recordingURL(tok),
	})
}

// 触发训练；成功只代表已入队，结果通过档案或进度流观察
func (h *Handlers) handleTrainProfile(c *gin.Context) {
	ctx := c.Request.Context()
	owner := middleware.OwnerID(c)
	p, err := h.ownedProfile(ctx, c.Param("id"), owner)
	if err != nil {
		response.Error(c, err)
		return
	}
	job, err := h.dispatcher.TrainRequested(ctx, p.ID, owner)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, "training queued", trainResponse{
		JobID:   job.ID,
		Status:  "queued",
		Message: fmt.Sprintf("Training job queued. %d recordings will be used.", p.TotalRecordings),
	})
}

// SSE 进度流，供不能使用 WebSocket 的客户端
func (h *Handlers) handleProgressStream(c *gin.Context) {
	p, err := h.ownedProfile(c.Request.Context(), c.Param("id"), middleware.OwnerID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.sse.Serve(c, p.ID)
}

// authorizeProgress 只有档案所有者能订阅进度
func (h *Handlers) authorizeProgress(c *gin.Context, profileID string) error {
	_, err := h.ownedProfile(c.Request.Context(), profileID, middleware.OwnerID(c))
	return err
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
