package handlers

import (
	"context"

	"VoiceForge/internal/ingest"
	"VoiceForge/internal/lifecycle"
	"VoiceForge/internal/progress"
	"VoiceForge/internal/synthesis"
	"VoiceForge/internal/tokens"
	"VoiceForge/internal/training"
	"VoiceForge/pkg/config"
	"VoiceForge/pkg/metrics"
	"VoiceForge/pkg/middleware"
	"VoiceForge/pkg/sse"
	"VoiceForge/pkg/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// Deps 由 main 组装后注入
type Deps struct {
	DB          *gorm.DB
	Config      *config.Config
	Tokens      *tokens.Tokenizer
	Gate        *ingest.Gate
	Machine     *lifecycle.Machine
	Dispatcher  *training.Dispatcher
	Synthesis   *synthesis.Service
	Progress    *progress.Broadcaster
	WS          *websocket.Hub
	SSE         *sse.Hub
	Auth        middleware.AuthProvider
	Upload      *middleware.RateLimiter
	Idempotency middleware.IdempotencyConfig
	Probes      map[string]Probe
}

type Handlers struct {
	db          *gorm.DB
	cfg         *config.Config
	tokens      *tokens.Tokenizer
	gate        *ingest.Gate
	machine     *lifecycle.Machine
	dispatcher  *training.Dispatcher
	synthesis   *synthesis.Service
	progress    *progress.Broadcaster
	ws          *websocket.Hub
	sse         *sse.Hub
	auth        middleware.AuthProvider
	upload      *middleware.RateLimiter
	idempotency middleware.IdempotencyConfig
	probes      map[string]Probe
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		db:          d.DB,
		cfg:         d.Config,
		tokens:      d.Tokens,
		gate:        d.Gate,
		machine:     d.Machine,
		dispatcher:  d.Dispatcher,
		synthesis:   d.Synthesis,
		progress:    d.Progress,
		ws:          d.WS,
		sse:         d.SSE,
		auth:        d.Auth,
		upload:      d.Upload,
		idempotency: d.Idempotency,
		probes:      d.Probes,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	// System Module Routes
	engine.GET("/health", h.HealthCheck)
	if h.cfg.MetricsPrefix != "" {
		engine.GET(h.cfg.MetricsPrefix, metrics.Handler())
	}

	r := engine.Group(h.cfg.APIPrefix)

	// Public recording link, the token is the credential
	h.registerRecordRoutes(r)

	authed := r.Group("", middleware.AuthMiddleware(h.auth))
	h.registerProfileRoutes(authed)
	h.registerRecordingRoutes(authed)
	if h.synthesis != nil {
		h.registerSynthesisRoutes(authed)
	}

	if h.ws != nil {
		websocket.RegisterRoutes(authed, websocket.NewHandler(h.ws, h.authorizeProgress))
	}
}

// Public Recording Module
func (h *Handlers) registerRecordRoutes(r *gin.RouterGroup) {
	record := r.Group("/record")
	{
		record.GET("/:token", h.handleRecordingSession)

		upload := []gin.HandlerFunc{}
		if h.upload != nil {
			upload = append(upload, h.upload.Middleware())
		}
		upload = append(upload, h.handleUploadRecording)
		record.POST("/:token/upload", upload...)
	}
}

// Voice Profile Module
func (h *Handlers) registerProfileRoutes(r *gin.RouterGroup) {
	profiles := r.Group("/voice-profiles")
	{
		profiles.POST("", h.handleCreateProfile)

		profiles.GET("", h.handleListProfiles)

		profiles.GET("/:id", h.handleGetProfile)

		profiles.DELETE("/:id", h.handleDeleteProfile)

		profiles.POST("/:id/archive", h.handleArchiveProfile)

		// recording link
		profiles.GET("/:id/link", h.handleGetRecordingLink)

		profiles.POST("/:id/link", h.handleRegenerateRecordingLink)

		// training
		profiles.POST("/:id/train", middleware.IdempotencyMiddleware(h.idempotency), h.handleTrainProfile)

		profiles.GET("/:id/progress/stream", h.handleProgressStream)
	}
}

// Recording Module
func (h *Handlers) registerRecordingRoutes(r *gin.RouterGroup) {
	recordings := r.Group("/recordings")
	{
		recordings.GET("/profile/:id", h.handleListRecordings)
	}
}

// Synthesis Module
func (h *Handlers) registerSynthesisRoutes(r *gin.RouterGroup) {
	syn := r.Group("/synthesis")
	{
		syn.POST("/generate", h.handleGenerateSpeech)

		syn.GET("/:id/:name", h.handleGetSynthesizedAudio)
	}
}
