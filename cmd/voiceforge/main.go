package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	handlers "VoiceForge/internal/handler"
	"VoiceForge/internal/ingest"
	"VoiceForge/internal/lifecycle"
	"VoiceForge/internal/listeners"
	"VoiceForge/internal/models"
	"VoiceForge/internal/progress"
	"VoiceForge/internal/synthesis"
	"VoiceForge/internal/tokens"
	"VoiceForge/internal/training"
	"VoiceForge/pkg/backup"
	"VoiceForge/pkg/cache"
	"VoiceForge/pkg/config"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/metrics"
	"VoiceForge/pkg/middleware"
	"VoiceForge/pkg/queue"
	"VoiceForge/pkg/scheduler"
	"VoiceForge/pkg/sse"
	stores "VoiceForge/pkg/storage"
	"VoiceForge/pkg/util"
	"VoiceForge/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 15 * time.Second
	sweepInterval     = time.Minute
	tokenPurgeEvery   = 10 * time.Minute
	tokenPurgeAge     = 24 * time.Hour
	staleJobInterval  = 5 * time.Minute
	orphanedJobAge    = 10 * time.Minute
	monitorInterval   = 15 * time.Second
	idempotencyWindow = 10 * time.Minute
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voiceforge exited with error: %v\n", err)
		os.Exit(1)
	}
}

// issueToken 签发一个 API 访问令牌，供运维或上游身份服务使用
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: voiceforge token [-ttl 24h] <owner-id>")
	}
	if err := config.Load(); err != nil {
		return err
	}
	if config.GlobalConfig.APISecretKey == "" {
		return errors.New("API_SECRET_KEY is not set")
	}
	tok, err := middleware.NewHMACAuth(config.GlobalConfig.APISecretKey).Issue(fs.Arg(0), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run() error {
	if err := config.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := config.GlobalConfig
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	if cfg.APISecretKey == "" {
		return errors.New("API_SECRET_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN, cfg.Mode == "debug")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Cache & storage
	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer c.Close()
	store, err := stores.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	// Queue
	probes := map[string]handlers.Probe{}
	q, nc, ns, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	if ns != nil {
		defer ns.Shutdown()
	}
	if nc != nil {
		defer nc.Close()
		probes["queue"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
	}
	defer q.Close()

	// Progress
	broadcaster := progress.NewBroadcaster(cfg.Progress, c)
	defer broadcaster.Close()
	broadcaster.SetLoader(progress.ProfileLoader(db))
	if nc != nil {
		relay, err := progress.NewNATSRelay(nc, broadcaster)
		if err != nil {
			return fmt.Errorf("progress relay: %w", err)
		}
		defer relay.Close()
	}

	// Pipeline
	var backend training.Backend = training.ConditioningBackend{}
	var synth synthesis.Synthesizer = synthesis.ToneSynthesizer{}
	if cfg.Trainer.URL != "" {
		synth = synthesis.NewHTTPSynthesizer(cfg.Trainer.URL, cfg.Trainer.SynthesisTimeout)
		hb := training.NewHTTPBackend(cfg.Trainer.URL, cfg.Trainer.Timeout)
		backend = hb
		probes["trainer"] = hb.HealthCheck
	}
	tk := tokens.New(db, c, cfg.Pipeline.RecordingTokenTTL)
	machine := lifecycle.New(db)
	gate := ingest.NewGate(db, tk, machine, store, cfg.Pipeline)
	dispatcher := training.NewDispatcher(db, machine, q, store, backend, broadcaster, cfg.Pipeline, cfg.Queue.TrainingTimeout)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	// 上次进程遗留的 queued 任务 (中断或未投递) 立即补发
	if n, err := dispatcher.RequeueOrphaned(ctx, 0); err != nil {
		logger.Warn("requeue orphaned jobs", zap.Error(err))
	} else if n > 0 {
		logger.Info("orphaned jobs requeued", zap.Int("count", n))
	}

	profileListeners := listeners.InitProfileListeners(store)
	defer profileListeners.Wait()

	// Maintenance
	sched := scheduler.New()
	defer sched.Stop()
	sched.Every("progress-sweep", sweepInterval, scheduler.FuncJob(func(context.Context) {
		if n := broadcaster.Sweep(); n > 0 {
			logger.Debug("progress snapshots swept", zap.Int("count", n))
		}
	}))
	sched.Every("token-purge", tokenPurgeEvery, scheduler.FuncJob(func(ctx context.Context) {
		n, err := tk.Purge(ctx, tokenPurgeAge)
		if err != nil {
			logger.Warn("purge recording tokens", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("recording tokens purged", zap.Int64("count", n))
		}
	}))
	sched.Every("stale-jobs", staleJobInterval, scheduler.FuncJob(func(ctx context.Context) {
		if _, err := dispatcher.SweepStale(ctx, cfg.Queue.TrainingTimeout+staleJobInterval); err != nil {
			logger.Warn("sweep stale jobs", zap.Error(err))
		}
		if _, err := dispatcher.RequeueOrphaned(ctx, orphanedJobAge); err != nil {
			logger.Warn("requeue orphaned jobs", zap.Error(err))
		}
	}))

	cr := scheduler.NewCron(time.Local)
	if err := backup.Register(cr, cfg, db); err != nil {
		return fmt.Errorf("register backup: %w", err)
	}
	cr.Start()
	defer cr.Stop()

	if cfg.SystemMetrics {
		monitor := metrics.NewSystemMonitor(monitorInterval, cfg.Storage.LocalRoot)
		monitor.Start()
		defer monitor.Stop()
	}

	// HTTP
	uploadStore, err := rateLimitStore(cfg)
	if err != nil {
		return err
	}
	uploadLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:       cfg.UploadRateLimit,
		Identifier: "link",
		AddHeaders: true,
	}, uploadStore).WithObserver(middleware.PrometheusObserver{})

	wsHub := websocket.NewHub(websocket.LoadConfigFromEnv(), broadcaster.Feed)
	defer wsHub.Close()
	sseHub := sse.NewHub(broadcaster.Feed, 0)
	defer sseHub.Close()

	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), metrics.Middleware(), middleware.OperationLogMiddleware())

	h := handlers.NewHandlers(handlers.Deps{
		DB:         db,
		Config:     cfg,
		Tokens:     tk,
		Gate:       gate,
		Machine:    machine,
		Dispatcher: dispatcher,
		Synthesis:  synthesis.NewService(db, store, synth),
		Progress:   broadcaster,
		WS:         wsHub,
		SSE:        sseHub,
		Auth:       middleware.NewHMACAuth(cfg.APISecretKey),
		Upload:     uploadLimiter,
		Idempotency: middleware.IdempotencyConfig{
			TTL:   idempotencyWindow,
			Store: middleware.NewCacheIdemStore(c),
		},
		Probes: probes,
	})
	h.Register(engine)

	srv := &http.Server{Addr: cfg.Addr, Handler: engine}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("voiceforge listening", zap.String("addr", cfg.Addr), zap.String("queue", cfg.Queue.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 先关 SSE 长连接，否则 Shutdown 会一直等它们
	sseHub.Close()
	wsHub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// openQueue 按 QUEUE_DRIVER 选择任务队列；nats 模式下可内嵌一个 JetStream 节点
func openQueue(ctx context.Context, cfg config.Queue) (queue.Queue, *nats.Conn, *server.Server, error) {
	opts := queue.Options{
		PreprocessConcurrency: cfg.PreprocessConcurrency,
		TrainAckWait:          cfg.TrainingTimeout,
	}
	if cfg.Driver == "memory" {
		logger.Warn("memory queue in use: jobs are lost on restart and not shared between instances")
		return queue.NewMemory(opts), nil, nil, nil
	}

	url := cfg.NATSURL
	var ns *server.Server
	if cfg.NATSEmbedded {
		var err error
		ns, err = queue.RunEmbeddedServer(cfg.NATSStoreDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("embedded nats: %w", err)
		}
		url = ns.ClientURL()
	}
	nc, err := queue.Connect(url)
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	q, err := queue.NewJetStream(ctx, nc, opts)
	if err != nil {
		nc.Close()
		if ns != nil {
			ns.Shutdown()
		}
		return nil, nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return q, nc, ns, nil
}

// rateLimitStore 使用 redis 缓存时限流计数也放到 redis，多实例共享
func rateLimitStore(cfg *config.Config) (limiter.Store, error) {
	if cfg.Cache.Type != "redis" && cfg.Cache.Type != "layered" {
		return nil, nil
	}
	client, err := cache.NewRedisClient(cfg.Cache.Redis)
	if err != nil {
		return nil, fmt.Errorf("rate limit redis: %w", err)
	}
	return middleware.NewRedisStore(client, "voiceforge:ratelimit:")
}
