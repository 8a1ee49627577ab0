package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voiceforge"

var (
	// HTTP请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 录音门控
	RecordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Uploaded recordings by outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time to validate, score and store one upload",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// 训练流水线
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Pipeline stage executions by stage and result",
		},
		[]string{"stage", "result"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage wall time",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		},
		[]string{"stage"},
	)

	TrainingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_active",
			Help:      "Training stage executions running in this process (0 or 1)",
		},
	)

	DiscardedCallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_callbacks_total",
			Help:      "Stage outcomes dropped because the job or profile was gone or already settled",
		},
	)

	ProfilesReady = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profiles_ready_total",
			Help:      "Voice profiles that finished training",
		},
	)

	SynthesisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_total",
			Help:      "Speech synthesis requests by result",
		},
		[]string{"result"},
	)

	// 档案删除后的对象清理
	BlobPurges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_purges_total",
			Help:      "Background blob purges after profile deletion",
		},
		[]string{"result"},
	)

	// 进度推送
	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_subscribers",
			Help:      "Live progress subscribers",
		},
	)

	ProgressDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_dropped_total",
			Help:      "Progress events dropped for slow subscribers",
		},
	)

	// 限流
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by route",
		},
		[]string{"route", "decision"},
	)

	// 系统指标
	systemMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_usage_bytes",
			Help:      "System memory usage in bytes",
		},
		[]string{"type"},
	)

	systemCPUUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_cpu_usage_percent",
			Help:      "System CPU usage percentage",
		},
	)

	processRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Resident set size of this process",
		},
	)

	diskUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "disk_usage_percent",
			Help:      "Disk usage of data directories",
		},
		[]string{"path"},
	)
)
