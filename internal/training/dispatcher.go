// Package training runs the two-stage pipeline behind a train request:
// preprocessing on the bounded preprocess lane, then the backend call on the
// single-slot train lane.
//
// Every outcome is applied through a compare-and-set on the job row and then
// on the profile status. An outcome whose job was cancelled, or whose profile
// is gone or has moved on, is dropped without error.
package training

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"VoiceForge/internal/audio"
	"VoiceForge/internal/lifecycle"
	"VoiceForge/internal/models"
	"VoiceForge/internal/progress"
	"VoiceForge/pkg/config"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/logger"
	"VoiceForge/pkg/metrics"
	"VoiceForge/pkg/queue"
	stores "VoiceForge/pkg/storage"
	"VoiceForge/pkg/util"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	preprocessStart = 0.05
	preprocessEnd   = 0.30
	trainDownload   = 0.35
	trainExtract    = 0.40
	trainBackendEnd = 0.90
	trainSaving     = 0.92
	trainFinalizing = 0.98
)

type Dispatcher struct {
	db           *gorm.DB
	machine      *lifecycle.Machine
	queue        queue.Queue
	store        stores.Store
	backend      Backend
	events       progress.Publisher
	cfg          config.Pipeline
	trainTimeout time.Duration
	log          *zap.Logger
	now          func() time.Time
}

func NewDispatcher(db *gorm.DB, m *lifecycle.Machine, q queue.Queue, store stores.Store,
	backend Backend, events progress.Publisher, cfg config.Pipeline, trainTimeout time.Duration) *Dispatcher {
	if trainTimeout <= 0 {
		trainTimeout = time.Hour
	}
	return &Dispatcher{
		db:           db,
		machine:      m,
		queue:        q,
		store:        store,
		backend:      backend,
		events:       events,
		cfg:          cfg,
		trainTimeout: trainTimeout,
		log:          logger.Named("training"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// jobRef identifies the job a handler is working on.
type jobRef struct {
	ID        string
	ProfileID string
	Stage     models.JobStage
}

// TrainRequested validates eligibility, moves the profile to processing and
// enqueues the preprocessing stage. The returned job only confirms the
// enqueue; the outcome is observed through the profile or the progress stream.
func (d *Dispatcher) TrainRequested(ctx context.Context, profileID, ownerID string) (*models.TrainingJob, error) {
	job, err := d.machine.RequestTraining(ctx, profileID, ownerID, d.cfg.MinRecordingsForTraining)
	if err != nil {
		return nil, err
	}
	d.publish(profileID, 0, "Queued for preprocessing", models.StatusProcessing)

	err = d.queue.Publish(ctx, queue.Job{
		ID:        job.ID,
		ProfileID: profileID,
		Class:     queue.ClassPreprocess,
		CreatedAt: job.CreatedAt,
	})
	if err != nil {
		cause := apperrors.WrapKind(apperrors.KindInfrastructure, err, "Job queue unavailable")
		d.fail(context.WithoutCancel(ctx), jobRef{job.ID, profileID, models.StagePreprocessing}, models.JobQueued, cause)
		return nil, cause
	}
	d.log.Info("training requested", zap.String("profile_id", profileID), zap.String("job_id", job.ID))
	return job, nil
}

// Start subscribes both lanes. Handlers keep running until ctx is cancelled
// or the queue is closed.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.queue.Consume(ctx, queue.ClassPreprocess, d.handlePreprocess); err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, "consume preprocess jobs")
	}
	if err := d.queue.Consume(ctx, queue.ClassTrain, d.handleTrain); err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, "consume train jobs")
	}
	return nil
}

// CancelActive marks the profile's in-flight job cancelled so a late outcome
// is discarded. Used when a profile is deleted.
func (d *Dispatcher) CancelActive(ctx context.Context, profileID string) error {
	n, err := models.CancelActiveJobs(d.db.WithContext(ctx), profileID, d.now())
	if err != nil {
		return apperrors.WrapKind(apperrors.KindInfrastructure, err, "cancel training job")
	}
	if n > 0 {
		d.log.Info("training job cancelled", zap.String("profile_id", profileID))
	}
	return nil
}

func (d *Dispatcher) handlePreprocess(ctx context.Context, del queue.Delivery) {
	j := del.Job()
	ref := jobRef{j.ID, j.ProfileID, models.StagePreprocessing}
	if !d.claim(ctx, ref) {
		return
	}
	started := time.Now()
	defer func() { metrics.StageDuration.WithLabelValues(string(ref.Stage)).Observe(time.Since(started).Seconds()) }()

	if !d.stillIn(ctx, ref, models.StatusProcessing) {
		return
	}
	d.checkpoint(ctx, del, ref, models.StatusProcessing, preprocessStart, "Preprocessing recordings")

	recs, err := models.ListAcceptedRecordings(d.db.WithContext(ctx), ref.ProfileID)
	if err != nil {
		d.failRunning(ctx, ref, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Could not load recordings"))
		return
	}
	processed := 0
	for i, rec := range recs {
		if err := d.preprocessOne(ctx, ref.ProfileID, rec); err != nil {
			d.log.Warn("preprocess recording", zap.String("profile_id", ref.ProfileID),
				zap.Uint("recording_id", rec.ID), zap.Error(err))
		} else {
			processed++
		}
		frac := preprocessStart + (preprocessEnd-preprocessStart)*float64(i+1)/float64(len(recs))
		d.checkpoint(ctx, del, ref, models.StatusProcessing, frac, fmt.Sprintf("Preprocessing %d/%d", i+1, len(recs)))
	}
	if err := ctx.Err(); err != nil {
		d.failRunning(ctx, ref, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Preprocessing interrupted"))
		return
	}
	if processed < d.cfg.MinRecordingsForTraining {
		d.failRunning(ctx, ref, apperrors.Ef(apperrors.KindTrainingFailure,
			"Not enough valid recordings: %d (need %d)", processed, d.cfg.MinRecordingsForTraining))
		return
	}

	if err := d.machine.StartTraining(ctx, ref.ProfileID); err != nil {
		if discardable(err) {
			d.cancel(ctx, ref, models.JobRunning, err)
			return
		}
		d.failRunning(ctx, ref, err)
		return
	}
	ok, err := models.CASJobState(d.db.WithContext(ctx), ref.ID, models.StagePreprocessing, models.JobRunning, models.JobQueued,
		map[string]any{"stage": models.StageTraining, "progress": preprocessEnd, "step": "Waiting for training slot"})
	if err != nil || !ok {
		d.discard(ref, "advance to training stage", err)
		return
	}
	metrics.JobsTotal.WithLabelValues(string(models.StagePreprocessing), "succeeded").Inc()

	next := jobRef{ref.ID, ref.ProfileID, models.StageTraining}
	d.progressOnly(ctx, next, models.StatusTraining, preprocessEnd, "Waiting for training slot")
	err = d.queue.Publish(ctx, queue.Job{ID: ref.ID, ProfileID: ref.ProfileID, Class: queue.ClassTrain, CreatedAt: d.now()})
	// 关停时发布失败的任务保持 queued，重启后补发
	if err != nil && ctx.Err() == nil {
		d.fail(ctx, next, models.JobQueued, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Job queue unavailable"))
	}
}

func (d *Dispatcher) preprocessOne(ctx context.Context, profileID string, rec models.Recording) error {
	raw, err := stores.ReadAll(ctx, d.store, rec.OriginalRef)
	if err != nil {
		return err
	}
	out, err := audio.Preprocess(raw, d.cfg.AudioSampleRate)
	if err != nil {
		return err
	}
	key := stores.ProcessedRecordingKey(profileID, rec.PromptIndex)
	if err := d.store.Put(ctx, key, bytes.NewReader(out.WAV), int64(len(out.WAV)), "audio/wav"); err != nil {
		return err
	}
	return d.db.WithContext(ctx).Model(&models.Recording{}).
		Where("id = ? AND original_ref = ?", rec.ID, rec.OriginalRef).
		Updates(map[string]any{"processed_ref": key, "sample_rate": out.SampleRate}).Error
}

func (d *Dispatcher) handleTrain(ctx context.Context, del queue.Delivery) {
	j := del.Job()
	ref := jobRef{j.ID, j.ProfileID, models.StageTraining}
	if !d.claim(ctx, ref) {
		return
	}
	metrics.TrainingActive.Inc()
	started := time.Now()
	defer func() {
		metrics.TrainingActive.Dec()
		metrics.StageDuration.WithLabelValues(string(ref.Stage)).Observe(time.Since(started).Seconds())
	}()

	if !d.stillIn(ctx, ref, models.StatusTraining) {
		return
	}
	d.checkpoint(ctx, del, ref, models.StatusTraining, trainDownload, "Downloading processed audio")
	samples, err := d.loadSamples(ctx, ref.ProfileID)
	if err != nil {
		d.failRunning(ctx, ref, err)
		return
	}
	if len(samples) < d.cfg.MinRecordingsForTraining {
		d.failRunning(ctx, ref, apperrors.Ef(apperrors.KindTrainingFailure,
			"Not enough valid recordings: %d (need %d)", len(samples), d.cfg.MinRecordingsForTraining))
		return
	}

	d.checkpoint(ctx, del, ref, models.StatusTraining, trainExtract, "Extracting voice characteristics")
	tctx, cancel := context.WithTimeout(ctx, d.trainTimeout)
	res, err := d.backend.Train(tctx, ref.ProfileID, samples, func(f float64, step string) {
		f = min(max(f, 0), 1)
		d.checkpoint(ctx, del, ref, models.StatusTraining, trainExtract+(trainBackendEnd-trainExtract)*f, step)
	})
	cancel()
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindUnknown {
			err = apperrors.WrapKind(apperrors.KindTrainingFailure, err, "Voice model training failed")
		}
		d.failRunning(ctx, ref, err)
		return
	}

	d.checkpoint(ctx, del, ref, models.StatusTraining, trainSaving, "Saving voice model")
	modelKey := stores.ModelKey(ref.ProfileID)
	if err := d.store.Put(ctx, modelKey, bytes.NewReader(res.Artifact), int64(len(res.Artifact)), res.ContentType); err != nil {
		d.failRunning(ctx, ref, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Could not store voice model"))
		return
	}
	d.checkpoint(ctx, del, ref, models.StatusTraining, trainFinalizing, "Finalizing")
	d.succeed(ctx, ref, modelKey, res.SimilarityScore)
}

func (d *Dispatcher) loadSamples(ctx context.Context, profileID string) ([]Sample, error) {
	recs, err := models.ListAcceptedRecordings(d.db.WithContext(ctx), profileID)
	if err != nil {
		return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Could not load recordings")
	}
	samples := make([]Sample, 0, len(recs))
	for _, rec := range recs {
		if rec.ProcessedRef == "" {
			continue
		}
		wav, err := stores.ReadAll(ctx, d.store, rec.ProcessedRef)
		if err != nil {
			return nil, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Could not download processed audio")
		}
		samples = append(samples, Sample{RecordingID: rec.ID, PromptIndex: rec.PromptIndex, WAV: wav})
	}
	return samples, nil
}

// succeed applies a training success. It reports false when the outcome was
// discarded because the job or profile no longer expects it.
func (d *Dispatcher) succeed(ctx context.Context, ref jobRef, modelKey string, score float64) bool {
	ok, err := models.CASJobState(d.db.WithContext(ctx), ref.ID, ref.Stage, models.JobRunning, models.JobSucceeded,
		map[string]any{"finished_at": d.now(), "progress": 1.0, "step": "Training complete!"})
	if err != nil || !ok {
		d.discard(ref, "apply training success", err)
		d.dropModel(ref.ProfileID, modelKey)
		return false
	}
	if err := d.machine.Complete(ctx, ref.ProfileID, score, modelKey); err != nil {
		d.discard(ref, "complete profile", err)
		d.dropModel(ref.ProfileID, modelKey)
		return false
	}
	metrics.JobsTotal.WithLabelValues(string(ref.Stage), "succeeded").Inc()
	d.publish(ref.ProfileID, 1.0, "Training complete!", models.StatusReady)
	if p, err := d.machine.Load(ctx, ref.ProfileID); err == nil {
		util.Sig().Emit(models.SigProfileReady, p)
	}
	d.log.Info("voice model ready", zap.String("profile_id", ref.ProfileID), zap.Float64("similarity", score))
	return true
}

// fail records a stage failure with a sanitized reason; the full cause only
// goes to the log. It reports false when the outcome was discarded.
func (d *Dispatcher) fail(ctx context.Context, ref jobRef, from models.JobState, cause error) bool {
	reason := apperrors.Sanitize(cause)
	d.log.Error("training stage failed", zap.String("profile_id", ref.ProfileID), zap.String("job_id", ref.ID),
		zap.String("stage", string(ref.Stage)), zap.String("kind", apperrors.KindOf(cause).String()), zap.Error(cause))

	ok, err := models.CASJobState(d.db.WithContext(ctx), ref.ID, ref.Stage, from, models.JobFailed,
		map[string]any{"finished_at": d.now(), "error": reason})
	if err != nil || !ok {
		d.discard(ref, "apply failure", err)
		return false
	}
	metrics.JobsTotal.WithLabelValues(string(ref.Stage), "failed").Inc()
	if err := d.machine.Fail(ctx, ref.ProfileID, reason); err != nil {
		d.discard(ref, "fail profile", err)
		return false
	}
	d.publish(ref.ProfileID, 0, "Training failed: "+reason, models.StatusFailed)
	return true
}

// failRunning fails a claimed job, unless ctx was cancelled under it: a
// shutdown is not the job's fault, so the job goes back to queued and is
// picked up again by RequeueOrphaned.
func (d *Dispatcher) failRunning(ctx context.Context, ref jobRef, cause error) {
	if ctx.Err() == nil {
		d.fail(ctx, ref, models.JobRunning, cause)
		return
	}
	ok, err := models.CASJobState(d.db, ref.ID, ref.Stage, models.JobRunning, models.JobQueued,
		map[string]any{"started_at": nil, "step": "Interrupted, waiting to resume", "updated_at": d.now()})
	if err != nil || !ok {
		d.discard(ref, "release interrupted job", err)
		return
	}
	d.log.Warn("job interrupted, left queued", zap.String("profile_id", ref.ProfileID), zap.String("job_id", ref.ID),
		zap.String("stage", string(ref.Stage)), zap.Error(cause))
}

func (d *Dispatcher) cancel(ctx context.Context, ref jobRef, from models.JobState, why error) {
	_, err := models.CASJobState(d.db.WithContext(ctx), ref.ID, ref.Stage, from, models.JobCancelled,
		map[string]any{"finished_at": d.now()})
	d.discard(ref, "profile moved on", why)
	if err != nil {
		d.log.Warn("cancel job", zap.String("job_id", ref.ID), zap.Error(err))
	}
}

// claim performs queued→running for the job; a redelivered or cancelled job
// is dropped here so each job id executes at most once.
func (d *Dispatcher) claim(ctx context.Context, ref jobRef) bool {
	ok, err := models.CASJobState(d.db.WithContext(ctx), ref.ID, ref.Stage, models.JobQueued, models.JobRunning,
		map[string]any{"started_at": d.now()})
	if err != nil {
		d.log.Error("claim job", zap.String("job_id", ref.ID), zap.Error(err))
		return false
	}
	if !ok {
		d.discard(ref, "claim", nil)
		return false
	}
	return true
}

// stillIn cancels the job unless the profile exists and is in want.
func (d *Dispatcher) stillIn(ctx context.Context, ref jobRef, want models.ProfileStatus) bool {
	p, err := d.machine.Load(ctx, ref.ProfileID)
	if err != nil {
		if discardable(err) {
			d.cancel(ctx, ref, models.JobRunning, err)
		} else {
			d.failRunning(ctx, ref, err)
		}
		return false
	}
	if p.Status != want {
		d.cancel(ctx, ref, models.JobRunning, apperrors.Ef(apperrors.KindInvalidStateTransition, "profile is %s", p.Status))
		return false
	}
	return true
}

// checkpoint persists progress on the profile and job, pushes the event and
// extends the delivery deadline.
func (d *Dispatcher) checkpoint(ctx context.Context, del queue.Delivery, ref jobRef, status models.ProfileStatus, frac float64, step string) {
	if err := models.UpdateJobProgress(d.db.WithContext(ctx), ref.ID, frac, step); err != nil {
		d.log.Warn("update job progress", zap.String("job_id", ref.ID), zap.Error(err))
	}
	d.progressOnly(ctx, ref, status, frac, step)
	if del != nil {
		if err := del.InProgress(); err != nil {
			d.log.Debug("extend delivery", zap.String("job_id", ref.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) progressOnly(ctx context.Context, ref jobRef, status models.ProfileStatus, frac float64, step string) {
	if err := d.machine.SetProgress(ctx, ref.ProfileID, frac); err != nil {
		d.log.Warn("update profile progress", zap.String("profile_id", ref.ProfileID), zap.Error(err))
	}
	d.publish(ref.ProfileID, frac, step, status)
}

func (d *Dispatcher) publish(profileID string, frac float64, step string, status models.ProfileStatus) {
	if d.events == nil {
		return
	}
	d.events.Publish(progress.Event{
		ProfileID: profileID,
		Progress:  frac,
		Step:      step,
		Status:    status,
		Timestamp: d.now(),
	})
}

func (d *Dispatcher) discard(ref jobRef, what string, err error) {
	metrics.DiscardedCallbacks.Inc()
	d.log.Info("outcome discarded", zap.String("job_id", ref.ID), zap.String("profile_id", ref.ProfileID),
		zap.String("stage", string(ref.Stage)), zap.String("at", what), zap.Error(err))
}

func (d *Dispatcher) dropModel(profileID, key string) {
	if _, err := d.machine.Load(context.Background(), profileID); !apperrors.Is(err, apperrors.ErrNotFound) {
		return
	}
	if err := d.store.Delete(context.Background(), key); err != nil && !apperrors.Is(err, stores.ErrObjectNotFound) {
		d.log.Warn("delete orphaned model", zap.String("key", key), zap.Error(err))
	}
}

// SweepStale fails running jobs that started before maxAge ago; their worker
// is presumed dead.
func (d *Dispatcher) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := models.StaleRunningJobs(d.db.WithContext(ctx), d.now().Add(-maxAge))
	if err != nil {
		return 0, apperrors.WrapKind(apperrors.KindInfrastructure, err, "load stale jobs")
	}
	n := 0
	for _, j := range jobs {
		ref := jobRef{j.ID, j.VoiceProfileID, j.Stage}
		if d.fail(ctx, ref, models.JobRunning, apperrors.E(apperrors.KindInfrastructure, "Training timed out")) {
			n++
		}
	}
	return n, nil
}

// RequeueOrphaned re-publishes jobs that have sat in queued for longer than
// olderThan. A crash between commit and publish, or a shutdown mid-stage,
// leaves such a row with no message behind it. Duplicate messages are
// harmless: the claim only lets one of them run.
func (d *Dispatcher) RequeueOrphaned(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := models.StaleQueuedJobs(d.db.WithContext(ctx), d.now().Add(-olderThan))
	if err != nil {
		return 0, apperrors.WrapKind(apperrors.KindInfrastructure, err, "load queued jobs")
	}
	n := 0
	for _, j := range jobs {
		class := queue.ClassPreprocess
		if j.Stage == models.StageTraining {
			class = queue.ClassTrain
		}
		if err := d.queue.Publish(ctx, queue.Job{ID: j.ID, ProfileID: j.VoiceProfileID, Class: class, CreatedAt: j.CreatedAt}); err != nil {
			return n, apperrors.WrapKind(apperrors.KindInfrastructure, err, "Job queue unavailable")
		}
		if err := models.TouchQueuedJob(d.db.WithContext(ctx), j.ID, j.Stage, d.now()); err != nil {
			d.log.Warn("touch requeued job", zap.String("job_id", j.ID), zap.Error(err))
		}
		d.log.Info("queued job re-published", zap.String("profile_id", j.VoiceProfileID),
			zap.String("job_id", j.ID), zap.String("class", string(class)))
		n++
	}
	return n, nil
}

func discardable(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrInvalidStateTransition)
}
