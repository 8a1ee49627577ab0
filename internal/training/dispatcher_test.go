package training

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"VoiceForge/internal/audio"
	"VoiceForge/internal/lifecycle"
	"VoiceForge/internal/models"
	"VoiceForge/internal/progress"
	"VoiceForge/pkg/config"
	apperrors "VoiceForge/pkg/errors"
	"VoiceForge/pkg/metrics"
	"VoiceForge/pkg/queue"
	stores "VoiceForge/pkg/storage"
	"VoiceForge/pkg/util"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testPipeline = config.Pipeline{
	MinRecordingsForTraining: 3,
	MaxRecordingsPerProfile:  50,
	AudioSampleRate:          16000,
}

// stubBackend records how many trainings overlap.
type stubBackend struct {
	score   float64
	err     error
	hold    time.Duration
	started chan string
	release chan struct{}
	// failures is how many calls return err before succeeding
	failures atomic.Int32

	current, peak atomic.Int32
	mu            sync.Mutex
	spans         [][2]time.Time
}

func (s *stubBackend) Train(ctx context.Context, profileID string, samples []Sample, progress ProgressFunc) (*Result, error) {
	n := s.current.Add(1)
	for {
		old := s.peak.Load()
		if n <= old || s.peak.CompareAndSwap(old, n) {
			break
		}
	}
	begin := time.Now()
	defer func() {
		s.current.Add(-1)
		s.mu.Lock()
		s.spans = append(s.spans, [2]time.Time{begin, time.Now()})
		s.mu.Unlock()
	}()

	if s.started != nil {
		s.started <- profileID
	}
	progress(0.5, "Halfway there")
	if s.release != nil {
		<-s.release
	}
	time.Sleep(s.hold)
	if s.err != nil && s.failures.Add(-1) >= 0 {
		return nil, s.err
	}
	return &Result{Artifact: []byte(`{"engine":"stub"}`), ContentType: "application/json", SimilarityScore: s.score}, nil
}

type fixture struct {
	db      *gorm.DB
	store   stores.Store
	machine *lifecycle.Machine
	events  *progress.Broadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "file::memory:", false)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	store, err := stores.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	events := progress.NewBroadcaster(config.Progress{BufferSize: 256}, nil)
	t.Cleanup(events.Close)
	return &fixture{db: db, store: store, machine: lifecycle.New(db), events: events}
}

func (f *fixture) dispatcher(q queue.Queue, b Backend) *Dispatcher {
	return NewDispatcher(f.db, f.machine, q, f.store, b, f.events, testPipeline, time.Minute)
}

func voiceTake(t *testing.T, seed int64) []byte {
	t.Helper()
	const rate = 16000
	rng := rand.New(rand.NewSource(seed))
	s := make([]float64, rate*2)
	for i := range s {
		s[i] = 0.3*math.Sin(2*math.Pi*160*float64(i)/rate) + (rng.Float64()*2-1)*0.003
	}
	data, err := audio.EncodeWAV16(s, rate)
	require.NoError(t, err)
	return data
}

// seed creates a recording-state profile with n accepted takes in storage.
func (f *fixture) seed(t *testing.T, n int) *models.VoiceProfile {
	t.Helper()
	p := &models.VoiceProfile{OwnerID: "owner", Name: "Sita", Status: models.StatusRecording, TotalRecordings: n}
	require.NoError(t, f.db.Create(p).Error)
	for i := 0; i < n; i++ {
		data := voiceTake(t, int64(i))
		key := stores.RawRecordingKey(p.ID, i, data, ".wav")
		require.NoError(t, f.store.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), "audio/wav"))
		require.NoError(t, f.db.Create(&models.Recording{
			VoiceProfileID:  p.ID,
			PromptIndex:     i,
			Status:          models.RecordingProcessed,
			OriginalRef:     key,
			DurationSeconds: 2,
		}).Error)
	}
	return p
}

func (f *fixture) status(t *testing.T, id string) models.ProfileStatus {
	p, err := models.GetProfile(f.db, id)
	require.NoError(t, err)
	return p.Status
}

func (f *fixture) waitStatus(t *testing.T, id string, want models.ProfileStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return f.status(t, id) == want }, 10*time.Second, 10*time.Millisecond)
}

func TestTrainRequestedBelowMinimum(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(queue.Options{})
	defer q.Close()
	d := f.dispatcher(q, &stubBackend{score: 0.9})
	p := f.seed(t, testPipeline.MinRecordingsForTraining-1)

	_, err := d.TrainRequested(context.Background(), p.ID, "owner")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidStateTransition))
	assert.Equal(t, "Minimum 3 recordings required. Currently have 2.", apperrors.GetMessage(err))
	assert.Equal(t, models.StatusRecording, f.status(t, p.ID))

	var jobs int64
	require.NoError(t, f.db.Model(&models.TrainingJob{}).Count(&jobs).Error)
	assert.Zero(t, jobs)
}

func TestTrainingReachesReady(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(queue.Options{PreprocessConcurrency: 2})
	defer q.Close()
	d := f.dispatcher(q, &stubBackend{score: 0.87})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	p := f.seed(t, testPipeline.MinRecordingsForTraining)
	sub := f.events.Subscribe(ctx, p.ID)
	defer sub.Unsubscribe()

	job, err := d.TrainRequested(ctx, p.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.State)

	f.waitStatus(t, p.ID, models.StatusReady)

	got, err := models.GetProfile(f.db, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.VoiceSimilarityScore)
	assert.Equal(t, 0.87, *got.VoiceSimilarityScore)
	assert.Equal(t, 1.0, got.TrainingProgress)
	assert.NotNil(t, got.TrainingCompletedAt)
	assert.Nil(t, got.TrainingError)
	require.NotNil(t, got.ModelRef)
	ok, err := f.store.Exists(context.Background(), *got.ModelRef)
	require.NoError(t, err)
	assert.True(t, ok)

	j, err := models.GetTrainingJob(f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageTraining, j.Stage)
	assert.Equal(t, models.JobSucceeded, j.State)

	recs, err := models.ListAcceptedRecordings(f.db, p.ID)
	require.NoError(t, err)
	for _, r := range recs {
		assert.NotEmpty(t, r.ProcessedRef)
		assert.Equal(t, testPipeline.AudioSampleRate, r.SampleRate)
	}

	seen := map[models.ProfileStatus]bool{}
	var last progress.Event
	for ev := range sub.C {
		seen[ev.Status] = true
		assert.GreaterOrEqual(t, ev.Progress, last.Progress, "progress went backwards at %q", ev.Step)
		last = ev
		if ev.Terminal() {
			break
		}
	}
	assert.True(t, seen[models.StatusProcessing])
	assert.True(t, seen[models.StatusTraining])
	assert.Equal(t, models.StatusReady, last.Status)
	assert.Equal(t, "Training complete!", last.Step)
	assert.Equal(t, 1.0, last.Progress)
}

func TestBackendFailureIsSanitized(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(queue.Options{})
	defer q.Close()
	backend := &stubBackend{score: 0.5, err: errors.New("CUDA out of memory in /opt/models/tortoise.pt at 0xdeadbeef00")}
	backend.failures.Store(1)
	d := f.dispatcher(q, backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	p := f.seed(t, testPipeline.MinRecordingsForTraining)
	_, err := d.TrainRequested(ctx, p.ID, "owner")
	require.NoError(t, err)
	f.waitStatus(t, p.ID, models.StatusFailed)

	got, err := models.GetProfile(f.db, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TrainingError)
	assert.Equal(t, "Voice model training failed", *got.TrainingError)
	assert.Zero(t, got.TrainingProgress)

	var ev progress.Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = f.events.Last(p.ID)
		return ok && ev.Status == models.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Training failed: Voice model training failed", ev.Step)

	// a fresh explicit request is allowed after failure
	_, err = d.TrainRequested(ctx, p.ID, "owner")
	require.NoError(t, err)
	f.waitStatus(t, p.ID, models.StatusReady)
}

func runJetStream(t *testing.T) string {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

// Two dispatcher instances share one stream; the train consumer still admits
// a single execution at a time.
func TestSingleTrainingAcrossDispatchers(t *testing.T) {
	f := newFixture(t)
	url := runJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &stubBackend{score: 0.9, hold: 150 * time.Millisecond}
	var dispatchers []*Dispatcher
	for i := 0; i < 2; i++ {
		nc, err := nats.Connect(url)
		require.NoError(t, err)
		t.Cleanup(nc.Close)
		q, err := queue.NewJetStream(ctx, nc, queue.Options{PreprocessConcurrency: 4})
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() })
		d := f.dispatcher(q, backend)
		require.NoError(t, d.Start(ctx))
		dispatchers = append(dispatchers, d)
	}

	a := f.seed(t, testPipeline.MinRecordingsForTraining)
	b := f.seed(t, testPipeline.MinRecordingsForTraining)

	var wg sync.WaitGroup
	for i, p := range []*models.VoiceProfile{a, b} {
		wg.Add(1)
		go func(d *Dispatcher, id string) {
			defer wg.Done()
			_, err := d.TrainRequested(ctx, id, "owner")
			assert.NoError(t, err)
		}(dispatchers[i], p.ID)
	}
	wg.Wait()

	f.waitStatus(t, a.ID, models.StatusReady)
	f.waitStatus(t, b.ID, models.StatusReady)

	assert.EqualValues(t, 1, backend.peak.Load())
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.spans, 2)
	first, second := backend.spans[0], backend.spans[1]
	if second[0].Before(first[0]) {
		first, second = second, first
	}
	assert.False(t, second[0].Before(first[1]), "second training started before the first finished")
}

func deleteProfile(t *testing.T, f *fixture, d *Dispatcher, id string) {
	t.Helper()
	require.NoError(t, d.CancelActive(context.Background(), id))
	require.NoError(t, f.db.Where("voice_profile_id = ?", id).Delete(&models.Recording{}).Error)
	require.NoError(t, f.db.Where("id = ?", id).Delete(&models.VoiceProfile{}).Error)
}

func TestDeleteMidTrainingDiscardsOutcome(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(queue.Options{})
	defer q.Close()
	backend := &stubBackend{score: 0.9, started: make(chan string, 1), release: make(chan struct{})}
	d := f.dispatcher(q, backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	p := f.seed(t, testPipeline.MinRecordingsForTraining)
	job, err := d.TrainRequested(ctx, p.ID, "owner")
	require.NoError(t, err)

	select {
	case <-backend.started:
	case <-time.After(10 * time.Second):
		t.Fatal("training never started")
	}
	deleteProfile(t, f, d, p.ID)
	close(backend.release)

	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.TrainingActive) == 0 }, 5*time.Second, 10*time.Millisecond)

	var n int64
	require.NoError(t, f.db.Model(&models.VoiceProfile{}).Where("id = ?", p.ID).Count(&n).Error)
	assert.Zero(t, n, "profile resurrected")
	j, err := models.GetTrainingJob(f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, j.State)

	ok, err := f.store.Exists(context.Background(), stores.ModelKey(p.ID))
	require.NoError(t, err)
	assert.False(t, ok, "model of a deleted profile kept")
}

func TestLateCallbacksAfterDeleteAreDropped(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(queue.Options{})
	defer q.Close()
	d := f.dispatcher(q, &stubBackend{})
	ctx := context.Background()

	p := f.seed(t, testPipeline.MinRecordingsForTraining)
	job, err := f.machine.RequestTraining(ctx, p.ID, "owner", testPipeline.MinRecordingsForTraining)
	require.NoError(t, err)
	require.NoError(t, f.machine.StartTraining(ctx, p.ID))
	ok, err := models.CASJobState(f.db, job.ID, models.StagePreprocessing, models.JobQueued, models.JobRunning,
		map[string]any{"stage": models.StageTraining})
	require.NoError(t, err)
	require.True(t, ok)

	deleteProfile(t, f, d, p.ID)
	ref := jobRef{job.ID, p.ID, models.StageTraining}

	assert.NotPanics(t, func() {
		assert.False(t, d.succeed(ctx, ref, stores.ModelKey(p.ID), 0.9))
		assert.False(t, d.fail(ctx, ref, models.JobRunning, errors.New("late failure")))
	})

	var n int64
	require.NoError(t, f.db.Model(&models.VoiceProfile{}).Where("id = ?", p.ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestDuplicateDeliveryRunsOnce(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(queue.Options{})
	defer q.Close()
	backend := &stubBackend{score: 0.9}
	d := f.dispatcher(q, backend)

	p := f.seed(t, testPipeline.MinRecordingsForTraining)
	job, err := f.machine.RequestTraining(context.Background(), p.ID, "owner", testPipeline.MinRecordingsForTraining)
	require.NoError(t, err)

	del := &fakeDelivery{job: queue.Job{ID: job.ID, ProfileID: p.ID, Class: queue.ClassPreprocess}}
	d.handlePreprocess(context.Background(), del)
	d.handlePreprocess(context.Background(), del)

	j, err := models.GetTrainingJob(f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageTraining, j.Stage)
	assert.Equal(t, models.JobQueued, j.State)
	assert.Equal(t, models.StatusTraining, f.status(t, p.ID))

	train := &fakeDelivery{job: queue.Job{ID: job.ID, ProfileID: p.ID, Class: queue.ClassTrain}}
	d.handleTrain(context.Background(), train)
	d.handleTrain(context.Background(), train)
	assert.Len(t, backend.spans, 1)
	assert.Equal(t, models.StatusReady, f.status(t, p.ID))
}

func TestSweepStaleFailsAbandonedJobs(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemory(queue.Options{})
	defer q.Close()
	d := f.dispatcher(q, &stubBackend{})
	ctx := context.Background()

	p := f.seed(t, testPipeline.MinRecordingsForTraining)
	job, err := f.machine.RequestTraining(ctx, p.ID, "owner", testPipeline.MinRecordingsForTraining)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-2 * time.Hour)
	ok, err := models.CASJobState(f.db, job.ID, models.StagePreprocessing, models.JobQueued, models.JobRunning,
		map[string]any{"started_at": old})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := d.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := models.GetProfile(f.db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.TrainingError)
	assert.Equal(t, "Training timed out", *got.TrainingError)
}

func TestRequeueOrphanedJobRunsToReady(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 提交了任务但消息从未发出
	p := f.seed(t, testPipeline.MinRecordingsForTraining)
	job, err := f.machine.RequestTraining(ctx, p.ID, "owner", testPipeline.MinRecordingsForTraining)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.TrainingJob{}).Where("id = ?", job.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error)

	q := queue.NewMemory(queue.Options{})
	defer q.Close()
	d := f.dispatcher(q, &stubBackend{score: 0.8})
	require.NoError(t, d.Start(ctx))

	n, err := d.RequeueOrphaned(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = d.RequeueOrphaned(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitStatus(t, p.ID, models.StatusReady)

	j, err := models.GetTrainingJob(f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, j.State)
}

// blockingBackend trains until its context ends.
type blockingBackend struct {
	started chan string
}

func (b *blockingBackend) Train(ctx context.Context, profileID string, samples []Sample, progress ProgressFunc) (*Result, error) {
	b.started <- profileID
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestShutdownLeavesJobForRequeue(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, testPipeline.MinRecordingsForTraining)

	q1 := queue.NewMemory(queue.Options{})
	blocking := &blockingBackend{started: make(chan string, 1)}
	consumerCtx, shutdown := context.WithCancel(context.Background())
	d1 := f.dispatcher(q1, blocking)
	require.NoError(t, d1.Start(consumerCtx))

	job, err := d1.TrainRequested(context.Background(), p.ID, "owner")
	require.NoError(t, err)
	select {
	case <-blocking.started:
	case <-time.After(10 * time.Second):
		t.Fatal("training never started")
	}
	shutdown()
	require.Eventually(t, func() bool {
		j, err := models.GetTrainingJob(f.db, job.ID)
		return err == nil && j.State == models.JobQueued
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, q1.Close())

	got, err := models.GetProfile(f.db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTraining, got.Status)
	assert.Nil(t, got.TrainingError)
	j, err := models.GetTrainingJob(f.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageTraining, j.Stage)
	assert.Nil(t, j.StartedAt)

	// 重启后补发并完成
	q2 := queue.NewMemory(queue.Options{})
	defer q2.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d2 := f.dispatcher(q2, &stubBackend{score: 0.9})
	require.NoError(t, d2.Start(ctx))
	n, err := d2.RequeueOrphaned(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitStatus(t, p.ID, models.StatusReady)
}

type fakeDelivery struct {
	job queue.Job
}

func (f *fakeDelivery) Job() queue.Job    { return f.job }
func (f *fakeDelivery) Ack() error        { return nil }
func (f *fakeDelivery) Term() error       { return nil }
func (f *fakeDelivery) InProgress() error { return nil }
