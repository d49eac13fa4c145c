package tryon

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tccmarket/api/internal/catalog"
	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/model"
)

type pipelineFixture struct {
	api      *fakeAPI
	storage  *client.MemoryStorage
	catalog  *catalog.MemoryStore
	pipeline *Pipeline
	observer *PrometheusObserver
}

func newPipelineFixture(t *testing.T, api *fakeAPI, maxAttempts int) *pipelineFixture {
	t.Helper()
	storage := client.NewMemoryStorage("https://cdn.example")
	store := catalog.NewMemoryStore(1)
	observer, err := NewPrometheusObserver("tryon_test", prometheus.NewRegistry())
	require.NoError(t, err)

	p := NewPipeline(
		api,
		NewPoller(api, maxAttempts, time.Millisecond),
		NewIngestor(storage, nil, "", 0),
		catalog.NewAttacher(store),
		storage,
		PipelineOptions{
			Models: map[model.SubjectCategory]string{
				model.SubjectFemale: "https://models.example/female.jpg",
				model.SubjectMale:   "https://models.example/male.jpg",
			},
			Observer: observer,
		},
	)
	return &pipelineFixture{api: api, storage: storage, catalog: store, pipeline: p, observer: observer}
}

func request(t *testing.T, productID *int64) model.TryOnRequest {
	return model.TryOnRequest{
		Image:     model.ImagePayload{Data: pngBytes(t, 32, 32)},
		ProductID: productID,
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestProcessHappyPathAttachesFirstImage(t *testing.T) {
	srv, hits := artifactServer(t, pngBytes(t, 16, 16), http.StatusOK)
	api := &fakeAPI{statuses: []*model.TransformJob{queued(), queued(), completed(srv.URL + "/out.png")}}
	f := newPipelineFixture(t, api, 30)

	var stages []Stage
	result, err := f.pipeline.Process(context.Background(), request(t, int64Ptr(1)), Hooks{
		StageStarted: func(s Stage) { stages = append(stages, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageCredits, StageSubmit, StagePoll, StageIngest, StageAttach}, stages)
	assert.Equal(t, "ext-1", result.ExternalID)
	assert.Equal(t, 1, *hits)
	assert.Equal(t, 1, f.storage.Len())
	assert.Equal(t, "https://cdn.example/"+result.StorageKey, result.PublicURL)
	assert.Equal(t, []string{"https://models.example/female.jpg"}, api.modelRefs)

	require.NotNil(t, result.Image)
	assert.Equal(t, uint(0), result.Image.SortOrder)
	assert.True(t, result.Image.IsPrimary)
	assert.Equal(t, result.StorageKey, result.Image.StorageKey)
	assert.Equal(t, float64(result.SizeBytes), testutil.ToFloat64(f.observer.storedBytes))
}

func TestProcessSecondRunAppends(t *testing.T) {
	srv, _ := artifactServer(t, pngBytes(t, 16, 16), http.StatusOK)
	api := &fakeAPI{statuses: []*model.TransformJob{completed(srv.URL + "/out.png")}}
	f := newPipelineFixture(t, api, 30)

	for i := 0; i < 3; i++ {
		result, err := f.pipeline.Process(context.Background(), request(t, int64Ptr(1)), Hooks{})
		require.NoError(t, err)
		assert.Equal(t, uint(i), result.Image.SortOrder)
		assert.Equal(t, i == 0, result.Image.IsPrimary)
	}
	assert.Len(t, f.catalog.Images(1), 3)
}

func TestProcessWithoutProductSkipsAttach(t *testing.T) {
	srv, _ := artifactServer(t, pngBytes(t, 16, 16), http.StatusOK)
	api := &fakeAPI{statuses: []*model.TransformJob{completed(srv.URL + "/out.png")}}
	f := newPipelineFixture(t, api, 30)

	result, err := f.pipeline.Process(context.Background(), request(t, nil), Hooks{})
	require.NoError(t, err)
	assert.Nil(t, result.Image)
	assert.Empty(t, f.catalog.Images(1))
	assert.Equal(t, 1, f.storage.Len())
	assert.True(t, strings.HasPrefix(result.StorageKey, DefaultPreviewPrefix+"/"), result.StorageKey)
}

func TestPreviewPrefixStaysOutsideKeyPrefix(t *testing.T) {
	assert.Equal(t, DefaultPreviewPrefix, previewPrefix(DefaultKeyPrefix, ""))
	assert.Equal(t, "previews", previewPrefix(DefaultKeyPrefix, "/previews/"))
	assert.Equal(t, DefaultKeyPrefix+"-previews", previewPrefix(DefaultKeyPrefix, DefaultKeyPrefix+"/previews"))
	assert.Equal(t, DefaultKeyPrefix+"-previews", previewPrefix(DefaultKeyPrefix, DefaultKeyPrefix))
}

func TestProcessNoCreditsNeverSubmits(t *testing.T) {
	api := &fakeAPI{credits: &model.CreditBalance{Total: 0}, statuses: []*model.TransformJob{queued()}}
	f := newPipelineFixture(t, api, 30)

	_, err := f.pipeline.Process(context.Background(), request(t, int64Ptr(1)), Hooks{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInsufficientCredits))
	assert.Zero(t, api.submits)
	assert.Zero(t, api.pollCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.observer.failures.WithLabelValues("credits", "insufficient_credits")))
}

func TestProcessCreditsUnauthorized(t *testing.T) {
	api := &fakeAPI{creditsErr: client.ErrUnauthorized}
	f := newPipelineFixture(t, api, 30)

	_, err := f.pipeline.Process(context.Background(), request(t, nil), Hooks{})
	assert.True(t, IsKind(err, KindAuth))
	assert.Zero(t, api.submits)
}

func TestProcessTimeoutStoresNothing(t *testing.T) {
	api := &fakeAPI{statuses: []*model.TransformJob{running()}}
	f := newPipelineFixture(t, api, 5)

	_, err := f.pipeline.Process(context.Background(), request(t, int64Ptr(1)), Hooks{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	assert.Equal(t, 5, api.pollCount())
	assert.Zero(t, f.storage.Len())
	assert.Empty(t, f.catalog.Images(1))
}

func TestProcessRemoteFailureStoresNothing(t *testing.T) {
	api := &fakeAPI{statuses: []*model.TransformJob{queued(), failed("bad garment image")}}
	f := newPipelineFixture(t, api, 30)

	_, err := f.pipeline.Process(context.Background(), request(t, int64Ptr(1)), Hooks{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindJobFailed))
	assert.Contains(t, err.Error(), "bad garment image")
	assert.Zero(t, f.storage.Len())
}

func TestProcessUnknownStatusStopsImmediately(t *testing.T) {
	api := &fakeAPI{statuses: []*model.TransformJob{{Status: model.TransformUnknown, RawStatus: "???"}}}
	f := newPipelineFixture(t, api, 30)

	_, err := f.pipeline.Process(context.Background(), request(t, nil), Hooks{})
	assert.True(t, IsKind(err, KindUnknown))
	assert.Equal(t, 1, api.pollCount())
}

func TestProcessRejectsBadUploadBeforeSubmit(t *testing.T) {
	api := &fakeAPI{statuses: []*model.TransformJob{queued()}}
	f := newPipelineFixture(t, api, 30)

	req := model.TryOnRequest{Image: model.ImagePayload{Data: []byte("not an image")}}
	_, err := f.pipeline.Process(context.Background(), req, Hooks{})
	assert.True(t, IsKind(err, KindSubmissionRejected))
	assert.Zero(t, api.submits)
}

func TestProcessUsesCategoryModel(t *testing.T) {
	srv, _ := artifactServer(t, pngBytes(t, 16, 16), http.StatusOK)
	api := &fakeAPI{statuses: []*model.TransformJob{completed(srv.URL + "/o.png")}}
	f := newPipelineFixture(t, api, 30)

	req := request(t, nil)
	req.Category = model.SubjectMale
	_, err := f.pipeline.Process(context.Background(), req, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://models.example/male.jpg"}, api.modelRefs)
}

func TestProcessMissingProductKeepsArtifact(t *testing.T) {
	srv, _ := artifactServer(t, pngBytes(t, 16, 16), http.StatusOK)
	api := &fakeAPI{statuses: []*model.TransformJob{completed(srv.URL + "/o.png")}}
	f := newPipelineFixture(t, api, 30)

	_, err := f.pipeline.Process(context.Background(), request(t, int64Ptr(404)), Hooks{})
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindProductNotFound, e.Kind)
	assert.Equal(t, StageAttach, e.Stage)
	assert.NotEmpty(t, e.StorageKey)
	assert.Equal(t, "ext-1", e.ExternalID)

	// The stored artifact survives and can be attached later
	_, _, stored := f.storage.Get(e.StorageKey)
	assert.True(t, stored)

	f.catalog.AddProduct(404)
	img, err := f.pipeline.Attach(context.Background(), 404, e.StorageKey)
	require.NoError(t, err)
	assert.True(t, img.IsPrimary)
}

func TestProcessCancelledDuringPoll(t *testing.T) {
	api := &fakeAPI{statuses: []*model.TransformJob{queued()}}
	f := newPipelineFixture(t, api, 30)
	f.pipeline.poller = NewPoller(api, 30, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Process(ctx, request(t, int64Ptr(1)), Hooks{})
		done <- err
	}()

	require.Eventually(t, func() bool { return api.pollCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, IsKind(err, KindCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
	assert.Zero(t, f.storage.Len())
}

func TestProcessPollHookSeesEveryAttempt(t *testing.T) {
	srv, _ := artifactServer(t, pngBytes(t, 16, 16), http.StatusOK)
	api := &fakeAPI{statuses: []*model.TransformJob{queued(), running(), completed(srv.URL + "/o.png")}}
	f := newPipelineFixture(t, api, 30)

	var seen []model.TransformStatus
	_, err := f.pipeline.Process(context.Background(), request(t, nil), Hooks{
		Polled: func(attempt int, job *model.TransformJob) { seen = append(seen, job.Status) },
	})
	require.NoError(t, err)
	assert.Equal(t, []model.TransformStatus{model.TransformQueued, model.TransformRunning, model.TransformCompleted}, seen)
}

func TestRunBudgetCoversPollScheduleAndAllowance(t *testing.T) {
	api := &fakeAPI{}
	p := NewPipeline(api, NewPoller(api, 30, 3*time.Second), NewIngestor(client.NewMemoryStorage(""), nil, "", 0),
		nil, nil, PipelineOptions{RequestAllowance: time.Minute})
	assert.Equal(t, 29*3*time.Second+time.Minute, p.RunBudget())

	p = NewPipeline(api, NewPoller(api, 2, time.Second), NewIngestor(client.NewMemoryStorage(""), nil, "", 0),
		nil, nil, PipelineOptions{})
	assert.Equal(t, time.Second+DefaultRequestAllowance, p.RunBudget())
}

func TestProcessBoundedReportsTimeoutAtBudget(t *testing.T) {
	api := &fakeAPI{statuses: []*model.TransformJob{running()}, statusDelay: time.Second}
	storage := client.NewMemoryStorage("")
	p := NewPipeline(api, NewPoller(api, 3, time.Millisecond), NewIngestor(storage, nil, "", 0),
		catalog.NewAttacher(catalog.NewMemoryStore(1)), storage, PipelineOptions{
			Models:           map[model.SubjectCategory]string{model.SubjectFemale: "https://models.example/female.jpg"},
			RequestAllowance: 30 * time.Millisecond,
		})

	start := time.Now()
	_, err := p.ProcessBounded(context.Background(), request(t, int64Ptr(1)), Hooks{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, StagePoll, e.Stage)
	assert.Equal(t, KindTimeout, e.Kind)
	assert.True(t, e.Kind.Retryable())
	assert.Equal(t, "ext-1", e.ExternalID)
	assert.Zero(t, storage.Len())
}

func TestProcessBoundedKeepsCallerCancellation(t *testing.T) {
	api := &fakeAPI{statuses: []*model.TransformJob{running()}, statusDelay: time.Second}
	f := newPipelineFixture(t, api, 3)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := f.pipeline.ProcessBounded(ctx, request(t, int64Ptr(1)), Hooks{})
	assert.True(t, IsKind(err, KindCancelled))
}
