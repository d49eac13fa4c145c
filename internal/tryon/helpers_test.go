package tryon

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/model"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 90, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

// artifactServer serves body at any path and counts requests
func artifactServer(t *testing.T, body []byte, status int) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// fakeAPI scripts the remote service. Statuses are returned in order;
// the last one repeats once the script runs out.
type fakeAPI struct {
	mu sync.Mutex

	credits     *model.CreditBalance
	creditsErr  error
	submitErr   error
	externalID  string
	statuses    []*model.TransformJob
	statusErr   error
	statusDelay time.Duration

	submits   int
	polls     int
	submitted []model.ImagePayload
	modelRefs []string
}

func (f *fakeAPI) CheckCredits(ctx context.Context) (*model.CreditBalance, error) {
	if f.creditsErr != nil {
		return nil, f.creditsErr
	}
	if f.credits == nil {
		return &model.CreditBalance{Total: 10}, nil
	}
	return f.credits, nil
}

func (f *fakeAPI) Submit(ctx context.Context, image model.ImagePayload, modelRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.submitted = append(f.submitted, image)
	f.modelRefs = append(f.modelRefs, modelRef)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.externalID == "" {
		return "ext-1", nil
	}
	return f.externalID, nil
}

func (f *fakeAPI) GetStatus(ctx context.Context, externalID string) (*model.TransformJob, error) {
	if f.statusDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.statusDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	i := f.polls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	job := *f.statuses[i]
	job.ExternalID = externalID
	return &job, nil
}

func (f *fakeAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func queued() *model.TransformJob {
	return &model.TransformJob{Status: model.TransformQueued, RawStatus: "in_queue"}
}

func running() *model.TransformJob {
	return &model.TransformJob{Status: model.TransformRunning, RawStatus: "processing"}
}

func completed(url string) *model.TransformJob {
	return &model.TransformJob{Status: model.TransformCompleted, RawStatus: "completed", ResultURL: url}
}

func failed(msg string) *model.TransformJob {
	return &model.TransformJob{Status: model.TransformFailed, RawStatus: "failed", Error: msg}
}

// failingStorage rejects every write
type failingStorage struct {
	client.ObjectStorage
	puts int
}

var errBucketDown = errors.New("bucket unavailable")

func (s *failingStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	s.puts++
	return errBucketDown
}

func (s *failingStorage) URLFor(key string) string {
	return "https://cdn.example/" + key
}
