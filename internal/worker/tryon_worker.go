package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/tccmarket/api/internal/model"
	"github.com/tccmarket/api/internal/notify"
	"github.com/tccmarket/api/internal/service"
	"github.com/tccmarket/api/internal/tryon"
)

// Runner executes the try-on pipeline
type Runner interface {
	Process(ctx context.Context, req model.TryOnRequest, hooks tryon.Hooks) (*model.TryOnResult, error)
	MaxPollAttempts() int
}

// Broadcaster pushes job updates to live subscribers
type Broadcaster interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string, attempt int)
	BroadcastComplete(jobID string, result *model.TryOnResult)
	BroadcastError(jobID string, jobErr model.JobError)
}

// Progress reported when each stage starts
var stageProgress = map[tryon.Stage]int{
	tryon.StageCredits: 5,
	tryon.StageSubmit:  10,
	tryon.StagePoll:    20,
	tryon.StageIngest:  85,
	tryon.StageAttach:  95,
}

const (
	pollProgressStart = 20
	pollProgressEnd   = 80
)

// TryOnWorker processes try-on jobs
type TryOnWorker struct {
	tryOnService *service.TryOnService
	pipeline     Runner
	hub          Broadcaster
	notifier     *notify.Notifier
}

// NewTryOnWorker creates a new try-on worker. notifier may be nil.
func NewTryOnWorker(tryOnService *service.TryOnService, pipeline Runner, hub Broadcaster, notifier *notify.Notifier) *TryOnWorker {
	return &TryOnWorker{
		tryOnService: tryOnService,
		pipeline:     pipeline,
		hub:          hub,
		notifier:     notifier,
	}
}

// ProcessTask handles try-on task processing
func (w *TryOnWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload service.TryOnTaskPayload
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	jobID := taskPayload.JobID
	log.Printf("Starting try-on job: %s", jobID)

	var payload model.TryOnJobPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		w.failJob(ctx, jobID, &model.JobError{Stage: string(tryon.StageSubmit), Kind: string(tryon.KindSubmissionRejected), Message: "invalid payload"}, "", "")
		return fmt.Errorf("failed to unmarshal try-on payload: %w", err)
	}

	if job, err := w.tryOnService.GetJob(ctx, jobID); err == nil && job.Status == model.JobStatusCanceled {
		log.Printf("Try-on job %s was cancelled before it started", jobID)
		return nil
	}

	req := model.TryOnRequest{
		Image:       model.ImagePayload{Data: payload.Image, ContentType: payload.ContentType},
		ProductID:   payload.ProductID,
		Category:    payload.Category,
		RequestedBy: payload.RequestedBy,
	}

	externalID := ""
	maxAttempts := w.pipeline.MaxPollAttempts()
	hooks := tryon.Hooks{
		StageStarted: func(stage tryon.Stage) {
			w.updateProgress(ctx, jobID, stageProgress[stage], string(stage), externalID, 0)
		},
		Polled: func(attempt int, job *model.TransformJob) {
			externalID = job.ExternalID
			progress := pollProgressStart + (pollProgressEnd-pollProgressStart)*attempt/maxAttempts
			step := fmt.Sprintf("poll %d/%d: %s", attempt, maxAttempts, job.Status)
			w.updateProgress(ctx, jobID, progress, step, externalID, attempt)
		},
	}

	result, err := w.pipeline.Process(ctx, req, hooks)
	if err != nil {
		jobErr := &model.JobError{Stage: "internal", Kind: "internal", Message: err.Error()}
		var pe *tryon.Error
		if errors.As(err, &pe) {
			jobErr = pe.ToJobError()
			if pe.ExternalID != "" {
				externalID = pe.ExternalID
			}
		}
		w.failJob(context.WithoutCancel(ctx), jobID, jobErr, externalID, payload.RequestedBy)
		return err
	}

	if err := w.tryOnService.CompleteJob(context.WithoutCancel(ctx), jobID, result); err != nil {
		if errors.Is(err, service.ErrJobFinished) {
			log.Printf("Try-on job %s was cancelled after finishing (key=%s)", jobID, result.StorageKey)
			return nil
		}
		log.Printf("Failed to save result for job %s: %v", jobID, err)
		w.failJob(context.WithoutCancel(ctx), jobID, &model.JobError{Stage: "internal", Kind: "internal", Message: "failed to save result", StorageKey: result.StorageKey}, result.ExternalID, payload.RequestedBy)
		return err
	}

	w.hub.BroadcastComplete(jobID, result)
	w.notify(ctx, payload.RequestedBy, notify.Notification{
		Title:   "Try-on ready",
		Message: completionMessage(payload.ProductID),
		URL:     result.PublicURL,
		Type:    "tryon",
	})
	log.Printf("Try-on job %s completed (key=%s)", jobID, result.StorageKey)
	return nil
}

func completionMessage(productID *int64) string {
	if productID == nil {
		return "Your try-on image is ready."
	}
	return fmt.Sprintf("A new try-on image was added to product #%d.", *productID)
}

func (w *TryOnWorker) updateProgress(ctx context.Context, jobID string, progress int, step, externalID string, attempt int) {
	if err := w.tryOnService.UpdateJobProgress(ctx, jobID, progress, step, externalID); err != nil {
		if !errors.Is(err, service.ErrJobFinished) {
			log.Printf("Failed to update progress: %v", err)
		}
		return
	}
	w.hub.BroadcastProgress(jobID, progress, model.JobStatusRunning, step, attempt)
}

func (w *TryOnWorker) failJob(ctx context.Context, jobID string, jobErr *model.JobError, externalID, requestedBy string) {
	if err := w.tryOnService.FailJob(ctx, jobID, jobErr, externalID); err != nil {
		log.Printf("Failed to mark job as failed: %v", err)
	}
	w.hub.BroadcastError(jobID, *jobErr)

	if jobErr.Kind == string(tryon.KindCancelled) {
		return
	}
	w.notify(ctx, requestedBy, notify.Notification{
		Title:   "Try-on failed",
		Message: fmt.Sprintf("Try-on job %s failed at %s: %s", jobID, jobErr.Stage, jobErr.Message),
		Type:    "tryon",
	})
}

func (w *TryOnWorker) notify(ctx context.Context, requestedBy string, note notify.Notification) {
	if w.notifier == nil {
		return
	}
	var participants []notify.Party
	if p, ok := notify.ParseParty(requestedBy, notify.RolePartner); ok {
		participants = append(participants, p)
	}
	if _, err := w.notifier.Notify(context.WithoutCancel(ctx), nil, participants, true, note); err != nil {
		log.Printf("Failed to send notification: %v", err)
	}
}
