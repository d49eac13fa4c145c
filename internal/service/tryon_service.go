package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/tccmarket/api/internal/model"
)

const (
	TaskTypeTryOn = "tryon:process"
	QueueTryOn    = "tryon"
)

// Enqueuer hands tasks to the worker pool. *asynq.Client satisfies it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Canceller stops queued or running tasks. *asynq.Inspector satisfies it.
type Canceller interface {
	CancelProcessing(id string) error
	DeleteTask(queue, id string) error
}

// TryOnService handles try-on job management
type TryOnService struct {
	jobs      JobStore
	enqueuer  Enqueuer
	canceller Canceller
}

func NewTryOnService(jobs JobStore, enqueuer Enqueuer, canceller Canceller) *TryOnService {
	return &TryOnService{
		jobs:      jobs,
		enqueuer:  enqueuer,
		canceller: canceller,
	}
}

// StartTryOn queues a new try-on job
func (s *TryOnService) StartTryOn(ctx context.Context, req *model.TryOnRequest) (*model.TryOnStartResponse, error) {
	jobID := uuid.New().String()
	now := time.Now()

	job := &model.Job{
		ID:          jobID,
		Type:        model.JobTypeTryOn,
		Status:      model.JobStatusQueued,
		Progress:    0,
		CreatedAt:   now,
		RequestedBy: req.RequestedBy,
	}

	payload := &model.TryOnJobPayload{
		Image:       req.Image.Data,
		ContentType: req.Image.ContentType,
		ProductID:   req.ProductID,
		Category:    req.Category,
		RequestedBy: req.RequestedBy,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := NewTryOnTask(jobID, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// The pipeline is not idempotent past submission, so asynq never retries it
	_, err = s.enqueuer.Enqueue(task,
		asynq.TaskID(jobID),
		asynq.Queue(QueueTryOn),
		asynq.MaxRetry(0),
		asynq.Timeout(10*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.TryOnStartResponse{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

// GetJob returns the raw job record
func (s *TryOnService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

// GetStatus returns the current status of a try-on job
func (s *TryOnService) GetStatus(ctx context.Context, jobID string) (*model.TryOnStatusResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.TryOnStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		ExternalID:  job.ExternalID,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}, nil
}

// GetResult returns the result of a completed try-on job
func (s *TryOnService) GetResult(ctx context.Context, jobID string) (*model.TryOnResult, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != model.JobStatusSucceeded {
		return nil, ErrJobNotCompleted
	}

	var result model.TryOnResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// CancelTryOn cancels a queued or running job. A running job stops at its
// next poll or wait.
func (s *TryOnService) CancelTryOn(ctx context.Context, jobID string) (*model.TryOnCancelResponse, error) {
	var wasQueued bool
	err := s.jobs.Update(ctx, jobID, func(job *model.Job) error {
		if job.Status.IsTerminal() {
			return ErrJobFinished
		}
		wasQueued = job.Status == model.JobStatusQueued
		job.Status = model.JobStatusCanceled
		now := time.Now()
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.canceller != nil {
		var cerr error
		if wasQueued {
			cerr = s.canceller.DeleteTask(QueueTryOn, jobID)
		}
		if !wasQueued || cerr != nil {
			// The task may have been picked up between the read and the delete
			cerr = s.canceller.CancelProcessing(jobID)
		}
		if cerr != nil {
			log.Printf("Cancel signal for job %s not delivered: %v", jobID, cerr)
		}
	}

	return &model.TryOnCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCanceled,
	}, nil
}

// UpdateJobProgress updates job progress (called by worker). Finished jobs
// are left untouched and ErrJobFinished is returned.
func (s *TryOnService) UpdateJobProgress(ctx context.Context, jobID string, progress int, step, externalID string) error {
	return s.jobs.Update(ctx, jobID, func(job *model.Job) error {
		if job.Status.IsTerminal() {
			return ErrJobFinished
		}

		job.Progress = progress
		job.CurrentStep = step
		if externalID != "" {
			job.ExternalID = externalID
		}

		if job.Status == model.JobStatusQueued {
			job.Status = model.JobStatusRunning
			now := time.Now()
			job.StartedAt = &now
		}
		return nil
	})
}

// CompleteJob marks job as succeeded (called by worker). A job cancelled
// after its last stage started stays canceled and ErrJobFinished is returned.
func (s *TryOnService) CompleteJob(ctx context.Context, jobID string, result *model.TryOnResult) error {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return s.jobs.Update(ctx, jobID, func(job *model.Job) error {
		if job.Status == model.JobStatusCanceled {
			return ErrJobFinished
		}

		job.Status = model.JobStatusSucceeded
		job.Progress = 100
		job.CurrentStep = ""
		job.ExternalID = result.ExternalID
		job.Result = resultBytes
		now := time.Now()
		job.CompletedAt = &now
		return nil
	})
}

// FailJob records a terminal failure (called by worker). A job the caller
// already cancelled keeps its canceled status.
func (s *TryOnService) FailJob(ctx context.Context, jobID string, jobErr *model.JobError, externalID string) error {
	return s.jobs.Update(ctx, jobID, func(job *model.Job) error {
		if job.Status != model.JobStatusCanceled {
			job.Status = model.JobStatusFailed
		}
		job.Error = jobErr
		if externalID != "" {
			job.ExternalID = externalID
		}
		now := time.Now()
		job.CompletedAt = &now
		return nil
	})
}

// TryOnTaskPayload is the asynq task body
type TryOnTaskPayload struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

func NewTryOnTask(jobID string, payload []byte) (*asynq.Task, error) {
	data, err := json.Marshal(TryOnTaskPayload{JobID: jobID, Payload: payload})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTryOn, data), nil
}
