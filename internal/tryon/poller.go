package tryon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tccmarket/api/internal/model"
)

const (
	DefaultMaxAttempts  = 30
	DefaultPollInterval = 3 * time.Second
)

// StatusFetcher performs a single status query for a remote job
type StatusFetcher interface {
	GetStatus(ctx context.Context, externalID string) (*model.TransformJob, error)
}

// PollObserver is notified after every status query
type PollObserver func(attempt int, job *model.TransformJob)

// Poller drives a remote job to a terminal state with a fixed attempt
// budget and a constant delay between queries.
type Poller struct {
	fetcher     StatusFetcher
	maxAttempts int
	interval    time.Duration
}

// NewPoller creates a poller. Non-positive values fall back to 30 attempts, 3s apart.
func NewPoller(fetcher StatusFetcher, maxAttempts int, interval time.Duration) *Poller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetcher:     fetcher,
		maxAttempts: maxAttempts,
		interval:    interval,
	}
}

// MaxAttempts returns the attempt budget
func (p *Poller) MaxAttempts() int {
	return p.maxAttempts
}

// Schedule is the total time spent waiting between polls when every attempt is used
func (p *Poller) Schedule() time.Duration {
	return time.Duration(p.maxAttempts-1) * p.interval
}

// Await polls until the job completes with a result URL. Any other outcome
// is returned as an *Error: Failed, Unknown, Timeout, Cancelled or a
// ServiceUnavailable from the status query itself.
func (p *Poller) Await(ctx context.Context, externalID string, observe PollObserver) (*model.TransformJob, error) {
	timer := time.NewTimer(p.interval)
	timer.Stop()
	defer timer.Stop()

	var last *model.TransformJob
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			log.Printf("[TryOn] Poll (job=%s) — context cancelled before attempt #%d", externalID, attempt)
			return last, p.withID(cancelled(StagePoll, err), externalID)
		}

		job, err := p.fetcher.GetStatus(ctx, externalID)
		if err != nil {
			log.Printf("[TryOn] Poll #%d (job=%s) — error: %v", attempt, externalID, err)
			return last, p.withID(fromRemote(ctx, StagePoll, err), externalID)
		}
		last = job

		log.Printf("[TryOn] Poll #%d/%d (job=%s) — status: %s", attempt, p.maxAttempts, externalID, job.Status)
		if observe != nil {
			observe(attempt, job)
		}

		switch job.Status {
		case model.TransformCompleted:
			if job.ResultURL == "" {
				return job, p.withID(newError(StagePoll, KindUnknown, "completed without a result URL", nil), externalID)
			}
			return job, nil
		case model.TransformFailed:
			msg := job.Error
			if msg == "" {
				msg = "remote job failed"
			}
			return job, p.withID(newError(StagePoll, KindJobFailed, msg, nil), externalID)
		case model.TransformQueued, model.TransformRunning:
		default:
			return job, p.withID(newError(StagePoll, KindUnknown, fmt.Sprintf("unrecognized remote status %q", job.RawStatus), nil), externalID)
		}

		if attempt == p.maxAttempts {
			break
		}

		timer.Reset(p.interval)
		select {
		case <-ctx.Done():
			log.Printf("[TryOn] Poll (job=%s) — context cancelled", externalID)
			return last, p.withID(cancelled(StagePoll, ctx.Err()), externalID)
		case <-timer.C:
		}
	}

	return last, p.withID(newError(StagePoll, KindTimeout,
		fmt.Sprintf("still pending after %d polls (%v apart)", p.maxAttempts, p.interval), nil), externalID)
}

func (p *Poller) withID(e *Error, externalID string) *Error {
	e.ExternalID = externalID
	return e
}
