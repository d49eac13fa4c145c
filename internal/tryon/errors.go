package tryon

import (
	"context"
	"errors"
	"fmt"

	"github.com/tccmarket/api/internal/catalog"
	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/model"
)

// Stage names the pipeline step a failure originated from
type Stage string

const (
	StageCredits Stage = "credits"
	StageSubmit  Stage = "submit"
	StagePoll    Stage = "poll"
	StageIngest  Stage = "ingest"
	StageAttach  Stage = "attach"
)

// Kind classifies a pipeline failure
type Kind string

const (
	KindAuth                Kind = "auth"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindSubmissionRejected  Kind = "submission_rejected"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindJobFailed           Kind = "job_failed"
	KindTimeout             Kind = "timeout"
	KindUnknown             Kind = "unknown"
	KindCancelled           Kind = "cancelled"
	KindDownload            Kind = "download"
	KindStorageWrite        Kind = "storage_write"
	KindProductNotFound     Kind = "product_not_found"
	KindKeyAttached         Kind = "key_attached"
)

// Retryable reports whether the caller may retry after this kind of failure.
// Nothing inside the pipeline retries on its own except the poll loop.
func (k Kind) Retryable() bool {
	switch k {
	case KindServiceUnavailable, KindTimeout, KindDownload, KindStorageWrite:
		return true
	}
	return false
}

// Error is the single typed failure returned by every stage
type Error struct {
	Stage   Stage
	Kind    Kind
	Message string
	Err     error

	// Provenance for partial progress
	ExternalID string
	ResultURL  string
	StorageKey string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tryon %s: %s", e.Stage, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ToJobError converts the failure into its persisted form
func (e *Error) ToJobError() *model.JobError {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return &model.JobError{
		Stage:      string(e.Stage),
		Kind:       string(e.Kind),
		Message:    msg,
		Retryable:  e.Kind.Retryable(),
		ResultURL:  e.ResultURL,
		StorageKey: e.StorageKey,
	}
}

// AsError extracts a pipeline failure from an error chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is a pipeline failure of the given kind
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

func newError(stage Stage, kind Kind, message string, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Message: message, Err: err}
}

// cancelled wraps a context error from the caller. Deadline expiry from the
// caller is reported as cancellation too; the poll budget has its own
// Timeout kind.
func cancelled(stage Stage, err error) *Error {
	return newError(stage, KindCancelled, "run cancelled", err)
}

// callerDone reports whether err stems from the caller's own context. A
// context error raised by a transport timeout does not count.
func callerDone(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fromRemote classifies an error returned by the try-on API client
func fromRemote(ctx context.Context, stage Stage, err error) *Error {
	switch {
	case callerDone(ctx, err):
		return cancelled(stage, err)
	case errors.Is(err, client.ErrUnauthorized):
		return newError(stage, KindAuth, "", err)
	case errors.Is(err, client.ErrRejected):
		return newError(stage, KindSubmissionRejected, "", err)
	}
	return newError(stage, KindServiceUnavailable, "", err)
}

// fromCatalog classifies an error returned by catalog attachment
func fromCatalog(ctx context.Context, err error, storageKey string) *Error {
	var e *Error
	switch {
	case callerDone(ctx, err):
		e = cancelled(StageAttach, err)
	case errors.Is(err, catalog.ErrProductNotFound):
		e = newError(StageAttach, KindProductNotFound, "", err)
	case errors.Is(err, catalog.ErrKeyAttached):
		e = newError(StageAttach, KindKeyAttached, "", err)
	default:
		e = newError(StageAttach, KindStorageWrite, "catalog write failed", err)
	}
	e.StorageKey = storageKey
	return e
}
