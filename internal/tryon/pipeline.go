// Package tryon runs the garment try-on pipeline: credits check, remote
// submission, bounded polling, artifact ingestion and catalog attachment.
package tryon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tccmarket/api/internal/catalog"
	"github.com/tccmarket/api/internal/client"
	"github.com/tccmarket/api/internal/model"
)

const DefaultRequestAllowance = 2 * time.Minute

// Hooks receive progress notifications during a run. Both fields are optional.
type Hooks struct {
	StageStarted func(stage Stage)
	Polled       PollObserver
}

// PipelineOptions configures a Pipeline
type PipelineOptions struct {
	// Models maps a subject category to the reference image sent with each submission
	Models map[model.SubjectCategory]string
	Limits ImageLimits
	// PreviewPrefix holds results of runs without a product. It must lie
	// outside the ingestor's prefix so the orphan sweep never scans it.
	PreviewPrefix string
	// RequestAllowance is added to the poll schedule to bound a synchronous
	// run; it covers the credits check, submission, a slow poll and the download.
	RequestAllowance time.Duration
	Observer         Observer
}

// Pipeline strings the stages together. Stages run strictly in sequence and
// a failure in any of them ends the run.
type Pipeline struct {
	api      client.TryOnAPI
	poller   *Poller
	ingestor *Ingestor
	previews *Ingestor
	attacher *catalog.Attacher
	storage  client.ObjectStorage
	models   map[model.SubjectCategory]string
	limits   ImageLimits
	budget   time.Duration
	observer Observer
}

func NewPipeline(
	api client.TryOnAPI,
	poller *Poller,
	ingestor *Ingestor,
	attacher *catalog.Attacher,
	storage client.ObjectStorage,
	opts PipelineOptions,
) *Pipeline {
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	allowance := opts.RequestAllowance
	if allowance <= 0 {
		allowance = DefaultRequestAllowance
	}
	return &Pipeline{
		api:      api,
		poller:   poller,
		ingestor: ingestor,
		previews: ingestor.WithPrefix(previewPrefix(ingestor.KeyPrefix(), opts.PreviewPrefix)),
		attacher: attacher,
		storage:  storage,
		models:   opts.Models,
		limits:   opts.Limits,
		budget:   poller.Schedule() + allowance,
		observer: observer,
	}
}

func previewPrefix(keyPrefix, prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPreviewPrefix
	}
	if prefix == keyPrefix || strings.HasPrefix(prefix, keyPrefix+"/") {
		log.Printf("[TryOn] Preview prefix %q lies under %q, using %q", prefix, keyPrefix, keyPrefix+"-previews")
		return keyPrefix + "-previews"
	}
	return prefix
}

// Credits returns the remote account balance
func (p *Pipeline) Credits(ctx context.Context) (*model.CreditBalance, error) {
	balance, err := p.api.CheckCredits(ctx)
	if err != nil {
		return nil, fromRemote(ctx, StageCredits, err)
	}
	return balance, nil
}

// Process runs one image through every stage. Attachment is skipped when
// req.ProductID is nil and the artifact is stored under the preview prefix.
func (p *Pipeline) Process(ctx context.Context, req model.TryOnRequest, hooks Hooks) (*model.TryOnResult, error) {
	category := req.Category
	if category == "" {
		category = model.DefaultSubjectCategory
	}
	modelRef, ok := p.models[category]
	if !ok || modelRef == "" {
		return nil, newError(StageSubmit, KindSubmissionRejected, fmt.Sprintf("no reference subject for category %q", category), nil)
	}

	// Credits
	if err := p.stage(ctx, StageCredits, hooks, func() error {
		balance, err := p.api.CheckCredits(ctx)
		if err != nil {
			return fromRemote(ctx, StageCredits, err)
		}
		if balance.Total <= 0 {
			return newError(StageCredits, KindInsufficientCredits,
				fmt.Sprintf("remote balance is %.2f", balance.Total), nil)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Submit
	var externalID string
	if err := p.stage(ctx, StageSubmit, hooks, func() error {
		payload, err := PrepareImage(req.Image, p.limits)
		if err != nil {
			return err
		}
		id, err := p.api.Submit(ctx, payload, modelRef)
		if err != nil {
			return fromRemote(ctx, StageSubmit, err)
		}
		externalID = id
		return nil
	}); err != nil {
		return nil, err
	}
	log.Printf("[TryOn] Submitted remote job %s (category=%s)", externalID, category)

	// Poll
	var job *model.TransformJob
	if err := p.stage(ctx, StagePoll, hooks, func() error {
		attempts := 0
		observe := func(attempt int, j *model.TransformJob) {
			attempts = attempt
			if hooks.Polled != nil {
				hooks.Polled(attempt, j)
			}
		}
		var err error
		job, err = p.poller.Await(ctx, externalID, observe)
		p.observer.RecordPolls(attempts)
		return err
	}); err != nil {
		return nil, err
	}

	// Ingest
	var artifact *model.StoredArtifact
	if err := p.stage(ctx, StageIngest, hooks, func() error {
		ingestor := p.ingestor
		if req.ProductID == nil {
			ingestor = p.previews
		}
		var err error
		artifact, err = ingestor.FetchAndStore(ctx, job.ResultURL)
		if err != nil {
			if e, ok := AsError(err); ok {
				e.ExternalID = externalID
			}
			return err
		}
		p.observer.RecordStored(artifact.SizeBytes)
		return nil
	}); err != nil {
		return nil, err
	}

	result := &model.TryOnResult{
		ExternalID: externalID,
		StorageKey: artifact.StorageKey,
		PublicURL:  p.storage.URLFor(artifact.StorageKey),
		SizeBytes:  artifact.SizeBytes,
	}
	if req.ProductID == nil {
		return result, nil
	}

	// Attach
	if err := p.stage(ctx, StageAttach, hooks, func() error {
		img, err := p.attach(ctx, *req.ProductID, artifact.StorageKey)
		if err != nil {
			if e, ok := AsError(err); ok {
				e.ExternalID = externalID
				e.ResultURL = job.ResultURL
			}
			return err
		}
		result.Image = img
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// RunBudget is the longest a bounded run may take: every poll wait plus the
// request allowance.
func (p *Pipeline) RunBudget() time.Duration {
	return p.budget
}

// ProcessBounded runs Process with a deadline of RunBudget. Reaching that
// deadline is reported as a Timeout; cancellation by the caller stays Cancelled.
func (p *Pipeline) ProcessBounded(ctx context.Context, req model.TryOnRequest, hooks Hooks) (*model.TryOnResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	result, err := p.Process(runCtx, req, hooks)
	if e, ok := AsError(err); ok && e.Kind == KindCancelled && ctx.Err() == nil &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.Kind = KindTimeout
		e.Message = fmt.Sprintf("run exceeded %v", p.budget)
	}
	return result, err
}

// Attach links an already stored artifact to a product. Used to finish a
// run whose attachment step failed.
func (p *Pipeline) Attach(ctx context.Context, productID int64, storageKey string) (*model.ProductImage, error) {
	start := time.Now()
	img, err := p.attach(ctx, productID, storageKey)
	p.observer.RecordStage(StageAttach, time.Since(start), err)
	return img, err
}

// URLFor resolves a storage key to a public URL
func (p *Pipeline) URLFor(storageKey string) string {
	return p.storage.URLFor(storageKey)
}

// MaxPollAttempts returns the poll budget, used to scale progress reporting
func (p *Pipeline) MaxPollAttempts() int {
	return p.poller.MaxAttempts()
}

func (p *Pipeline) attach(ctx context.Context, productID int64, storageKey string) (*model.ProductImage, error) {
	img, err := p.attacher.Attach(ctx, productID, storageKey)
	if err != nil {
		return nil, fromCatalog(ctx, err, storageKey)
	}
	return img, nil
}

func (p *Pipeline) stage(ctx context.Context, stage Stage, hooks Hooks, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(stage, err)
	}
	if hooks.StageStarted != nil {
		hooks.StageStarted(stage)
	}
	start := time.Now()
	err := fn()
	p.observer.RecordStage(stage, time.Since(start), err)
	if err != nil {
		log.Printf("[TryOn] Stage %s failed: %v", stage, err)
	}
	return err
}
