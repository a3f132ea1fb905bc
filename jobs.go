package extraction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// JobKind labels the two background learning jobs.
type JobKind string

const (
	JobGenerateV1 JobKind = "generate_v1"
	JobRefine     JobKind = "refine"
)

type jobKey struct {
	label string
	kind  JobKind
}

// AsyncJobRunner executes fire-and-forget knowledge jobs on a bounded worker
// pool. Jobs are idempotent and deduplicated: at most one job per
// (label, kind) pair is in flight, a second enqueue is a no-op. A job's only
// effect is a later repository put; it never touches the synchronous
// response of the request that spawned it, and it is not subject to the
// batch watchdog. Inputs are passed by value so foreground and background
// never share mutable state.
type AsyncJobRunner struct {
	llm        LLMExtractor
	parserGen  *ParserGenerator
	ruleGen    *ValidationGenerator
	repo       *ParserRepository
	log        *slog.Logger
	ctx        context.Context
	eg         *errgroup.Group
	sem        chan struct{} // worker gate, acquired inside the goroutine
	maxRetries int
	backoff    time.Duration

	mu       sync.Mutex
	inflight map[jobKey]struct{}
}

// NewAsyncJobRunner builds a runner whose jobs live on ctx: cancelling it
// abandons queued work. workers bounds concurrency.
func NewAsyncJobRunner(ctx context.Context, workers int, llm LLMExtractor, repo *ParserRepository, log *slog.Logger) *AsyncJobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &AsyncJobRunner{
		llm:        llm,
		parserGen:  NewParserGenerator(log),
		ruleGen:    NewValidationGenerator(log),
		repo:       repo,
		log:        log,
		ctx:        ctx,
		eg:         &errgroup.Group{},
		sem:        make(chan struct{}, workers),
		maxRetries: 2,
		backoff:    time.Second,
		inflight:   make(map[jobKey]struct{}),
	}
}

// EnqueueGenerateV1 schedules first-time knowledge generation for a label.
// With a nil seed the job calls the provider's extract_all itself; a request
// that already paid for a provider result passes it as the seed so the job
// learns from it for free. Either way the gabarito feeds parser and
// validation generation at version 1. Returns false when an identical job is
// already in flight.
func (a *AsyncJobRunner) EnqueueGenerateV1(label string, schema Schema, text string, seed FieldRecord) bool {
	if seed != nil {
		seed = seed.Clone()
	}
	return a.enqueue(jobKey{label, JobGenerateV1}, func(jobID string) {
		gabarito := seed
		if gabarito == nil {
			var err error
			gabarito, err = a.extractWithBackoff(schema, text)
			if err != nil {
				a.log.Warn("generate_v1 abandoned: provider failed", "job", jobID, "label", label, "error", err)
				return
			}
		}
		a.publish(jobID, label, 1, schema, text, gabarito)
	})
}

// EnqueueRefine schedules a knowledge upgrade: the corrected record becomes
// the new gabarito and both packs are regenerated at the next version.
func (a *AsyncJobRunner) EnqueueRefine(label string, schema Schema, text string, corrected FieldRecord) bool {
	gabarito := corrected.Clone() // by value; the caller keeps its record
	return a.enqueue(jobKey{label, JobRefine}, func(jobID string) {
		version := 1
		if live, err := a.repo.Get(label); err == nil && live != nil {
			version = live.Version + 1
		}
		a.publish(jobID, label, version, schema, text, gabarito)
	})
}

// Wait blocks until all enqueued jobs have finished. Used at batch teardown
// and in tests; requests never call it.
func (a *AsyncJobRunner) Wait() {
	a.eg.Wait() //nolint:errcheck // jobs report their own failures
}

func (a *AsyncJobRunner) enqueue(key jobKey, run func(jobID string)) bool {
	a.mu.Lock()
	if _, active := a.inflight[key]; active {
		a.mu.Unlock()
		a.log.Debug("duplicate job dropped", "label", key.label, "kind", key.kind)
		return false
	}
	a.inflight[key] = struct{}{}
	a.mu.Unlock()

	jobID := uuid.NewString()
	a.log.Info("job enqueued", "job", jobID, "label", key.label, "kind", key.kind)

	// The gate is acquired inside the goroutine so a saturated pool never
	// blocks the enqueueing request.
	a.eg.Go(func() error {
		a.sem <- struct{}{}
		defer func() {
			<-a.sem
			a.mu.Lock()
			delete(a.inflight, key)
			a.mu.Unlock()
		}()
		if a.ctx.Err() != nil {
			a.log.Debug("job abandoned: runner stopped", "job", jobID)
			return nil
		}
		run(jobID)
		return nil
	})
	return true
}

// extractWithBackoff calls the provider with the background retry policy.
// There is no user-facing deadline here, only the runner's lifetime.
func (a *AsyncJobRunner) extractWithBackoff(schema Schema, text string) (FieldRecord, error) {
	var record FieldRecord
	err := retryable(func() error {
		var callErr error
		record, callErr = a.llm.ExtractAll(a.ctx, schema, text)
		return callErr
	}, a.maxRetries, a.backoff, a.log)
	return record, err
}

// publish regenerates both packs from the gabarito and puts them. A put
// failure is dropped silently: knowledge is regenerated on a later request.
func (a *AsyncJobRunner) publish(jobID, label string, version int, schema Schema, text string, gabarito FieldRecord) {
	parser := a.parserGen.Generate(text, gabarito)
	if len(parser) == 0 {
		a.log.Warn("job abandoned: no capturable fields", "job", jobID, "label", label)
		return
	}
	validation := a.ruleGen.Generate(schema, gabarito)

	digest, err := GabaritoDigest(gabarito)
	if err != nil {
		a.log.Warn("job abandoned: digest failed", "job", jobID, "label", label, "error", err)
		return
	}

	if err := a.repo.Put(label, version, parser, validation, digest); err != nil {
		a.log.Warn("knowledge write dropped", "job", jobID, "label", label, "version", version, "error", err)
		return
	}
	a.log.Info("job complete", "job", jobID, "label", label, "version", version, "fields", len(parser))
}
