package extraction

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Orchestrator implements the four-path decision tree. Given a request and
// the document text it routes between cached execution, provider refinement
// and cold-start extraction, and spawns the background learning jobs that
// make the next request for the same label nearly free.
//
// Paths:
//
//	1 cold, heuristic sufficient  -> heuristic record, learn in background
//	2 cached, high confidence     -> parsed record, no provider, no jobs
//	3 cached, low confidence      -> extract_missing for failing fields, refine job
//	4 cold, heuristic insufficient -> synchronous extract_all, learn in background
type Orchestrator struct {
	cfg        Config
	heuristic  *HeuristicExtractor
	executor   *ParserExecutor
	confidence *ConfidenceCalculator
	repo       *ParserRepository
	llm        LLMExtractor
	jobs       *AsyncJobRunner
	log        *slog.Logger
}

// NewOrchestrator wires the engine. All collaborators are required except
// the logger.
func NewOrchestrator(cfg Config, repo *ParserRepository, llm LLMExtractor, jobs *AsyncJobRunner, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		heuristic:  NewHeuristicExtractor(log),
		executor:   NewParserExecutor(log),
		confidence: NewConfidenceCalculator(cfg.Accept, log),
		repo:       repo,
		llm:        llm,
		jobs:       jobs,
		log:        log,
	}
}

// Process serves one request against its document text under the given
// provider deadline. It never panics and the only errors it returns are the
// per-item fatals ErrInvalidSchema and ErrEmptyText (empty document text);
// text source failures are reported upstream by the batch. Provider and
// deadline trouble degrade to partial data, annotated on the result.
func (o *Orchestrator) Process(ctx context.Context, label string, schema Schema, text string, deadline time.Duration) Result {
	start := time.Now()

	if err := ValidateSchema(schema); err != nil {
		o.log.Error("request rejected", "label", label, "error", err)
		return Result{Record: FieldRecord{}, Err: err, Elapsed: time.Since(start)}
	}
	if text == "" {
		return Result{Record: FieldRecord{}, Err: ErrEmptyText, Elapsed: time.Since(start)}
	}

	entry, err := o.repo.Get(label)
	if err != nil && !errors.Is(err, ErrCorruptEntry) {
		o.log.Error("repository read failed, treating as miss", "label", label, "error", err)
	}
	// A corrupt entry was quarantined inside Get; fall through as a miss and
	// let the cold path schedule regeneration.

	var res Result
	if entry != nil {
		res = o.processCached(ctx, label, schema, text, entry, deadline)
	} else {
		res = o.processCold(ctx, label, schema, text, deadline)
	}
	res.Elapsed = time.Since(start)

	o.log.Info("request served",
		"label", label,
		"path", res.Path,
		"cache_hit", res.CacheHit,
		"confidence", res.Confidence,
		"elapsed", res.Elapsed,
		"cost", res.EstimatedCost)
	return res
}

// processCached serves paths 2 and 3.
func (o *Orchestrator) processCached(ctx context.Context, label string, schema Schema, text string, entry *KnowledgeEntry, deadline time.Duration) Result {
	parsed := o.executor.Execute(entry.Parser, text, schema)
	score, failing := o.confidence.Score(parsed, entry.Validation, schema)

	if o.confidence.Accept(score) {
		// Path 2: the fast path. No provider, no background work.
		return Result{Record: parsed, Path: PathCachedHigh, CacheHit: true, Confidence: score}
	}

	// Path 3: the parser left holes. Null out the failing fields so the
	// provider refills exactly those; fields that passed validation are
	// preserved verbatim.
	o.log.Warn("cached knowledge below threshold, refining",
		"label", label, "version", entry.Version, "score", score, "failing", failing)

	partial := parsed.Clone()
	for _, field := range failing {
		partial[field] = nil
	}

	cost := 0.0
	filled := FieldRecord{}
	if deadline > 0 {
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		var err error
		filled, err = o.llm.ExtractMissing(callCtx, schema, text, partial)
		cost = perCallCostEstimate
		if err != nil {
			o.log.Warn("extract_missing degraded", "label", label, "error", asDeadline(err))
			filled = FieldRecord{}
		}
	} else {
		o.log.Warn("no budget left, skipping extract_missing", "label", label)
	}

	merged := o.mergeRefinement(partial, filled, entry.Validation)
	score, _ = o.confidence.Score(merged, entry.Validation, schema)

	// The response is complete; learning happens behind it.
	o.jobs.EnqueueRefine(label, schema, text, merged)

	return Result{Record: merged, Path: PathCachedLow, CacheHit: true, Confidence: score, EstimatedCost: cost}
}

// processCold serves paths 1 and 4.
func (o *Orchestrator) processCold(ctx context.Context, label string, schema Schema, text string, deadline time.Duration) Result {
	guessed := o.heuristic.Extract(schema, text)
	failureRate := o.heuristic.FailureRate(guessed, schema)

	if failureRate < o.cfg.HeuristicFailure {
		// Path 1: good enough to return immediately at zero cost. The
		// background job pays for the provider call out of band.
		score, _ := o.confidence.Score(guessed, nil, schema)
		o.jobs.EnqueueGenerateV1(label, schema, text, nil)
		return Result{Record: guessed, Path: PathColdHeuristic, Confidence: score}
	}

	// Path 4: the heuristic came back mostly empty; pay for extract_all now,
	// bounded by whatever the watchdog grants.
	o.log.Warn("heuristic insufficient, calling provider synchronously",
		"label", label, "failure_rate", failureRate)

	cost := 0.0
	remote := FieldRecord{}
	if deadline > 0 {
		callCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		var err error
		remote, err = o.llm.ExtractAll(callCtx, schema, text)
		cost = perCallCostEstimate
		if err != nil {
			o.log.Warn("extract_all degraded", "label", label, "error", asDeadline(err))
			remote = FieldRecord{}
		}
	} else {
		o.log.Warn("no budget left, returning heuristic data", "label", label)
	}

	merged := mergeColdStart(schema, guessed, remote)
	score, _ := o.confidence.Score(merged, nil, schema)

	// Learn from the provider result when there is one; otherwise the job
	// makes its own call.
	var seed FieldRecord
	if len(remote) > 0 {
		seed = merged
	}
	o.jobs.EnqueueGenerateV1(label, schema, text, seed)

	return Result{Record: merged, Path: PathColdLLM, Confidence: score, EstimatedCost: cost}
}

// mergeRefinement overlays provider values onto the partial record for
// exactly the fields the parser failed on. A provider value still has to
// clear the field's predicate; when it does not, the field stays null rather
// than shipping a value the pack itself would reject.
func (o *Orchestrator) mergeRefinement(partial, filled FieldRecord, pack ValidationPack) FieldRecord {
	merged := partial.Clone()
	for field, value := range filled {
		if existing, ok := merged[field]; ok && existing != nil {
			continue // parser value passed validation, keep it
		}
		if value == nil {
			continue
		}
		if predicate, hasRule := pack[field]; hasRule && !predicate.Evaluate(value) {
			o.log.Debug("provider value rejected by predicate", "field", field, "value", *value)
			continue
		}
		merged[field] = value
	}
	return merged
}

// mergeColdStart resolves heuristic vs provider conflicts on path 4: the
// provider wins on every field it answered, heuristic values survive only
// where the provider returned null.
func mergeColdStart(schema Schema, heuristic, remote FieldRecord) FieldRecord {
	merged := make(FieldRecord, len(schema))
	for field := range schema {
		if v, ok := remote[field]; ok && v != nil && *v != "" {
			merged[field] = v
			continue
		}
		if v, ok := heuristic[field]; ok && v != nil && *v != "" {
			merged[field] = v
			continue
		}
		merged[field] = nil
	}
	return merged
}
