package extraction

import (
	"context"
	"log/slog"
	"time"
)

// Summary aggregates one batch run, in the spirit of the original batch
// tooling's statistics block.
type Summary struct {
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	CacheHits     int           `json:"cacheHits"`
	TotalElapsed  time.Duration `json:"totalElapsed"`
	AverageItem   time.Duration `json:"averageItem"`
	EstimatedCost float64       `json:"estimatedCost"`
}

// BatchProcessor drives the orchestrator over a dataset. The outer loop is
// deliberately sequential: the amortized time budget only makes sense when
// items are charged one after another, and background learning overlaps
// later items anyway.
type BatchProcessor struct {
	cfg    Config
	orch   *Orchestrator
	source TextSource
	log    *slog.Logger
}

// NewBatchProcessor assembles the batch driver.
func NewBatchProcessor(cfg Config, orch *Orchestrator, source TextSource, log *slog.Logger) *BatchProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &BatchProcessor{cfg: cfg, orch: orch, source: source, log: log}
}

// Run processes the requests in order and returns one result per item plus
// the batch summary. Per-item failures (invalid schema, unreadable PDF) are
// recorded on the result and never abort the batch; no error escapes to the
// caller.
func (b *BatchProcessor) Run(ctx context.Context, items []Request) ([]Result, Summary) {
	watchdog := NewBudgetWatchdog(len(items), b.cfg.PerItemBudget, b.cfg.Slack, b.log)
	results := make([]Result, 0, len(items))
	batchStart := time.Now()

	for i, item := range items {
		b.log.Info("processing item", "index", i+1, "total", len(items), "label", item.Label)

		deadline := watchdog.BeginItem()
		itemStart := time.Now()

		res := b.processItem(ctx, item, deadline)
		res.Elapsed = time.Since(itemStart)
		watchdog.EndItem(res.Elapsed)
		results = append(results, res)

		cumulative := time.Since(batchStart)
		allowed := time.Duration(i+1) * b.cfg.PerItemBudget
		if cumulative > allowed {
			b.log.Warn("cumulative time over amortized budget",
				"cumulative", cumulative, "allowed", allowed, "item", i+1)
		}
	}

	summary := summarize(results, time.Since(batchStart))
	b.log.Info("batch complete",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"cache_hits", summary.CacheHits,
		"elapsed", summary.TotalElapsed,
		"estimated_cost", summary.EstimatedCost)
	return results, summary
}

func (b *BatchProcessor) processItem(ctx context.Context, item Request, deadline time.Duration) Result {
	text, err := b.source.Extract(ctx, item.PDF)
	if err != nil {
		b.log.Error("text source failed", "label", item.Label, "error", err)
		return Result{Record: FieldRecord{}, Err: err}
	}
	return b.orch.Process(ctx, item.Label, item.Schema, text, deadline)
}

func summarize(results []Result, elapsed time.Duration) Summary {
	s := Summary{Total: len(results), TotalElapsed: elapsed}
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
			continue
		}
		s.Succeeded++
		if r.CacheHit {
			s.CacheHits++
		}
		s.EstimatedCost += r.EstimatedCost
	}
	if s.Succeeded > 0 {
		s.AverageItem = elapsed / time.Duration(s.Succeeded)
	}
	return s
}
