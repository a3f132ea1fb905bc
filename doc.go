// Package extraction implements an adaptive hybrid engine that pulls
// structured field values out of arbitrary PDF documents, learning a cheap
// pattern-based extractor for every document class it sees.
//
// # Problem Statement
//
// Calling a language model for every document is accurate but slow and
// expensive; static regex rules are fast and free but brittle. Batches mix
// both worlds: the first document of a class genuinely needs the model, the
// hundredth should not. The engine resolves the tension with a four-path
// decision tree keyed on a caller-supplied label:
//
//   - Path 2: cached knowledge parses the document and the result clears the
//     confidence threshold. No provider call, sub-100ms, zero cost.
//   - Path 3: cached knowledge leaves holes. One extract_missing call fills
//     exactly the failing fields; a background job refines the knowledge to
//     the next version.
//   - Path 1: no knowledge yet, but the label-agnostic heuristic fills
//     enough fields. Returned immediately; a background job learns version 1.
//   - Path 4: no knowledge and the heuristic came back mostly empty. One
//     synchronous extract_all bounded by the batch budget; a background job
//     learns from the paid-for result.
//
// Knowledge per label is a parser pack (anchored regex per field, first
// capture group is the value) plus a validation pack (conservative
// predicates reverse-engineered from a single verified record). Both are
// generated from a gabarito - a high-quality extraction used as ground
// truth - and persisted in a versioned, atomically-published repository.
//
// # Basic Usage
//
//	cfg := extraction.DefaultConfig()
//	repo, _ := extraction.NewParserRepository(cfg.RepositoryRoot, nil)
//	llm, _ := extraction.NewGeminiExtractor(client, "gemini-2.0-flash", nil, nil)
//	jobs := extraction.NewAsyncJobRunner(ctx, 4, llm, repo, nil)
//	orch := extraction.NewOrchestrator(cfg, repo, llm, jobs, nil)
//
//	batch := extraction.NewBatchProcessor(cfg, orch, source, nil)
//	results, summary := batch.Run(ctx, items)
//
// # Time Budget
//
// The batch budget is amortized: n items buy n x 10s, and a watchdog grants
// each item min(10s x slack, remaining). Fast cached items bank time that a
// later cold item may spend on a long provider call. The watchdog is
// advisory - only the provider dispatch honors its deadline; every other
// stage is compute-bound and finishes in milliseconds.
//
// Background learning jobs run outside the batch budget on their own worker
// pool, deduplicated per (label, kind), and their only side effect is a
// versioned repository write.
package extraction
