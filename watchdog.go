package extraction

import (
	"log/slog"
	"time"
)

// BudgetWatchdog tracks cumulative elapsed time against the amortized batch
// budget. It is advisory, not preemptive: callers wrap the provider dispatch
// in the per-item deadline it yields, and compute-bound stages ignore it.
// The cumulative counter is mutated only by the synchronous batch loop.
type BudgetWatchdog struct {
	batchBudget   time.Duration
	perItemBudget time.Duration
	slack         float64
	elapsed       time.Duration
	log           *slog.Logger
}

// NewBudgetWatchdog sizes the budget for a batch of nItems.
func NewBudgetWatchdog(nItems int, perItem time.Duration, slack float64, log *slog.Logger) *BudgetWatchdog {
	if log == nil {
		log = slog.Default()
	}
	return &BudgetWatchdog{
		batchBudget:   time.Duration(nItems) * perItem,
		perItemBudget: perItem,
		slack:         slack,
		log:           log,
	}
}

// BeginItem yields the deadline granted to the next item:
// min(perItem × slack, remaining). Fast items leave their savings to slow
// ones; an exhausted budget yields zero, which cancels any provider call
// before dispatch.
func (w *BudgetWatchdog) BeginItem() time.Duration {
	slacked := time.Duration(float64(w.perItemBudget) * w.slack)
	remaining := w.Remaining()
	deadline := slacked
	if remaining < deadline {
		deadline = remaining
	}
	if deadline < 0 {
		deadline = 0
	}
	w.log.Debug("item deadline granted", "deadline", deadline, "remaining", remaining)
	return deadline
}

// EndItem accumulates the item's wall time.
func (w *BudgetWatchdog) EndItem(elapsed time.Duration) {
	w.elapsed += elapsed
}

// Remaining is the unspent portion of the batch budget. It goes negative
// once the batch overruns; BeginItem clamps that to a zero deadline.
func (w *BudgetWatchdog) Remaining() time.Duration {
	return w.batchBudget - w.elapsed
}

// Exhausted reports whether the cumulative elapsed time has consumed the
// whole batch budget.
func (w *BudgetWatchdog) Exhausted() bool {
	return w.elapsed >= w.batchBudget
}
