package extraction

import (
	"log/slog"
	"sort"
)

// ConfidenceCalculator scores an extracted record against a validation pack.
// The score is the fraction of schema fields whose value is non-null and
// passes its predicate; null fields count as failures, and a field with no
// predicate passes iff non-null.
type ConfidenceCalculator struct {
	accept float64
	log    *slog.Logger
}

// NewConfidenceCalculator builds a calculator with the given acceptance
// threshold. A score exactly at the threshold is accepted.
func NewConfidenceCalculator(accept float64, log *slog.Logger) *ConfidenceCalculator {
	if log == nil {
		log = slog.Default()
	}
	return &ConfidenceCalculator{accept: accept, log: log}
}

// Score returns the confidence in [0,1] and the sorted names of failing
// fields. An empty schema scores zero.
func (c *ConfidenceCalculator) Score(record FieldRecord, pack ValidationPack, schema Schema) (float64, []string) {
	if len(schema) == 0 {
		c.log.Warn("empty schema, confidence 0")
		return 0, nil
	}

	passed := 0
	var failing []string

	for field := range schema {
		value := record[field]
		if value == nil || *value == "" {
			failing = append(failing, field)
			c.log.Debug("confidence: field null", "field", field)
			continue
		}

		predicate, hasRule := pack[field]
		if !hasRule {
			passed++ // non-null with no rule counts as valid
			continue
		}

		if predicate.Evaluate(value) {
			passed++
		} else {
			failing = append(failing, field)
			c.log.Debug("confidence: predicate failed", "field", field, "kind", predicate.Kind, "value", *value)
		}
	}

	sort.Strings(failing)
	score := float64(passed) / float64(len(schema))
	c.log.Debug("confidence computed", "passed", passed, "total", len(schema), "score", score)
	return score, failing
}

// Accept reports whether the score clears the threshold, inclusive.
func (c *ConfidenceCalculator) Accept(score float64) bool {
	return score >= c.accept
}
