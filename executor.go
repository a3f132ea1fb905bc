package extraction

import (
	"log/slog"
	"regexp"
	"strings"
)

// ParserExecutor applies a generated pack to a document. Execution is local,
// fast and free: one compiled pattern per pack field, first match's first
// capture wins, no match yields null. Inputs are never mutated.
type ParserExecutor struct {
	log *slog.Logger
}

// NewParserExecutor returns an executor logging with the given logger, or
// slog.Default() when nil.
func NewParserExecutor(log *slog.Logger) *ParserExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &ParserExecutor{log: log}
}

// Execute produces a field record restricted to the requested schema. Fields
// the pack has no rule for, and rules whose pattern fails to compile against
// the stdlib engine, come back as null. Patterns run under Go's RE2 engine,
// so a hostile stored pattern cannot trigger pathological backtracking.
func (e *ParserExecutor) Execute(pack ParserPack, text string, schema Schema) FieldRecord {
	record := make(FieldRecord, len(schema))
	for field := range schema {
		record[field] = nil
	}

	for _, rule := range pack {
		if _, requested := schema[rule.Field]; !requested {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			// The repository validates patterns at put time; a compile
			// failure here means the entry predates that check or was
			// edited on disk. Treat as a miss for this field.
			e.log.Error("stored pattern does not compile", "field", rule.Field, "error", err)
			continue
		}

		m := re.FindStringSubmatch(text)
		if m == nil || len(m) < 2 {
			e.log.Debug("pattern found no match", "field", rule.Field)
			continue
		}
		value := strings.TrimSpace(m[1])
		if value == "" {
			continue
		}
		record[rule.Field] = &value
		e.log.Debug("pattern matched", "field", rule.Field, "value", value)
	}

	return record
}
