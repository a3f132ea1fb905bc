package extraction

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
)

// ParserRule binds one schema field to a generated pattern. The pattern
// always carries at least one capture group; the first capture is the value.
type ParserRule struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
}

// ParserPack is the ordered set of rules generated for one label.
type ParserPack []ParserRule

// Get returns the pattern for a field, if the pack carries one.
func (p ParserPack) Get(field string) (string, bool) {
	for _, r := range p {
		if r.Field == field {
			return r.Pattern, true
		}
	}
	return "", false
}

// Fields returns the field names in pack order.
func (p ParserPack) Fields() []string {
	out := make([]string, len(p))
	for i, r := range p {
		out[i] = r.Field
	}
	return out
}

// Validate checks the structural invariants of the pack: every pattern
// compiles and exposes at least one capture group, and every field belongs to
// the given schema. The repository repeats the compile and capture-group
// checks at put time.
func (p ParserPack) Validate(schema Schema) error {
	for _, r := range p {
		if _, ok := schema[r.Field]; !ok {
			return fmt.Errorf("pack field %q not in schema", r.Field)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("pack field %q: %w", r.Field, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("pack field %q: pattern has no capture group", r.Field)
		}
	}
	return nil
}

// ParserGenerator reverse-engineers per-field anchored patterns from a
// verified gabarito and the text it was extracted from. Each candidate is
// validated against the source text before emission; fields whose value
// cannot be recaptured are omitted so the runtime routes them through the
// provider instead of executing a bad pattern.
type ParserGenerator struct {
	log *slog.Logger
}

// NewParserGenerator returns a generator logging with the given logger, or
// slog.Default() when nil.
func NewParserGenerator(log *slog.Logger) *ParserGenerator {
	if log == nil {
		log = slog.Default()
	}
	return &ParserGenerator{log: log}
}

// anchorBudget bounds the candidate ladder per field.
const anchorBudget = 4

// Generate emits one rule per capturable non-null gabarito field.
func (g *ParserGenerator) Generate(text string, gabarito FieldRecord) ParserPack {
	var pack ParserPack

	for field, value := range gabarito {
		if value == nil || strings.TrimSpace(*value) == "" {
			continue
		}
		pattern, ok := g.generateField(field, strings.TrimSpace(*value), text)
		if !ok {
			g.log.Warn("field not capturable, omitting from pack", "field", field)
			continue
		}
		pack = append(pack, ParserRule{Field: field, Pattern: pattern})
		g.log.Debug("pattern emitted", "field", field, "pattern", pattern)
	}

	return pack
}

// generateField walks the anchor ladder until a candidate survives
// self-validation: compiled, applied to the source text, first capture equal
// to the gabarito value. Short values ("PR") often occur inside unrelated
// words, so each of the first three occurrences of the value gets its own
// ladder, bounded by anchorBudget candidates each.
func (g *ParserGenerator) generateField(field, value, text string) (string, bool) {
	capture := captureClass(value)

	for _, idx := range occurrences(text, value, 3) {
		anchors := g.anchorCandidates(field, text, idx)

		tried := 0
		for _, anchor := range anchors {
			if tried >= anchorBudget {
				break
			}
			tried++

			candidate := `(?i)` + anchor + capture
			re, err := regexp.Compile(candidate)
			if err != nil {
				g.log.Debug("candidate rejected: compile", "field", field, "error", err)
				continue
			}
			m := re.FindStringSubmatch(text)
			if m == nil || len(m) < 2 || strings.TrimSpace(m[1]) != value {
				g.log.Debug("candidate rejected: self-validation", "field", field, "candidate", candidate)
				continue
			}
			return candidate, true
		}
	}
	return "", false
}

// occurrences lists up to max start offsets of value in text.
func occurrences(text, value string, max int) []int {
	var out []int
	from := 0
	for len(out) < max {
		idx := strings.Index(text[from:], value)
		if idx < 0 {
			break
		}
		out = append(out, from+idx)
		from += idx + 1
	}
	return out
}

// anchorCandidates derives anchors from the context preceding the value,
// most specific first: the literal label before the value, the text of the
// current line before the value, the previous line (stacked layouts), and
// the field key itself as a keyword.
func (g *ParserGenerator) anchorCandidates(field, text string, valueIdx int) []string {
	ctxStart := valueIdx - 64
	if ctxStart < 0 {
		ctxStart = 0
	}
	context := text[ctxStart:valueIdx]

	var anchors []string

	// Same-line label: "Inscrição: " or "VENCIMENTO - ".
	if label := trailingLabel(context); label != "" {
		anchors = append(anchors, regexp.QuoteMeta(label)+`\s*[:\-]?\s*`)
	}

	// Tail of the current line without a separator, e.g. "Nome do profissional  ".
	if line := lastLineTail(context); line != "" {
		anchors = append(anchors, regexp.QuoteMeta(line)+`\s*[:\-]?\s*`)
	}

	// Value sits at a line start: anchor on the previous line (stacked
	// label-above-value layouts).
	if prev := previousLine(context); prev != "" {
		anchors = append(anchors, regexp.QuoteMeta(prev)+`\s*\r?\n\s*`)
	}

	// Last resort: the field key itself as a keyword anchor.
	keyword := strings.ReplaceAll(field, "_", `[\s_]+`)
	anchors = append(anchors, keyword+`\s*[:\-]?\s*`)

	return anchors
}

// trailingLabel extracts "Some Label" from a context ending in
// "Some Label: " or "Some Label - ". Empty when the context does not end in
// a separator-terminated label.
func trailingLabel(context string) string {
	trimmed := strings.TrimRight(context, " \t")
	if trimmed == "" {
		return ""
	}
	sep := strings.LastIndexAny(trimmed, ":-")
	if sep != len(trimmed)-1 {
		return ""
	}
	line := trimmed[:sep]
	if nl := strings.LastIndexByte(line, '\n'); nl >= 0 {
		line = line[nl+1:]
	}
	line = strings.TrimSpace(line)
	if line == "" || !hasLetterOrDigit(line) {
		return ""
	}
	return line + trimmed[sep:sep+1]
}

// lastLineTail returns the non-empty tail of the context's last line.
func lastLineTail(context string) string {
	line := context
	if nl := strings.LastIndexByte(line, '\n'); nl >= 0 {
		line = line[nl+1:]
	}
	line = strings.TrimSpace(line)
	if line == "" || !hasLetterOrDigit(line) {
		return ""
	}
	return line
}

// previousLine returns the trimmed line before the last newline of the
// context, but only when the value starts its own line.
func previousLine(context string) string {
	nl := strings.LastIndexByte(context, '\n')
	if nl < 0 {
		return ""
	}
	if strings.TrimSpace(context[nl+1:]) != "" {
		return "" // value does not start the line
	}
	head := context[:nl]
	if p := strings.LastIndexByte(head, '\n'); p >= 0 {
		head = head[p+1:]
	}
	head = strings.TrimSpace(head)
	if head == "" || !hasLetterOrDigit(head) {
		return ""
	}
	return head
}

// captureClass picks the capture group for a value by its shape. The group
// must match the gabarito value and generalize to sibling documents of the
// same class.
func captureClass(value string) string {
	runes := []rune(value)
	digits, letters, _ := countRunes(runes)

	switch {
	case dateValueRe.MatchString(value) && len(value) == 10:
		return `(\d{2}/\d{2}/\d{4})`
	case digits == len(runes):
		return `(\d[\d.,\-/]*)`
	case digits > 0 && letters == 0:
		return `([\d.,\-/()$€R\s]+\d)`
	default:
		return `([^\n\r]+?)[ \t]*(?:\r?\n|$)`
	}
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
