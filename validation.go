package extraction

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
)

// PredicateKind discriminates the persisted validation variants. Predicates
// are stored as data (kind + parameters), never as executable code.
type PredicateKind string

const (
	PredicateLengthRange PredicateKind = "length-range"
	PredicateCharClass   PredicateKind = "char-class"
	PredicateEnum        PredicateKind = "enum"
	PredicateFormat      PredicateKind = "format-template"
	PredicateNonEmpty    PredicateKind = "non-empty"
)

// Predicate is one validation rule for one field. Evaluation is total: any
// input string yields true or false, never an error. A nil value always
// fails.
type Predicate struct {
	Kind PredicateKind `json:"kind"`

	// Length bounds, used by length-range and char-class.
	MinLen int `json:"minLen,omitempty"`
	MaxLen int `json:"maxLen,omitempty"`

	// Class is one of "digits", "letters", "alnum" for char-class.
	Class string `json:"class,omitempty"`

	// Values is the allowed set for enum, matched case-insensitively.
	Values []string `json:"values,omitempty"`

	// Pattern is the anchored regex for format-template.
	Pattern string `json:"pattern,omitempty"`
}

// Evaluate applies the predicate to a value. Nulls fail every predicate,
// including non-empty. An unparseable format pattern fails closed.
func (p Predicate) Evaluate(value *string) bool {
	if value == nil {
		return false
	}
	v := *value

	switch p.Kind {
	case PredicateNonEmpty:
		return strings.TrimSpace(v) != ""
	case PredicateLengthRange:
		n := len([]rune(v))
		return n >= p.MinLen && (p.MaxLen == 0 || n <= p.MaxLen)
	case PredicateCharClass:
		n := len([]rune(v))
		if n == 0 || n < p.MinLen || (p.MaxLen > 0 && n > p.MaxLen) {
			return false
		}
		return matchesClass(v, p.Class)
	case PredicateEnum:
		for _, allowed := range p.Values {
			if strings.EqualFold(strings.TrimSpace(v), allowed) {
				return true
			}
		}
		return false
	case PredicateFormat:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(v)
	default:
		return false
	}
}

func matchesClass(v, class string) bool {
	for _, r := range v {
		switch class {
		case "digits":
			if !unicode.IsDigit(r) && !strings.ContainsRune(".,-/", r) {
				return false
			}
		case "letters":
			if !unicode.IsLetter(r) && !unicode.IsSpace(r) && !strings.ContainsRune(".,&'-", r) {
				return false
			}
		case "alnum":
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) && !strings.ContainsRune(".,-/", r) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ValidationPack maps field names to their predicate. Absence of a field
// means "no rule": the confidence calculator then accepts any non-null value.
type ValidationPack map[string]Predicate

// ValidationGenerator reverse-engineers per-field predicates from a single
// verified gabarito. The rules are deliberately tight: a rule that accepts
// almost anything is worse than no rule, so every emitted predicate must
// reject at least one plausible malformed input.
type ValidationGenerator struct {
	log *slog.Logger
}

// NewValidationGenerator returns a generator logging with the given logger,
// or slog.Default() when nil.
func NewValidationGenerator(log *slog.Logger) *ValidationGenerator {
	if log == nil {
		log = slog.Default()
	}
	return &ValidationGenerator{log: log}
}

// Generate infers the most specific predicate justified by each non-null
// gabarito value. Null fields get no predicate. The schema descriptions are
// consulted only for enumerated alternatives spelled out in them.
func (g *ValidationGenerator) Generate(schema Schema, gabarito FieldRecord) ValidationPack {
	pack := make(ValidationPack)

	for field, value := range gabarito {
		if value == nil || strings.TrimSpace(*value) == "" {
			continue
		}
		p := g.inferPredicate(*value, schema[field])
		pack[field] = p
		g.log.Debug("validation rule inferred", "field", field, "kind", p.Kind)
	}

	return pack
}

func (g *ValidationGenerator) inferPredicate(value, description string) Predicate {
	trimmed := strings.TrimSpace(value)
	runes := []rune(trimmed)
	n := len(runes)

	// Alternatives enumerated in the description, and the observed value is
	// one of them: the tightest possible rule.
	if m := enumListRe.FindStringSubmatch(description); m != nil {
		var values []string
		for _, alt := range strings.Split(m[1], ",") {
			if alt = strings.TrimSpace(alt); alt != "" {
				values = append(values, alt)
			}
		}
		for _, allowed := range values {
			if strings.EqualFold(trimmed, allowed) {
				return Predicate{Kind: PredicateEnum, Values: values}
			}
		}
	}

	digits, letters, others := countRunes(runes)

	switch {
	case digits == n && n > 0:
		// Exact digit count, e.g. "101943" -> ^\d{6}$.
		return Predicate{Kind: PredicateFormat, Pattern: fmt.Sprintf(`^\d{%d}$`, n)}

	case digits > 0 && letters == 0:
		// Digits plus separators: dates, IDs, amounts. Compress runs into an
		// exact structural template, "12/05/2024" -> ^\d{2}/\d{2}/\d{4}$.
		return Predicate{Kind: PredicateFormat, Pattern: formatTemplate(runes)}

	case letters == n && n > 0 && n <= 4 && allUpper(runes):
		// Short uppercase codes, e.g. "PR" -> ^[A-ZÀ-Ü]{2}$.
		return Predicate{Kind: PredicateFormat, Pattern: fmt.Sprintf(`^[A-ZÀ-Ü]{%d}$`, n)}

	case others == 0 || letters > digits:
		// Free text (names, cities): letters class with a generous but
		// bounded window around the observed length.
		return Predicate{
			Kind:   PredicateCharClass,
			Class:  "letters",
			MinLen: minInt(3, n),
			MaxLen: n * 2,
		}

	default:
		// Genuinely mixed content: all we can justify is a length window.
		return Predicate{Kind: PredicateLengthRange, MinLen: 1, MaxLen: n * 2}
	}
}

// formatTemplate turns a concrete value into an anchored structural pattern:
// digit runs become \d{n}, everything else is kept literally.
func formatTemplate(runes []rune) string {
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(runes) {
		if unicode.IsDigit(runes[i]) {
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			fmt.Fprintf(&b, `\d{%d}`, j-i)
			i = j
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(runes[i])))
		i++
	}
	b.WriteString("$")
	return b.String()
}

func countRunes(runes []rune) (digits, letters, others int) {
	for _, r := range runes {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		case unicode.IsSpace(r):
		default:
			others++
		}
	}
	return
}

func allUpper(runes []rune) bool {
	for _, r := range runes {
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
