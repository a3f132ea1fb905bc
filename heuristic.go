package extraction

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

// HeuristicExtractor is the cheap, label-agnostic rule engine. It builds one
// anchored pattern per schema field from the field's description and key, and
// never returns a syntactically invalid value: values that fail the class
// check for their field kind come back as null instead.
type HeuristicExtractor struct {
	log *slog.Logger
}

// NewHeuristicExtractor returns an extractor that logs with the given logger,
// or slog.Default() when nil.
func NewHeuristicExtractor(log *slog.Logger) *HeuristicExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &HeuristicExtractor{log: log}
}

// Common stopwords stripped from schema descriptions before keyword mining.
// Portuguese and English, since the document corpus mixes both.
var descriptionStopwords = map[string]struct{}{
	"do": {}, "da": {}, "de": {}, "o": {}, "a": {}, "para": {}, "com": {}, "sem": {},
	"the": {}, "of": {}, "for": {}, "in": {}, "on": {}, "an": {},
}

var (
	dateValueRe     = regexp.MustCompile(`\d{2}/\d{2}/\d{4}`)
	numericValueRe  = regexp.MustCompile(`[0-9][0-9.,\-/]*`)
	currencyValueRe = regexp.MustCompile(`(?:R\$|\$|€)?\s*\d{1,3}(?:[.,]\d{3})*[.,]\d{2}`)
	emailValueRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneValueRe    = regexp.MustCompile(`\(?\d{2,3}\)?[\s.\-]?\d{4,5}[\s.\-]?\d{4}`)
	enumListRe      = regexp.MustCompile(`\(([^()]+,[^()]+)\)`)
)

// fieldKind classifies a schema field by its key and description so the value
// capture can be restricted to a matching token class.
type fieldKind int

const (
	kindGeneric fieldKind = iota
	kindNumeric
	kindDate
	kindCurrency
	kindEmail
	kindPhone
	kindEnum
)

// Extract runs the rule catalogue against the text. It never fails; fields no
// rule matched are returned as null. Bounded O(|text|·|fields|).
func (h *HeuristicExtractor) Extract(schema Schema, text string) FieldRecord {
	start := time.Now()
	record := make(FieldRecord, len(schema))

	for field, description := range schema {
		value := h.extractField(field, description, text)
		record[field] = value
		if value == nil {
			h.log.Debug("heuristic miss", "field", field)
		} else {
			h.log.Debug("heuristic hit", "field", field, "value", *value)
		}
	}

	h.log.Debug("heuristic extraction done",
		"fields", len(schema),
		"nulls", len(record.NullFields()),
		"elapsed", time.Since(start))
	return record
}

// FailureRate is the fraction of schema fields the record holds null for.
func (h *HeuristicExtractor) FailureRate(record FieldRecord, schema Schema) float64 {
	if len(schema) == 0 {
		return 1.0
	}
	nulls := 0
	for field := range schema {
		if v, ok := record[field]; !ok || v == nil || *v == "" {
			nulls++
		}
	}
	return float64(nulls) / float64(len(schema))
}

func (h *HeuristicExtractor) extractField(field, description, text string) *string {
	kind, enum := classifyField(field, description)

	// Enum fields match the alternatives directly, no anchor needed.
	if kind == kindEnum {
		return matchEnum(enum, text)
	}

	keywords := anchorKeywords(field, description)
	pattern, err := buildAnchoredPattern(keywords, kind)
	if err != nil {
		h.log.Warn("heuristic pattern rejected", "field", field, "error", err)
		return nil
	}

	m := pattern.FindStringSubmatch(text)
	if m == nil || len(m) < 2 {
		return nil
	}
	value := strings.TrimSpace(m[1])
	if value == "" {
		return nil
	}
	if !valueIsWellFormed(kind, value) {
		return nil
	}
	return &value
}

// classifyField decides the token class of a field. Enumerations spelled out
// in the description, e.g. "(ADVOGADO, ADVOGADA, SUPLEMENTAR)", win over key
// hints.
func classifyField(field, description string) (fieldKind, []string) {
	if m := enumListRe.FindStringSubmatch(description); m != nil {
		var values []string
		for _, alt := range strings.Split(m[1], ",") {
			if alt = strings.TrimSpace(alt); alt != "" {
				values = append(values, alt)
			}
		}
		if len(values) > 1 {
			return kindEnum, values
		}
	}

	key := strings.ToLower(field)
	desc := strings.ToLower(description)
	switch {
	case containsAny(key, "data", "date") || containsAny(desc, "data ", "date "):
		return kindDate, nil
	case containsAny(key, "valor", "preco", "price", "amount", "total"):
		return kindCurrency, nil
	case containsAny(key, "email", "e_mail"):
		return kindEmail, nil
	case containsAny(key, "telefone", "phone", "fone", "celular"):
		return kindPhone, nil
	case containsAny(key, "inscricao", "numero", "number", "cep", "cpf", "cnpj", "id", "codigo"):
		return kindNumeric, nil
	}
	return kindGeneric, nil
}

// anchorKeywords mines anchor candidates from the description and the key,
// longest first. Stopwords are dropped and the first one to three remaining
// words form the n-grams: "Número de inscrição do profissional" yields
// "número inscrição profissional", "número inscrição" and "número". Words of
// an n-gram must sit next to each other in the text, separated only by
// whitespace or underscores.
func anchorKeywords(field, description string) []string {
	var keywords []string

	if description != "" {
		words := splitWords(strings.ToLower(description))
		var kept []string
		for _, w := range words {
			if _, stop := descriptionStopwords[w]; !stop {
				kept = append(kept, w)
			}
		}
		if len(kept) > 2 {
			keywords = append(keywords, strings.Join(kept[:3], " "))
		}
		if len(kept) > 1 {
			keywords = append(keywords, strings.Join(kept[:2], " "))
		}
		if len(kept) > 0 {
			keywords = append(keywords, kept[0])
		}
	}

	keywords = append(keywords, strings.ReplaceAll(field, "_", " "), field)

	seen := make(map[string]struct{}, len(keywords))
	unique := keywords[:0]
	for _, k := range keywords {
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}
	sort.SliceStable(unique, func(i, j int) bool { return len(unique[i]) > len(unique[j]) })
	return unique
}

// buildAnchoredPattern compiles `(?i)(?:kw1|kw2)\s*[:\-]?[ \t]*(<class>)`.
func buildAnchoredPattern(keywords []string, kind fieldKind) (*regexp.Regexp, error) {
	escaped := make([]string, 0, len(keywords))
	for _, k := range keywords {
		e := regexp.QuoteMeta(k)
		// Anchors must tolerate whitespace or underscores between words.
		e = strings.ReplaceAll(e, `\ `, `[\s_]+`)
		escaped = append(escaped, e)
	}
	anchor := strings.Join(escaped, "|")

	var capture string
	switch kind {
	case kindNumeric:
		capture = `([0-9][0-9.,\-/]*)`
	case kindDate:
		capture = `(\d{2}/\d{2}/\d{4})`
	case kindCurrency:
		capture = `((?:R\$|\$|€)?\s*\d{1,3}(?:[.,]\d{3})*[.,]\d{2})`
	case kindEmail:
		capture = `([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`
	case kindPhone:
		capture = `(\(?\d{2,3}\)?[\s.\-]?\d{4,5}[\s.\-]?\d{4})`
	default:
		capture = `([^\n\r]+)`
	}

	return regexp.Compile(`(?i)(?:` + anchor + `)\s*[:\-]?[ \t]*` + capture)
}

// matchEnum returns the first alternative present in the text as a whole
// word, preserving the casing found in the document.
func matchEnum(values []string, text string) *string {
	for _, v := range values {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(v) + `\b`)
		if err != nil {
			continue
		}
		if found := re.FindString(text); found != "" {
			return &found
		}
	}
	return nil
}

// valueIsWellFormed rejects captures that do not actually belong to the
// field's token class, e.g. a date anchor that swallowed a sibling label.
func valueIsWellFormed(kind fieldKind, value string) bool {
	switch kind {
	case kindDate:
		if !dateValueRe.MatchString(value) {
			return false
		}
		return parseableDate(value)
	case kindNumeric:
		return numericValueRe.MatchString(value)
	case kindCurrency:
		return currencyValueRe.MatchString(value)
	case kindEmail:
		return emailValueRe.MatchString(value)
	case kindPhone:
		return phoneValueRe.MatchString(value)
	default:
		return true
	}
}

// parseableDate checks dd/mm/yyyy against the calendar so "99/99/2024" never
// leaves the heuristic.
func parseableDate(value string) bool {
	m := dateValueRe.FindString(value)
	_, err := time.Parse("02/01/2006", m)
	return err == nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == '.' || r == ':' || r == ';'
	})
}
