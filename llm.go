package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiExtractor implements LLMExtractor on top of the Google GenAI client.
// It is the most expensive and slowest component in the system; the
// orchestrator routes around it whenever cached knowledge suffices.
type GeminiExtractor struct {
	client  *genai.Client
	model   string
	prompts PromptProvider
	log     *slog.Logger

	// MaxRetries and Backoff govern the transient-error retry loop. The
	// synchronous path keeps the default of one retry; background jobs may
	// raise it.
	MaxRetries int
	Backoff    time.Duration
}

// NewGeminiExtractor wires a provider-backed extractor. A nil prompts falls
// back to the built-in templates; a nil log falls back to slog.Default().
func NewGeminiExtractor(client *genai.Client, model string, prompts PromptProvider, log *slog.Logger) (*GeminiExtractor, error) {
	if client == nil {
		return nil, fmt.Errorf("llm: client not initialized")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if prompts == nil {
		var err error
		prompts, err = NewExtractionPrompts()
		if err != nil {
			return nil, fmt.Errorf("llm: default prompts: %w", err)
		}
	}
	return &GeminiExtractor{
		client:     client,
		model:      model,
		prompts:    prompts,
		log:        log,
		MaxRetries: 1,
		Backoff:    500 * time.Millisecond,
	}, nil
}

// ExtractAll fills every schema field to best effort.
func (g *GeminiExtractor) ExtractAll(ctx context.Context, schema Schema, text string) (FieldRecord, error) {
	return g.extract(ctx, promptExtractAll, schema, text)
}

// ExtractMissing returns values only for the partial record's null fields.
func (g *GeminiExtractor) ExtractMissing(ctx context.Context, schema Schema, text string, partial FieldRecord) (FieldRecord, error) {
	missing := make(Schema)
	for field, description := range schema {
		if v, ok := partial[field]; !ok || v == nil || *v == "" {
			missing[field] = description
		}
	}
	if len(missing) == 0 {
		return FieldRecord{}, nil
	}
	return g.extract(ctx, promptExtractMissing, missing, text)
}

func (g *GeminiExtractor) extract(ctx context.Context, tag string, schema Schema, text string) (FieldRecord, error) {
	// A spent deadline cancels the call before dispatch.
	if err := ctx.Err(); err != nil {
		g.log.Debug("provider call cancelled before dispatch", "tag", tag)
		return FieldRecord{}, ErrDeadlineExceeded
	}

	prompt, err := g.buildPrompt(tag, schema, text)
	if err != nil {
		return FieldRecord{}, fmt.Errorf("llm: %w", err)
	}

	var raw []byte
	err = retryable(func() error {
		var genErr error
		raw, genErr = g.generate(ctx, prompt)
		if genErr != nil && !isTransient(genErr) {
			return backoffStop{genErr}
		}
		return genErr
	}, g.MaxRetries, g.Backoff, g.log)
	if stop, ok := err.(backoffStop); ok {
		err = stop.error
	}
	if err != nil {
		if errors.Is(asDeadline(err), ErrDeadlineExceeded) {
			return FieldRecord{}, ErrDeadlineExceeded
		}
		if errors.Is(err, ErrMalformedOutput) {
			return FieldRecord{}, err
		}
		return FieldRecord{}, fmt.Errorf("%w: %v", ErrTransientProvider, err)
	}

	record, err := parseProviderRecord(raw, schema)
	if err != nil {
		g.log.Warn("provider returned unparseable payload", "tag", tag, "error", err)
		return FieldRecord{}, err
	}

	g.log.Debug("provider extraction complete", "tag", tag, "fields", len(record))
	return record, nil
}

func (g *GeminiExtractor) buildPrompt(tag string, schema Schema, text string) (string, error) {
	keys := make([]string, 0, len(schema))
	for field, description := range schema {
		if description != "" {
			keys = append(keys, field+": "+description)
		} else {
			keys = append(keys, field)
		}
	}
	sort.Strings(keys)

	if contextual, ok := g.prompts.(ContextualPromptProvider); ok {
		return contextual.GetPromptWithContext(tag, 1, keys, text)
	}
	tpl, err := g.prompts.GetPrompt(tag, 1)
	if err != nil {
		return "", err
	}
	tpl = strings.ReplaceAll(tpl, "{{.Keys}}", strings.Join(keys, ", "))
	return tpl + "\n\n<<DOC>>\n" + text + "\n<<END>>", nil
}

// generate performs one provider round-trip in JSON mode.
func (g *GeminiExtractor) generate(ctx context.Context, prompt string) ([]byte, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates in response", ErrMalformedOutput)
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no parts in candidate content", ErrMalformedOutput)
	}
	part := candidate.Content.Parts[0]
	if part.Text == "" {
		return nil, fmt.Errorf("%w: no text in first part of response", ErrMalformedOutput)
	}
	return []byte(part.Text), nil
}

// parseProviderRecord decodes a provider payload into a record restricted to
// the schema's key set. Nulls are preserved, numbers are stringified, keys
// outside the schema are dropped.
func parseProviderRecord(raw []byte, schema Schema) (FieldRecord, error) {
	var payload map[string]any
	if err := json.Unmarshal(SanitizeJSONResponse(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	record := make(FieldRecord)
	for field := range schema {
		v, ok := payload[field]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case nil:
			record[field] = nil
		case string:
			trimmed := strings.TrimSpace(val)
			if trimmed == "" {
				record[field] = nil
			} else {
				record[field] = &trimmed
			}
		case float64:
			s := strconv.FormatFloat(val, 'f', -1, 64)
			record[field] = &s
		case bool:
			s := strconv.FormatBool(val)
			record[field] = &s
		default:
			// Nested payloads do not fit the flat record model; skip.
		}
	}
	return record, nil
}

// backoffStop wraps a non-transient error so the retry loop gives up
// immediately while the cause survives unwrapping.
type backoffStop struct{ error }

// SanitizeJSONResponse removes garbage characters often produced by LLMs:
// whitespace, markdown code fences, stray prefixes.
func SanitizeJSONResponse(b []byte) []byte {
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}

// retryable executes a function with exponential backoff retry logic. A
// backoffStop return ends the loop immediately.
func retryable(call func() error, max int, backoff time.Duration, log *slog.Logger) error {
	if max == 0 {
		return call()
	}

	delay := backoff
	for i := 0; i <= max; i++ {
		err := call()
		if err == nil {
			if i > 0 {
				log.Debug("attempt succeeded", "attempt", i+1)
			}
			return nil
		}
		if _, stop := err.(backoffStop); stop || i == max {
			log.Debug("giving up", "attempt", i+1, "error", err)
			return err
		}
		log.Debug("attempt failed, retrying", "attempt", i+1, "error", err, "delay", delay)
		time.Sleep(delay)
		delay *= 2
	}
	return nil
}
