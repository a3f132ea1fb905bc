package extraction

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/tyler-sommer/stick"
)

// Prompt tags consumed by the provider-backed extractor.
const (
	promptExtractAll     = "extract_all"
	promptExtractMissing = "extract_missing"
)

// Default templates. The field list arrives as "name: description" lines and
// the document is appended between sentinel markers so the model never
// confuses instructions with content.
const extractAllTemplate = `You extract structured fields from document text and answer only with JSON.

Extract a value for every field listed below. Answer with a single flat JSON
object whose keys are exactly the field names. Use null for fields the
document does not contain. Values are strings, copied verbatim from the
document, trimmed.

Fields:
{% for key in keys %}- {{ key }}
{% endfor %}
<<DOC>>
{{ document }}
<<END>>`

const extractMissingTemplate = `You extract structured fields from document text and answer only with JSON.

A previous pass already extracted part of this document. Extract ONLY the
fields listed below; every other field is already known. Answer with a single
flat JSON object whose keys are exactly the field names below. Use null for
fields the document does not contain. Values are strings, copied verbatim
from the document, trimmed.

Missing fields:
{% for key in keys %}- {{ key }}
{% endfor %}
<<DOC>>
{{ document }}
<<END>>`

// ExtractionPrompts renders the extraction templates through stick (Twig
// syntax), so deployments can override them from a template directory
// without rebuilding.
type ExtractionPrompts struct {
	env       *stick.Env
	templates map[string]string
	vars      map[string]stick.Value
}

// PromptOption configures an ExtractionPrompts.
type PromptOption func(*ExtractionPrompts) error

// WithTemplateFS loads every *.twig file found under dir in the supplied FS,
// keyed by base name without the extension.
func WithTemplateFS(fsys fs.FS, dir string) PromptOption {
	return func(p *ExtractionPrompts) error {
		return fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".twig") {
				return nil
			}
			content, readErr := fs.ReadFile(fsys, path)
			if readErr != nil {
				return fmt.Errorf("read %s: %w", path, readErr)
			}
			tag := strings.TrimSuffix(filepath.Base(path), ".twig")
			p.templates[tag] = string(content)
			return nil
		})
	}
}

// WithTemplate overrides or adds a single template.
func WithTemplate(tag, tpl string) PromptOption {
	return func(p *ExtractionPrompts) error {
		p.templates[tag] = tpl
		return nil
	}
}

// WithPromptVar adds a variable available in all templates.
func WithPromptVar(key string, value any) PromptOption {
	return func(p *ExtractionPrompts) error {
		p.vars[key] = value
		return nil
	}
}

// NewExtractionPrompts builds a provider preloaded with the default
// extraction templates.
func NewExtractionPrompts(opts ...PromptOption) (*ExtractionPrompts, error) {
	p := &ExtractionPrompts{
		env: stick.New(nil),
		templates: map[string]string{
			promptExtractAll:     extractAllTemplate,
			promptExtractMissing: extractMissingTemplate,
		},
		vars: make(map[string]stick.Value),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// GetPrompt renders the template for the given tag without request context.
func (p *ExtractionPrompts) GetPrompt(tag string, version int) (string, error) {
	return p.render(tag, map[string]stick.Value{"version": version, "tag": tag})
}

// GetPromptWithContext renders the template with the field list and document.
func (p *ExtractionPrompts) GetPromptWithContext(tag string, version int, keys []string, document string) (string, error) {
	return p.render(tag, map[string]stick.Value{
		"version":  version,
		"tag":      tag,
		"keys":     keys,
		"KeyList":  strings.Join(keys, ", "),
		"document": document,
	})
}

func (p *ExtractionPrompts) render(tag string, ctx map[string]stick.Value) (string, error) {
	tpl, ok := p.templates[tag]
	if !ok {
		return "", fmt.Errorf("template %q not found", tag)
	}
	for k, v := range p.vars {
		ctx[k] = v
	}
	var out strings.Builder
	if err := p.env.Execute(tpl, &out, ctx); err != nil {
		return "", fmt.Errorf("execute %q: %w", tag, err)
	}
	return out.String(), nil
}
