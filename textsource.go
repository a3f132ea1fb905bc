package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ConvertFunc turns raw PDF bytes into text. The concrete converter is an
// external collaborator; it must be deterministic for identical input.
type ConvertFunc func(ctx context.Context, pdf []byte) (string, error)

// DocumentTextSource gates the external converter behind a mimetype check
// and normalizes the extracted text, so downstream pattern generation sees
// the same whitespace shape on every run.
type DocumentTextSource struct {
	convert ConvertFunc
	log     *slog.Logger
}

// NewDocumentTextSource wraps the converter. Plain-text payloads bypass it,
// which keeps tests and pre-converted corpora cheap.
func NewDocumentTextSource(convert ConvertFunc, log *slog.Logger) *DocumentTextSource {
	if log == nil {
		log = slog.Default()
	}
	return &DocumentTextSource{convert: convert, log: log}
}

// Extract returns the normalized text of the document. Unsupported payloads
// and converter failures surface as ErrTextSource, which is fatal for the
// item but never for the batch.
func (s *DocumentTextSource) Extract(ctx context.Context, doc []byte) (string, error) {
	if len(doc) == 0 {
		return "", fmt.Errorf("%w: empty document", ErrTextSource)
	}

	mime := mimetype.Detect(doc)
	switch {
	case mime.Is("application/pdf"):
		if s.convert == nil {
			return "", fmt.Errorf("%w: no PDF converter configured", ErrTextSource)
		}
		text, err := s.convert(ctx, doc)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTextSource, err)
		}
		return NormalizeText(text), nil
	case mime.Is("text/plain"):
		return NormalizeText(string(doc)), nil
	default:
		return "", fmt.Errorf("%w: unsupported type %s", ErrTextSource, mime.String())
	}
}

// NormalizeText canonicalizes line endings and strips trailing blanks per
// line. Content is otherwise untouched.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
