package extraction

import (
	"context"
	"sync"
)

// fakeExtractor is a canned LLMExtractor for tests. Responses are copied per
// call; Calls counts dispatches across both operations.
type fakeExtractor struct {
	mu       sync.Mutex
	response FieldRecord
	err      error
	calls    int
	// honorCtx makes the fake behave like the real provider under a spent
	// deadline: cancelled before dispatch, empty record back.
	honorCtx bool
}

func newFakeExtractor(response FieldRecord) *fakeExtractor {
	return &fakeExtractor{response: response, honorCtx: true}
}

func (f *fakeExtractor) ExtractAll(ctx context.Context, schema Schema, text string) (FieldRecord, error) {
	return f.answer(ctx, schema, nil)
}

func (f *fakeExtractor) ExtractMissing(ctx context.Context, schema Schema, text string, partial FieldRecord) (FieldRecord, error) {
	return f.answer(ctx, schema, partial)
}

func (f *fakeExtractor) answer(ctx context.Context, schema Schema, partial FieldRecord) (FieldRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.honorCtx && ctx.Err() != nil {
		return FieldRecord{}, ErrDeadlineExceeded
	}
	f.calls++
	if f.err != nil {
		return FieldRecord{}, f.err
	}

	out := make(FieldRecord)
	for field := range schema {
		if partial != nil {
			if v, ok := partial[field]; ok && v != nil && *v != "" {
				continue // only fill the holes
			}
		}
		if v, ok := f.response[field]; ok {
			out[field] = v
		}
	}
	return out.Clone(), nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
