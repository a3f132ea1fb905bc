package extraction

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProviderRecord(t *testing.T) {
	schema := Schema{"nome": "", "inscricao": "", "telefone": "", "idade": ""}
	raw := []byte("```json\n" + `{
		"nome": "  SON GOKU  ",
		"inscricao": "101943",
		"telefone": null,
		"idade": 37,
		"intruso": "dropped"
	}` + "\n```")

	record, err := parseProviderRecord(raw, schema)
	require.NoError(t, err)

	assert.Equal(t, "SON GOKU", record.Value("nome"), "values arrive trimmed")
	assert.Equal(t, "101943", record.Value("inscricao"))
	assert.Nil(t, record["telefone"], "provider nulls stay null")
	assert.Equal(t, "37", record.Value("idade"), "numbers are stringified")
	assert.NotContains(t, record, "intruso", "keys outside the schema are dropped")
}

func TestParseProviderRecord_Malformed(t *testing.T) {
	_, err := parseProviderRecord([]byte("the model rambled instead of answering"), Schema{"a": ""})
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestSanitizeJSONResponse(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"```json\n{\"key\": \"value\"}\n```", "{\"key\": \"value\"}"},
		{"```\n{\"key\": \"value\"}\n```", "{\"key\": \"value\"}"},
		{"  {\"key\": \"value\"}  ", "{\"key\": \"value\"}"},
		{"{\"key\": \"value\"}", "{\"key\": \"value\"}"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, string(SanitizeJSONResponse([]byte(test.input))))
	}
}

func TestExtractionPrompts_RenderAll(t *testing.T) {
	p, err := NewExtractionPrompts()
	require.NoError(t, err)

	keys := []string{"nome: Nome do profissional", "inscricao: Numero de inscricao"}
	prompt, err := p.GetPromptWithContext(promptExtractAll, 1, keys, "Nome: SON GOKU")
	require.NoError(t, err)

	assert.Contains(t, prompt, "nome: Nome do profissional")
	assert.Contains(t, prompt, "inscricao: Numero de inscricao")
	assert.Contains(t, prompt, "<<DOC>>")
	assert.Contains(t, prompt, "Nome: SON GOKU")
	assert.Contains(t, prompt, "<<END>>")
}

func TestExtractionPrompts_MissingTag(t *testing.T) {
	p, err := NewExtractionPrompts()
	require.NoError(t, err)

	_, err = p.GetPrompt("does_not_exist", 1)
	assert.Error(t, err)
}

func TestExtractionPrompts_Override(t *testing.T) {
	p, err := NewExtractionPrompts(WithTemplate(promptExtractAll, "custom {{ document }}"))
	require.NoError(t, err)

	prompt, err := p.GetPromptWithContext(promptExtractAll, 1, nil, "DOC BODY")
	require.NoError(t, err)
	assert.Equal(t, "custom DOC BODY", prompt)
}

func TestRetryable_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := retryable(func() error {
		calls++
		if calls == 1 {
			return errors.New("rate limit")
		}
		return nil
	}, 1, 0, slog.Default())

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryable_StopShortCircuits(t *testing.T) {
	calls := 0
	cause := errors.New("schema is hopeless")
	err := retryable(func() error {
		calls++
		return backoffStop{cause}
	}, 3, 0, slog.Default())

	assert.Equal(t, 1, calls, "a non-transient failure is not retried")
	var stop backoffStop
	require.ErrorAs(t, err, &stop)
	assert.Equal(t, cause, stop.error)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("429 Too Many Requests")))
	assert.True(t, isTransient(errors.New("connection reset by peer")))
	assert.True(t, isTransient(ErrTransientProvider))
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(ErrDeadlineExceeded))
	assert.False(t, isTransient(errors.New("invalid api key")))
}

func TestValidateSchema(t *testing.T) {
	assert.NoError(t, ValidateSchema(Schema{"campo_1": "ok", "OutroCampo": "ok"}))
	assert.ErrorIs(t, ValidateSchema(Schema{}), ErrInvalidSchema)
	assert.ErrorIs(t, ValidateSchema(Schema{"": "x"}), ErrInvalidSchema)
	assert.ErrorIs(t, ValidateSchema(Schema{"has space": "x"}), ErrInvalidSchema)
	assert.ErrorIs(t, ValidateSchema(Schema{"9starts_with_digit": "x"}), ErrInvalidSchema)
	assert.ErrorIs(t, ValidateSchema(Schema{"acentuação": "x"}), ErrInvalidSchema)
}

func TestFieldRecordHelpers(t *testing.T) {
	r := FieldRecord{"a": StringPtr("1"), "b": nil}

	clone := r.Clone()
	*clone["a"] = "mutated"
	assert.Equal(t, "1", r.Value("a"), "clones do not share value storage")

	missing := r.NullFields()
	assert.Equal(t, []string{"b"}, missing)
	assert.Equal(t, "", r.Value("b"))
	assert.Equal(t, "", r.Value("absent"))
}

func TestStickTemplateListsEveryField(t *testing.T) {
	p, err := NewExtractionPrompts()
	require.NoError(t, err)

	keys := []string{"alpha: a", "beta: b", "gamma: c"}
	prompt, err := p.GetPromptWithContext(promptExtractMissing, 1, keys, "doc")
	require.NoError(t, err)

	for _, k := range keys {
		assert.True(t, strings.Contains(prompt, "- "+k), "template must list %q", k)
	}
}
