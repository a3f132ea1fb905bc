package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	repo *ParserRepository
	llm  *fakeExtractor
	jobs *AsyncJobRunner
	orch *Orchestrator
}

func newTestEngine(t *testing.T, response FieldRecord) *testEngine {
	t.Helper()
	cfg := DefaultConfig()
	repo := newTestRepo(t)
	llm := newFakeExtractor(response)
	jobs := NewAsyncJobRunner(context.Background(), 2, llm, repo, nil)
	return &testEngine{
		repo: repo,
		llm:  llm,
		jobs: jobs,
		orch: NewOrchestrator(cfg, repo, llm, jobs, nil),
	}
}

func (e *testEngine) warm(t *testing.T, label string, schema Schema, text string) {
	t.Helper()
	ok := e.jobs.EnqueueGenerateV1(label, schema, text, sampleGabarito())
	require.True(t, ok)
	e.jobs.Wait()
}

func TestOrchestrator_Path2_CachedHighConfidence(t *testing.T) {
	e := newTestEngine(t, sampleGabarito())
	e.warm(t, "carteira_oab", sampleCardSchema(), sampleCardText)

	res := e.orch.Process(context.Background(), "carteira_oab", sampleCardSchema(), sampleCardText, 15*time.Second)

	assert.Equal(t, PathCachedHigh, res.Path)
	assert.True(t, res.CacheHit)
	assert.GreaterOrEqual(t, res.Confidence, 0.80)
	assert.Equal(t, 0.0, res.EstimatedCost)
	assert.Equal(t, 0, e.llm.callCount(), "path 2 never invokes the provider")
	assert.Equal(t, "SON GOKU", res.Record.Value("nome"))
	assert.Equal(t, "101943", res.Record.Value("inscricao"))
}

func TestOrchestrator_Path1_ColdHeuristicSufficient(t *testing.T) {
	repo := newTestRepo(t)
	inner := newFakeExtractor(sampleGabarito())
	block := make(chan struct{})
	llm := &blockingExtractor{inner: inner, release: block}
	jobs := NewAsyncJobRunner(context.Background(), 2, llm, repo, nil)
	orch := NewOrchestrator(DefaultConfig(), repo, llm, jobs, nil)

	res := orch.Process(context.Background(), "carteira_oab", sampleCardSchema(), sampleCardText, 15*time.Second)

	assert.Equal(t, PathColdHeuristic, res.Path)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 0.0, res.EstimatedCost)
	// The learning job is still blocked on the provider: the synchronous
	// path made zero calls.
	assert.Equal(t, 0, inner.callCount(), "path 1 never invokes the provider synchronously")

	close(block)
	jobs.Wait()

	entry, err := repo.Get("carteira_oab")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, 1, inner.callCount(), "learning pays exactly one background call")
}

func TestOrchestrator_Path4_ColdHeuristicInsufficient(t *testing.T) {
	response := FieldRecord{
		"campo_um":   StringPtr("alpha"),
		"campo_dois": StringPtr("beta"),
	}
	e := newTestEngine(t, response)
	schema := Schema{"campo_um": "Primeiro campo", "campo_dois": "Segundo campo"}
	text := "Nada aqui corresponde aos dados pedidos."

	res := e.orch.Process(context.Background(), "tela_sistema", schema, text, 15*time.Second)

	assert.Equal(t, PathColdLLM, res.Path)
	assert.Equal(t, perCallCostEstimate, res.EstimatedCost)
	assert.Equal(t, "alpha", res.Record.Value("campo_um"))
	assert.Equal(t, "beta", res.Record.Value("campo_dois"))
	assert.GreaterOrEqual(t, e.llm.callCount(), 1)
}

func TestOrchestrator_HeuristicFailureExactlyAtThresholdTakesPath4(t *testing.T) {
	// Two fields, one heuristic hit: failure rate exactly 0.50.
	response := FieldRecord{"presente": StringPtr("101943"), "ausente": StringPtr("valor")}
	e := newTestEngine(t, response)
	schema := Schema{"presente": "Numero presente", "ausente": "Campo ausente"}
	text := "Presente: 101943\nnada mais"

	res := e.orch.Process(context.Background(), "l", schema, text, 15*time.Second)

	assert.Equal(t, PathColdLLM, res.Path, "failure rate exactly at the threshold escalates")
}

func TestOrchestrator_Path3_RefinementFillsFailingFields(t *testing.T) {
	e := newTestEngine(t, sampleGabarito())
	schema := sampleCardSchema()

	// Knowledge that covers three of five fields: 0.60 confidence, below the
	// 0.80 threshold.
	partialGabarito := sampleGabarito()
	partialGabarito["nome"] = nil
	partialGabarito["categoria"] = nil
	gen := NewParserGenerator(nil)
	rules := NewValidationGenerator(nil).Generate(schema, partialGabarito)
	require.NoError(t, e.repo.Put("carteira_oab", 1, gen.Generate(sampleCardText, partialGabarito), rules, "d"))

	res := e.orch.Process(context.Background(), "carteira_oab", schema, sampleCardText, 15*time.Second)

	assert.Equal(t, PathCachedLow, res.Path)
	assert.True(t, res.CacheHit)
	assert.Equal(t, perCallCostEstimate, res.EstimatedCost, "exactly one extract_missing call")
	assert.Equal(t, "SON GOKU", res.Record.Value("nome"), "the provider fills the hole")
	assert.Equal(t, "ADVOGADO", res.Record.Value("categoria"))
	assert.Equal(t, "101943", res.Record.Value("inscricao"), "validated parser output is preserved")
	assert.Equal(t, 1, e.llm.callCount())

	// S2: the refine job writes version 2; the next identical request rides
	// the fast path on the refreshed knowledge.
	e.jobs.Wait()
	entry, err := e.repo.Get("carteira_oab")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Version)

	res2 := e.orch.Process(context.Background(), "carteira_oab", schema, sampleCardText, 15*time.Second)
	assert.Equal(t, PathCachedHigh, res2.Path)
	assert.Equal(t, res.Record, res2.Record)
}

func TestOrchestrator_ZeroDeadlineSkipsDispatch(t *testing.T) {
	response := FieldRecord{"campo_um": StringPtr("alpha"), "campo_dois": StringPtr("beta")}
	repo := newTestRepo(t)
	inner := newFakeExtractor(response)
	// The unseeded generate_v1 job stays blocked, so the count below only
	// sees synchronous calls.
	block := make(chan struct{})
	llm := &blockingExtractor{inner: inner, release: block}
	jobs := NewAsyncJobRunner(context.Background(), 2, llm, repo, nil)
	orch := NewOrchestrator(DefaultConfig(), repo, llm, jobs, nil)
	schema := Schema{"campo_um": "Primeiro campo", "campo_dois": "Segundo campo"}
	text := "Nada aqui corresponde."

	res := orch.Process(context.Background(), "l", schema, text, 0)

	assert.Equal(t, PathColdLLM, res.Path)
	assert.Equal(t, 0, inner.callCount(), "a zero deadline cancels the call before dispatch")
	assert.Equal(t, 0.0, res.EstimatedCost)
	assert.Nil(t, res.Record["campo_um"])
	assert.Less(t, res.Confidence, 0.80)

	close(block)
	jobs.Wait()
}

func TestOrchestrator_ColdWarmupScenario(t *testing.T) {
	// S1: identical documents of a new label. The first request goes cold;
	// once its generate_v1 job has landed, the same request rides path 2 at
	// zero cost with an identical record.
	e := newTestEngine(t, sampleGabarito())
	ctx := context.Background()

	first := e.orch.Process(ctx, "carteira_oab", sampleCardSchema(), sampleCardText, 15*time.Second)
	assert.Contains(t, []Path{PathColdHeuristic, PathColdLLM}, first.Path)

	e.jobs.Wait() // generate_v1 lands between items

	third := e.orch.Process(ctx, "carteira_oab", sampleCardSchema(), sampleCardText, 15*time.Second)
	assert.Equal(t, PathCachedHigh, third.Path)
	assert.Equal(t, 0.0, third.EstimatedCost)
	assert.Equal(t, first.Record, third.Record, "identical request, identical record")
}

func TestOrchestrator_InvalidSchema(t *testing.T) {
	e := newTestEngine(t, nil)

	for _, schema := range []Schema{
		{},
		{"": "empty key"},
		{"campo invalido": "space in key"},
		{"1numeric": "leading digit"},
	} {
		res := e.orch.Process(context.Background(), "l", schema, sampleCardText, time.Second)
		assert.ErrorIs(t, res.Err, ErrInvalidSchema)
		assert.Empty(t, res.Record)
	}
	assert.Equal(t, 0, e.llm.callCount())
}

func TestOrchestrator_CorruptEntryTreatedAsColdStart(t *testing.T) {
	// S6: a truncated knowledge file behaves like a miss, the entry is
	// quarantined, and learning restarts from scratch.
	e := newTestEngine(t, sampleGabarito())
	e.warm(t, "carteira_oab", sampleCardSchema(), sampleCardText)

	dir := e.repo.labelDir("carteira_oab")
	require.NoError(t, truncateFile(dir+"/parser.v1.json"))

	res := e.orch.Process(context.Background(), "carteira_oab", sampleCardSchema(), sampleCardText, 15*time.Second)
	assert.Contains(t, []Path{PathColdHeuristic, PathColdLLM}, res.Path)
	assert.False(t, res.CacheHit)

	e.jobs.Wait()
	entry, err := e.repo.Get("carteira_oab")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Version, "knowledge was regenerated after quarantine")
}

func TestOrchestrator_DegradedProviderKeepsPartialData(t *testing.T) {
	// S4-flavoured: the provider cannot answer within the deadline, the item
	// still returns whatever the parser already produced.
	e := newTestEngine(t, sampleGabarito())
	schema := sampleCardSchema()

	partialGabarito := sampleGabarito()
	partialGabarito["nome"] = nil
	partialGabarito["categoria"] = nil
	gen := NewParserGenerator(nil)
	rules := NewValidationGenerator(nil).Generate(schema, partialGabarito)
	require.NoError(t, e.repo.Put("carteira_oab", 1, gen.Generate(sampleCardText, partialGabarito), rules, "d"))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.orch.Process(cancelled, "carteira_oab", schema, sampleCardText, time.Second)

	assert.Equal(t, PathCachedLow, res.Path)
	assert.Nil(t, res.Record["nome"], "the failing field stays null")
	assert.Equal(t, "101943", res.Record.Value("inscricao"), "partial data survives")
	assert.Nil(t, res.Err, "provider degradation is not an item failure")
}

func TestMergeColdStart_TieBreaks(t *testing.T) {
	schema := Schema{"a": "", "b": "", "c": ""}
	heuristic := FieldRecord{"a": StringPtr("h-a"), "b": StringPtr("h-b"), "c": nil}
	remote := FieldRecord{"a": StringPtr("llm-a"), "b": nil, "c": nil}

	merged := mergeColdStart(schema, heuristic, remote)

	assert.Equal(t, "llm-a", merged.Value("a"), "the provider wins on conflict")
	assert.Equal(t, "h-b", merged.Value("b"), "heuristic survives where the provider returned null")
	assert.Nil(t, merged["c"])
}

func truncateFile(path string) error {
	return writeAtomicRaw(path, []byte(`{"broken`))
}
