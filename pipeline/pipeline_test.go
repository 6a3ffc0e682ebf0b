package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/internal/fn"
	"github.com/syriaqa/qapipeline/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockEmbedder struct {
	mu   sync.Mutex
	vec  []float32
	err  error
	// failTimes, when > 0, makes the first failTimes calls fail with err
	// before succeeding, so retry behavior can be exercised deterministically.
	failTimes int
	calls     int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.failTimes > 0 && call <= m.failTimes {
		return nil, m.err
	}
	if m.err != nil && m.failTimes == 0 {
		return nil, m.err
	}
	if m.vec != nil {
		return m.vec, nil
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockIndex struct {
	mu       sync.Mutex
	hits     []domain.ScoredHit
	searchErr error
	upserted []domain.VectorPoint
	upsertErr error
	lastMinScore float64
}

func (m *mockIndex) Search(ctx context.Context, vec []float32, k int, minScore float64, filter map[string]string) ([]domain.ScoredHit, error) {
	m.mu.Lock()
	m.lastMinScore = minScore
	m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.hits, nil
}

func (m *mockIndex) Upsert(ctx context.Context, p domain.VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserted = append(m.upserted, p)
	return nil
}

func (m *mockIndex) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserted)
}

type mockStore struct {
	mu      sync.Mutex
	pairs   map[string]domain.QAPair
	byText  map[string]domain.QAPair
	createErr error
}

func newMockStore() *mockStore {
	return &mockStore{pairs: map[string]domain.QAPair{}, byText: map[string]domain.QAPair{}}
}

func (m *mockStore) Create(ctx context.Context, pair domain.QAPair) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.pairs[pair.ID] = pair
	m.byText[pair.QuestionText] = pair
	return pair.ID, nil
}

func (m *mockStore) Get(ctx context.Context, qaID string) (*domain.QAPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[qaID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) FindByQuestionText(ctx context.Context, text string) (*domain.QAPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byText[text]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type mockGenerator struct {
	mu           sync.Mutex
	answer       llm.AnswerResult
	err          error
	variants     []string
	quota        llm.QuotaState
	answerCalled int
	lastContext  string
}

func (m *mockGenerator) Answer(ctx context.Context, question, context_ string, language domain.Language, priorPairs []domain.QAPair) (llm.AnswerResult, error) {
	m.mu.Lock()
	m.answerCalled++
	m.lastContext = context_
	m.mu.Unlock()
	if m.err != nil {
		return llm.AnswerResult{}, m.err
	}
	return m.answer, nil
}

func (m *mockGenerator) answerCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answerCalled
}

func (m *mockGenerator) GenerateVariants(ctx context.Context, question string, n int) []string {
	return m.variants
}

func (m *mockGenerator) QuotaState() llm.QuotaState {
	if m.quota == "" {
		return llm.QuotaOK
	}
	return m.quota
}

type mockContextSource struct {
	articles []domain.Article
}

func (m *mockContextSource) Recent(limit int) []domain.Article {
	return m.articles
}

func newTestService(embed Embedder, index VectorIndex, store CanonicalStore, gen Generator) *Service {
	opts := DefaultOptions()
	opts.ContextTimeout = time.Second
	return New(embed, index, store, gen, &mockContextSource{}, opts, testLogger())
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	svc := newTestService(&mockEmbedder{}, &mockIndex{}, newMockStore(), &mockGenerator{})
	_, err := svc.Ask(context.Background(), "   ", "", "", domain.LanguageEn)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAskEmbeddingFailure(t *testing.T) {
	svc := newTestService(&mockEmbedder{err: errors.New("boom")}, &mockIndex{}, newMockStore(), &mockGenerator{})
	_, err := svc.Ask(context.Background(), "what is syria", "", "", domain.LanguageEn)
	if !errors.Is(err, domain.ErrEmbeddingFailure) {
		t.Fatalf("expected ErrEmbeddingFailure, got %v", err)
	}
}

func TestAskHighQualityVectorHit(t *testing.T) {
	store := newMockStore()
	store.pairs["qa_1"] = domain.QAPair{ID: "qa_1", QuestionText: "what is the capital of syria?", AnswerText: "Damascus"}
	index := &mockIndex{hits: []domain.ScoredHit{{QAID: "qa_1", Score: 0.97}}}

	svc := newTestService(&mockEmbedder{}, index, store, &mockGenerator{})
	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SourceTag != domain.SourceTagVectorHit {
		t.Fatalf("want vector_hit, got %v", decision.SourceTag)
	}
	if decision.Answer != "Damascus" {
		t.Fatalf("unexpected answer: %q", decision.Answer)
	}
}

func TestAskDanglingHitFallsThroughToGeneration(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{hits: []domain.ScoredHit{{QAID: "missing", Score: 0.99}}}
	gen := &mockGenerator{answer: llm.AnswerResult{Answer: "Damascus is the capital.", Confidence: 0.9}}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SourceTag != domain.SourceTagGenerated {
		t.Fatalf("want generated, got %v", decision.SourceTag)
	}
}

func TestAskMissGeneratesAdmitsAndSchedulesVariants(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{}
	gen := &mockGenerator{
		answer:   llm.AnswerResult{Answer: "Damascus is the capital of Syria.", Confidence: 0.9},
		variants: []string{"Which city is Syria's capital?"},
	}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SourceTag != domain.SourceTagGenerated {
		t.Fatalf("want generated, got %v", decision.SourceTag)
	}

	found := map[string]bool{}
	for _, step := range decision.Steps {
		found[step] = true
	}
	for _, want := range []string{
		domain.StepInputNormalized, domain.StepEmbeddingGenerated, domain.StepSemanticSearchMiss,
		domain.StepLLMOk, domain.StepAdmitted, domain.StepVariantsScheduled,
	} {
		if !found[want] {
			t.Fatalf("expected step %q in %v", want, decision.Steps)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if index.upsertCount() < 1 {
		t.Fatal("expected at least the canonical vector point to be upserted")
	}
}

func TestAdmitDedupsOnExistingQuestionText(t *testing.T) {
	store := newMockStore()
	store.byText["what is the capital of syria?"] = domain.QAPair{ID: "qa_existing", QuestionText: "what is the capital of syria?", AnswerText: "Damascus"}
	index := &mockIndex{}
	svc := newTestService(&mockEmbedder{}, index, store, &mockGenerator{})

	pair, err := svc.admit(context.Background(), "what is the capital of syria?", "Damascus", []float32{0.1}, 0.9, map[string]any{}, "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.ID != "qa_existing" {
		t.Fatalf("expected dedup to return existing pair, got %q", pair.ID)
	}
	if index.upsertCount() != 0 {
		t.Fatal("expected no vector upsert when deduping to an existing pair")
	}
}

func TestAskLLMFailureWithFallback(t *testing.T) {
	store := newMockStore()
	store.pairs["qa_1"] = domain.QAPair{ID: "qa_1", QuestionText: "x", AnswerText: "A degraded but usable answer."}
	index := &mockIndex{hits: []domain.ScoredHit{{QAID: "qa_1", Score: 0.5}}}
	gen := &mockGenerator{err: errors.New("llm down")}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SourceTag != domain.SourceTagVectorFallback {
		t.Fatalf("want vector_fallback, got %v", decision.SourceTag)
	}
}

func TestAskLLMFailureNoFallbackReturnsGenerationFailure(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{hits: []domain.ScoredHit{{QAID: "qa_1", Score: 0.1}}}
	gen := &mockGenerator{err: errors.New("llm down")}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	_, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if !errors.Is(err, domain.ErrGenerationFailure) {
		t.Fatalf("expected ErrGenerationFailure, got %v", err)
	}
}

func TestAskTreatsVectorSearchFailureAsMiss(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{searchErr: errors.New("qdrant down")}
	gen := &mockGenerator{answer: llm.AnswerResult{Answer: "Damascus.", Confidence: 0.8}}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SourceTag != domain.SourceTagGenerated {
		t.Fatalf("want generated despite search failure, got %v", decision.SourceTag)
	}
}

func TestFindSimilarRejectsEmptyQuestion(t *testing.T) {
	svc := newTestService(&mockEmbedder{}, &mockIndex{}, newMockStore(), &mockGenerator{})
	if _, err := svc.FindSimilar(context.Background(), "   ", 5); err == nil {
		t.Fatal("expected validation error for empty question")
	}
}

func TestFindSimilarUsesLooserFloorThanAsk(t *testing.T) {
	store := newMockStore()
	store.pairs["qa_1"] = domain.QAPair{
		ID: "qa_1", QuestionText: "what is the capital of syria?",
		AnswerText: "Damascus.", Confidence: 0.8, Source: domain.SourceGenerated,
	}
	index := &mockIndex{hits: []domain.ScoredHit{{QAID: "qa_1", Score: 0.72}}}

	svc := newTestService(&mockEmbedder{}, index, store, &mockGenerator{})
	results, err := svc.FindSimilar(context.Background(), "capital of syria", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Answer != "Damascus." {
		t.Fatalf("want one Damascus result, got %+v", results)
	}
	if results[0].Score != 0.72 {
		t.Fatalf("want score 0.72, got %v", results[0].Score)
	}
	if index.lastMinScore != 0.70 || index.lastMinScore >= domain.SemanticSearchFloor {
		t.Fatalf("want search floor 0.70, below Ask's %v, got %v", domain.SemanticSearchFloor, index.lastMinScore)
	}
}

func TestFindSimilarSkipsDanglingHits(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{hits: []domain.ScoredHit{{QAID: "qa_missing", Score: 0.9}}}

	svc := newTestService(&mockEmbedder{}, index, store, &mockGenerator{})
	results, err := svc.FindSimilar(context.Background(), "capital of syria", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("want zero results for a dangling hit, got %+v", results)
	}
}

func TestFindSimilarPropagatesSearchFailure(t *testing.T) {
	index := &mockIndex{searchErr: errors.New("qdrant down")}
	svc := newTestService(&mockEmbedder{}, index, newMockStore(), &mockGenerator{})
	if _, err := svc.FindSimilar(context.Background(), "capital of syria", 5); !errors.Is(err, domain.ErrVectorSearchFailure) {
		t.Fatalf("expected ErrVectorSearchFailure, got %v", err)
	}
}

func TestAskRetriesEmbedOnRateLimit(t *testing.T) {
	embed := &mockEmbedder{err: domain.ErrRateLimited, failTimes: 2}
	store := newMockStore()
	index := &mockIndex{}
	gen := &mockGenerator{answer: llm.AnswerResult{Answer: "Damascus.", Confidence: 0.9}}

	opts := DefaultOptions()
	opts.ContextTimeout = time.Second
	opts.EmbedRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	svc := New(embed, index, store, gen, &mockContextSource{}, opts, testLogger())

	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SourceTag != domain.SourceTagGenerated {
		t.Fatalf("want generated after retry succeeds, got %v", decision.SourceTag)
	}
	if embed.callCount() != 3 {
		t.Fatalf("want 3 embed calls (2 failures + 1 success), got %d", embed.callCount())
	}
}

func TestAskSkipsGenerationWhenQuotaExhausted(t *testing.T) {
	store := newMockStore()
	store.pairs["qa_1"] = domain.QAPair{ID: "qa_1", QuestionText: "x", AnswerText: "A degraded but usable answer."}
	index := &mockIndex{hits: []domain.ScoredHit{{QAID: "qa_1", Score: 0.5}}}
	gen := &mockGenerator{
		answer: llm.AnswerResult{Answer: "should never be returned", Confidence: 0.9},
		quota:  llm.QuotaExhausted,
	}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.answerCallCount() != 0 {
		t.Fatalf("expected Answer to be skipped when quota is exhausted, got %d calls", gen.answerCallCount())
	}
	if decision.SourceTag != domain.SourceTagVectorFallback {
		t.Fatalf("want vector_fallback, got %v", decision.SourceTag)
	}
	found := false
	for _, step := range decision.Steps {
		if step == domain.StepLLMSkippedQuota {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q step, got %v", domain.StepLLMSkippedQuota, decision.Steps)
	}
}

func TestAskUsesCallerContextWhenWebContextEmpty(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{}
	gen := &mockGenerator{answer: llm.AnswerResult{Answer: "Damascus.", Confidence: 0.9}}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	decision, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "fallback caller context", domain.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.SourceTag != domain.SourceTagGenerated {
		t.Fatalf("want generated, got %v", decision.SourceTag)
	}
	gen.mu.Lock()
	defer gen.mu.Unlock()
	if gen.lastContext != "fallback caller context" {
		t.Fatalf("want caller context passed through as fallback, got %q", gen.lastContext)
	}
}

func TestConcurrentAskCollapsesToSingleAdmission(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{}
	gen := &mockGenerator{answer: llm.AnswerResult{Answer: "Damascus is the capital of Syria.", Confidence: 0.9}}

	svc := newTestService(&mockEmbedder{}, index, store, gen)

	const concurrency = 50
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			if _, err := svc.Ask(context.Background(), "what is the capital of syria?", "", "", domain.LanguageEn); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	store.mu.Lock()
	pairCount := len(store.pairs)
	store.mu.Unlock()
	if pairCount != 1 {
		t.Fatalf("want exactly one admitted QAPair, got %d", pairCount)
	}

	canonical := 0
	index.mu.Lock()
	for _, p := range index.upserted {
		if !p.IsVariant {
			canonical++
		}
	}
	index.mu.Unlock()
	if canonical != 1 {
		t.Fatalf("want exactly one canonical vector point upserted, got %d", canonical)
	}
}

func TestExpandVariantsCreatesOriginAndIndexesVariants(t *testing.T) {
	store := newMockStore()
	index := &mockIndex{}
	gen := &mockGenerator{variants: []string{"Which city is Syria's capital?", "Syria's capital city?"}}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	variants, err := svc.ExpandVariants(context.Background(), "what is the capital of syria?", "Damascus", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("want 2 variants, got %d", len(variants))
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	pair, ok := store.byText["what is the capital of syria?"]
	if !ok {
		t.Fatal("expected an origin QAPair to be created")
	}
	if pair.Source != domain.SourceVariant {
		t.Fatalf("want SourceVariant origin, got %v", pair.Source)
	}

	canonical, variantPoints := 0, 0
	index.mu.Lock()
	defer index.mu.Unlock()
	for _, p := range index.upserted {
		if p.IsVariant {
			variantPoints++
		} else {
			canonical++
		}
	}
	if canonical != 1 {
		t.Fatalf("want one canonical origin point, got %d", canonical)
	}
	if variantPoints != 2 {
		t.Fatalf("want two variant points, got %d", variantPoints)
	}
}

func TestExpandVariantsRejectsEmptyAnswer(t *testing.T) {
	svc := newTestService(&mockEmbedder{}, &mockIndex{}, newMockStore(), &mockGenerator{})
	_, err := svc.ExpandVariants(context.Background(), "what is the capital of syria?", "   ", "user-1")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestExpandVariantsReusesExistingOrigin(t *testing.T) {
	store := newMockStore()
	store.byText["what is the capital of syria?"] = domain.QAPair{ID: "qa_existing", QuestionText: "what is the capital of syria?", AnswerText: "Damascus"}
	index := &mockIndex{}
	gen := &mockGenerator{variants: []string{"Syria's capital city?"}}

	svc := newTestService(&mockEmbedder{}, index, store, gen)
	if _, err := svc.ExpandVariants(context.Background(), "what is the capital of syria?", "Damascus", "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.mu.Lock()
	pairCount := len(store.pairs)
	store.mu.Unlock()
	if pairCount != 0 {
		t.Fatalf("expected no new QAPair created when one already exists, got %d", pairCount)
	}

	canonical := 0
	index.mu.Lock()
	for _, p := range index.upserted {
		if !p.IsVariant {
			canonical++
		}
	}
	index.mu.Unlock()
	if canonical != 0 {
		t.Fatalf("expected no canonical upsert when reusing an existing origin, got %d", canonical)
	}
}
