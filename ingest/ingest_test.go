package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/fetch"
	"github.com/syriaqa/qapipeline/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockFetcher struct {
	report fetch.Report
}

func (m *mockFetcher) ScrapeSources(ctx context.Context, sources []fetch.Source) fetch.Report {
	return m.report
}

type mockExtractor struct {
	mu    sync.Mutex
	pairs map[string][]llm.ExtractedQA
	err   error
}

func (m *mockExtractor) ExtractQAPairs(ctx context.Context, title, content string, maxPairs int) ([]llm.ExtractedQA, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[title], nil
}

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{0.1, 0.2}, nil
}

type mockIndex struct {
	mu       sync.Mutex
	upserted []domain.VectorPoint
}

func (m *mockIndex) Upsert(ctx context.Context, p domain.VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, p)
	return nil
}

func (m *mockIndex) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserted)
}

type mockStore struct {
	mu     sync.Mutex
	byText map[string]domain.QAPair
}

func newMockStore() *mockStore {
	return &mockStore{byText: map[string]domain.QAPair{}}
}

func (m *mockStore) Create(ctx context.Context, pair domain.QAPair) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byText[pair.QuestionText] = pair
	return pair.ID, nil
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

type mockCache struct {
	mu       sync.Mutex
	articles []domain.Article
}

func (m *mockCache) AddAll(articles []domain.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles = append(m.articles, articles...)
}

func newTestLoop(cfg Config, fetcher Fetcher, extractor Extractor, embed Embedder, index VectorIndex, store CanonicalStore, cache ArticleSink) *Loop {
	return New(cfg, []fetch.Source{{Name: "test"}}, fetcher, extractor, embed, index, store, cache, testLogger())
}

func TestRunCycleHappyPath(t *testing.T) {
	fetcher := &mockFetcher{report: fetch.Report{
		Articles: []fetch.ScrapedArticle{
			{URL: "https://example.com/a", Title: "Storm hits coast", Content: "A storm made landfall.", SourceName: "test"},
		},
		PerSourceCounts: map[string]int{"test": 1},
	}}
	extractor := &mockExtractor{pairs: map[string][]llm.ExtractedQA{
		"Storm hits coast": {
			{Question: "what hit the coast", Answer: "A storm.", Confidence: 0.8},
		},
	}}
	embed := &mockEmbedder{}
	index := &mockIndex{}
	store := newMockStore()
	cache := &mockCache{}

	loop := newTestLoop(DefaultConfig(), fetcher, extractor, embed, index, store, cache)
	report := loop.runCycle(context.Background())

	if report.ArticlesScraped != 1 {
		t.Fatalf("want 1 article scraped, got %d", report.ArticlesScraped)
	}
	if report.PairsGenerated != 1 || report.PairsStored != 1 {
		t.Fatalf("want 1 generated and 1 stored, got %+v", report)
	}
	if index.count() != 1 {
		t.Fatalf("want 1 vector upsert, got %d", index.count())
	}
	if len(cache.articles) != 1 {
		t.Fatalf("want 1 cached article, got %d", len(cache.articles))
	}
}

func TestRunCycleDedupsExistingQuestion(t *testing.T) {
	fetcher := &mockFetcher{report: fetch.Report{
		Articles: []fetch.ScrapedArticle{{URL: "https://example.com/a", Title: "Storm hits coast", Content: "c"}},
	}}
	extractor := &mockExtractor{pairs: map[string][]llm.ExtractedQA{
		"Storm hits coast": {{Question: "what hit the coast", Answer: "A storm."}},
	}}
	store := newMockStore()
	store.byText["what hit the coast?"] = domain.QAPair{ID: "qa_existing", QuestionText: "what hit the coast?"}
	index := &mockIndex{}

	loop := newTestLoop(DefaultConfig(), fetcher, extractor, &mockEmbedder{}, index, store, nil)
	report := loop.runCycle(context.Background())

	if report.PairsStored != 0 {
		t.Fatalf("want 0 stored for a deduped question, got %d", report.PairsStored)
	}
	if index.count() != 0 {
		t.Fatal("expected no vector upsert for a deduped pair")
	}
}

func TestRunCycleRecordsExtractionFailureWithoutAbortingCycle(t *testing.T) {
	fetcher := &mockFetcher{report: fetch.Report{
		Articles: []fetch.ScrapedArticle{
			{URL: "https://example.com/bad", Title: "bad"},
			{URL: "https://example.com/good", Title: "good"},
		},
	}}
	extractor := &mockExtractor{err: errors.New("model down")}

	loop := newTestLoop(DefaultConfig(), fetcher, extractor, &mockEmbedder{}, &mockIndex{}, newMockStore(), nil)
	report := loop.runCycle(context.Background())

	if len(report.Errors) != 2 {
		t.Fatalf("want 2 extraction errors recorded, got %v", report.Errors)
	}
	if report.PairsStored != 0 {
		t.Fatalf("want 0 pairs stored, got %d", report.PairsStored)
	}
}

func TestRunCycleCapsArticlesPerCycle(t *testing.T) {
	fetcher := &mockFetcher{report: fetch.Report{
		Articles: []fetch.ScrapedArticle{{Title: "a"}, {Title: "b"}, {Title: "c"}},
	}}
	cfg := DefaultConfig()
	cfg.MaxArticlesPerCycle = 2

	loop := newTestLoop(cfg, fetcher, &mockExtractor{pairs: map[string][]llm.ExtractedQA{}}, &mockEmbedder{}, &mockIndex{}, newMockStore(), nil)
	report := loop.runCycle(context.Background())

	if report.ArticlesScraped != 2 {
		t.Fatalf("want capped at 2 articles, got %d", report.ArticlesScraped)
	}
}

func TestForceReturnsErrCycleInProgressWhenBusy(t *testing.T) {
	loop := newTestLoop(DefaultConfig(), &mockFetcher{}, &mockExtractor{}, &mockEmbedder{}, &mockIndex{}, newMockStore(), nil)
	loop.running.Store(true)

	_, err := loop.Force(context.Background())
	if !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
}

func TestGenerateIngestionIDIsDeterministic(t *testing.T) {
	a := generateIngestionID("what hit the coast?", "A storm.")
	b := generateIngestionID("what hit the coast?", "A storm.")
	if a != b {
		t.Fatalf("expected deterministic id, got %q and %q", a, b)
	}
	if generateIngestionID("a different question?", "A storm.") == a {
		t.Fatal("expected different questions to hash differently")
	}
}
