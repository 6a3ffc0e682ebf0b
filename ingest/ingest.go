// Package ingest implements the periodic news ingestion loop (C7): on a
// fixed period (or an explicit force), scrape configured sources, mine
// question/answer candidates out of each article with the LLM client, and
// write them back through the same canonical-store-then-vector-index
// ordering the query-path admission uses.
package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/fetch"
	"github.com/syriaqa/qapipeline/internal/events"
	"github.com/syriaqa/qapipeline/internal/fn"
	"github.com/syriaqa/qapipeline/internal/metrics"
	"github.com/syriaqa/qapipeline/llm"
)

// Fetcher scrapes the configured news sources (C5).
type Fetcher interface {
	ScrapeSources(ctx context.Context, sources []fetch.Source) fetch.Report
}

// Extractor mines question/answer candidates out of article text (C4).
type Extractor interface {
	ExtractQAPairs(ctx context.Context, title, content string, maxPairs int) ([]llm.ExtractedQA, error)
}

// Embedder converts text to a fixed-dimension vector (C1).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the subset of the vector store (C2) ingestion needs.
type VectorIndex interface {
	Upsert(ctx context.Context, p domain.VectorPoint) error
}

// CanonicalStore is the subset of the canonical store (C3) ingestion needs.
type CanonicalStore interface {
	Create(ctx context.Context, pair domain.QAPair) (string, error)
	FindByQuestionText(ctx context.Context, text string) (*domain.QAPair, error)
}

// ArticleSink receives every article scraped this cycle so the QA pipeline's
// context-fetch step can draw on them without a live scrape.
type ArticleSink interface {
	AddAll(articles []domain.Article)
}

// Config tunes the ingestion loop's period and per-cycle caps.
type Config struct {
	Period              time.Duration
	MaxArticlesPerCycle int
	MaxQAPerArticle     int
	Workers             int
}

// DefaultConfig mirrors the original service's 6-hour ingestion cadence.
func DefaultConfig() Config {
	return Config{
		Period:              6 * time.Hour,
		MaxArticlesPerCycle: 100,
		MaxQAPerArticle:     5,
		Workers:             5,
	}
}

// Report aggregates one cycle's outcome. Per-article and per-pair failures
// are counted here, never propagated to the caller.
type Report struct {
	ArticlesScraped int
	PairsGenerated  int
	PairsStored     int
	PerSource       map[string]int
	Errors          []string
	ElapsedMS       int64
}

// Loop is the ingestion orchestrator. Only one cycle runs at a time; a tick
// or force arriving while a cycle is in flight is dropped, not queued.
type Loop struct {
	cfg       Config
	sources   []fetch.Source
	fetcher   Fetcher
	extractor Extractor
	embed     Embedder
	index     VectorIndex
	store     CanonicalStore
	cache     ArticleSink
	events    *events.Bus
	metrics   *metrics.Registry
	logger    *slog.Logger

	running atomic.Bool
}

// New builds a Loop. cache may be nil, in which case scraped articles are
// discarded after processing instead of being cached for query-time context.
func New(cfg Config, sources []fetch.Source, fetcher Fetcher, extractor Extractor, embed Embedder, index VectorIndex, store CanonicalStore, cache ArticleSink, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		sources:   sources,
		fetcher:   fetcher,
		extractor: extractor,
		embed:     embed,
		index:     index,
		store:     store,
		cache:     cache,
		logger:    logger,
	}
}

// SetEventBus wires an optional event bus. A nil bus makes cycle-completion
// notification a no-op.
func (l *Loop) SetEventBus(b *events.Bus) {
	l.events = b
}

// SetMetrics wires an optional Prometheus registry. A nil registry makes
// every instrument update a no-op.
func (l *Loop) SetMetrics(r *metrics.Registry) {
	l.metrics = r
}

// Run blocks, firing a cycle on every tick until ctx is cancelled. force
// lets a caller (e.g. an admin endpoint) trigger an off-cycle run; sending
// while a cycle is already in flight is a no-op.
func (l *Loop) Run(ctx context.Context, force <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go l.tryRunOnce(ctx)
		case <-force:
			go l.tryRunOnce(ctx)
		}
	}
}

// ErrCycleInProgress is returned by Force when a cycle is already running.
var ErrCycleInProgress = fmt.Errorf("%w: ingestion cycle already in progress", domain.ErrConflict)

// Force runs one cycle synchronously, returning ErrCycleInProgress instead of
// blocking if another cycle is already in flight.
func (l *Loop) Force(ctx context.Context) (Report, error) {
	if !l.running.CompareAndSwap(false, true) {
		return Report{}, ErrCycleInProgress
	}
	defer l.running.Store(false)
	return l.runCycle(ctx), nil
}

func (l *Loop) tryRunOnce(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Warn("ingest: tick dropped, previous cycle still running")
		return
	}
	defer l.running.Store(false)
	l.runCycle(ctx)
}

func (l *Loop) runCycle(ctx context.Context) Report {
	start := time.Now()
	report := Report{PerSource: make(map[string]int)}

	scraped := l.fetcher.ScrapeSources(ctx, l.sources)
	articles := scraped.Articles
	if len(articles) > l.cfg.MaxArticlesPerCycle {
		articles = articles[:l.cfg.MaxArticlesPerCycle]
	}
	report.ArticlesScraped = len(articles)
	report.PerSource = scraped.PerSourceCounts
	report.Errors = append(report.Errors, scraped.Errors...)

	domainArticles := make([]domain.Article, len(articles))
	for i, a := range articles {
		domainArticles[i] = toDomainArticle(a)
	}
	if l.cache != nil {
		l.cache.AddAll(domainArticles)
	}

	stage := fn.Then(
		fn.LoggedTap(l.logger, "extract", l.extractStage()),
		fn.LoggedTap(l.logger, "admit", l.admitStage()),
	)

	results := fn.ParMap(domainArticles, l.cfg.Workers, func(a domain.Article) fn.Result[cycleCount] {
		return stage(ctx, a)
	})
	for _, r := range results {
		if r.IsErr() {
			_, err := r.Unwrap()
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		count, _ := r.Unwrap()
		report.PairsGenerated += count.generated
		report.PairsStored += count.stored
	}

	report.ElapsedMS = time.Since(start).Milliseconds()

	if l.metrics != nil {
		outcome := "ok"
		if len(report.Errors) > 0 {
			outcome = "partial_errors"
		}
		l.metrics.IngestCyclesTotal.WithLabelValues(outcome).Inc()
		l.metrics.IngestArticlesTotal.Add(float64(report.ArticlesScraped))
		l.metrics.IngestPairsStored.Add(float64(report.PairsStored))
	}

	if err := events.Publish(ctx, l.events, events.SubjectNewsCompleted, events.NewsCycleCompletedEvent{
		ArticlesScraped: report.ArticlesScraped,
		PairsStored:     report.PairsStored,
		ElapsedMS:       report.ElapsedMS,
	}); err != nil {
		l.logger.Warn("ingest: cycle-completed event publish failed", "err", err)
	}
	return report
}

type extraction struct {
	article domain.Article
	pairs   []llm.ExtractedQA
}

type cycleCount struct {
	generated int
	stored    int
}

func (l *Loop) extractStage() fn.Stage[domain.Article, extraction] {
	return func(ctx context.Context, a domain.Article) fn.Result[extraction] {
		pairs, err := l.extractor.ExtractQAPairs(ctx, a.Title, a.Content, l.cfg.MaxQAPerArticle)
		if err != nil {
			return fn.Err[extraction](fmt.Errorf("extract qa pairs for %s: %w", a.URL, err))
		}
		return fn.Ok(extraction{article: a, pairs: pairs})
	}
}

// admitStage writes each extracted pair back through the canonical store
// then the vector index, the same ordering the query-path admission uses.
// A single pair's failure is logged and skipped; it never fails the article.
func (l *Loop) admitStage() fn.Stage[extraction, cycleCount] {
	return func(ctx context.Context, e extraction) fn.Result[cycleCount] {
		count := cycleCount{generated: len(e.pairs)}
		for _, candidate := range e.pairs {
			if candidate.Question == "" || candidate.Answer == "" {
				continue
			}
			question := domain.NormalizeQuestion(candidate.Question)
			if question == "" {
				continue
			}

			if existing, err := l.store.FindByQuestionText(ctx, question); err == nil && existing != nil {
				continue
			}

			qaID := generateIngestionID(question, candidate.Answer)
			language := domain.DetectLanguage(question)
			pair := domain.QAPair{
				ID:           qaID,
				QuestionText: question,
				AnswerText:   candidate.Answer,
				Confidence:   candidate.Confidence,
				Source:       domain.SourceIngested,
				Language:     language,
				CreatedAt:    time.Now(),
				Metadata: map[string]any{
					"article_url":   e.article.URL,
					"article_title": e.article.Title,
					"source_name":   e.article.SourceName,
					"keywords":      candidate.Keywords,
				},
			}

			id, err := l.store.Create(ctx, pair)
			if err != nil {
				l.logger.Warn("ingest: canonical create failed, skipping pair", "qa_id", qaID, "err", err)
				continue
			}
			pair.ID = id

			vec, err := l.embed.Embed(ctx, question)
			if err != nil {
				l.logger.Warn("ingest: embed failed after canonical create, pair remains unindexed", "qa_id", id, "err", err)
				continue
			}
			point := domain.VectorPoint{
				PointID:      uuid.New().String(),
				Vector:       vec,
				QAID:         id,
				QuestionText: question,
				IsVariant:    false,
				CreatedAt:    pair.CreatedAt,
				Language:     language,
			}
			if err := l.index.Upsert(ctx, point); err != nil {
				l.logger.Warn("ingest: vector upsert failed, pair remains unindexed until next admit", "qa_id", id, "err", err)
				continue
			}
			count.stored++
		}
		return fn.Ok(count)
	}
}

// generateIngestionID derives a deterministic id from the normalized
// question and answer so re-ingesting the same article content never
// produces duplicate canonical rows. Intentionally distinct from the
// query-path's time-salted id (see pipeline.generateQueryPathID).
func generateIngestionID(question, answer string) string {
	sum := md5.Sum([]byte(question + answer))
	return "news_" + hex.EncodeToString(sum[:])[:16]
}

func toDomainArticle(a fetch.ScrapedArticle) domain.Article {
	language := domain.LanguageAuto
	switch a.Language {
	case "ar":
		language = domain.LanguageAr
	case "en":
		language = domain.LanguageEn
	}
	if language == domain.LanguageAuto {
		language = domain.DetectLanguage(a.Content)
	}

	var published *time.Time
	if a.PublishedAt != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02", "January 2, 2006"} {
			if t, err := time.Parse(layout, a.PublishedAt); err == nil {
				published = &t
				break
			}
		}
	}

	var tags []string
	if a.Category != "" {
		tags = []string{a.Category}
	}

	return domain.Article{
		URL:         a.URL,
		Title:       a.Title,
		Content:     a.Content,
		SourceName:  a.SourceName,
		PublishedAt: published,
		Language:    language,
		ScrapedAt:   time.Now(),
		Tags:        tags,
	}
}
