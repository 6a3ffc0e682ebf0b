// Package pipeline implements the QA pipeline (C6), the orchestration heart
// of the system: normalize, embed, search the semantic cache, fall through
// to LLM generation on a miss, admit newly generated answers, and schedule
// best-effort paraphrase-variant expansion.
package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/internal/events"
	"github.com/syriaqa/qapipeline/internal/fn"
	"github.com/syriaqa/qapipeline/internal/metrics"
	"github.com/syriaqa/qapipeline/llm"
)

// Embedder converts text to a fixed-dimension vector (C1).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the subset of the vector store (C2) the pipeline needs.
type VectorIndex interface {
	Search(ctx context.Context, vec []float32, k int, minScore float64, filter map[string]string) ([]domain.ScoredHit, error)
	Upsert(ctx context.Context, p domain.VectorPoint) error
}

// CanonicalStore is the subset of the canonical store (C3) the pipeline needs.
type CanonicalStore interface {
	Create(ctx context.Context, pair domain.QAPair) (string, error)
	Get(ctx context.Context, qaID string) (*domain.QAPair, error)
	FindByQuestionText(ctx context.Context, text string) (*domain.QAPair, error)
}

// Generator synthesizes answers and paraphrase variants (C4).
type Generator interface {
	Answer(ctx context.Context, question, context_ string, language domain.Language, priorPairs []domain.QAPair) (llm.AnswerResult, error)
	GenerateVariants(ctx context.Context, question string, n int) []string
	QuotaState() llm.QuotaState
}

// ContextSource supplies recently ingested articles for query-time context
// enrichment. The fetcher (C5) itself is not called on the request path;
// this draws on whatever the ingestion loop (C7) has already cached.
type ContextSource interface {
	Recent(limit int) []domain.Article
}

// Options tunes the pipeline's concurrency and context-fetch behavior.
type Options struct {
	ContextTimeout  time.Duration
	ContextArticles int
	ContextCharCap  int
	VariantTimeout  time.Duration
	// EmbedRetry tunes the backoff applied when the embedder reports
	// RateLimited; other embedding failures are not retried.
	EmbedRetry fn.RetryOpts
}

// DefaultOptions provides an 8s soft timeout for context fetch and a modest
// character cap on the concatenated context string.
func DefaultOptions() Options {
	return Options{
		ContextTimeout:  8 * time.Second,
		ContextArticles: 5,
		ContextCharCap:  4000,
		VariantTimeout:  20 * time.Second,
		EmbedRetry:      fn.DefaultRetry,
	}
}

// Service is the QA pipeline orchestrator.
type Service struct {
	embed   Embedder
	index   VectorIndex
	store   CanonicalStore
	gen     Generator
	ctxSrc  ContextSource
	opts    Options
	logger  *slog.Logger
	events  *events.Bus
	metrics *metrics.Registry

	admitGroup singleflight.Group
}

// SetEventBus wires an optional event bus. A nil bus (the default) makes
// admission notification a no-op.
func (s *Service) SetEventBus(b *events.Bus) {
	s.events = b
}

// SetMetrics wires an optional Prometheus registry. A nil registry (the
// default) makes every instrument update a no-op.
func (s *Service) SetMetrics(r *metrics.Registry) {
	s.metrics = r
}

// New builds a Service. ctxSrc may be nil, in which case context enrichment
// is always skipped.
func New(embed Embedder, index VectorIndex, store CanonicalStore, gen Generator, ctxSrc ContextSource, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embed:  embed,
		index:  index,
		store:  store,
		gen:    gen,
		ctxSrc: ctxSrc,
		opts:   opts,
		logger: logger,
	}
}

// Ask runs the full pipeline for one question. callerContext is an optional
// caller-supplied context string, used as the generation context only when
// the web scrape yields nothing. Synchronous from the caller's perspective;
// variant expansion continues after Ask returns.
func (s *Service) Ask(ctx context.Context, question string, userID string, callerContext string, language domain.Language) (decision domain.PipelineDecision, err error) {
	start := time.Now()
	decision = domain.PipelineDecision{Metadata: map[string]any{}}

	if s.metrics != nil {
		defer func() {
			outcome := string(decision.SourceTag)
			if err != nil {
				outcome = "error"
			}
			s.metrics.RequestsTotal.WithLabelValues("ask", outcome).Inc()
			s.metrics.RequestDuration.WithLabelValues("ask").Observe(time.Since(start).Seconds())
		}()
	}

	normalized := domain.NormalizeQuestion(question)
	if normalized == "" {
		return domain.PipelineDecision{}, domain.NewValidationError("question", question, nil)
	}
	decision.Steps = append(decision.Steps, domain.StepInputNormalized)

	if language == "" {
		language = domain.LanguageAuto
	}
	if language == domain.LanguageAuto {
		language = domain.DetectLanguage(normalized)
	}

	vec, err := s.embed.Embed(ctx, normalized)
	if err != nil && errors.Is(err, domain.ErrRateLimited) {
		s.logger.Warn("pipeline: embedding rate limited, retrying with backoff", "err", err)
		retried := fn.RetryStage(s.opts.EmbedRetry, func(ctx context.Context, text string) fn.Result[[]float32] {
			return fn.FromPair(s.embed.Embed(ctx, text))
		})(ctx, normalized)
		vec, err = retried.Unwrap()
	}
	if err != nil {
		return domain.PipelineDecision{}, fmt.Errorf("%w: %v", domain.ErrEmbeddingFailure, err)
	}
	decision.Steps = append(decision.Steps, domain.StepEmbeddingGenerated)

	hits, err := s.index.Search(ctx, vec, domain.TopK, domain.SemanticSearchFloor, nil)
	if err != nil {
		s.logger.Warn("pipeline: vector search failed, treating as a cache miss", "err", err)
		hits = nil
	}

	if len(hits) > 0 && hits[0].Score >= domain.QualityThreshold {
		pair, err := s.store.Get(ctx, hits[0].QAID)
		if err != nil {
			s.logger.Warn("pipeline: canonical lookup failed for high-quality hit, falling through to miss branch", "qa_id", hits[0].QAID, "err", err)
		} else if pair != nil {
			decision.Steps = append(decision.Steps, domain.StepSemanticSearchHit)
			decision.Answer = pair.AnswerText
			decision.Confidence = hits[0].Score
			decision.SourceTag = domain.SourceTagVectorHit
			decision.ElapsedMS = time.Since(start).Milliseconds()
			decision.Metadata["qa_id"] = pair.ID
			if s.metrics != nil {
				s.metrics.CacheHitsTotal.Inc()
			}
			return decision, nil
		} else {
			s.logger.Warn("pipeline: dangling vector hit, qa_id not found in canonical store", "qa_id", hits[0].QAID)
		}
	}
	decision.Steps = append(decision.Steps, domain.StepSemanticSearchMiss)
	if s.metrics != nil {
		s.metrics.CacheMissesTotal.Inc()
	}

	priorPairs, contextText, gotContext := s.fetchContextAndPriorPairs(ctx, hits)
	if gotContext {
		decision.Steps = append(decision.Steps, domain.StepWebContextFetched)
	} else if callerContext != "" {
		contextText = callerContext
	}

	var answerResult llm.AnswerResult
	var genErr error
	if s.gen.QuotaState() == llm.QuotaExhausted {
		decision.Steps = append(decision.Steps, domain.StepLLMSkippedQuota)
		genErr = fmt.Errorf("%w: skipping generation, quota known-exhausted", domain.ErrQuotaExhausted)
	} else {
		genStart := time.Now()
		answerResult, genErr = s.gen.Answer(ctx, normalized, contextText, language, priorPairs)
		if s.metrics != nil {
			outcome := "ok"
			if genErr != nil {
				outcome = "error"
			}
			s.metrics.LLMCallsTotal.WithLabelValues(outcome).Inc()
			s.metrics.LLMLatencySeconds.Observe(time.Since(genStart).Seconds())
		}
	}
	if genErr == nil {
		decision.Steps = append(decision.Steps, domain.StepLLMOk)

		pair, admitErr := s.admit(ctx, normalized, answerResult.Answer, vec, answerResult.Confidence, map[string]any{}, userID, language)
		if admitErr != nil {
			s.logger.Warn("pipeline: admit failed after successful generation", "err", admitErr)
			decision.Steps = append(decision.Steps, domain.StepAdmitSkipped)
		} else {
			decision.Steps = append(decision.Steps, domain.StepAdmitted)
			decision.Metadata["qa_id"] = pair.ID
			if err := events.Publish(ctx, s.events, events.SubjectQAAdmitted, events.QAAdmittedEvent{
				QAID: pair.ID, Question: pair.QuestionText, Source: string(pair.Source),
			}); err != nil {
				s.logger.Warn("pipeline: admitted event publish failed", "err", err)
			}
			go s.expandVariants(context.Background(), pair.ID, normalized, userID, language)
			decision.Steps = append(decision.Steps, domain.StepVariantsScheduled)
		}

		decision.Answer = answerResult.Answer
		decision.Confidence = answerResult.Confidence
		decision.SourceTag = domain.SourceTagGenerated
		decision.ElapsedMS = time.Since(start).Milliseconds()
		return decision, nil
	}

	decision.Steps = append(decision.Steps, domain.StepLLMFailed)

	if best := bestHitAtOrAbove(hits, domain.FallbackFloor); best != nil {
		pair, err := s.store.Get(ctx, best.QAID)
		if err == nil && pair != nil {
			decision.Answer = pair.AnswerText
			decision.Confidence = best.Score
			decision.SourceTag = domain.SourceTagVectorFallback
			decision.Metadata["llm_error"] = genErr.Error()
			decision.ElapsedMS = time.Since(start).Milliseconds()
			return decision, nil
		}
	}

	return domain.PipelineDecision{}, fmt.Errorf("%w: %v", domain.ErrGenerationFailure, genErr)
}

// findSimilarFloor is deliberately looser than domain.SemanticSearchFloor:
// find_similar is a browse/suggest surface, not an admission gate, so it
// surfaces more candidates than ask's cache-hit threshold would allow.
const findSimilarFloor = 0.70

// SimilarQuestion is one find_similar result.
type SimilarQuestion struct {
	Question   string
	Answer     string
	Score      float64
	Confidence float64
	Source     domain.Source
	CreatedAt  time.Time
}

// FindSimilar searches the semantic cache directly, independent of ask's
// admission/generation path, returning up to limit candidates at or above
// findSimilarFloor ordered by score descending (the vector index's own
// ordering).
func (s *Service) FindSimilar(ctx context.Context, question string, limit int) ([]SimilarQuestion, error) {
	normalized := domain.NormalizeQuestion(question)
	if normalized == "" {
		return nil, domain.NewValidationError("question", question, nil)
	}
	if limit <= 0 {
		limit = domain.TopK
	}

	vec, err := s.embed.Embed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingFailure, err)
	}

	hits, err := s.index.Search(ctx, vec, limit, findSimilarFloor, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVectorSearchFailure, err)
	}

	results := make([]SimilarQuestion, 0, len(hits))
	for _, h := range hits {
		pair, err := s.store.Get(ctx, h.QAID)
		if err != nil || pair == nil {
			continue
		}
		results = append(results, SimilarQuestion{
			Question:   pair.QuestionText,
			Answer:     pair.AnswerText,
			Score:      h.Score,
			Confidence: pair.Confidence,
			Source:     pair.Source,
			CreatedAt:  pair.CreatedAt,
		})
	}
	return results, nil
}

func (s *Service) priorPairsFromHits(ctx context.Context, hits []domain.ScoredHit, max int) []domain.QAPair {
	var pairs []domain.QAPair
	for i, h := range hits {
		if i >= max {
			break
		}
		pair, err := s.store.Get(ctx, h.QAID)
		if err != nil || pair == nil {
			continue
		}
		pairs = append(pairs, *pair)
	}
	return pairs
}

// contextFetchResult carries fetchContext's outcome through fn.FanOut, which
// requires every thunk in a call to share one result type.
type contextFetchResult struct {
	text string
	ok   bool
}

// fetchContextAndPriorPairs runs the web-context fetch and the prior-pair
// lookup concurrently via fn.FanOut, since neither depends on the other's
// result.
func (s *Service) fetchContextAndPriorPairs(ctx context.Context, hits []domain.ScoredHit) ([]domain.QAPair, string, bool) {
	results := fn.FanOut(
		func() any {
			text, ok := s.fetchContext(ctx)
			return contextFetchResult{text: text, ok: ok}
		},
		func() any {
			return s.priorPairsFromHits(ctx, hits, 3)
		},
	)
	cr := results[0].(contextFetchResult)
	pairs, _ := results[1].([]domain.QAPair)
	return pairs, cr.text, cr.ok
}

// fetchContext requests recent articles with a soft timeout; on timeout or
// absence of a context source, it returns an empty string rather than
// failing the request.
func (s *Service) fetchContext(ctx context.Context) (string, bool) {
	if s.ctxSrc == nil {
		return "", false
	}

	type result struct {
		text string
	}
	done := make(chan result, 1)
	go func() {
		articles := s.ctxSrc.Recent(s.opts.ContextArticles)
		done <- result{text: concatArticles(articles, s.opts.ContextCharCap)}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, s.opts.ContextTimeout)
	defer cancel()

	select {
	case r := <-done:
		return r.text, r.text != ""
	case <-timeoutCtx.Done():
		return "", false
	}
}

func concatArticles(articles []domain.Article, charCap int) string {
	var b strings.Builder
	for _, a := range articles {
		snippet := a.Title
		if a.Content != "" {
			cut := a.Content
			if len(cut) > 200 {
				cut = cut[:200]
			}
			snippet += ": " + cut
		}
		if b.Len()+len(snippet)+1 > charCap {
			break
		}
		b.WriteString(snippet)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func bestHitAtOrAbove(hits []domain.ScoredHit, floor float64) *domain.ScoredHit {
	var best *domain.ScoredHit
	for i := range hits {
		if hits[i].Score < floor {
			continue
		}
		if best == nil || hits[i].Score > best.Score {
			best = &hits[i]
		}
	}
	return best
}

// admit performs the write-back algorithm: single-flight per normalized
// question, dedup check, canonical-store-then-vector-index ordering.
func (s *Service) admit(ctx context.Context, question, answer string, vec []float32, confidence float64, metadata map[string]any, userID string, language domain.Language) (*domain.QAPair, error) {
	key := admissionKey(question)

	v, err, shared := s.admitGroup.Do(key, func() (any, error) {
		if existing, err := s.store.FindByQuestionText(ctx, question); err == nil && existing != nil {
			return existing, nil
		}

		pair := domain.QAPair{
			ID:           generateQueryPathID(question),
			QuestionText: question,
			AnswerText:   answer,
			Confidence:   confidence,
			Source:       domain.SourceGenerated,
			Language:     language,
			CreatedAt:    time.Now(),
			Metadata:     metadata,
		}

		id, err := s.store.Create(ctx, pair)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateID) {
				if existing, getErr := s.store.FindByQuestionText(ctx, question); getErr == nil && existing != nil {
					return existing, nil
				}
			}
			return nil, err
		}
		pair.ID = id

		point := domain.VectorPoint{
			PointID:      uuid.New().String(),
			Vector:       vec,
			QAID:         id,
			QuestionText: question,
			IsVariant:    false,
			CreatedAt:    pair.CreatedAt,
			Language:     language,
			UserID:       userID,
		}
		if err := s.index.Upsert(ctx, point); err != nil {
			s.logger.Warn("pipeline: vector upsert failed after canonical create, pair remains unindexed until next admit", "qa_id", id, "err", err)
		}

		return &pair, nil
	})
	if s.metrics != nil {
		if shared {
			s.metrics.AdmissionCoalesced.Inc()
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.AdmissionsTotal.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*domain.QAPair), nil
}

// expandVariants runs after Ask has already returned to the caller.
// Failures are logged and skipped; variants never touch the canonical store.
func (s *Service) expandVariants(ctx context.Context, originQAID, question, userID string, language domain.Language) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.VariantTimeout)
	defer cancel()

	variants := s.gen.GenerateVariants(ctx, question, domain.MaxVariants)
	for _, point := range s.buildVariantPoints(ctx, originQAID, language, userID, variants) {
		if err := s.index.Upsert(ctx, point); err != nil {
			s.logger.Warn("pipeline: variant upsert failed, skipping", "origin_qa_id", originQAID, "err", err)
		}
	}
}

// buildVariantPoints embeds each variant concurrently via fn.FanOut,
// returning one VectorPoint per variant that embedded successfully; a
// failed embed is logged and dropped rather than failing the whole batch.
func (s *Service) buildVariantPoints(ctx context.Context, originQAID string, language domain.Language, userID string, variants []string) []domain.VectorPoint {
	thunks := make([]func() fn.Result[domain.VectorPoint], len(variants))
	for i, variant := range variants {
		variant := variant
		thunks[i] = func() fn.Result[domain.VectorPoint] {
			vec, err := s.embed.Embed(ctx, variant)
			if err != nil {
				return fn.Err[domain.VectorPoint](err)
			}
			return fn.Ok(domain.VectorPoint{
				PointID:      uuid.New().String(),
				Vector:       vec,
				QAID:         originQAID,
				QuestionText: variant,
				IsVariant:    true,
				OriginQAID:   originQAID,
				CreatedAt:    time.Now(),
				Language:     language,
				UserID:       userID,
			})
		}
	}

	results := fn.FanOut(thunks...)
	points := make([]domain.VectorPoint, 0, len(results))
	for _, r := range results {
		point, err := r.Unwrap()
		if err != nil {
			s.logger.Warn("pipeline: variant embed failed, skipping", "origin_qa_id", originQAID, "err", err)
			continue
		}
		points = append(points, point)
	}
	return points
}

// ExpandVariants generates paraphrase variants for an arbitrary (question,
// answer) pair and indexes them into the vector store (C2), independent of
// Ask's generate-then-admit path — the standalone counterpart to the variant
// expansion Ask schedules automatically after a successful admission. A
// canonical record tagged domain.SourceVariant backs the returned variants
// so they resolve to an answer like any other vector hit; an existing
// record for the same question is reused rather than duplicated.
func (s *Service) ExpandVariants(ctx context.Context, question, answer, userID string) ([]string, error) {
	normalized := domain.NormalizeQuestion(question)
	if normalized == "" {
		return nil, domain.NewValidationError("question", question, nil)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, domain.NewValidationError("answer", answer, nil)
	}
	language := domain.DetectLanguage(normalized)

	vec, err := s.embed.Embed(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingFailure, err)
	}

	originID, err := s.originForVariants(ctx, normalized, answer, vec, userID, language)
	if err != nil {
		return nil, err
	}

	variants := s.gen.GenerateVariants(ctx, normalized, domain.MaxVariants)
	points := s.buildVariantPoints(ctx, originID, language, userID, variants)
	for _, point := range points {
		if err := s.index.Upsert(ctx, point); err != nil {
			s.logger.Warn("pipeline: variant upsert failed, skipping", "origin_qa_id", originID, "err", err)
		}
	}

	out := make([]string, len(points))
	for i, p := range points {
		out[i] = p.QuestionText
	}
	return out, nil
}

// originForVariants resolves, or creates, the canonical record backing a
// standalone variant batch so each variant's QAID resolves to an answer.
// Mirrors admit's dedup-then-create-then-upsert shape without the
// generation-path single-flight coalescing admit needs.
func (s *Service) originForVariants(ctx context.Context, question, answer string, vec []float32, userID string, language domain.Language) (string, error) {
	if existing, err := s.store.FindByQuestionText(ctx, question); err == nil && existing != nil {
		return existing.ID, nil
	}

	pair := domain.QAPair{
		ID:           generateQueryPathID(question),
		QuestionText: question,
		AnswerText:   answer,
		Confidence:   1.0,
		Source:       domain.SourceVariant,
		Language:     language,
		CreatedAt:    time.Now(),
		Metadata:     map[string]any{"user_id": userID},
	}
	id, err := s.store.Create(ctx, pair)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateID) {
			if existing, getErr := s.store.FindByQuestionText(ctx, question); getErr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return "", err
	}

	point := domain.VectorPoint{
		PointID:      uuid.New().String(),
		Vector:       vec,
		QAID:         id,
		QuestionText: question,
		IsVariant:    false,
		CreatedAt:    pair.CreatedAt,
		Language:     language,
		UserID:       userID,
	}
	if err := s.index.Upsert(ctx, point); err != nil {
		s.logger.Warn("pipeline: vector upsert failed for a variant-origin record, pair remains unindexed until next write", "qa_id", id, "err", err)
	}
	return id, nil
}

func admissionKey(normalizedQuestion string) string {
	sum := sha1.Sum([]byte(normalizedQuestion))
	return hex.EncodeToString(sum[:])
}

// generateQueryPathID builds a time-based id for a freshly generated answer.
// Unlike the ingestion-path id (content-hash based, see ingest package),
// this id is not idempotent across retries by design: a retried admit for
// the same question is caught by the dedup check before an id is minted.
func generateQueryPathID(question string) string {
	sum := sha1.Sum([]byte(question))
	return fmt.Sprintf("qa_%s_%d", hex.EncodeToString(sum[:])[:12], time.Now().UnixNano())
}
