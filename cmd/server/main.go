// Package main wires the QA pipeline's components into a long-running
// process: cold-start health checks, the background news ingestion loop,
// and a thin ops surface (health, metrics, force-ingest). Routing for
// ask/find_similar themselves is an external collaborator's job; this
// binary exposes the Go-level Service/Loop an HTTP layer embeds or calls.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/embedding"
	"github.com/syriaqa/qapipeline/fetch"
	"github.com/syriaqa/qapipeline/health"
	"github.com/syriaqa/qapipeline/ingest"
	"github.com/syriaqa/qapipeline/internal/articlecache"
	"github.com/syriaqa/qapipeline/internal/events"
	"github.com/syriaqa/qapipeline/internal/metrics"
	"github.com/syriaqa/qapipeline/internal/mid"
	"github.com/syriaqa/qapipeline/internal/repo"
	"github.com/syriaqa/qapipeline/llm"
	"github.com/syriaqa/qapipeline/pipeline"
	"github.com/syriaqa/qapipeline/store"
	"github.com/syriaqa/qapipeline/vector"
)

// Config holds all environment-based configuration. The five quality/score
// thresholds (semantic_search_floor, quality_threshold, fallback_floor,
// top_k, max_variants) are deliberately not here: they are invariant-bearing
// constants in the domain package, not environment knobs, so a misconfigured
// deployment can't silently violate the admission properties they encode.
type Config struct {
	Port       string
	CORSOrigin string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDatabase string
	PostgresSSLMode  string

	QdrantAddr       string
	QdrantCollection string
	EmbeddingDim     int

	EmbeddingAPIKey string
	LLMAPIKey       string

	NewsPeriod        time.Duration
	NewsMaxArticles   int
	ArticleCacheSize  int
	ScrapeDelay       time.Duration
	ScrapeMaxConcurrent int
	ScrapeMaxRetries    int
	ScrapeMinContentLen int
	ScrapeMaxContentLen int

	ContextTimeout  time.Duration
	DeadlineDefault time.Duration

	NATSURL string
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),

		PostgresHost:     envOr("POSTGRES_HOST", "localhost"),
		PostgresPort:     envOrInt("POSTGRES_PORT", 5432),
		PostgresUser:     envOr("POSTGRES_USER", "postgres"),
		PostgresPassword: envOr("POSTGRES_PASSWORD", ""),
		PostgresDatabase: envOr("POSTGRES_DB", "qapipeline"),
		PostgresSSLMode:  envOr("POSTGRES_SSLMODE", "disable"),

		QdrantAddr:       envOr("QDRANT_ADDR", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "qa_pairs"),
		EmbeddingDim:     envOrInt("EMBEDDING_DIM", domain.EmbeddingDim),

		EmbeddingAPIKey: os.Getenv("EMBEDDING_API_KEY"),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),

		NewsPeriod:          envOrDuration("NEWS_PERIOD", 6*time.Hour),
		NewsMaxArticles:     envOrInt("NEWS_MAX_ARTICLES", 100),
		ArticleCacheSize:    envOrInt("ARTICLE_CACHE_SIZE", 200),
		ScrapeDelay:         envOrDuration("SCRAPE_DELAY", 2*time.Second),
		ScrapeMaxConcurrent: envOrInt("SCRAPE_MAX_CONCURRENT", 5),
		ScrapeMaxRetries:    envOrInt("SCRAPE_MAX_RETRIES", 3),
		ScrapeMinContentLen: envOrInt("SCRAPE_MIN_CONTENT_LEN", 100),
		ScrapeMaxContentLen: envOrInt("SCRAPE_MAX_CONTENT_LEN", 50000),

		ContextTimeout:  envOrDuration("CONTEXT_TIMEOUT", 8*time.Second),
		DeadlineDefault: envOrDuration("DEADLINE_DEFAULT", 30*time.Second),

		NATSURL: os.Getenv("NATS_URL"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// defaultNewsSources mirrors the original service's configured Syrian news
// sites (sana, halab_today, syria_tv, government), each Arabic-language with
// the same broad CSS-class selector set.
func defaultNewsSources() []fetch.Source {
	selectors := fetch.Selectors{
		Article:  "article, .news-item, .post",
		Title:    "h1, h2, .title, .headline",
		Content:  ".content, .article-content, .post-content, .text",
		Date:     ".date, .published, time",
		Author:   ".author, .byline",
		Category: ".category, .section",
	}
	return []fetch.Source{
		{Name: "sana", BaseURL: "https://www.sana.sy", Selectors: selectors, Language: "ar"},
		{Name: "halab_today", BaseURL: "https://halabtoday.tv", Selectors: selectors, Language: "ar"},
		{Name: "syria_tv", BaseURL: "https://www.syria.tv", Selectors: selectors, Language: "ar"},
		{Name: "government", BaseURL: "https://www.egov.sy", Selectors: selectors, Language: "ar"},
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Canonical store (C3) ---
	pgStore, err := store.Open(ctx, store.Config{
		Host: cfg.PostgresHost, Port: cfg.PostgresPort, User: cfg.PostgresUser,
		Password: cfg.PostgresPassword, Database: cfg.PostgresDatabase, SSLMode: cfg.PostgresSSLMode,
		MaxOpenConns: 20, MaxIdleConns: 5, ConnLifetime: 30 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("open canonical store: %w", err)
	}
	defer pgStore.Close()
	if err := pgStore.InitSchema(ctx); err != nil {
		return fmt.Errorf("init canonical store schema: %w", err)
	}

	// --- Vector index (C2) ---
	vectorStore, err := vector.New(cfg.QdrantAddr, cfg.QdrantCollection, cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("connect vector index: %w", err)
	}
	defer vectorStore.Close()

	// --- Embedding provider (C1) ---
	embedClient := embedding.New(embedding.Config{
		APIKey: cfg.EmbeddingAPIKey, OutputDim: cfg.EmbeddingDim,
	})

	// --- LLM client (C4) ---
	llmClient := llm.New(llm.Config{APIKey: cfg.LLMAPIKey})

	// --- Web source fetcher (C5) and shared article cache ---
	fetcher := fetch.New(fetch.Config{
		RequestDelay: cfg.ScrapeDelay, MaxConcurrent: cfg.ScrapeMaxConcurrent, MaxRetries: cfg.ScrapeMaxRetries,
		MinContentLen: cfg.ScrapeMinContentLen, MaxContentLen: cfg.ScrapeMaxContentLen,
		Timeout: cfg.DeadlineDefault, UserAgent: fetch.DefaultConfig().UserAgent,
	})
	cache := articlecache.New(cfg.ArticleCacheSize)

	// --- Optional event bus (NATS) ---
	var bus *events.Bus
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, continuing without event fan-out", "err", err)
		} else {
			defer nc.Close()
			bus = events.NewBus(nc)
		}
	}

	metricsRegistry := metrics.New()

	// --- QA pipeline (C6) ---
	// qaService.Ask/FindSimilar are the contracts an external HTTP layer
	// calls; routing them is that layer's job, not this process's, so
	// qaService is constructed and held (for its lifecycle and the
	// goroutines ask schedules) but never itself dispatched from a route.
	pipelineOpts := pipeline.DefaultOptions()
	pipelineOpts.ContextTimeout = cfg.ContextTimeout
	qaService := pipeline.New(embedClient, vectorStore, pgStore, llmClient, cache, pipelineOpts, logger)
	qaService.SetEventBus(bus)
	qaService.SetMetrics(metricsRegistry)
	_ = qaService

	// --- News ingestion loop (C7) ---
	ingestCfg := ingest.DefaultConfig()
	ingestCfg.Period = cfg.NewsPeriod
	ingestCfg.MaxArticlesPerCycle = cfg.NewsMaxArticles
	ingestLoop := ingest.New(ingestCfg, defaultNewsSources(), fetcher, llmClient, embedClient, vectorStore, pgStore, cache, logger)
	ingestLoop.SetEventBus(bus)
	ingestLoop.SetMetrics(metricsRegistry)

	forceIngest := make(chan struct{}, 1)
	go ingestLoop.Run(ctx, forceIngest)

	// --- Cold-start health gate (C8) ---
	healthGate := health.New(vectorStore, pgStore, embedClient, llmClient)
	if err := healthGate.ColdStart(ctx); err != nil {
		return fmt.Errorf("cold start health check failed: %w", err)
	}

	// --- Ops HTTP surface ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz(healthGate))
	mux.Handle("GET /metrics", metricsRegistry.Handler())
	mux.HandleFunc("POST /admin/ingest/force", handleForceIngest(ingestLoop, forceIngest, logger))
	qaRepo := store.NewQAPairRepository(pgStore)
	mux.HandleFunc("GET /admin/qa/{id}", handleQAGet(qaRepo))
	mux.HandleFunc("GET /admin/qa", handleQAList(qaRepo))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("qapipeline"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func handleHealthz(gate *health.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := gate.Status(r.Context())
		status := http.StatusOK
		if report.Overall == health.StatusUnavailable {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(report)
	}
}

// handleQAGet looks up one admitted pair by id, for manual inspection.
func handleQAGet(qaRepo *store.QAPairRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair, err := qaRepo.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pair)
	}
}

// handleQAList browses recently admitted pairs, optionally filtered by
// ?source= and bounded by ?limit=.
func handleQAList(qaRepo *store.QAPairRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := repo.ListOpts{Limit: 50}
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil {
				opts.Limit = n
			}
		}
		if src := r.URL.Query().Get("source"); src != "" {
			opts.Filter = map[string]any{"source": src}
		}
		pairs, err := qaRepo.List(r.Context(), opts)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pairs)
	}
}

// handleForceIngest triggers one ingestion cycle off the regular period.
// The response is 202 Accepted immediately; the cycle itself runs
// asynchronously through the same single-flight guard as the ticker.
func handleForceIngest(loop *ingest.Loop, force chan<- struct{}, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case force <- struct{}{}:
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
		default:
			logger.Info("force-ingest request dropped, a trigger is already pending")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"status": "already pending"})
		}
	}
}
