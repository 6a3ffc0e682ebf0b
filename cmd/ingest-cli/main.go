// Command ingest-cli runs one news ingestion cycle (C7) and exits, printing
// a summary. It builds its own connections to the shared canonical store
// and vector index rather than talking to a running cmd/server process, so
// it can be invoked from cron or by hand without that process being up.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/embedding"
	"github.com/syriaqa/qapipeline/fetch"
	"github.com/syriaqa/qapipeline/ingest"
	"github.com/syriaqa/qapipeline/llm"
	"github.com/syriaqa/qapipeline/store"
	"github.com/syriaqa/qapipeline/vector"
)

func main() {
	var (
		postgresHost = flag.String("postgres-host", "localhost", "PostgreSQL host")
		postgresPort = flag.Int("postgres-port", 5432, "PostgreSQL port")
		postgresUser = flag.String("postgres-user", "postgres", "PostgreSQL user")
		postgresPass = flag.String("postgres-pass", "", "PostgreSQL password")
		postgresDB   = flag.String("postgres-db", "qapipeline", "PostgreSQL database")
		qdrantAddr   = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		collection   = flag.String("collection", "qa_pairs", "Qdrant collection name")
		embeddingDim = flag.Int("embedding-dim", domain.EmbeddingDim, "embedding vector dimension")
		maxArticles  = flag.Int("max-articles", 100, "max articles to process this cycle")
		maxQAPerArt  = flag.Int("max-qa-per-article", 5, "max QA pairs to mine per article")
		timeout      = flag.Duration("timeout", 10*time.Minute, "overall cycle deadline")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pgStore, err := store.Open(ctx, store.Config{
		Host: *postgresHost, Port: *postgresPort, User: *postgresUser,
		Password: *postgresPass, Database: *postgresDB, SSLMode: "disable",
		MaxOpenConns: 5, MaxIdleConns: 2, ConnLifetime: 10 * time.Minute,
	})
	if err != nil {
		logger.Error("open canonical store", "err", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	vectorStore, err := vector.New(*qdrantAddr, *collection, *embeddingDim)
	if err != nil {
		logger.Error("connect vector index", "err", err)
		os.Exit(1)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx); err != nil {
		logger.Error("ensure vector collection", "err", err)
		os.Exit(1)
	}

	embedClient := embedding.New(embedding.Config{
		APIKey: os.Getenv("EMBEDDING_API_KEY"), OutputDim: *embeddingDim,
	})
	llmClient := llm.New(llm.Config{APIKey: os.Getenv("LLM_API_KEY")})
	fetcher := fetch.New(fetch.DefaultConfig())

	cfg := ingest.DefaultConfig()
	cfg.MaxArticlesPerCycle = *maxArticles
	cfg.MaxQAPerArticle = *maxQAPerArt

	loop := ingest.New(cfg, defaultNewsSources(), fetcher, llmClient, embedClient, vectorStore, pgStore, nil, logger)

	report, err := loop.Force(ctx)
	if err != nil {
		logger.Error("ingestion cycle failed to start", "err", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("encode report", "err", err)
		os.Exit(1)
	}

	if len(report.Errors) > 0 {
		fmt.Fprintf(os.Stderr, "ingestion cycle completed with %d errors\n", len(report.Errors))
		os.Exit(1)
	}
}

// defaultNewsSources mirrors cmd/server's configured Syrian news sites.
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
