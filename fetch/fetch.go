package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/internal/resilience"
)

// Config tunes the fetcher's rate limit, concurrency, and content filters.
type Config struct {
	RequestDelay   time.Duration
	MaxConcurrent  int
	MaxRetries     int
	MinContentLen  int
	MaxContentLen  int
	Timeout        time.Duration
	UserAgent      string
}

// DefaultConfig mirrors the original scraping service's tuning.
func DefaultConfig() Config {
	return Config{
		RequestDelay:  2 * time.Second,
		MaxConcurrent: 5,
		MaxRetries:    3,
		MinContentLen: 100,
		MaxContentLen: 50000,
		Timeout:       30 * time.Second,
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	}
}

var blockedPhrases = []string{"advertisement", "ad", "sponsored", "cookie", "privacy policy"}

var articleLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/news/`),
	regexp.MustCompile(`/article/`),
	regexp.MustCompile(`/post/`),
	regexp.MustCompile(`/story/`),
	regexp.MustCompile(`\d{4}/\d{2}/\d{2}`),
	regexp.MustCompile(`\d+$`),
}

// Fetcher is the sole owner of outbound HTTP calls to configured news
// sources. A Fetcher's dedup set is scoped to its lifetime — construct a new
// one per ingestion cycle if fresh dedup is desired.
type Fetcher struct {
	cfg     Config
	http    *http.Client
	limiter *resilience.Limiter
	sem     chan struct{}

	seenMu sync.Mutex
	seen   map[string]bool

	breakersMu sync.Mutex
	breakers   map[string]*resilience.Breaker
}

// New builds a Fetcher with its own rate limiter, concurrency semaphore, and
// empty dedup set. The rate limiter is a token bucket sized to approximate
// the configured minimum inter-request delay: one token refilling every
// RequestDelay, burst 1, so steady-state throughput never exceeds one
// request per delay window regardless of concurrency.
func New(cfg Config) *Fetcher {
	ratePerSecond, burst := 1000.0, 1000 // RequestDelay <= 0 means effectively unthrottled
	if cfg.RequestDelay > 0 {
		ratePerSecond, burst = 1.0/cfg.RequestDelay.Seconds(), 1
	}
	return &Fetcher{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  resilience.NewLimiter(resilience.LimiterOpts{Rate: ratePerSecond, Burst: burst}),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		seen:     make(map[string]bool),
		breakers: make(map[string]*resilience.Breaker),
	}
}

// breakerFor returns the per-source circuit breaker, creating it on first
// use. Scoped to the Fetcher's lifetime like its dedup set: once a source's
// breaker trips, calls to it are rejected until the breaker's open timeout
// elapses and a probe call is let through.
func (f *Fetcher) breakerFor(source string) *resilience.Breaker {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()
	b, ok := f.breakers[source]
	if !ok {
		b = resilience.NewBreaker(resilience.DefaultBreakerOpts)
		f.breakers[source] = b
	}
	return b
}

// ScrapeSources fetches and parses articles from every configured source.
// A failed source yields zero articles but never aborts the others.
func (f *Fetcher) ScrapeSources(ctx context.Context, sources []Source) Report {
	report := Report{PerSourceCounts: make(map[string]int)}
	var mu sync.Mutex

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			articles, errs := f.scrapeSource(ctx, src)
			mu.Lock()
			report.Articles = append(report.Articles, articles...)
			report.PerSourceCounts[src.Name] = len(articles)
			report.Errors = append(report.Errors, errs...)
			mu.Unlock()
		}(src)
	}
	wg.Wait()
	return report
}

func (f *Fetcher) scrapeSource(ctx context.Context, src Source) ([]ScrapedArticle, []string) {
	var errs []string

	doc, err := f.fetchPage(ctx, src.Name, src.BaseURL)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: fetch index: %v", src.Name, err)}
	}

	links := f.candidateLinks(doc, src)

	var (
		mu       sync.Mutex
		articles []ScrapedArticle
		wg       sync.WaitGroup
	)
	for _, link := range links {
		wg.Add(1)
		go func(link string) {
			defer wg.Done()
			article, err := f.scrapeArticle(ctx, src, link)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %s: %v", src.Name, link, err))
				return
			}
			if article != nil {
				articles = append(articles, *article)
			}
		}(link)
	}
	wg.Wait()
	return articles, errs
}

// candidateLinks extracts, normalizes, filters same-host, filters by URL
// pattern heuristics, and deduplicates against the fetcher's lifetime set.
func (f *Fetcher) candidateLinks(doc *html.Node, src Source) []string {
	base, err := url.Parse(src.BaseURL)
	if err != nil {
		return nil
	}

	var out []string
	seenThisCall := make(map[string]bool)
	for _, href := range findLinks(doc) {
		resolved, err := base.Parse(href)
		if err != nil {
			continue
		}
		resolved.Fragment = ""
		abs := resolved.String()

		if resolved.Host != base.Host {
			continue
		}
		if !isArticleLink(resolved.Path) {
			continue
		}
		if seenThisCall[abs] {
			continue
		}

		f.seenMu.Lock()
		already := f.seen[abs]
		if !already {
			f.seen[abs] = true
		}
		f.seenMu.Unlock()
		if already {
			continue
		}

		seenThisCall[abs] = true
		out = append(out, abs)
	}
	return out
}

func isArticleLink(path string) bool {
	for _, pat := range articleLinkPatterns {
		if pat.MatchString(path) {
			return true
		}
	}
	return false
}

func (f *Fetcher) scrapeArticle(ctx context.Context, src Source, link string) (*ScrapedArticle, error) {
	doc, err := f.fetchPage(ctx, src.Name, link)
	if err != nil {
		return nil, err
	}

	title := extractField(doc, src.Selectors.Title)
	content := cleanText(extractField(doc, src.Selectors.Content))
	date := extractField(doc, src.Selectors.Date)
	author := extractField(doc, src.Selectors.Author)
	category := extractField(doc, src.Selectors.Category)

	if err := validateArticle(title, content, f.cfg); err != nil {
		return nil, err
	}

	return &ScrapedArticle{
		URL:         link,
		Title:       title,
		Content:     content,
		SourceName:  src.Name,
		PublishedAt: date,
		Author:      author,
		Category:    category,
		Language:    src.Language,
	}, nil
}

// fetchPage performs the rate-limited, concurrency-capped, retried GET for
// url, parsing the response as HTML. Repeated failures against the same
// source trip that source's circuit breaker, short-circuiting the remaining
// retries and any further links from it until the breaker's open timeout
// elapses.
func (f *Fetcher) fetchPage(ctx context.Context, source, target string) (*html.Node, error) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	breaker := f.breakerFor(source)
	var doc *html.Node
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var status int
		cerr := breaker.Call(ctx, func(ctx context.Context) error {
			var derr error
			doc, status, derr = f.doFetch(ctx, target)
			return derr
		})
		if cerr == nil {
			return doc, nil
		}
		if errors.Is(cerr, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnavailable, cerr)
		}
		lastErr = cerr
		if status == http.StatusNotFound {
			break
		}
	}
	return nil, lastErr
}

func (f *Fetcher) doFetch(ctx context.Context, target string) (*html.Node, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, fmt.Errorf("%w: 404 not found", domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("%w: status %d", domain.ErrTransient, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: parse html: %v", domain.ErrMalformed, err)
	}
	return doc, resp.StatusCode, nil
}

func validateArticle(title, content string, cfg Config) error {
	if title == "" {
		return fmt.Errorf("%w: empty title", domain.ErrValidation)
	}
	if len(content) < cfg.MinContentLen || len(content) > cfg.MaxContentLen {
		return fmt.Errorf("%w: content length %d out of [%d,%d]", domain.ErrValidation, len(content), cfg.MinContentLen, cfg.MaxContentLen)
	}
	lower := strings.ToLower(content)
	for _, phrase := range blockedPhrases {
		// Whole-word match, so "ad" does not reject "adequate" or "read".
		if regexp.MustCompile(`\b` + regexp.QuoteMeta(phrase) + `\b`).MatchString(lower) {
			return fmt.Errorf("%w: contains blocked phrase %q", domain.ErrValidation, phrase)
		}
	}
	return nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func cleanText(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
