// Package llm implements the LLM client (C4): answer synthesis, paraphrase
// variant generation, and quota/health reporting against a Gemini-style
// generateContent HTTP API.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/internal/resilience"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	defaultAPIVersion = "v1beta"
	defaultModel      = "gemini-1.5-flash"
)

// Config configures the Gemini-backed LLM client.
type Config struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	HTTPClient *http.Client

	// RateLimit and RateBurst tune the token bucket guarding provider quota;
	// zero values fall back to a conservative default.
	RateLimit float64
	RateBurst int
	// BreakerOpts tunes the circuit breaker tripped on repeated failures;
	// a zero value falls back to resilience.DefaultBreakerOpts.
	BreakerOpts resilience.BreakerOpts
}

// Client is the sole owner of all LLM provider HTTP calls.
type Client struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	http       *http.Client
	breaker    *resilience.Breaker
	limiter    *resilience.Limiter

	quotaMu    sync.Mutex
	quotaState QuotaState
	quotaUntil time.Time
}

// QuotaState reflects the provider's last observed rate-limit status.
type QuotaState string

const (
	QuotaOK        QuotaState = "ok"
	QuotaExhausted QuotaState = "exhausted"
	QuotaUnknown   QuotaState = "unknown"
)

// New builds a Client, filling in defaults for unset fields.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2 // conservative: matches the free-tier generateContent quota
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 4
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		http:       cfg.HTTPClient,
		breaker:    resilience.NewBreaker(cfg.BreakerOpts),
		limiter:    resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RateLimit, Burst: cfg.RateBurst}),
		quotaState: QuotaUnknown,
	}
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

type geminiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// AnswerResult is the structured result of Answer.
type AnswerResult struct {
	Answer           string
	Confidence       float64
	LanguageDetected domain.Language
	ModelID          string
	ElapsedMS        int64
}

// Answer synthesizes an answer to question, optionally grounded in context
// and up to the 3 most relevant prior pairs. Confidence is computed
// deterministically from the answer and question, never from the model.
func (c *Client) Answer(ctx context.Context, question string, context_ string, language domain.Language, priorPairs []domain.QAPair) (AnswerResult, error) {
	start := time.Now()

	systemPrompt := buildSystemPrompt(language)
	userPrompt := buildAnswerPrompt(question, context_, priorPairs)

	req := &geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: userPrompt}}}},
		GenerationConfig:  &generationConfig{Temperature: 0.3, MaxOutputTokens: 1024},
	}

	resp, err := c.call(ctx, req)
	if err != nil {
		return AnswerResult{}, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return AnswerResult{}, fmt.Errorf("%w: empty candidate list", domain.ErrMalformed)
	}
	if resp.Candidates[0].FinishReason == "SAFETY" {
		return AnswerResult{}, domain.ErrSafetyBlocked
	}

	answer := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	detected := language
	if language == domain.LanguageAuto {
		detected = domain.DetectLanguage(answer)
	}

	return AnswerResult{
		Answer:           answer,
		Confidence:       calculateConfidence(question, answer),
		LanguageDetected: detected,
		ModelID:          c.model,
		ElapsedMS:        time.Since(start).Milliseconds(),
	}, nil
}

// GenerateVariants asks the model for up to n paraphrases of question.
// Failures are non-fatal: an empty slice is a valid, acceptable result.
func (c *Client) GenerateVariants(ctx context.Context, question string, n int) []string {
	prompt := fmt.Sprintf(
		"Generate %d different paraphrased versions of this question, preserving its exact meaning. "+
			"Return only a JSON array of strings, nothing else.\n\nQuestion: %s", n, question,
	)
	req := &geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &generationConfig{Temperature: 0.7, MaxOutputTokens: 512},
	}

	resp, err := c.call(ctx, req)
	if err != nil || len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil
	}

	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	variants := parseVariants(text)
	if len(variants) > n {
		variants = variants[:n]
	}
	return variants
}

// ExtractedQA is one candidate question/answer pair mined from an article.
type ExtractedQA struct {
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Keywords   []string `json:"keywords"`
	Confidence float64  `json:"confidence"`
}

// ExtractQAPairs asks the model to mine up to maxPairs question/answer pairs
// out of an article's content. Returns an empty slice, never an error, when
// the model's response fails to parse as strict JSON — a malformed response
// here costs one article, not the whole ingestion cycle.
func (c *Client) ExtractQAPairs(ctx context.Context, title, content string, maxPairs int) ([]ExtractedQA, error) {
	prompt := fmt.Sprintf(
		"Read this news article and produce up to %d question/answer pairs a reader "+
			"might ask about it. Return only a JSON array of objects with fields "+
			"\"question\", \"answer\", \"keywords\" (array of strings), and \"confidence\" "+
			"(0 to 1), nothing else.\n\nTitle: %s\n\nContent: %s", maxPairs, title, content,
	)
	req := &geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &generationConfig{Temperature: 0.2, MaxOutputTokens: 2048},
	}

	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, nil
	}

	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	pairs, ok := parseExtractedQA(text)
	if !ok {
		return nil, nil
	}
	if len(pairs) > maxPairs {
		pairs = pairs[:maxPairs]
	}
	return pairs, nil
}

func parseExtractedQA(text string) ([]ExtractedQA, bool) {
	var pairs []ExtractedQA
	if err := json.Unmarshal([]byte(text), &pairs); err == nil {
		return pairs, true
	}
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start == -1 || end == -1 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &pairs); err != nil {
		return nil, false
	}
	return pairs, true
}

// HealthResult reports LLM provider reachability and quota state.
type HealthResult struct {
	Reachable  bool
	QuotaState QuotaState
}

// Health performs a minimal generateContent call to confirm connectivity.
func (c *Client) Health(ctx context.Context) HealthResult {
	req := &geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: "ping"}}}},
		GenerationConfig: &generationConfig{MaxOutputTokens: 4},
	}
	_, err := c.call(ctx, req)
	return HealthResult{
		Reachable:  err == nil,
		QuotaState: c.currentQuotaState(),
	}
}

// QuotaState reports the provider's last observed quota state without
// making a call, so callers on the hot path can skip generation entirely
// when quota is known-exhausted instead of burning a call to find out.
func (c *Client) QuotaState() QuotaState {
	return c.currentQuotaState()
}

func (c *Client) currentQuotaState() QuotaState {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	if c.quotaState == QuotaExhausted && time.Now().After(c.quotaUntil) {
		return QuotaOK
	}
	return c.quotaState
}

func (c *Client) setQuotaExhausted(ttl time.Duration) {
	c.quotaMu.Lock()
	c.quotaState = QuotaExhausted
	c.quotaUntil = time.Now().Add(ttl)
	c.quotaMu.Unlock()
}

func (c *Client) call(ctx context.Context, req *geminiRequest) (*geminiResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrMalformed, err)
	}

	base, err := url.Parse(strings.TrimSuffix(c.baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", domain.ErrUnavailable, err)
	}
	base.Path = base.Path + "/" + c.apiVersion + "/models/" + url.PathEscape(c.model) + ":generateContent"
	q := base.Query()
	q.Set("key", c.apiKey)
	base.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp geminiResponse
	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return werr
		}
		httpResp, derr := c.http.Do(httpReq)
		if derr != nil {
			if ctx.Err() != nil {
				return domain.ErrCancelled
			}
			return fmt.Errorf("%w: %v", domain.ErrUnavailable, derr)
		}
		defer httpResp.Body.Close()

		respBody, rerr := io.ReadAll(httpResp.Body)
		if rerr != nil {
			return fmt.Errorf("%w: read response: %v", domain.ErrUnavailable, rerr)
		}
		if httpResp.StatusCode != http.StatusOK {
			return c.mapError(httpResp.StatusCode, respBody)
		}
		if uerr := json.Unmarshal(respBody, &resp); uerr != nil {
			return fmt.Errorf("%w: unmarshal response: %v", domain.ErrMalformed, uerr)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
		}
		return nil, err
	}
	return &resp, nil
}

func (c *Client) mapError(statusCode int, body []byte) error {
	var errResp geminiErrorBody
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	switch statusCode {
	case http.StatusTooManyRequests:
		c.setQuotaExhausted(60 * time.Second)
		return fmt.Errorf("%w: %s", domain.ErrQuotaExhausted, message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnavailable, message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrMalformed, message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrUnavailable, message)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUnavailable, statusCode, message)
	}
}

func buildSystemPrompt(language domain.Language) string {
	switch language {
	case domain.LanguageAr:
		return "أنت مساعد يجيب على الأسئلة المتعلقة بسوريا بدقة وإيجاز."
	default:
		return "You are an assistant answering questions about Syria accurately and concisely."
	}
}

func buildAnswerPrompt(question, contextText string, priorPairs []domain.QAPair) string {
	var b strings.Builder
	if contextText != "" {
		b.WriteString("Context:\n")
		b.WriteString(contextText)
		b.WriteString("\n\n")
	}
	for i, p := range priorPairs {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "Related Q: %s\nRelated A: %s\n\n", p.QuestionText, p.AnswerText)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// calculateConfidence is a deterministic function of answer length and
// question/answer token overlap — never an LLM-reported field.
func calculateConfidence(question, answer string) float64 {
	confidence := 0.8
	switch {
	case len(answer) > 100:
		confidence += 0.1
	case len(answer) < 50:
		confidence -= 0.1
	}

	qWords := wordSet(question)
	aWords := wordSet(answer)
	if len(qWords) > 0 {
		overlap := 0
		for w := range qWords {
			if aWords[w] {
				overlap++
			}
		}
		relevance := float64(overlap) / float64(len(qWords))
		confidence += relevance * 0.1
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

// parseVariants parses a JSON array of strings, falling back to
// line-splitting with numbering/quote-stripping if the model didn't return
// strict JSON.
func parseVariants(text string) []string {
	var variants []string
	if err := json.Unmarshal([]byte(text), &variants); err == nil {
		return cleanVariants(variants)
	}

	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start != -1 && end != -1 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &variants); err == nil {
			return cleanVariants(variants)
		}
	}

	lines := strings.Split(text, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = stripLeadingOrdinal(line)
		line = strings.Trim(line, `"'`)
		if line != "" {
			variants = append(variants, line)
		}
	}
	return cleanVariants(variants)
}

func stripLeadingOrdinal(line string) string {
	i := 0
	for i < len(line) && (line[i] >= '0' && line[i] <= '9') {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		line = strings.TrimSpace(line[i+1:])
	}
	line = strings.TrimPrefix(line, "- ")
	return line
}

func cleanVariants(variants []string) []string {
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
