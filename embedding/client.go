// Package embedding implements the embedding provider (C1): text-to-vector
// conversion against a Gemini-style embedContent HTTP API, with sub-batching
// and a standalone cosine-similarity helper.
package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/syriaqa/qapipeline/domain"
	"github.com/syriaqa/qapipeline/internal/fn"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com"
	defaultAPIVersion = "v1beta"
	defaultModel      = "models/embedding-001"
	// defaultSubBatchWorkers bounds how many embed calls run concurrently
	// within one BatchEmbed call.
	defaultSubBatchWorkers = 5
)

// Config configures the embedding client.
type Config struct {
	APIKey         string
	BaseURL        string
	APIVersion     string
	Model          string
	OutputDim      int
	SubBatchWorker int
	HTTPClient     *http.Client
}

// Client is the sole owner of all embedding-provider HTTP calls.
type Client struct {
	apiKey      string
	baseURL     string
	apiVersion  string
	model       string
	outputDim   int
	subBatchers int
	http        *http.Client
}

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
	if cfg.OutputDim == 0 {
		cfg.OutputDim = domain.EmbeddingDim
	}
	if cfg.SubBatchWorker == 0 {
		cfg.SubBatchWorker = defaultSubBatchWorkers
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		apiVersion:  cfg.APIVersion,
		model:       cfg.Model,
		outputDim:   cfg.OutputDim,
		subBatchers: cfg.SubBatchWorker,
		http:        cfg.HTTPClient,
	}
}

type embedContentRequest struct {
	Content embedContentPart `json:"content"`
}

type embedContentPart struct {
	Parts []embedTextPart `json:"parts"`
}

type embedTextPart struct {
	Text string `json:"text"`
}

type embedContentResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type embedErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed converts a single text into a fixed-dimension vector. Empty input is
// rejected rather than silently embedded as a zero vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", domain.ErrValidation)
	}

	req := &embedContentRequest{Content: embedContentPart{Parts: []embedTextPart{{Text: text}}}}
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	vec := resp.Embedding.Values
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", domain.ErrMalformed)
	}
	return resizeVector(vec, c.outputDim), nil
}

// BatchEmbed embeds every text with bounded concurrency. A single failure
// fails the whole call, mirroring the provider's all-or-nothing batch
// semantics.
func (c *Client) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	stage := fn.BatchStage(c.subBatchers, func(ctx context.Context, text string) fn.Result[[]float32] {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return fn.Err[[]float32](err)
		}
		return fn.Ok(vec)
	})
	result := stage(ctx, texts)
	if result.IsErr() {
		_, err := result.Unwrap()
		return nil, err
	}
	vecs, _ := result.Unwrap()
	return vecs, nil
}

// HealthResult reports embedding provider reachability.
type HealthResult struct {
	Reachable bool
	Dimension int
}

// Health performs a minimal embed call to confirm connectivity and observe
// the live embedding dimension.
func (c *Client) Health(ctx context.Context) HealthResult {
	vec, err := c.Embed(ctx, "health check")
	if err != nil {
		return HealthResult{Reachable: false}
	}
	return HealthResult{Reachable: true, Dimension: len(vec)}
}

func (c *Client) call(ctx context.Context, req *embedContentRequest) (*embedContentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrMalformed, err)
	}

	base, err := url.Parse(strings.TrimSuffix(c.baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", domain.ErrUnavailable, err)
	}
	base.Path = base.Path + "/" + c.apiVersion + "/" + c.model + ":embedContent"
	q := base.Query()
	q.Set("key", c.apiKey)
	base.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrUnavailable, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapError(httpResp.StatusCode, respBody)
	}

	var resp embedContentResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrMalformed, err)
	}
	return &resp, nil
}

func mapError(statusCode int, body []byte) error {
	var errResp embedErrorBody
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	switch statusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, message)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrOversize, message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrMalformed, message)
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrUnavailable, message)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUnavailable, statusCode, message)
	}
}

// resizeVector truncates or zero-pads vec to exactly dim entries.
func resizeVector(vec []float32, dim int) []float32 {
	if dim <= 0 || len(vec) == dim {
		return vec
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out
}

// CosineSimilarity returns the cosine similarity of a and b, truncating to
// the shorter length on dimension mismatch and returning 0 for a zero-norm
// input rather than dividing by zero.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
