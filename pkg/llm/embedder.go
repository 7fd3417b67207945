package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
	"github.com/xhad/papyrus/pkg/retry"
)

type EmbedderConfig struct {
	Model     string
	BaseURL   string  // Ollama server URL
	BatchSize int     // provider batch limit per request
	VectorDim int     // expected embedding dimensionality
	RateLimit float64 // provider requests per second
	Timeout   time.Duration
	Retry     retry.Policy
}

// Embedder batches and retries embedding requests against a single
// underlying model, so chunk and query vectors live in the same metric
// space. A batch either fully succeeds or fails as a unit; the output
// keeps 1:1 index correspondence with the input texts.
type Embedder struct {
	config   EmbedderConfig
	provider types.EmbeddingProvider
	limiter  *rate.Limiter
}

// NewEmbedder wraps an explicit provider. Passing the provider in (rather
// than reading ambient config) is what lets tests swap in doubles.
func NewEmbedder(config EmbedderConfig, provider types.EmbeddingProvider) (*Embedder, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: embedding provider is required", models.ErrConfiguration)
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.BatchSize < 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", models.ErrConfiguration)
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.Default()
	}

	return &Embedder{
		config:   config,
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// NewOllamaEmbedder builds an Embedder over a langchaingo Ollama client.
func NewOllamaEmbedder(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	provider, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}
	return NewEmbedder(config, provider)
}

func (e *Embedder) Dimension() int {
	return e.config.VectorDim
}

// EmbedBatch embeds texts in provider-sized batches. Transient provider
// failures are retried with backoff; on exhaustion the whole call fails
// with ErrProviderUnavailable and no partial result.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedOne(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EmbedQuery embeds a single query text with the same model as EmbedBatch.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedOne(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) embedOne(ctx context.Context, batch []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vectors [][]float32
	err := e.config.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		out, err := e.provider.CreateEmbedding(callCtx, batch)
		if err != nil {
			return err
		}
		vectors = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding failed after %d attempts: %v",
			models.ErrProviderUnavailable, e.config.Retry.MaxAttempts, err)
	}

	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts",
			models.ErrProviderUnavailable, len(vectors), len(batch))
	}
	for i, vec := range vectors {
		if len(vec) != e.config.VectorDim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d",
				models.ErrDimensionMismatch, i, len(vec), e.config.VectorDim)
		}
	}
	return vectors, nil
}
