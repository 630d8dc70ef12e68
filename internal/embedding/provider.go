package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"github.com/openai/openai-go"
	"google.golang.org/api/googleapi"
)

const (
	// OpenAIModel is the primary embedding model.
	OpenAIModel = "text-embedding-3-large"

	// GeminiModel is the secondary embedding model.
	GeminiModel = "gemini-embedding-001"
)

// Provider turns one text into one embedding vector.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIProvider generates embeddings with OpenAI's embeddings endpoint.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dimension int
}

// NewOpenAIProvider creates a provider requesting vectors of the given dimension.
// An empty model selects OpenAIModel.
func NewOpenAIProvider(client *openai.Client, model string, dimension int) *OpenAIProvider {
	if model == "" {
		model = OpenAIModel
	}
	return &OpenAIProvider{client: client, model: model, dimension: dimension}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Embed calls the embeddings endpoint once. Retries are the caller's decision.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
		Model: openai.EmbeddingModel(p.model),
	}
	if p.dimension > 0 {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyResponse
	}

	return toFloat32(resp.Data[0].Embedding), nil
}

// IsRateLimitError checks if the error is a rate limit error (HTTP 429) from
// either provider.
func IsRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusTooManyRequests
	}
	var coded interface{ HTTPCode() int }
	if errors.As(err, &coded) {
		return coded.HTTPCode() == http.StatusTooManyRequests
	}
	return false
}

// Provider call outcomes recorded on the provider-call counter.
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

func callOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsRateLimitError(err):
		return OutcomeRateLimited
	default:
		return OutcomeError
	}
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

// GeminiProvider generates embeddings with the Google Generative AI embedding model.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a provider on client. An empty model selects GeminiModel.
func NewGeminiProvider(client *genai.Client, model string) *GeminiProvider {
	if model == "" {
		model = GeminiModel
	}
	return &GeminiProvider{client: client, model: model}
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Embed calls the embedding model once.
func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.client.EmbeddingModel(p.model)
	resp, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embeddings: %w", err)
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Embedding.Values, nil
}
