package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
)

// DefaultCompletionTimeout bounds one completion call.
const DefaultCompletionTimeout = 60 * time.Second

// ErrEmptyCompletion is returned when the model produced no text.
var ErrEmptyCompletion = errors.New("completion returned no content")

// CompletionRequest is one system+user prompt exchange.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSON        bool // Ask for a JSON object response
}

// ErrNoCompleter is returned by UnavailableCompleter.
var ErrNoCompleter = errors.New("no completion provider configured")

// Completer produces text from a prompt.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// UnavailableCompleter fails every request, so the generator falls back to
// its placeholders. Used when no OpenAI key is configured.
type UnavailableCompleter struct{}

func (UnavailableCompleter) Complete(context.Context, CompletionRequest) (string, error) {
	return "", ErrNoCompleter
}

// OpenAICompleter runs completions against the OpenAI chat completions API.
type OpenAICompleter struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAICompleter creates a completer. An empty model selects GPT-4o.
func NewOpenAICompleter(client *openai.Client, model string, timeout time.Duration) *OpenAICompleter {
	if model == "" {
		model = string(openai.ChatModelGPT4o)
	}
	if timeout <= 0 {
		timeout = DefaultCompletionTimeout
	}
	return &OpenAICompleter{client: client, model: model, timeout: timeout}
}

func (c *OpenAICompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		},
		Model: openai.ChatModel(c.model),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
