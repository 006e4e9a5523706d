package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/retry"
)

const (
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultDeepSeekModel  = "deepseek-chat"
	defaultDeepSeekURL    = "https://api.deepseek.com/v1"
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	defaultGeminiModel    = "gemini-2.0-flash"
)

// New builds the scorer selected by cfg.Provider. An empty provider or a missing key
// selects the heuristic scorer.
func New(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (Scorer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := strings.ToLower(cfg.Provider)
	if provider == "" || provider == "heuristic" || cfg.APIKey == "" {
		logger.Info("using heuristic scorer")
		return Heuristic{}, nil
	}
	policy := retry.Default().WithAttempts(cfg.MaxAttempts)

	var (
		c   Completer
		err error
	)
	switch provider {
	case "openai":
		c = NewOpenAI(cfg.APIKey, cfg.BaseURL, orDefault(cfg.Model, defaultOpenAIModel), cfg.MaxTokens, policy)
	case "deepseek":
		c = NewOpenAI(cfg.APIKey, orDefault(cfg.BaseURL, defaultDeepSeekURL), orDefault(cfg.Model, defaultDeepSeekModel), cfg.MaxTokens, policy)
	case "anthropic":
		c = NewAnthropic(cfg.APIKey, cfg.BaseURL, orDefault(cfg.Model, defaultAnthropicModel), cfg.MaxTokens, policy)
	case "gemini":
		c, err = NewGemini(ctx, cfg.APIKey, orDefault(cfg.Model, defaultGeminiModel), policy)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		c = timeoutCompleter{next: c, timeout: cfg.Timeout}
	}
	logger.Info("using ai scorer", zap.String("provider", provider))
	return NewAIScorer(c, logger), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type timeoutCompleter struct {
	next    Completer
	timeout time.Duration
}

func (t timeoutCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Complete(ctx, prompt)
}

// OpenAI completes prompts through the chat completions API. It also serves
// OpenAI-compatible providers such as DeepSeek through a custom base URL.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int64
	retry     retry.Policy
}

// NewOpenAI builds an OpenAI completer.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int, policy retry.Policy) *OpenAI {
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &OpenAI{client: &client, model: model, maxTokens: int64(maxTokens), retry: policy}
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are an expert Amazon product analyst. Answer with JSON only."),
			openai.UserMessage(prompt),
		},
		MaxTokens:   openai.Int(o.maxTokens),
		Temperature: openai.Float(0.1),
	}
	var text string
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := o.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return fmt.Errorf("openai request failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(fmt.Errorf("%w: no choices", ErrMalformedResponse))
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	return text, err
}

// Anthropic completes prompts through the Messages API.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	retry     retry.Policy
}

// NewAnthropic builds an Anthropic completer.
func NewAnthropic(apiKey, baseURL, model string, maxTokens int, policy retry.Policy) *Anthropic {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{client: &client, model: model, maxTokens: int64(maxTokens), retry: policy}
}

// Complete implements Completer.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	var text string
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return fmt.Errorf("anthropic request failed: %w", err)
		}
		var b strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		text = b.String()
		return nil
	})
	return text, err
}

// Gemini completes prompts through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	retry  retry.Policy
}

// NewGemini builds a Gemini completer.
func NewGemini(ctx context.Context, apiKey, model string, policy retry.Policy) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, retry: policy}, nil
}

var errContentBlocked = errors.New("content blocked by safety filters")

// Complete implements Completer.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}}
	var text string
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
		if err != nil {
			return fmt.Errorf("gemini request failed: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return retry.Permanent(fmt.Errorf("%w: no content generated", ErrMalformedResponse))
		}
		if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return retry.Permanent(errContentBlocked)
		}
		var b strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
		text = b.String()
		return nil
	})
	return text, err
}
