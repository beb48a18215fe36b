// Package generate answers composed prompts with a generative language model
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/mistral"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Supported providers
const (
	ProviderGoogleAI  = "googleai"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMistral   = "mistral"
	ProviderOllama    = "ollama"
)

// DefaultModels maps each provider to the model used when none is configured
var DefaultModels = map[string]string{
	ProviderGoogleAI:  "gemini-1.5-flash",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderMistral:   "mistral-small-latest",
	ProviderOllama:    "llama3.2",
}

// DefaultSafetyMarkers are matched case-insensitively against error text and
// stop reasons to detect a content-safety refusal
var DefaultSafetyMarkers = []string{"SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST"}

// ErrEmptyResponse is returned when the model produced no text and did not refuse
var ErrEmptyResponse = errors.New("generation returned an empty response")

// Answer is the model output. Refused marks a safety rejection, which is
// distinct from an empty successful answer
type Answer struct {
	Text    string
	Refused bool
}

// AnswerGenerator produces an answer for a prompt
type AnswerGenerator interface {
	Generate(ctx context.Context, prompt string) (Answer, error)
}

// Config selects and tunes the backing model. The API key is passed
// explicitly; nothing here reads the environment
type Config struct {
	Provider      string
	APIKey        string
	Model         string
	BaseURL       string
	Temperature   float64
	MaxTokens     int
	SafetyMarkers []string
}

// WithDefaults fills in the provider, model and safety markers
func (c *Config) WithDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderGoogleAI
	}
	if c.Model == "" {
		c.Model = DefaultModels[c.Provider]
	}
	if len(c.SafetyMarkers) == 0 {
		c.SafetyMarkers = DefaultSafetyMarkers
	}
}

// Generator adapts an llms.Model to AnswerGenerator
type Generator struct {
	model         llms.Model
	provider      string
	temperature   float64
	maxTokens     int
	safetyMarkers []string
}

// New builds a Generator for cfg.Provider
func New(ctx context.Context, cfg Config) (*Generator, error) {
	cfg.WithDefaults()

	model, err := newModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}
	return NewFromModel(model, cfg), nil
}

// NewFromModel wraps an existing model
func NewFromModel(model llms.Model, cfg Config) *Generator {
	cfg.WithDefaults()
	markers := make([]string, 0, len(cfg.SafetyMarkers))
	for _, m := range cfg.SafetyMarkers {
		if m = strings.TrimSpace(m); m != "" {
			markers = append(markers, strings.ToLower(m))
		}
	}
	return &Generator{
		model:         model,
		provider:      cfg.Provider,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		safetyMarkers: markers,
	}
}

// Provider returns the configured provider name
func (g *Generator) Provider() string {
	return g.provider
}

func newModel(ctx context.Context, cfg Config) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderGoogleAI:
		if cfg.APIKey == "" {
			return nil, errors.New("API key is not set")
		}
		return googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
		)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("API key is not set")
		}
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.APIKey),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, errors.New("API key is not set")
		}
		opts := []anthropic.Option{
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(cfg.APIKey),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case ProviderMistral:
		if cfg.APIKey == "" {
			return nil, errors.New("API key is not set")
		}
		return mistral.New(
			mistral.WithModel(cfg.Model),
			mistral.WithAPIKey(cfg.APIKey),
		)
	case ProviderOllama:
		host := cfg.BaseURL
		if host == "" {
			host = "http://127.0.0.1:11434"
		}
		return ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(host),
		)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// Generate sends prompt as a single user message. A safety refusal is
// reported as Answer{Refused: true} with a nil error
func (g *Generator) Generate(ctx context.Context, prompt string) (Answer, error) {
	var opts []llms.CallOption
	if g.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(g.maxTokens))
	}
	if g.temperature > 0 {
		opts = append(opts, llms.WithTemperature(g.temperature))
	}

	completion, err := g.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, opts...)
	if err != nil {
		if g.isSafety(err.Error()) {
			return Answer{Refused: true}, nil
		}
		return Answer{}, fmt.Errorf("error getting response from LLM: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return Answer{}, ErrEmptyResponse
	}

	choice := completion.Choices[0]
	if g.isSafety(choice.StopReason) {
		return Answer{Refused: true}, nil
	}
	text := strings.TrimSpace(choice.Content)
	if text == "" {
		return Answer{}, ErrEmptyResponse
	}
	return Answer{Text: text}, nil
}

func (g *Generator) isSafety(s string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, m := range g.safetyMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
