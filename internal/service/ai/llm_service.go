package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"dario.cat/mergo"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/turnflow/internal/config"
	"github.com/zhouzirui/turnflow/internal/model/chat"
)

const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// ErrUnknownProvider is returned for targets naming an unregistered provider.
var ErrUnknownProvider = errors.New("unknown model provider")

// Request is one generation call.
type Request struct {
	Profile  chat.Profile
	Messages []chat.Message
	// Target is "provider:model"; a bare model uses the default provider and
	// an empty target uses the configured default.
	Target string
}

// Generator streams a response for a conversation.
type Generator interface {
	Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error)
}

// ModelFactory creates a chat model for one call. apiKey is empty unless the
// caller's profile supplies a credential for the provider.
type ModelFactory func(ctx context.Context, modelName, apiKey string) (model.BaseChatModel, error)

// GenerationOptions are the sampling parameters applied to a call.
type GenerationOptions struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Service encapsulates AI-powered chat functionality
type Service struct {
	mu        sync.RWMutex
	providers map[string]ModelFactory
	target    Target
	defaults  GenerationOptions
	prompts   *ProfilePromptBuilder
	log       zerolog.Logger
}

var _ Generator = (*Service)(nil)

// NewService creates the service with the ark and openai providers wired
// from cfg.
func NewService(cfg config.AIConfig, log zerolog.Logger) *Service {
	s := NewServiceWithProviders(nil, cfg.DefaultModel, GenerationOptions{
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	}, log)

	s.Register(ProviderArk, func(ctx context.Context, modelName, apiKey string) (model.BaseChatModel, error) {
		return cfg.NewChatModel(ctx, modelName, apiKey)
	})
	s.Register(ProviderOpenAI, func(_ context.Context, modelName, apiKey string) (model.BaseChatModel, error) {
		if apiKey == "" {
			apiKey = cfg.OpenAIAPIKey
		}
		return NewOpenAIChatModel(apiKey, cfg.OpenAIBaseURL, modelName)
	})

	if s.target.Model == "" && cfg.Model != "" {
		s.target = Target{Provider: ProviderArk, Model: cfg.Model}
	}
	return s
}

// NewServiceWithProviders creates a service from explicit factories.
func NewServiceWithProviders(providers map[string]ModelFactory, defaultTarget string, defaults GenerationOptions, log zerolog.Logger) *Service {
	s := &Service{
		providers: make(map[string]ModelFactory, len(providers)),
		target:    ParseTarget(defaultTarget, Target{Provider: ProviderArk}),
		defaults:  defaults,
		prompts:   NewProfilePromptBuilder(),
		log:       log.With().Str("component", "ai").Logger(),
	}
	for name, f := range providers {
		s.providers[name] = f
	}
	return s
}

// Register adds or replaces a provider.
func (s *Service) Register(name string, f ModelFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[name] = f
}

// Target identifies a provider and model.
type Target struct {
	Provider string
	Model    string
}

func (t Target) String() string {
	return t.Provider + ":" + t.Model
}

// ParseTarget parses "provider:model". Missing parts come from def.
func ParseTarget(raw string, def Target) Target {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	provider, modelName, ok := strings.Cut(raw, ":")
	if !ok {
		return Target{Provider: def.Provider, Model: raw}
	}
	if provider == "" {
		provider = def.Provider
	}
	if modelName == "" {
		modelName = def.Model
	}
	return Target{Provider: provider, Model: modelName}
}

// Stream starts generation. The returned reader yields message deltas and
// surfaces mid-stream failures from Recv.
func (s *Service) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	target := ParseTarget(req.Target, s.target)

	s.mu.RLock()
	factory, ok := s.providers[target.Provider]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, target.Provider)
	}

	chatModel, err := factory(ctx, target.Model, req.Profile.ProviderKeys[target.Provider])
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model %s: %w", target, err)
	}

	runnable, err := s.compile(ctx, chatModel)
	if err != nil {
		return nil, err
	}

	opts, err := s.options(req.Profile)
	if err != nil {
		return nil, err
	}

	stream, err := runnable.Stream(ctx, s.buildChainInput(req), compose.WithChatModelOption(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}

	s.log.Debug().Str("target", target.String()).Int("history", len(req.Messages)).Msg("generation started")
	return stream, nil
}

func (s *Service) compile(ctx context.Context, chatModel model.BaseChatModel) (compose.Runnable[map[string]any, *schema.Message], error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return runnable, nil
}

// options merges the profile's sampling preferences over the defaults.
func (s *Service) options(p chat.Profile) ([]model.Option, error) {
	merged := GenerationOptions{Temperature: p.Temperature, MaxTokens: p.MaxTokens}
	if err := mergo.Merge(&merged, s.defaults); err != nil {
		return nil, fmt.Errorf("merge generation options: %w", err)
	}

	var opts []model.Option
	if merged.Temperature != nil {
		opts = append(opts, model.WithTemperature(float32(*merged.Temperature)))
	}
	if merged.TopP != nil {
		opts = append(opts, model.WithTopP(float32(*merged.TopP)))
	}
	if merged.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*merged.MaxTokens))
	}
	return opts, nil
}

func (s *Service) buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  s.prompts.BuildSystemPrompt(req.Profile),
		"history": BuildHistory(req.Messages),
	}
}

// BuildHistory converts the transcript into model messages. Only user and
// finished assistant messages are sent; chunks and errors are UI artefacts.
func BuildHistory(messages []chat.Message) []*schema.Message {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch m := msg.(type) {
		case chat.UserMessage:
			history = append(history, schema.UserMessage(m.Content))
		case chat.AssistantMessage:
			history = append(history, schema.AssistantMessage(m.Content, nil))
		}
	}
	return history
}
