package llm

import (
	"context"
	"fmt"

	"memochat/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// New builds the model selected by cfg.Model.
func New(ctx context.Context, cfg *config.Config) (Model, error) {
	chat, err := NewChatModel(ctx, cfg.Model.Provider, cfg.Model.Model, cfg.Providers)
	if err != nil {
		return nil, err
	}
	return FromEino(chat), nil
}

// NewChatModel constructs the eino chat model for provider. An empty
// modelType falls back to the provider's configured default.
func NewChatModel(ctx context.Context, provider, modelType string, providers map[string]config.ProviderConfig) (model.BaseChatModel, error) {
	provCfg, ok := providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelType == "" {
		modelType = provCfg.Model
	}
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key required", provider)
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}
