package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"reportbi/config"
)

// NewChatModel builds the chat model the SQL generator talks to. Any
// OpenAI-compatible endpoint works; the provider field only documents intent.
func NewChatModel(ctx context.Context, cfg config.Config) (model.ChatModel, error) {
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.ModelName,
		Timeout: time.Duration(cfg.LLMRequestTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eino chat model: %v", err)
	}
	return chatModel, nil
}
