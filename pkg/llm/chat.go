package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/xhad/papyrus/internal/models"
)

// ChatConfig represents the configuration for the chat completion model.
type ChatConfig struct {
	Model       string
	BaseURL     string // Ollama server URL
	Temperature float64
	MaxTokens   int
}

// NewChatModel builds the single-shot completion model the chat engine
// drives. The returned llms.Model is the provider boundary; tests swap
// in fakes implementing the same interface.
func NewChatModel(config ChatConfig) (llms.Model, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("%w: temperature must be between 0 and 2", models.ErrConfiguration)
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max tokens cannot be negative", models.ErrConfiguration)
	}

	model, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}
	return model, nil
}
