package llm

import (
	"context"

	"github.com/comigor/jarvis-chat/internal/history"
	"github.com/sashabaranov/go-openai"
)

// Client is minimal subset of openai.Client used by the gateway; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator turns a full conversation into the model's next reply.
type Generator interface {
	Generate(ctx context.Context, h history.History) (string, error)
}
