package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sandevgo/memoria/internal/config"
	"github.com/sandevgo/memoria/internal/core"
)

const systemPrompt = `You are Memoria, a conversational assistant with long-term memory.
Blocks marked [memory ...] are excerpts of earlier conversation retrieved for context;
use them when they are relevant and ignore them when they are not.
Answer in the language of the user's message.`

// OpenAI generates replies from an assembled context window. Reply
// generation sits outside the memory core; only the transport calls it.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(cfg *config.OpenAIConfig) *OpenAI {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(c),
		model:  cfg.ChatModel,
	}
}

func (p *OpenAI) Generate(ctx context.Context, window core.ContextWindow, userText string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if rendered := window.Render(); rendered != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Conversation context:\n" + rendered,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
