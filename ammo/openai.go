package ammo

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

type OpenAICapability struct {
	client *openai.Client
	model  string
}

func NewOpenAICapability(apiKey, model string) *OpenAICapability {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAICapability{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

func (o *OpenAICapability) Complete(
	ctx context.Context,
	system, user string,
) (string, error) {
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       o.model,
			MaxTokens:   1024,
			Temperature: 0.2,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: system,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: user,
				},
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}
