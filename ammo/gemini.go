package ammo

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiCapability struct {
	client *genai.Client
	model  string
}

func NewGeminiCapability(
	ctx context.Context,
	apiKey, model string,
) (*GeminiCapability, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-pro"
	}
	return &GeminiCapability{client: client, model: model}, nil
}

func (g *GeminiCapability) Complete(
	ctx context.Context,
	system, user string,
) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.GenerationConfig.SetTemperature(0.2)
	model.GenerationConfig.SetMaxOutputTokens(1024)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(system)},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(user))
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	if text.Len() == 0 {
		return "", fmt.Errorf("Gemini returned no text candidates")
	}

	return text.String(), nil
}

func (g *GeminiCapability) Close() error {
	return g.client.Close()
}
