package script

import (
	"context"
	"fmt"

	"slidegen/internal/domain"
	"slidegen/internal/providers/genai"
)

// Gemini generates narration through the Gemini text client.
type Gemini struct {
	client *genai.Client
}

func NewGemini(client *genai.Client) *Gemini {
	return &Gemini{client: client}
}

func (g *Gemini) GenerateScript(ctx context.Context, req Request) (string, error) {
	if g == nil || !g.client.Configured() {
		return "", fmt.Errorf("script gemini: %w", domain.ErrNotConfigured)
	}
	text, err := g.client.GenerateText(ctx, genai.TextRequest{
		System:      systemPrompt,
		Prompt:      BuildPrompt(req),
		Temperature: 0.6,
		MaxTokens:   512,
	})
	if err != nil {
		return "", fmt.Errorf("script gemini: %w", err)
	}
	text = cleanScript(text)
	if text == "" {
		return "", fmt.Errorf("script gemini: %w: blank narration", domain.ErrProviderFailure)
	}
	return text, nil
}

var _ Generator = (*Gemini)(nil)
