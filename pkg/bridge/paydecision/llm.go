package paydecision

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Suggester produces the empathetic delinquency prompt for borrowers who are
// more than 15 days late. Swappable in tests; the canned fallback keeps the
// decision walk deterministic when no model is configured.
type Suggester interface {
	Suggest(ctx context.Context, prompt string) (string, error)
}

const cannedReasonPrompt = "I understand that sometimes unexpected circumstances can make it difficult to stay current with payments. " +
	"Could you share what led to this situation? This information helps us work together to find the best path forward for you."

// CannedSuggester returns the fixed fallback wording.
type CannedSuggester struct{}

func (CannedSuggester) Suggest(context.Context, string) (string, error) {
	return cannedReasonPrompt, nil
}

// GenAISuggester asks a Gemini model for the wording, falling back to the
// canned prompt on any failure.
type GenAISuggester struct {
	client *genai.Client
	model  string
}

func NewGenAISuggester(ctx context.Context, apiKey, model string) (*GenAISuggester, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAISuggester{client: client, model: model}, nil
}

func (s *GenAISuggester) Suggest(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), nil)
	if err != nil {
		return cannedReasonPrompt, nil
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return cannedReasonPrompt, nil
	}
	return text, nil
}
