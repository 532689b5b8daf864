package interpret

import (
	"context"
	"time"

	genai "google.golang.org/genai"
)

// GeminiClient wraps the official genai client. The API key is read
// from the environment by the SDK (GEMINI_API_KEY / GOOGLE_API_KEY).
type GeminiClient struct {
	cli   *genai.Client
	model string
}

func NewGeminiClient(ctx context.Context, model string) (*GeminiClient, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &GeminiClient{cli: cli, model: model}, nil
}

func (g *GeminiClient) Name() string { return "Gemini:" + g.model }
func (g *GeminiClient) Close() error { return nil }

func (g *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := g.cli.Models.GenerateContent(ctx, g.model,
			[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
			nil,
		)
		if err != nil {
			lastErr = err
		} else if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
			len(resp.Candidates[0].Content.Parts) == 0 {
			lastErr = ErrEmptyOutput
		} else {
			return resp.Candidates[0].Content.Parts[0].Text, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(300*(1<<attempt)) * time.Millisecond):
		}
	}
	return "", lastErr
}
