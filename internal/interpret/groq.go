package interpret

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// GroqClient calls the Groq Chat Completions API (OpenAI-compatible).
// See: https://console.groq.com/docs/api-reference
type GroqClient struct {
	http    *http.Client
	apiKey  string
	model   string
	baseURL string
}

func NewGroqClient(apiKey, model string, timeout time.Duration) *GroqClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GroqClient{
		http:    &http.Client{Timeout: timeout},
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.groq.com/openai/v1/chat/completions",
	}
}

func (g *GroqClient) Name() string { return "Groq:" + g.model }
func (g *GroqClient) Close() error { return nil }

type groqChatReq struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
}
type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
type groqChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *GroqClient) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody := groqChatReq{
		Model:    g.model,
		Messages: []groqMessage{{Role: "user", Content: prompt}},
	}
	b, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New("groq: unexpected status " + resp.Status)
	}
	var out groqChatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyOutput
	}
	return out.Choices[0].Message.Content, nil
}
