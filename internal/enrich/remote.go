package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"markerengine/internal/types"
)

// Remote calls an external NLP service over HTTP. The service accepts
// {"text": ...} and returns tokens, sentences (with sentiment), and
// entities with byte offsets.
type Remote struct {
	endpoint string
	client   *http.Client
}

func NewRemote(endpoint string, timeout time.Duration) *Remote {
	return &Remote{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteResponse struct {
	Tokens    []types.Token    `json:"tokens"`
	Sentences []types.Sentence `json:"sentences"`
	Entities  []types.Entity   `json:"entities"`
}

func (r *Remote) Enrich(ctx context.Context, text string) (*types.Enrichment, error) {
	body, err := json.Marshal(remoteRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("enrich: remote status %d: %s", resp.StatusCode, string(b))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("enrich: decode remote response: %w", err)
	}

	e := &types.Enrichment{
		Tokens:    out.Tokens,
		Sentences: out.Sentences,
		Entities:  out.Entities,
		Provider:  ProviderRemote,
	}
	if e.Entities == nil {
		e.Entities = []types.Entity{}
	}
	// A response with no tokens is useless downstream; fall back to the
	// whitespace shape rather than propagating an empty annotation.
	if len(e.Tokens) == 0 {
		e.Tokens = Tokenize(text)
	}
	if len(e.Sentences) == 0 {
		e.Sentences = []types.Sentence{{Text: text, Start: 0, End: len(text)}}
	}
	return e, nil
}
