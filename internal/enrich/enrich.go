// Package enrich produces linguistic annotations (tokens, sentences,
// entities) for analyzed text. A remote backend does real NLP; the
// whitespace backend is the always-available degraded shape.
package enrich

import (
	"context"
	"time"

	"markerengine/internal/config"
	"markerengine/internal/types"
)

// ProviderRemote and ProviderWhitespace identify enrichment backends in
// the Enrichment.Provider field. Analysis counts as NLP-enriched only
// when the remote provider succeeded.
const (
	ProviderRemote     = "remote"
	ProviderWhitespace = "whitespace"
)

// Enricher annotates one text.
type Enricher interface {
	Enrich(ctx context.Context, text string) (*types.Enrichment, error)
}

// New builds the configured enricher: the remote backend when an
// endpoint is set, otherwise the whitespace backend.
func New(cfg config.NLPConfig) Enricher {
	if cfg.Endpoint != "" {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return NewRemote(cfg.Endpoint, timeout)
	}
	return Whitespace{}
}

// Fallback returns the degraded enrichment shape for text: whitespace
// tokens, the whole text as one sentence, no entities, no sentiment.
func Fallback(text string) *types.Enrichment {
	e := Whitespace{}.annotate(text)
	return e
}
