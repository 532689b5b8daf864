package enrich

import (
	"context"
	"unicode"

	"markerengine/internal/types"
)

// Whitespace is the zero-dependency enrichment backend: tokens are
// maximal runs of non-space bytes, the whole text is a single sentence,
// and no entities or sentiment are produced.
type Whitespace struct{}

func (Whitespace) Enrich(ctx context.Context, text string) (*types.Enrichment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Whitespace{}.annotate(text), nil
}

func (Whitespace) annotate(text string) *types.Enrichment {
	e := &types.Enrichment{
		Tokens:   Tokenize(text),
		Entities: []types.Entity{},
		Provider: ProviderWhitespace,
	}
	e.Sentences = []types.Sentence{{Text: text, Start: 0, End: len(text)}}
	return e
}

// Tokenize splits text on unicode whitespace, preserving byte offsets.
func Tokenize(text string) []types.Token {
	var tokens []types.Token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, types.Token{Text: text[start:i], Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, types.Token{Text: text[start:], Start: start, End: len(text)})
	}
	return tokens
}
