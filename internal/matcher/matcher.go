// Package matcher implements the initial detection phase: locating
// atomic markers in raw text by example keywords, regex patterns, and
// token-overlap similarity, in that order of preference.
package matcher

import (
	"sort"
	"strings"

	"markerengine/internal/registry"
	"markerengine/internal/types"
)

// DefaultSimilarityThreshold is the minimum token-overlap ratio for a
// similarity detection when no threshold is configured.
const DefaultSimilarityThreshold = 0.6

// Scan runs the initial phase over text against every atomic marker of
// the snapshot that participates in schemaID. For each marker the first
// matching method wins: exact keyword containment, then regex, then
// similarity. Results are ordered by marker id, then by span start.
func Scan(text string, reg *registry.Registry, schemaID string, threshold float64) []types.DetectedMarker {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	lowerText := strings.ToLower(text)
	textTokens := tokenSet(lowerText)

	var out []types.DetectedMarker
	for _, id := range reg.Atomic() {
		m, ok := reg.Get(id)
		if !ok || !registry.InSchema(m, schemaID) {
			continue
		}
		if hits := keywordSpans(lowerText, m.Examples); len(hits) > 0 {
			out = append(out, detections(m, hits, m.BaseConfidence())...)
			continue
		}
		if m.Pattern != "" {
			if re, ok := reg.Pattern(m.Pattern); ok {
				if locs := re.FindAllStringIndex(text, -1); len(locs) > 0 {
					spans := make([][2]int, 0, len(locs))
					for _, loc := range locs {
						spans = append(spans, [2]int{loc[0], loc[1]})
					}
					out = append(out, detections(m, spans, m.BaseConfidence())...)
					continue
				}
			}
		}
		// Similarity confidence is the overlap ratio itself;
		// confidence_default applies to exact and regex hits only.
		if ratio := bestSimilarity(textTokens, m.Examples); ratio >= threshold {
			out = append(out, types.DetectedMarker{
				MarkerID:       m.ID,
				Confidence:     clamp(ratio),
				DetectionPhase: types.PhaseInitial,
			})
		}
	}
	return out
}

func detections(m *types.MarkerDefinition, spans [][2]int, conf float64) []types.DetectedMarker {
	out := make([]types.DetectedMarker, 0, len(spans))
	for _, s := range spans {
		out = append(out, types.DetectedMarker{
			MarkerID:       m.ID,
			Confidence:     clamp(conf),
			DetectionPhase: types.PhaseInitial,
			Position:       &types.Position{Start: s[0], End: s[1], SentenceIndex: -1},
		})
	}
	return out
}

// keywordSpans finds every non-overlapping occurrence of each example as
// a case-insensitive substring. Overlapping spans from different
// examples are merged down to distinct occurrences.
func keywordSpans(lowerText string, examples []string) [][2]int {
	var spans [][2]int
	for _, ex := range examples {
		needle := strings.ToLower(strings.TrimSpace(ex))
		if needle == "" {
			continue
		}
		from := 0
		for {
			i := strings.Index(lowerText[from:], needle)
			if i < 0 {
				break
			}
			start := from + i
			spans = append(spans, [2]int{start, start + len(needle)})
			from = start + len(needle)
		}
	}
	if len(spans) <= 1 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] > spans[j][1]
	})
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s[0] < last[1] {
			if s[1] > last[1] {
				last[1] = s[1]
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// bestSimilarity returns the highest token-overlap ratio between the
// text and any example, normalized by the example's token count.
func bestSimilarity(textTokens map[string]struct{}, examples []string) float64 {
	best := 0.0
	for _, ex := range examples {
		exTokens := strings.Fields(strings.ToLower(ex))
		if len(exTokens) == 0 {
			continue
		}
		hits := 0
		for _, t := range exTokens {
			if _, ok := textTokens[t]; ok {
				hits++
			}
		}
		if r := float64(hits) / float64(len(exTokens)); r > best {
			best = r
		}
	}
	return best
}

func tokenSet(lowerText string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, t := range strings.Fields(lowerText) {
		set[strings.Trim(t, ".,!?;:\"'()[]")] = struct{}{}
	}
	return set
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
