// Package interpret turns a finished analysis into a short natural
// language reading via an LLM, with a model fallback chain and a static
// template as the last resort.
package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"markerengine/internal/types"
)

// ErrEmptyOutput is returned when a model answers with no usable text.
var ErrEmptyOutput = errors.New("interpret: empty model output")

// Client is one text generation backend.
type Client interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
	Close() error
}

// Interpretation is the bridge output attached to a response.
type Interpretation struct {
	Text      string
	ModelUsed string
}

// Bridge tries each client in order and falls back to a static template
// when every model fails. ModelUsed is the winning client's name, or
// "none" for the template. The whole chain is bounded by timeout so a
// stalled model can never hold up the response.
type Bridge struct {
	clients []Client
	timeout time.Duration
}

func NewBridge(timeout time.Duration, clients ...Client) *Bridge {
	var active []Client
	for _, c := range clients {
		if c != nil {
			active = append(active, c)
		}
	}
	return &Bridge{clients: active, timeout: timeout}
}

func (b *Bridge) Close() error {
	var first error
	for _, c := range b.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Interpret produces a reading of the detections. It never returns an
// error: the static template always answers.
func (b *Bridge) Interpret(ctx context.Context, resp *types.AnalyzeResponse) Interpretation {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	prompt := buildPrompt(resp)
	for _, c := range b.clients {
		if ctx.Err() != nil {
			break
		}
		text, err := c.Generate(ctx, prompt)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		return Interpretation{Text: strings.TrimSpace(text), ModelUsed: c.Name()}
	}
	return Interpretation{Text: staticSummary(resp), ModelUsed: "none"}
}

func buildPrompt(resp *types.AnalyzeResponse) string {
	summary, _ := json.Marshal(struct {
		Markers    []types.DetectedMarker `json:"markers"`
		TotalScore float64                `json:"total_score"`
	}{resp.Markers, resp.TotalScore})
	return "You are a conversation analyst. Given the marker detections below, " +
		"write a short interpretation (2-3 sentences) of the communication patterns present. " +
		"Answer in plain prose, no lists.\n\n[DETECTIONS]\n" + string(summary)
}

// staticSummary is the deterministic last-resort interpretation.
func staticSummary(resp *types.AnalyzeResponse) string {
	if len(resp.Markers) == 0 {
		return "No markers were detected in the analyzed text."
	}
	counts := map[string]int{}
	for i := range resp.Markers {
		counts[resp.Markers[i].MarkerID]++
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := counts[id]; n > 1 {
			parts = append(parts, fmt.Sprintf("%s (%dx)", id, n))
		} else {
			parts = append(parts, id)
		}
	}
	return fmt.Sprintf("Detected %d marker(s): %s. Total score %.2f.",
		len(resp.Markers), strings.Join(parts, ", "), resp.TotalScore)
}
