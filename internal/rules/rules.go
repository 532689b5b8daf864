// Package rules evaluates activation rules for composed markers against
// the detections and enrichment accumulated so far in an analysis.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"markerengine/internal/registry"
	"markerengine/internal/types"
)

const negationRadius = 3

// defaultNegationCues covers the German corpus the rule set was written
// against plus common English cues.
var defaultNegationCues = []string{
	"nicht", "kein", "keine", "keinen", "keiner", "niemals", "nie",
	"nichts", "ohne", "not", "no", "never", "without", "n't",
}

var defaultUncertaintyCues = []string{
	"vielleicht", "eventuell", "möglicherweise", "wohl", "irgendwie",
	"maybe", "perhaps", "possibly", "probably", "somewhat",
}

var defaultEmphasisCues = []string{
	"sehr", "wirklich", "absolut", "total", "extrem", "unbedingt",
	"very", "really", "absolutely", "totally", "extremely",
}

// RuleEvaluationError marks one marker's rule evaluation as failed
// without aborting the contextual phase for the other markers.
type RuleEvaluationError struct {
	MarkerID string
	Err      error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rules: marker %s: %v", e.MarkerID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// Engine evaluates activation rules against one registry snapshot.
type Engine struct {
	reg             *registry.Registry
	negationCues    map[string]struct{}
	uncertaintyCues map[string]struct{}
	emphasisCues    map[string]struct{}
}

// Options override the built-in cue lists.
type Options struct {
	NegationCues    []string
	UncertaintyCues []string
	EmphasisCues    []string
}

func New(reg *registry.Registry, opts Options) *Engine {
	return &Engine{
		reg:             reg,
		negationCues:    cueSet(opts.NegationCues, defaultNegationCues),
		uncertaintyCues: cueSet(opts.UncertaintyCues, defaultUncertaintyCues),
		emphasisCues:    cueSet(opts.EmphasisCues, defaultEmphasisCues),
	}
}

func cueSet(override, def []string) map[string]struct{} {
	src := def
	if len(override) > 0 {
		src = override
	}
	set := make(map[string]struct{}, len(src))
	for _, c := range src {
		set[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return set
}

// Evaluate decides whether marker's activation rule is satisfied by the
// current analysis context. On success it returns the detection to
// append; satisfied=false with a nil error means the rule simply did not
// fire.
func (e *Engine) Evaluate(m *types.MarkerDefinition, ctx *types.AnalysisContext) (det types.DetectedMarker, satisfied bool, err error) {
	if m.Activation == nil {
		return det, false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &RuleEvaluationError{MarkerID: m.ID, Err: fmt.Errorf("panic: %v", r)}
			satisfied = false
		}
	}()

	res, evalErr := e.eval(m.Activation, ctx)
	if evalErr != nil {
		return det, false, &RuleEvaluationError{MarkerID: m.ID, Err: evalErr}
	}
	if !res.ok {
		return det, false, nil
	}

	conf := res.confidence
	if len(res.components) == 0 {
		conf = m.BaseConfidence()
	}
	conf = e.adjust(conf, ctx)

	components := res.components
	sort.Strings(components)

	return types.DetectedMarker{
		MarkerID:       m.ID,
		Confidence:     clamp(conf),
		DetectionPhase: types.PhaseContextual,
		Components:     components,
	}, true, nil
}

// result is the outcome of evaluating one rule node: whether it fired,
// the aggregated confidence, and the component ids that satisfied it.
type result struct {
	ok         bool
	confidence float64
	components []string
}

func (e *Engine) eval(r *types.ActivationRule, ctx *types.AnalysisContext) (result, error) {
	switch r.Kind {
	case types.RuleAll:
		return e.evalAll(r.Components, ctx), nil
	case types.RuleAny:
		return e.evalAny(r.Components, ctx), nil
	case types.RuleAnyN:
		return e.evalAnyN(r, ctx), nil
	case types.RuleTemporal:
		return e.evalTemporal(r, ctx)
	case types.RuleProximity:
		return e.evalProximity(r, ctx)
	case types.RuleSentiment:
		return e.evalSentiment(r, ctx)
	case types.RuleNegation:
		return e.evalNegation(r, ctx)
	case types.RulePattern:
		return e.evalPattern(r, ctx)
	case types.RuleComposite:
		return e.evalComposite(r, ctx)
	default:
		return result{}, fmt.Errorf("unknown rule kind %q", r.Kind)
	}
}

func (e *Engine) evalAll(components []string, ctx *types.AnalysisContext) result {
	conf := 1.0
	for _, id := range components {
		best, ok := bestConfidence(ctx, id)
		if !ok {
			return result{}
		}
		conf *= best
	}
	return result{ok: true, confidence: conf, components: append([]string(nil), components...)}
}

func (e *Engine) evalAny(components []string, ctx *types.AnalysisContext) result {
	best := 0.0
	var hit []string
	for _, id := range components {
		if c, ok := bestConfidence(ctx, id); ok {
			hit = append(hit, id)
			if c > best {
				best = c
			}
		}
	}
	if len(hit) == 0 {
		return result{}
	}
	return result{ok: true, confidence: best, components: hit}
}

func (e *Engine) evalAnyN(r *types.ActivationRule, ctx *types.AnalysisContext) result {
	var hit []string
	conf := 1.0
	for _, id := range r.Components {
		if c, ok := bestConfidence(ctx, id); ok {
			hit = append(hit, id)
			conf *= c
		}
	}
	if len(hit) < r.Count {
		return result{}
	}
	return result{ok: true, confidence: conf, components: hit}
}

// evalTemporal requires the first occurrences of all components to fall
// inside a window of N tokens, optionally in the order listed.
func (e *Engine) evalTemporal(r *types.ActivationRule, ctx *types.AnalysisContext) (result, error) {
	if ctx.Enrichment == nil || len(ctx.Enrichment.Tokens) == 0 {
		return result{}, nil
	}
	positions := make([]int, 0, len(r.Components))
	conf := 1.0
	for _, id := range r.Components {
		idx, c, ok := firstTokenIndex(ctx, id)
		if !ok {
			return result{}, nil
		}
		positions = append(positions, idx)
		conf *= c
	}
	lo, hi := positions[0], positions[0]
	for _, p := range positions[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi-lo > r.Window {
		return result{}, nil
	}
	if r.StrictOrder {
		for i := 1; i < len(positions); i++ {
			if positions[i] < positions[i-1] {
				return result{}, nil
			}
		}
	}
	return result{ok: true, confidence: conf, components: append([]string(nil), r.Components...)}, nil
}

// evalProximity requires every pair of components to have at least one
// pair of spans within max_distance tokens. All positioned occurrences
// count, not just the earliest one.
func (e *Engine) evalProximity(r *types.ActivationRule, ctx *types.AnalysisContext) (result, error) {
	if ctx.Enrichment == nil || len(ctx.Enrichment.Tokens) == 0 {
		return result{}, nil
	}
	indices := make([][]int, 0, len(r.Components))
	conf := 1.0
	for _, id := range r.Components {
		idxs, c, ok := tokenIndices(ctx, id)
		if !ok {
			return result{}, nil
		}
		indices = append(indices, idxs)
		conf *= c
	}
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			if minPairDistance(indices[i], indices[j]) > r.MaxDistance {
				return result{}, nil
			}
		}
	}
	return result{ok: true, confidence: conf, components: append([]string(nil), r.Components...)}, nil
}

// evalSentiment checks sentence polarity from enrichment. "consistent"
// fires when all labeled sentences agree; "contrasting" when at least
// two disagree; a polarity name fires when any sentence carries it.
// Degraded enrichment has no polarity, so sentiment rules never fire.
func (e *Engine) evalSentiment(r *types.ActivationRule, ctx *types.AnalysisContext) (result, error) {
	if ctx.Enrichment == nil {
		return result{}, nil
	}
	var labels []string
	for _, s := range ctx.Enrichment.Sentences {
		if s.Sentiment != "" {
			labels = append(labels, s.Sentiment)
		}
	}
	if len(labels) == 0 {
		return result{}, nil
	}
	switch r.Alignment {
	case types.AlignConsistent:
		for _, l := range labels[1:] {
			if l != labels[0] {
				return result{}, nil
			}
		}
		return result{ok: true, confidence: 1.0}, nil
	case types.AlignContrasting:
		for _, l := range labels[1:] {
			if l != labels[0] {
				return result{ok: true, confidence: 1.0}, nil
			}
		}
		return result{}, nil
	default:
		for _, l := range labels {
			if l == r.Alignment {
				return result{ok: true, confidence: 1.0}, nil
			}
		}
		return result{}, nil
	}
}

// evalNegation evaluates the inner rule, then checks whether any of its
// components sit within the negation radius of a negation cue. With
// allows_negation the rule fires regardless; otherwise negation
// suppresses it.
func (e *Engine) evalNegation(r *types.ActivationRule, ctx *types.AnalysisContext) (result, error) {
	inner, err := e.eval(r.Inner, ctx)
	if err != nil || !inner.ok {
		return result{}, err
	}
	if r.AllowsNegation {
		return inner, nil
	}
	for _, id := range inner.components {
		if e.negatedNearby(ctx, id) {
			return result{}, nil
		}
	}
	return inner, nil
}

func (e *Engine) evalPattern(r *types.ActivationRule, ctx *types.AnalysisContext) (result, error) {
	re, ok := e.reg.Pattern(r.Pattern)
	if !ok {
		return result{}, fmt.Errorf("pattern %q not compiled in registry", r.Pattern)
	}
	if !re.MatchString(ctx.Text) {
		return result{}, nil
	}
	return result{ok: true, confidence: 1.0}, nil
}

// evalComposite combines sub-rule results. ALL requires every branch and
// propagates the minimum branch confidence; ANY requires one and takes
// the best.
func (e *Engine) evalComposite(r *types.ActivationRule, ctx *types.AnalysisContext) (result, error) {
	var components []string
	switch r.Combinator {
	case types.RuleAny:
		best := result{}
		for i := range r.Rules {
			sub, err := e.eval(&r.Rules[i], ctx)
			if err != nil {
				return result{}, err
			}
			if sub.ok && (!best.ok || sub.confidence > best.confidence) {
				best = sub
			}
		}
		return best, nil
	default: // ALL
		conf := 1.0
		for i := range r.Rules {
			sub, err := e.eval(&r.Rules[i], ctx)
			if err != nil {
				return result{}, err
			}
			if !sub.ok {
				return result{}, nil
			}
			if sub.confidence < conf {
				conf = sub.confidence
			}
			components = append(components, sub.components...)
		}
		return result{ok: true, confidence: conf, components: dedupe(components)}, nil
	}
}

// adjust applies enrichment-derived confidence modifiers: uncertainty
// cues dampen, emphasis cues boost, a trailing question mark dampens.
func (e *Engine) adjust(conf float64, ctx *types.AnalysisContext) float64 {
	if ctx.Enrichment == nil {
		return conf
	}
	uncertain, emphatic := false, false
	for _, t := range ctx.Enrichment.Tokens {
		w := strings.ToLower(strings.Trim(t.Text, ".,!?;:\"'"))
		if _, ok := e.uncertaintyCues[w]; ok {
			uncertain = true
		}
		if _, ok := e.emphasisCues[w]; ok {
			emphatic = true
		}
	}
	if uncertain {
		conf *= 0.85
	}
	if emphatic {
		conf *= 1.1
	}
	if strings.HasSuffix(strings.TrimSpace(ctx.Text), "?") {
		conf *= 0.9
	}
	return clamp(conf)
}

// bestConfidence returns the highest confidence among detections of id.
func bestConfidence(ctx *types.AnalysisContext, id string) (float64, bool) {
	best, found := 0.0, false
	for i := range ctx.Detected {
		if ctx.Detected[i].MarkerID == id {
			found = true
			if ctx.Detected[i].Confidence > best {
				best = ctx.Detected[i].Confidence
			}
		}
	}
	return best, found
}

// firstTokenIndex maps the earliest positioned detection of id onto a
// token index via binary search over token start offsets. Detections
// without positions (similarity hits, composed markers) cannot be
// placed and do not satisfy positional rules.
func firstTokenIndex(ctx *types.AnalysisContext, id string) (int, float64, bool) {
	var best *types.DetectedMarker
	for i := range ctx.Detected {
		d := &ctx.Detected[i]
		if d.MarkerID != id || d.Position == nil {
			continue
		}
		if best == nil || d.Position.Start < best.Position.Start {
			best = d
		}
	}
	if best == nil {
		return 0, 0, false
	}
	tokens := ctx.Enrichment.Tokens
	idx := sort.Search(len(tokens), func(i int) bool { return tokens[i].End > best.Position.Start })
	if idx >= len(tokens) {
		idx = len(tokens) - 1
	}
	return idx, best.Confidence, true
}

// tokenIndices maps every positioned detection of id onto token indices
// and returns them with the best confidence among those detections.
func tokenIndices(ctx *types.AnalysisContext, id string) ([]int, float64, bool) {
	tokens := ctx.Enrichment.Tokens
	var idxs []int
	best := 0.0
	for i := range ctx.Detected {
		d := &ctx.Detected[i]
		if d.MarkerID != id || d.Position == nil {
			continue
		}
		at := sort.Search(len(tokens), func(j int) bool { return tokens[j].End > d.Position.Start })
		if at >= len(tokens) {
			at = len(tokens) - 1
		}
		idxs = append(idxs, at)
		if d.Confidence > best {
			best = d.Confidence
		}
	}
	if len(idxs) == 0 {
		return nil, 0, false
	}
	return idxs, best, true
}

func minPairDistance(a, b []int) int {
	min := -1
	for _, x := range a {
		for _, y := range b {
			d := x - y
			if d < 0 {
				d = -d
			}
			if min < 0 || d < min {
				min = d
			}
		}
	}
	return min
}

// negatedNearby reports whether any detection of id has a negation cue
// within negationRadius tokens of its span.
func (e *Engine) negatedNearby(ctx *types.AnalysisContext, id string) bool {
	if ctx.Enrichment == nil || len(ctx.Enrichment.Tokens) == 0 {
		return false
	}
	tokens := ctx.Enrichment.Tokens
	for i := range ctx.Detected {
		d := &ctx.Detected[i]
		if d.MarkerID != id || d.Position == nil {
			continue
		}
		at := sort.Search(len(tokens), func(j int) bool { return tokens[j].End > d.Position.Start })
		if at >= len(tokens) {
			at = len(tokens) - 1
		}
		lo := at - negationRadius
		if lo < 0 {
			lo = 0
		}
		hi := at + negationRadius
		if hi >= len(tokens) {
			hi = len(tokens) - 1
		}
		for j := lo; j <= hi; j++ {
			w := strings.ToLower(strings.Trim(tokens[j].Text, ".,!?;:\"'"))
			if _, ok := e.negationCues[w]; ok {
				return true
			}
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
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
