package rules

import (
	"encoding/json"
	"math"
	"testing"

	"markerengine/internal/enrich"
	"markerengine/internal/registry"
	"markerengine/internal/types"
)

func rule(t *testing.T, raw string) *types.ActivationRule {
	t.Helper()
	var r types.ActivationRule
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	return &r
}

// testEngine builds a registry holding atomic markers A..D plus the
// marker under test, and an engine over it.
func testEngine(t *testing.T, m types.MarkerDefinition) (*Engine, *types.MarkerDefinition) {
	t.Helper()
	defs := []types.MarkerDefinition{
		{ID: "A", Examples: []string{"alpha"}},
		{ID: "B", Examples: []string{"beta"}},
		{ID: "C", Examples: []string{"gamma"}},
		{ID: "D", Examples: []string{"delta"}},
		m,
	}
	reg, err := registry.Build(defs)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	got, ok := reg.Get(m.ID)
	if !ok {
		t.Fatalf("marker %s missing", m.ID)
	}
	return New(reg, Options{}), got
}

func ctxWith(text string, detected ...types.DetectedMarker) *types.AnalysisContext {
	return &types.AnalysisContext{
		Text:       text,
		Enrichment: enrich.Fallback(text),
		Detected:   detected,
	}
}

func det(id string, conf float64, start, end int) types.DetectedMarker {
	return types.DetectedMarker{
		MarkerID:       id,
		Confidence:     conf,
		DetectionPhase: types.PhaseInitial,
		Position:       &types.Position{Start: start, End: end, SentenceIndex: -1},
	}
}

func TestAllMultipliesConfidences(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "PAIR",
		Activation: rule(t, `{"type": "ALL", "components": ["A", "B"]}`),
	})
	ctx := ctxWith("alpha beta", det("A", 0.8, 0, 5), det("B", 0.5, 6, 10))

	d, ok, err := eng.Evaluate(m, ctx)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	if math.Abs(d.Confidence-0.4) > 1e-9 {
		t.Fatalf("expected 0.8*0.5=0.4, got %f", d.Confidence)
	}
	if d.DetectionPhase != types.PhaseContextual {
		t.Fatalf("wrong phase %s", d.DetectionPhase)
	}
	if len(d.Components) != 2 {
		t.Fatalf("components missing: %+v", d.Components)
	}
}

func TestAllMissingComponent(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "PAIR",
		Activation: rule(t, `{"type": "ALL", "components": ["A", "B"]}`),
	})
	_, ok, err := eng.Evaluate(m, ctxWith("alpha", det("A", 1, 0, 5)))
	if err != nil || ok {
		t.Fatalf("expected not satisfied, ok=%v err=%v", ok, err)
	}
}

func TestAnyTakesBestConfidence(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "EITHER",
		Activation: rule(t, `{"type": "ANY", "components": ["A", "B"]}`),
	})
	d, ok, err := eng.Evaluate(m, ctxWith("beta", det("B", 0.6, 0, 4)))
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	if math.Abs(d.Confidence-0.6) > 1e-9 {
		t.Fatalf("expected 0.6, got %f", d.Confidence)
	}
}

func TestAnyNRequiresCount(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "TWO_OF",
		Activation: rule(t, `{"type": "ANY_N", "components": ["A", "B", "C"], "count": 2}`),
	})

	if _, ok, _ := eng.Evaluate(m, ctxWith("alpha", det("A", 1, 0, 5))); ok {
		t.Fatal("one hit should not satisfy count 2")
	}
	d, ok, err := eng.Evaluate(m, ctxWith("alpha gamma", det("A", 1, 0, 5), det("C", 1, 6, 11)))
	if err != nil || !ok {
		t.Fatalf("two hits should satisfy, ok=%v err=%v", ok, err)
	}
	if len(d.Components) != 2 {
		t.Fatalf("expected 2 components, got %+v", d.Components)
	}
}

func TestTemporalWindow(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "SEQ",
		Activation: rule(t, `{"type": "TEMPORAL", "components": ["A", "B"], "window": 3}`),
	})

	// Tokens: alpha(0) x x beta(3): distance 3, inside window.
	near := ctxWith("alpha x x beta", det("A", 1, 0, 5), det("B", 1, 10, 14))
	if _, ok, err := eng.Evaluate(m, near); err != nil || !ok {
		t.Fatalf("expected satisfied within window, ok=%v err=%v", ok, err)
	}

	// Distance 5, outside window.
	far := ctxWith("alpha x x x x beta", det("A", 1, 0, 5), det("B", 1, 14, 18))
	if _, ok, _ := eng.Evaluate(m, far); ok {
		t.Fatal("expected not satisfied outside window")
	}
}

func TestTemporalStrictOrder(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "ORDERED",
		Activation: rule(t, `{"type": "TEMPORAL", "components": ["A", "B"], "window": 10, "strict_order": true}`),
	})

	// B before A violates the listed order.
	ctx := ctxWith("beta alpha", det("B", 1, 0, 4), det("A", 1, 5, 10))
	if _, ok, _ := eng.Evaluate(m, ctx); ok {
		t.Fatal("expected strict order violation")
	}
}

func TestProximityPairwise(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "CLOSE",
		Activation: rule(t, `{"type": "PROXIMITY", "components": ["A", "B"], "max_distance": 2}`),
	})

	near := ctxWith("alpha beta", det("A", 1, 0, 5), det("B", 1, 6, 10))
	if _, ok, err := eng.Evaluate(m, near); err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}

	far := ctxWith("alpha x x x beta", det("A", 1, 0, 5), det("B", 1, 12, 16))
	if _, ok, _ := eng.Evaluate(m, far); ok {
		t.Fatal("expected not satisfied beyond max distance")
	}
}

func TestProximityConsidersEverySpanPair(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "CLOSE",
		Activation: rule(t, `{"type": "PROXIMITY", "components": ["A", "B"], "max_distance": 2}`),
	})

	// A's first occurrence (token 0) is far from B (token 5), but its
	// second occurrence (token 4) is adjacent; the close pair decides.
	ctx := ctxWith("alpha x x x alpha beta",
		det("A", 1, 0, 5), det("A", 1, 12, 17), det("B", 1, 18, 22))
	if _, ok, err := eng.Evaluate(m, ctx); err != nil || !ok {
		t.Fatalf("a later span pair within range must fire the rule, ok=%v err=%v", ok, err)
	}
}

func TestNegationSuppresses(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "SURE",
		Activation: rule(t, `{"type": "NEGATION", "rule": {"type": "ALL", "components": ["A"]}}`),
	})

	// "nicht" sits right next to the detection span.
	negated := ctxWith("das ist nicht alpha", det("A", 1, 14, 19))
	if _, ok, _ := eng.Evaluate(m, negated); ok {
		t.Fatal("negation cue should suppress the rule")
	}

	plain := ctxWith("das ist alpha", det("A", 1, 8, 13))
	if _, ok, err := eng.Evaluate(m, plain); err != nil || !ok {
		t.Fatalf("expected satisfied without cue, ok=%v err=%v", ok, err)
	}
}

func TestNegationAllowed(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "EVEN_NEGATED",
		Activation: rule(t, `{"type": "NEGATION", "allows_negation": true, "rule": {"type": "ALL", "components": ["A"]}}`),
	})
	ctx := ctxWith("das ist nicht alpha", det("A", 1, 14, 19))
	if _, ok, err := eng.Evaluate(m, ctx); err != nil || !ok {
		t.Fatalf("allows_negation should fire anyway, ok=%v err=%v", ok, err)
	}
}

func TestSentimentRules(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "MOOD_SHIFT",
		Activation: rule(t, `{"type": "SENTIMENT", "alignment": "contrasting"}`),
	})

	mixed := ctxWith("gut. schlecht.")
	mixed.Enrichment.Sentences = []types.Sentence{
		{Text: "gut.", Start: 0, End: 4, Sentiment: types.SentimentPositive},
		{Text: "schlecht.", Start: 5, End: 14, Sentiment: types.SentimentNegative},
	}
	if _, ok, err := eng.Evaluate(m, mixed); err != nil || !ok {
		t.Fatalf("contrasting polarity should fire, ok=%v err=%v", ok, err)
	}

	// Degraded enrichment carries no polarity at all.
	if _, ok, _ := eng.Evaluate(m, ctxWith("gut. schlecht.")); ok {
		t.Fatal("sentiment rules must not fire without polarity labels")
	}
}

func TestPatternRule(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "REGEXED",
		Activation: rule(t, `{"type": "PATTERN", "pattern": "immer\\s+wieder"}`),
	})

	hit := ctxWith("das passiert immer wieder")
	d, ok, err := eng.Evaluate(m, hit)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	// No components referenced, so base confidence applies.
	if d.Confidence != 1.0 {
		t.Fatalf("expected base confidence 1.0, got %f", d.Confidence)
	}

	if _, ok, _ := eng.Evaluate(m, ctxWith("nur einmal")); ok {
		t.Fatal("expected no match")
	}
}

func TestCompositeAllPropagatesMinimum(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID: "COMBO",
		Activation: rule(t, `{
			"type": "COMPOSITE",
			"combinator": "ALL",
			"rules": [
				{"type": "ALL", "components": ["A"]},
				{"type": "ANY", "components": ["B", "C"]}
			]
		}`),
	})
	ctx := ctxWith("alpha beta", det("A", 0.9, 0, 5), det("B", 0.4, 6, 10))

	d, ok, err := eng.Evaluate(m, ctx)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	if math.Abs(d.Confidence-0.4) > 1e-9 {
		t.Fatalf("expected min branch confidence 0.4, got %f", d.Confidence)
	}
}

func TestCompositeAnyTakesBestBranch(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID: "COMBO_ANY",
		Activation: rule(t, `{
			"type": "COMPOSITE",
			"combinator": "ANY",
			"rules": [
				{"type": "ALL", "components": ["A"]},
				{"type": "ALL", "components": ["B"]}
			]
		}`),
	})
	ctx := ctxWith("beta", det("B", 0.7, 0, 4))

	d, ok, err := eng.Evaluate(m, ctx)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	if math.Abs(d.Confidence-0.7) > 1e-9 {
		t.Fatalf("expected 0.7, got %f", d.Confidence)
	}
}

func TestConfidenceAdjustments(t *testing.T) {
	eng, m := testEngine(t, types.MarkerDefinition{
		ID:         "PAIR",
		Activation: rule(t, `{"type": "ALL", "components": ["A"]}`),
	})

	uncertain := ctxWith("vielleicht alpha", det("A", 1, 11, 16))
	d, ok, err := eng.Evaluate(m, uncertain)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	if math.Abs(d.Confidence-0.85) > 1e-9 {
		t.Fatalf("uncertainty cue should dampen to 0.85, got %f", d.Confidence)
	}

	question := ctxWith("alpha?", det("A", 1, 0, 5))
	d, ok, err = eng.Evaluate(m, question)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	if math.Abs(d.Confidence-0.9) > 1e-9 {
		t.Fatalf("question mark should dampen to 0.9, got %f", d.Confidence)
	}

	emphatic := ctxWith("wirklich alpha", det("A", 1, 9, 14))
	d, ok, err = eng.Evaluate(m, emphatic)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
	// Boost clamps at 1.0.
	if d.Confidence != 1.0 {
		t.Fatalf("emphasis on full confidence clamps at 1.0, got %f", d.Confidence)
	}
}
