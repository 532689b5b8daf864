// Package types holds the shared data model of the marker engine:
// marker definitions, activation rules, detection results, and the
// request/response shapes exchanged with callers.
package types

// Frame is descriptive metadata attached to a marker definition.
// It is carried through for presentation and never evaluated logically.
type Frame struct {
	Signal     []string `json:"signal,omitempty" yaml:"signal,omitempty"`
	Concept    string   `json:"concept,omitempty" yaml:"concept,omitempty"`
	Pragmatics string   `json:"pragmatics,omitempty" yaml:"pragmatics,omitempty"`
	Narrative  string   `json:"narrative,omitempty" yaml:"narrative,omitempty"`
}

// MarkerMetadata carries scoring and bookkeeping fields of a marker.
type MarkerMetadata struct {
	Category          string   `json:"category,omitempty" yaml:"category,omitempty"`
	ConfidenceDefault float64  `json:"confidence_default,omitempty" yaml:"confidence_default,omitempty"`
	Weight            float64  `json:"weight,omitempty" yaml:"weight,omitempty"`
	Version           string   `json:"version,omitempty" yaml:"version,omitempty"`
	Tags              []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// MarkerDefinition is one entry of a registry snapshot. A marker with no
// Activation rule is atomic: it is detected only by pattern/example matching
// in the initial phase. A marker with an Activation rule is composed and is
// evaluated in the contextual phase.
type MarkerDefinition struct {
	ID         string          `json:"id" yaml:"id"`
	SchemaID   string          `json:"schema_id,omitempty" yaml:"schema_id,omitempty"`
	Frame      Frame           `json:"frame,omitempty" yaml:"frame,omitempty"`
	Examples   []string        `json:"examples,omitempty" yaml:"examples,omitempty"`
	Pattern    string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	ComposedOf []string        `json:"composed_of,omitempty" yaml:"composed_of,omitempty"`
	Activation *ActivationRule `json:"activation,omitempty" yaml:"activation,omitempty"`
	Metadata   MarkerMetadata  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Atomic reports whether the marker has no activation rule.
func (m *MarkerDefinition) Atomic() bool { return m.Activation == nil }

// BaseConfidence returns the confidence assigned to direct matches of this
// marker: metadata.confidence_default, or 1.0 when unset.
func (m *MarkerDefinition) BaseConfidence() float64 {
	if m.Metadata.ConfidenceDefault > 0 {
		return m.Metadata.ConfidenceDefault
	}
	return 1.0
}

// Weight returns the scoring weight, defaulting to 1.0 when unset.
func (m *MarkerDefinition) Weight() float64 {
	if m.Metadata.Weight > 0 {
		return m.Metadata.Weight
	}
	return 1.0
}

// Detection phases.
const (
	PhaseInitial    = "initial"
	PhaseContextual = "contextual"
)

// Position locates a detected span inside the analyzed text. Offsets are
// byte offsets into the original input. SentenceIndex is -1 until the
// enrichment phase has mapped spans onto sentences.
type Position struct {
	Start         int `json:"start"`
	End           int `json:"end"`
	SentenceIndex int `json:"sentence_index"`
}

// DetectedMarker is one detection result. Composite markers list the
// component ids that satisfied their rule.
type DetectedMarker struct {
	MarkerID       string    `json:"marker_id"`
	Confidence     float64   `json:"confidence"`
	DetectionPhase string    `json:"detection_phase"`
	Position       *Position `json:"position,omitempty"`
	Components     []string  `json:"components,omitempty"`
}

// Token is a single enrichment token with byte offsets into the text.
type Token struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Sentiment polarity labels produced by enrichment backends.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Sentence is one enrichment sentence. Sentiment is empty when the backend
// does not produce polarity (degraded enrichment).
type Sentence struct {
	Text      string `json:"text"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Sentiment string `json:"sentiment,omitempty"`
}

// Entity is a named entity span from enrichment.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Enrichment is the linguistic annotation of one text.
type Enrichment struct {
	Tokens    []Token    `json:"tokens"`
	Sentences []Sentence `json:"sentences"`
	Entities  []Entity   `json:"entities"`
	Provider  string     `json:"provider,omitempty"`
}

// AnalysisContext is the per-request accumulator owned by the orchestrator.
// It is created at request start, mutated by the phases in sequence, and
// discarded once the response is assembled. Detected is append-only.
type AnalysisContext struct {
	Text       string
	SchemaID   string
	SessionID  string
	Enrichment *Enrichment
	Detected   []DetectedMarker
}

// Present reports whether any detection for the given marker id exists.
func (c *AnalysisContext) Present(markerID string) bool {
	for i := range c.Detected {
		if c.Detected[i].MarkerID == markerID {
			return true
		}
	}
	return false
}

// Instances returns all detections for the given marker id.
func (c *AnalysisContext) Instances(markerID string) []DetectedMarker {
	var out []DetectedMarker
	for i := range c.Detected {
		if c.Detected[i].MarkerID == markerID {
			out = append(out, c.Detected[i])
		}
	}
	return out
}

// AnalyzeRequest is the engine input.
type AnalyzeRequest struct {
	Text             string `json:"text"`
	SchemaID         string `json:"schema_id"`
	SessionID        string `json:"session_id,omitempty"`
	EnableNLP        *bool  `json:"enable_nlp,omitempty"`
	EnableContextual *bool  `json:"enable_contextual,omitempty"`
}

// NLPEnabled defaults to true when the flag is absent.
func (r *AnalyzeRequest) NLPEnabled() bool { return r.EnableNLP == nil || *r.EnableNLP }

// ContextualEnabled defaults to true when the flag is absent.
func (r *AnalyzeRequest) ContextualEnabled() bool {
	return r.EnableContextual == nil || *r.EnableContextual
}

// InitialPhase summarizes the pattern/example matching phase.
type InitialPhase struct {
	MarkersFound int    `json:"markers_found"`
	Error        string `json:"error,omitempty"`
}

// EnrichmentPhase summarizes the enrichment phase.
type EnrichmentPhase struct {
	Enriched bool   `json:"enriched"`
	Error    string `json:"error,omitempty"`
}

// ContextualPhase summarizes the activation-rule evaluation phase.
type ContextualPhase struct {
	MarkersAdded int    `json:"markers_added"`
	Error        string `json:"error,omitempty"`
}

// PhaseSummary is the per-phase breakdown in the response.
type PhaseSummary struct {
	Initial    InitialPhase    `json:"initial"`
	Enrichment EnrichmentPhase `json:"enrichment"`
	Contextual ContextualPhase `json:"contextual"`
}

// PerformanceMetrics carries phase timings. Excluded from idempotence
// guarantees; everything else in a response is deterministic for a fixed
// registry snapshot and deterministic enrichment.
type PerformanceMetrics struct {
	PhaseDurationsMS map[string]float64 `json:"phase_durations_ms"`
}

// AnalyzeResponse is the engine output.
type AnalyzeResponse struct {
	RequestID          string             `json:"request_id"`
	Status             string             `json:"status"`
	Markers            []DetectedMarker   `json:"markers"`
	MarkerCount        int                `json:"marker_count"`
	TotalScore         float64            `json:"total_score"`
	Phases             PhaseSummary       `json:"phases"`
	NLPEnriched        bool               `json:"nlp_enriched"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	Interpretation     string             `json:"interpretation,omitempty"`
	ModelUsed          string             `json:"model_used,omitempty"`
}
