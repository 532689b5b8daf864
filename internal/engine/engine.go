// Package engine orchestrates the analysis pipeline: initial pattern
// matching, enrichment, contextual rule evaluation, and scoring, with
// per-phase failure isolation and response caching.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"markerengine/internal/config"
	"markerengine/internal/enrich"
	"markerengine/internal/matcher"
	"markerengine/internal/registry"
	"markerengine/internal/rules"
	"markerengine/internal/scoring"
	"markerengine/internal/types"
)

// Analysis status values.
const (
	StatusCompleted = "completed"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
)

// ErrTextTooLong rejects oversized inputs before any work happens.
var ErrTextTooLong = errors.New("engine: text exceeds maximum length")

// ErrNoRegistry means no snapshot has been loaded yet.
var ErrNoRegistry = errors.New("engine: no registry snapshot available")

// Engine runs analyses against the current registry snapshot. The
// snapshot provider is read once per request, so a concurrent reload
// never changes a request mid-flight.
type Engine struct {
	snapshot func() *registry.Registry
	enricher enrich.Enricher
	cfg      config.EngineConfig
	cache    *expirable.LRU[string, *types.AnalyzeResponse]
}

func New(snapshot func() *registry.Registry, enricher enrich.Enricher, cfg config.EngineConfig) *Engine {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{
		snapshot: snapshot,
		enricher: enricher,
		cfg:      cfg,
		cache:    expirable.NewLRU[string, *types.AnalyzeResponse](size, nil, ttl),
	}
}

// Analyze runs the full pipeline for one request. Identical requests
// against the same snapshot return the cached response, including the
// same request id.
func (e *Engine) Analyze(ctx context.Context, req types.AnalyzeRequest) (*types.AnalyzeResponse, error) {
	reg := e.snapshot()
	if reg == nil {
		return nil, ErrNoRegistry
	}
	if e.cfg.MaxTextLen > 0 && len(req.Text) > e.cfg.MaxTextLen {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTextTooLong, len(req.Text), e.cfg.MaxTextLen)
	}

	key := cacheKey(reg.Version(), req)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	resp := e.run(ctx, reg, req, key)
	if ctx.Err() == nil && resp.Status != StatusFailed {
		e.cache.Add(key, resp)
	}
	return resp, nil
}

func (e *Engine) run(ctx context.Context, reg *registry.Registry, req types.AnalyzeRequest, key string) *types.AnalyzeResponse {
	actx := &types.AnalysisContext{
		Text:      req.Text,
		SchemaID:  req.SchemaID,
		SessionID: req.SessionID,
	}
	resp := &types.AnalyzeResponse{
		RequestID: key[:16],
		Status:    StatusCompleted,
		Markers:   []types.DetectedMarker{},
		PerformanceMetrics: types.PerformanceMetrics{
			PhaseDurationsMS: map[string]float64{},
		},
	}

	if strings.TrimSpace(req.Text) == "" {
		return resp
	}

	// Initial phase.
	start := time.Now()
	if err := e.initialPhase(actx, reg); err != nil {
		resp.Phases.Initial.Error = err.Error()
		resp.Status = StatusDegraded
	}
	resp.Phases.Initial.MarkersFound = len(actx.Detected)
	resp.PerformanceMetrics.PhaseDurationsMS["initial"] = msSince(start)

	// Enrichment phase.
	if ctx.Err() == nil {
		start = time.Now()
		enriched, err := e.enrichmentPhase(ctx, actx, req)
		resp.Phases.Enrichment.Enriched = enriched
		resp.NLPEnriched = enriched
		if err != nil {
			resp.Phases.Enrichment.Error = err.Error()
			resp.Status = StatusDegraded
		}
		resp.PerformanceMetrics.PhaseDurationsMS["enrichment"] = msSince(start)
	}

	backfillSentences(actx)

	// Contextual phase.
	if ctx.Err() == nil && req.ContextualEnabled() {
		start = time.Now()
		added, err := e.contextualPhase(actx, reg)
		resp.Phases.Contextual.MarkersAdded = added
		if err != nil {
			resp.Phases.Contextual.Error = err.Error()
			resp.Status = StatusDegraded
		}
		resp.PerformanceMetrics.PhaseDurationsMS["contextual"] = msSince(start)
	}

	// Scoring.
	start = time.Now()
	if actx.Detected != nil {
		resp.Markers = actx.Detected
	}
	resp.MarkerCount = len(actx.Detected)
	resp.TotalScore = scoring.Total(actx.Detected, reg)
	resp.PerformanceMetrics.PhaseDurationsMS["scoring"] = msSince(start)

	if ctx.Err() != nil {
		resp.Status = StatusFailed
		resp.Phases.Contextual.Error = firstNonEmpty(resp.Phases.Contextual.Error, ctx.Err().Error())
	}
	return resp
}

func (e *Engine) initialPhase(actx *types.AnalysisContext, reg *registry.Registry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initial phase panic: %v", r)
		}
	}()
	actx.Detected = matcher.Scan(actx.Text, reg, actx.SchemaID, e.cfg.SimilarityThreshold)
	return nil
}

// enrichmentPhase annotates the text. Any failure or an explicit opt-out
// degrades to the whitespace fallback so downstream phases always see a
// usable annotation.
func (e *Engine) enrichmentPhase(ctx context.Context, actx *types.AnalysisContext, req types.AnalyzeRequest) (bool, error) {
	if !req.NLPEnabled() {
		actx.Enrichment = enrich.Fallback(actx.Text)
		return false, nil
	}
	enr, err := e.enricher.Enrich(ctx, actx.Text)
	if err != nil {
		actx.Enrichment = enrich.Fallback(actx.Text)
		return false, err
	}
	actx.Enrichment = enr
	return enr.Provider == enrich.ProviderRemote, nil
}

func (e *Engine) contextualPhase(actx *types.AnalysisContext, reg *registry.Registry) (int, error) {
	eng := rules.New(reg, rules.Options{
		NegationCues:    e.cfg.NegationCues,
		UncertaintyCues: e.cfg.UncertaintyCues,
		EmphasisCues:    e.cfg.EmphasisCues,
	})

	added := 0
	var errs []string
	for _, id := range reg.Contextual() {
		m, ok := reg.Get(id)
		if !ok || !registry.InSchema(m, actx.SchemaID) {
			continue
		}
		det, satisfied, err := eng.Evaluate(m, actx)
		if err != nil {
			log.Printf("engine: %v", err)
			errs = append(errs, err.Error())
			continue
		}
		if satisfied {
			actx.Detected = append(actx.Detected, det)
			added++
		}
	}
	if len(errs) > 0 {
		return added, errors.New(strings.Join(errs, "; "))
	}
	return added, nil
}

// backfillSentences maps every positioned detection onto the sentence
// containing its span start.
func backfillSentences(actx *types.AnalysisContext) {
	if actx.Enrichment == nil || len(actx.Enrichment.Sentences) == 0 {
		return
	}
	sents := actx.Enrichment.Sentences
	for i := range actx.Detected {
		p := actx.Detected[i].Position
		if p == nil || p.SentenceIndex >= 0 {
			continue
		}
		idx := sort.Search(len(sents), func(j int) bool { return sents[j].End > p.Start })
		if idx < len(sents) && sents[idx].Start <= p.Start {
			p.SentenceIndex = idx
		}
	}
}

// BatchResult pairs one batch entry's response with its error.
type BatchResult struct {
	Response *types.AnalyzeResponse
	Err      error
}

// AnalyzeBatch runs requests concurrently with a bounded worker count
// and returns results in input order.
func (e *Engine) AnalyzeBatch(ctx context.Context, reqs []types.AnalyzeRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for i := range reqs {
		i := i
		g.Go(func() error {
			resp, err := e.Analyze(gctx, reqs[i])
			results[i] = BatchResult{Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) workers() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// cacheKey fingerprints everything that determines a response: the
// snapshot version, the text, the schema, and the phase toggles. Its
// prefix doubles as the request id, which is what makes identical
// requests return identical responses.
func cacheKey(version string, req types.AnalyzeRequest) string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s\x00%s\x00%s\x00%t\x00%t",
		version, req.Text, req.SchemaID, req.NLPEnabled(), req.ContextualEnabled())
	return hex.EncodeToString(h.Sum(nil))
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
