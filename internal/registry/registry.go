// Package registry loads marker definitions into immutable, validated
// snapshots. A snapshot is safe for concurrent read-only use; reloading
// produces a new snapshot and never mutates one already handed out.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"

	"markerengine/internal/types"
)

// MaxRuleDepth bounds activation rule nesting as a defensive limit against
// adversarial registry documents.
const MaxRuleDepth = 16

// LoadError is the fatal registry failure: no analysis can run against a
// snapshot that failed to load.
type LoadError struct {
	MarkerID string
	Reason   string
	Err      error
}

func (e *LoadError) Error() string {
	if e.MarkerID != "" {
		return fmt.Sprintf("registry load: marker %s: %s", e.MarkerID, e.Reason)
	}
	return "registry load: " + e.Reason
}

func (e *LoadError) Unwrap() error { return e.Err }

// Source produces raw marker definitions from some backing store.
type Source interface {
	Fetch(ctx context.Context) ([]types.MarkerDefinition, error)
}

// Registry is an immutable snapshot of validated marker definitions.
type Registry struct {
	version    string
	markers    map[string]*types.MarkerDefinition
	atomic     []string // atomic marker ids, sorted
	contextual []string // composed marker ids in evaluation order
	patterns   map[string]*regexp.Regexp
}

// Load fetches definitions from src and builds a snapshot.
func Load(ctx context.Context, src Source) (*Registry, error) {
	defs, err := src.Fetch(ctx)
	if err != nil {
		return nil, &LoadError{Reason: "fetch failed: " + err.Error(), Err: err}
	}
	return Build(defs)
}

// Build validates definitions and assembles a snapshot. It fails closed:
// duplicate ids, unresolved references, cycles, malformed regex patterns,
// and over-deep rule trees all reject the whole snapshot.
func Build(defs []types.MarkerDefinition) (*Registry, error) {
	r := &Registry{
		markers:  make(map[string]*types.MarkerDefinition, len(defs)),
		patterns: make(map[string]*regexp.Regexp),
	}

	for i := range defs {
		d := defs[i]
		if d.ID == "" {
			return nil, &LoadError{Reason: "marker with empty id"}
		}
		if _, dup := r.markers[d.ID]; dup {
			return nil, &LoadError{MarkerID: d.ID, Reason: "duplicate id"}
		}
		r.markers[d.ID] = &d
	}

	for id, m := range r.markers {
		if m.Pattern != "" {
			if err := r.compilePattern(m.Pattern); err != nil {
				return nil, &LoadError{MarkerID: id, Reason: "invalid pattern: " + err.Error(), Err: err}
			}
		}
		if m.Activation == nil {
			continue
		}
		if d := m.Activation.Depth(); d > MaxRuleDepth {
			return nil, &LoadError{MarkerID: id, Reason: fmt.Sprintf("rule nesting depth %d exceeds limit %d", d, MaxRuleDepth)}
		}
		for _, p := range m.Activation.Patterns() {
			if err := r.compilePattern(p); err != nil {
				return nil, &LoadError{MarkerID: id, Reason: "invalid rule pattern: " + err.Error(), Err: err}
			}
		}
		refs := m.Activation.Referenced()
		for _, ref := range refs {
			if _, ok := r.markers[ref]; !ok {
				return nil, &LoadError{MarkerID: id, Reason: "unresolved component reference " + ref}
			}
		}
		warnComposedOfDivergence(m, refs)
	}

	order, err := r.evaluationOrder()
	if err != nil {
		return nil, err
	}
	r.contextual = order

	for id, m := range r.markers {
		if m.Atomic() {
			r.atomic = append(r.atomic, id)
		}
	}
	sort.Strings(r.atomic)

	r.version = fingerprint(defs)
	return r, nil
}

// evaluationOrder topologically sorts composed markers so that a marker
// referencing another composed marker is evaluated after it. Cycles are
// rejected here, which also guarantees the evaluator can never recurse
// unboundedly through marker references.
func (r *Registry) evaluationOrder() ([]string, error) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(r.markers))
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case grey:
			return &LoadError{MarkerID: id, Reason: "activation rules form a reference cycle"}
		}
		color[id] = grey
		m := r.markers[id]
		if m.Activation != nil {
			refs := m.Activation.Referenced()
			sort.Strings(refs)
			for _, ref := range refs {
				if err := visit(ref); err != nil {
					return err
				}
			}
		}
		color[id] = black
		if m.Activation != nil {
			order = append(order, id)
		}
		return nil
	}

	ids := make([]string, 0, len(r.markers))
	for id := range r.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (r *Registry) compilePattern(p string) error {
	if _, ok := r.patterns[p]; ok {
		return nil
	}
	re, err := regexp.Compile("(?i)" + p)
	if err != nil {
		return err
	}
	r.patterns[p] = re
	return nil
}

// warnComposedOfDivergence flags markers whose informational composed_of
// list disagrees with the ids their activation rule actually references.
// The rule stays authoritative; nothing is reconciled.
func warnComposedOfDivergence(m *types.MarkerDefinition, refs []string) {
	if len(m.ComposedOf) == 0 {
		return
	}
	want := map[string]struct{}{}
	for _, id := range refs {
		want[id] = struct{}{}
	}
	diverged := len(m.ComposedOf) != len(want)
	if !diverged {
		for _, id := range m.ComposedOf {
			if _, ok := want[id]; !ok {
				diverged = true
				break
			}
		}
	}
	if diverged {
		log.Printf("registry: marker %s: composed_of diverges from activation components", m.ID)
	}
}

func fingerprint(defs []types.MarkerDefinition) string {
	sorted := make([]types.MarkerDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	h := sha256.New()
	for i := range sorted {
		b, _ := json.Marshal(&sorted[i])
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Version identifies the snapshot content; it is part of response cache keys.
func (r *Registry) Version() string { return r.version }

// Len returns the number of marker definitions in the snapshot.
func (r *Registry) Len() int { return len(r.markers) }

// Get returns the definition for id.
func (r *Registry) Get(id string) (*types.MarkerDefinition, bool) {
	m, ok := r.markers[id]
	return m, ok
}

// Atomic returns atomic marker ids in stable (sorted) order.
func (r *Registry) Atomic() []string { return r.atomic }

// Contextual returns composed marker ids in dependency evaluation order.
func (r *Registry) Contextual() []string { return r.contextual }

// Pattern returns the eagerly compiled regex for a pattern string known to
// the snapshot. Patterns are compiled case-insensitive at load time, so a
// miss here means the caller is asking about a pattern the registry never
// validated.
func (r *Registry) Pattern(p string) (*regexp.Regexp, bool) {
	re, ok := r.patterns[p]
	return re, ok
}

// InSchema reports whether a marker participates in the given schema.
// Markers without a schema_id belong to every schema.
func InSchema(m *types.MarkerDefinition, schemaID string) bool {
	return m.SchemaID == "" || schemaID == "" || m.SchemaID == schemaID
}
