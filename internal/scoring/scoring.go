// Package scoring aggregates detections into a single score.
package scoring

import (
	"markerengine/internal/registry"
	"markerengine/internal/types"
)

// Total sums weight times confidence over all detections. Markers absent
// from the snapshot (which cannot happen for detections the engine
// produced itself) contribute with weight 1.
func Total(detected []types.DetectedMarker, reg *registry.Registry) float64 {
	total := 0.0
	for i := range detected {
		w := 1.0
		if m, ok := reg.Get(detected[i].MarkerID); ok {
			w = m.Weight()
		}
		total += w * detected[i].Confidence
	}
	return total
}
