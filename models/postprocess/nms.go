package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-detect/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap at or above which a lower-scored box is suppressed.
	ClassAware   bool    // If true, suppress only within the same class.
}

// ApplyGreedyNMS performs greedy Non-Maximum Suppression.
//
// The highest-scoring remaining detection is emitted and every remaining detection whose IoU
// with it is at or above the threshold is removed, until none remain. Equal scores keep their
// input order. The input slice is not modified.
//
// Arguments:
//   - detections: Slice of detections, in any order.
//   - config: NMS configuration.
//
// Returns:
//   - Filtered slice of detections in emission order (descending score). If no detections
//     are provided, returns nil.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	sorted := make([]Result, n)
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := sorted[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && anchor.Class != sorted[j].Class {
				continue
			}
			if images.CalculateIoU(anchor.Box, sorted[j].Box) >= config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}

// FilterByScore returns the detections whose score is at least threshold, preserving order.
func FilterByScore(detections []Result, threshold float32) []Result {
	kept := make([]Result, 0, len(detections))
	for _, d := range detections {
		if d.Score >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}
