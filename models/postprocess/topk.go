package postprocess

import (
	"container/heap"
	"sort"

	"github.com/chewxy/math32"
)

type scored struct {
	index int
	score float32
}

// worse reports whether a ranks below b: lower score, or equal score and higher index.
func (a scored) worse(b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.index > b.index
}

// minHeap keeps the worst retained candidate at the root.
type minHeap []scored

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].worse(h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(scored)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// SelectTopK returns the indices of the k highest scores, ordered by descending score.
//
// Equal scores are ordered by ascending index. NaN scores are never selected. Selection is a
// bounded heap, O(N log k).
//
// Arguments:
//   - scores: The candidate scores.
//   - k: The maximum number of indices to return.
//
// Returns:
//   - []int: At most min(k, len(scores)) indices.
func SelectTopK(scores []float32, k int) []int {
	if k <= 0 || len(scores) == 0 {
		return nil
	}
	k = min(k, len(scores))

	h := make(minHeap, 0, k)
	for i, s := range scores {
		if math32.IsNaN(s) {
			continue
		}
		c := scored{index: i, score: s}
		if h.Len() < k {
			heap.Push(&h, c)
			continue
		}
		if h[0].worse(c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	sort.Slice(h, func(i, j int) bool { return h[j].worse(h[i]) })

	indices := make([]int, len(h))
	for i, c := range h {
		indices[i] = c.index
	}
	return indices
}
