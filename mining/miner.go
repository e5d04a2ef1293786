// Package mining - Hard negative mining with NMS style suppression between negatives.
package mining

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-multibox/geometry"
)

// Candidate is a mined negative anchor.
type Candidate struct {
	// Batch is the image index within the batch.
	Batch int
	// Anchor is the anchor index.
	Anchor int
	// Score is the background confusion score the candidate was ranked by.
	Score float32
}

// Miner selects the background anchors a network finds most confusing.
//
// A Miner is bound to one AnchorSet and is safe for concurrent use by one
// goroutine per image.
type Miner struct {
	anchors  *geometry.AnchorSet
	thIoUNeg float32
	thNMS    float32
	cache    *NeighborCache
}

// NewMiner creates a Miner.
//
// Arguments:
//   - anchors: The shared anchor set.
//   - thIoUNeg: Anchors whose best ground truth IoU exceeds this are never negatives.
//   - thNMS: Suppression IoU between selected negatives; values >= 1 disable suppression.
//
// Returns:
//   - *Miner: The miner.
//   - error: If anchors is nil or a threshold is out of range.
func NewMiner(anchors *geometry.AnchorSet, thIoUNeg, thNMS float32) (*Miner, error) {
	if anchors == nil {
		return nil, errors.New("miner needs an anchor set")
	}
	if thIoUNeg < 0 || thIoUNeg > 1 {
		return nil, errors.Errorf("th_iou_neg %v outside [0, 1]", thIoUNeg)
	}
	if !(thNMS > 0) {
		return nil, errors.Errorf("th_nms_neg must be positive, got %v", thNMS)
	}
	return &Miner{
		anchors:  anchors,
		thIoUNeg: thIoUNeg,
		thNMS:    thNMS,
		cache:    NewNeighborCache(anchors, thNMS),
	}, nil
}

// Suppresses reports whether mined negatives suppress their neighbours.
func (m *Miner) Suppresses() bool {
	return m.thNMS < 1
}

// Mine selects up to n hard negatives for one image.
//
// Anchors whose bestIoU exceeds the negative IoU threshold and out-of-bounds
// anchors are skipped. The rest are walked in descending confusion order;
// every selected anchor suppresses the anchors overlapping it by more than the
// suppression threshold.
//
// Arguments:
//   - batch: The image index recorded in each Candidate.
//   - confusion: Per-anchor confusion score, e.g. 1 - P(background).
//   - bestIoU: Per-anchor best IoU with any ground truth of the image.
//   - n: The maximum number of negatives.
//
// Returns:
//   - []Candidate: Selected negatives in descending confusion order.
func (m *Miner) Mine(batch int, confusion, bestIoU []float32, n int) []Candidate {
	count := m.anchors.Len()
	if n <= 0 || len(confusion) < count || len(bestIoU) < count {
		return nil
	}

	eligible := make([]bool, count)
	order := make([]int, 0, count)
	for i := 0; i < count; i++ {
		if bestIoU[i] > m.thIoUNeg || m.anchors.OutOfBounds(i) {
			continue
		}
		eligible[i] = true
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return confusion[order[a]] > confusion[order[b]]
	})

	out := make([]Candidate, 0, min(n, len(order)))
	for _, i := range order {
		if !eligible[i] {
			continue
		}
		out = append(out, Candidate{Batch: batch, Anchor: i, Score: confusion[i]})
		if m.Suppresses() {
			for _, j := range m.cache.Get(i) {
				eligible[j] = false
			}
		}
		if len(out) >= n {
			break
		}
	}
	return out
}

// CapBatch keeps the limit highest scoring candidates across every image.
//
// The sort is stable so equal scores keep their image order.
func CapBatch(cands []Candidate, limit int) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Score > sorted[b].Score
	})
	if limit < 0 {
		limit = 0
	}
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// NeighborCache memoizes, per anchor, the anchors overlapping it by more than
// a fixed IoU. Entries are computed on first use and shared by every image.
type NeighborCache struct {
	anchors *geometry.AnchorSet
	th      float32

	mu      sync.RWMutex
	entries map[int][]int
}

// NewNeighborCache creates an empty cache for anchors at threshold th.
func NewNeighborCache(anchors *geometry.AnchorSet, th float32) *NeighborCache {
	return &NeighborCache{anchors: anchors, th: th, entries: map[int][]int{}}
}

// Get returns the neighbours of anchor i, computing them on first use.
func (c *NeighborCache) Get(i int) []int {
	c.mu.RLock()
	n, ok := c.entries[i]
	c.mu.RUnlock()
	if ok {
		return n
	}

	n = c.anchors.Neighbors(i, c.th, nil)
	c.mu.Lock()
	c.entries[i] = n
	c.mu.Unlock()
	return n
}

// Len returns the number of memoized anchors.
func (c *NeighborCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
