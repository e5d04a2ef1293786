// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-multibox/geometry"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap threshold for suppression.
	ClassAware   bool    // If true, suppress only within same class.
	NumWorkers   int     // Number of goroutines for per-class suppression. 0 means one per class.
}

// Validate checks the configuration.
func (c *NMSConfig) Validate() error {
	if c == nil {
		return errors.New("nms config is nil")
	}
	if !(c.IoUThreshold > 0) || c.IoUThreshold > 1 {
		return errors.Errorf("nms iou threshold %v outside (0, 1]", c.IoUThreshold)
	}
	if c.NumWorkers < 0 {
		return errors.Errorf("nms workers must be >= 0, got %d", c.NumWorkers)
	}
	return nil
}

// SortByScore orders detections by descending score. Equal scores keep their
// input order.
func SortByScore(detections []Result) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - config: NMS configuration. With ClassAware set, boxes only suppress boxes
//     of their own class.
//
// Returns:
//   - Filtered slice of detections, in input order. If no detections are provided, returns nil.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if config.ClassAware && anchor.Class != detections[j].Class {
				continue
			}

			// Suppress if IoU exceeds threshold
			if geometry.IoU(anchor.Box, detections[j].Box) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}

// ApplyClassNMS runs greedy NMS independently for every class.
//
// Detections are grouped by class and sorted by descending score inside each
// group; the groups are suppressed concurrently and concatenated in ascending
// class order.
//
// Arguments:
//   - ctx: Cancels pending groups.
//   - detections: Detections in any order. The slice is not modified.
//   - config: NMS configuration. ClassAware is implied.
//
// Returns:
//   - []Result: The survivors. Empty, not nil, when nothing survives.
//   - error: If the configuration is invalid or ctx is done.
func ApplyClassNMS(ctx context.Context, detections []Result, config *NMSConfig) ([]Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	groups := map[int][]Result{}
	for _, d := range detections {
		groups[d.Class] = append(groups[d.Class], d)
	}
	classes := make([]int, 0, len(groups))
	for c := range groups {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	kept := make([][]Result, len(classes))
	cfg := *config
	cfg.ClassAware = false

	g, gctx := errgroup.WithContext(ctx)
	if config.NumWorkers > 0 {
		g.SetLimit(config.NumWorkers)
	}
	for i, c := range classes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			group := groups[c]
			SortByScore(group)
			kept[i] = ApplyGreedyNMS(group, &cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "class nms")
	}

	out := make([]Result, 0, len(detections))
	for _, k := range kept {
		out = append(out, k...)
	}
	return out, nil
}
