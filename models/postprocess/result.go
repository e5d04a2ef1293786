// Package postprocess - Postprocessing utilities for decoded detections.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-multibox/geometry"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result, in image coordinates.
	Box geometry.Box
	// The confidence score of the result.
	Score float32
	// The predicted class id of the result, 1..K.
	Class int
}

func (r Result) String() string {
	return fmt.Sprintf("class=%d score=%.4f box=%s", r.Class, r.Score, r.Box)
}
