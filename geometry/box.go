// Package geometry - Axis-aligned box primitives and the cached anchor layout.
package geometry

import (
	"fmt"

	"github.com/chewxy/math32"
)

const (
	// IoUEpsilon floors the union area in IoU so degenerate boxes never divide by zero.
	IoUEpsilon float32 = 1e-6
	// OverlapEpsilon floors the box area in OverlapFraction.
	OverlapEpsilon float32 = 1e-4
)

// Box is an axis-aligned box in (x1, y1, x2, y2) form.
//
// Intermediate math may produce x1 > x2 or y1 > y2; call Normalize before
// treating such a box as final.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// FromSlice builds a Box from the first four values of v.
func FromSlice(v []float32) Box {
	return Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
}

// Width returns x2 - x1, which is negative for an unnormalized box.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height returns y2 - y1, which is negative for an unnormalized box.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns (x2-x1)*(y2-y1).
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Center returns the center point of the box.
func (b Box) Center() (cx, cy float32) {
	return (b.X1 + b.X2) * 0.5, (b.Y1 + b.Y2) * 0.5
}

// Normalize swaps coordinates so that x1 <= x2 and y1 <= y2.
func (b Box) Normalize() Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// Scale multiplies x coordinates by sx and y coordinates by sy.
func (b Box) Scale(sx, sy float32) Box {
	return Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// Slice returns the box as a 4 element slice.
func (b Box) Slice() []float32 {
	return []float32{b.X1, b.Y1, b.X2, b.Y2}
}

func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Intersection returns the area shared by a and b, zero when they do not overlap.
func Intersection(a, b Box) float32 {
	iw := math32.Min(a.X2, b.X2) - math32.Max(a.X1, b.X1)
	ih := math32.Min(a.Y2, b.Y2) - math32.Max(a.Y1, b.Y1)
	return math32.Max(iw, 0) * math32.Max(ih, 0)
}

// IoU calculates the Intersection over Union of two boxes.
//
// The union is computed by inclusion-exclusion, area(a) + area(b) - I, and is
// floored at IoUEpsilon so zero-area boxes produce 0 instead of NaN.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - float32: A value between 0.0 and 1.0.
//
// Example Usage:
// ```go
//
//	a := Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
//	b := Box{X1: 50, Y1: 50, X2: 150, Y2: 150}
//	iou := IoU(a, b) // 2500 / 17500 = 0.142857
//
// ```
func IoU(a, b Box) float32 {
	inter := Intersection(a, b)
	union := a.Area() + b.Area() - inter
	return inter / math32.Max(union, IoUEpsilon)
}

// OverlapFraction returns the fraction of box that lies inside frame.
//
// Unlike IoU the denominator is the area of box alone, floored at
// OverlapEpsilon. It is used to reject anchors and detections that sit mostly
// outside the image.
func OverlapFraction(box, frame Box) float32 {
	return Intersection(box, frame) / math32.Max(box.Area(), OverlapEpsilon)
}

// Clip clamps every coordinate of box into the extent of frame.
func Clip(box, frame Box) Box {
	return Box{
		X1: clamp(box.X1, frame.X1, frame.X2),
		Y1: clamp(box.Y1, frame.Y1, frame.Y2),
		X2: clamp(box.X2, frame.X1, frame.X2),
		Y2: clamp(box.Y2, frame.Y1, frame.Y2),
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}

// Frame returns the box (0, 0, width, height).
func Frame(width, height float32) Box {
	return Box{X2: width, Y2: height}
}
