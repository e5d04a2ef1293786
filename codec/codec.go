// Package codec - Center/size log2 box regression encoding.
//
// A ground-truth box is encoded relative to an anchor as
//
//	t0 = (gcx-acx)/aw/v0    t1 = (gcy-acy)/ah/v1
//	t2 = log2(gw/aw)/v2     t3 = log2(gh/ah)/v3
//
// and Decode is its exact inverse. Base 2 is fixed so targets produced for
// training and boxes decoded at inference agree with each other and with
// previously trained weights.
package codec

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-multibox/geometry"
)

// MinExtent floors widths and heights before divisions and logarithms.
const MinExtent float32 = 1e-6

// DefaultVariances is the (center-x, center-y, log-width, log-height) scaling
// used by SSD style detectors.
var DefaultVariances = Variances{0.1, 0.1, 0.2, 0.2}

// Variances scales the four regression components.
type Variances [4]float32

// NewVariances validates v and converts it to Variances.
//
// Arguments:
//   - v: Exactly four strictly positive values.
//
// Returns:
//   - Variances: The validated variances.
//   - error: If v does not have four entries or any entry is <= 0.
func NewVariances(v []float32) (Variances, error) {
	var out Variances
	if len(v) != 4 {
		return out, errors.Errorf("variances need 4 values, got %d", len(v))
	}
	for i, x := range v {
		if !(x > 0) {
			return out, errors.Errorf("variance %d must be positive, got %v", i, x)
		}
		out[i] = x
	}
	return out, nil
}

// Validate reports an error if any variance is not strictly positive.
func (v Variances) Validate() error {
	_, err := NewVariances(v[:])
	return err
}

// Encode computes the regression target of gt relative to anchor.
//
// ratio scales the anchor extent (1.0 for the standard parameterization).
// Degenerate anchors and boxes are floored at MinExtent so the result is always
// finite.
func Encode(gt, anchor geometry.Box, v Variances, ratio float32) [4]float32 {
	acx, acy := anchor.Center()
	aw := math32.Max(anchor.Width()*ratio, MinExtent)
	ah := math32.Max(anchor.Height()*ratio, MinExtent)
	gcx, gcy := gt.Center()
	gw := math32.Max(gt.Width(), MinExtent)
	gh := math32.Max(gt.Height(), MinExtent)

	return [4]float32{
		(gcx - acx) / aw / v[0],
		(gcy - acy) / ah / v[1],
		math32.Log2(gw/aw) / v[2],
		math32.Log2(gh/ah) / v[3],
	}
}

// Decode reconstructs an absolute box from the prediction p relative to anchor.
func Decode(p [4]float32, anchor geometry.Box, v Variances, ratio float32) geometry.Box {
	acx, acy := anchor.Center()
	aw := math32.Max(anchor.Width()*ratio, MinExtent)
	ah := math32.Max(anchor.Height()*ratio, MinExtent)

	cx := acx + p[0]*v[0]*aw
	cy := acy + p[1]*v[1]*ah
	hw := math32.Exp2(p[2]*v[2]) * aw * 0.5
	hh := math32.Exp2(p[3]*v[3]) * ah * 0.5

	return geometry.Box{X1: cx - hw, Y1: cy - hh, X2: cx + hw, Y2: cy + hh}
}

// Width returns the regression row width: 4, or 4*numClasses with per-class
// regression.
func Width(perClass bool, numClasses int) int {
	if perClass {
		return 4 * numClasses
	}
	return 4
}

// Expand places t into a 4*numClasses wide row at offset classID*4.
//
// Every other entry of both target and mask is zero, so a single masked loss
// reduction works the same way with and without per-class regression.
func Expand(t [4]float32, classID, numClasses int) (target, mask []float32) {
	target = make([]float32, 4*numClasses)
	mask = make([]float32, 4*numClasses)
	if classID < 0 || classID >= numClasses {
		return target, mask
	}
	copy(target[classID*4:classID*4+4], t[:])
	for i := classID * 4; i < classID*4+4; i++ {
		mask[i] = 1
	}
	return target, mask
}

// Shared returns t and an all-ones mask as class agnostic rows.
func Shared(t [4]float32) (target, mask []float32) {
	return []float32{t[0], t[1], t[2], t[3]}, []float32{1, 1, 1, 1}
}

// Pick selects the 4 channel block of classID from a per-class regression row.
func Pick(reg []float32, classID int) [4]float32 {
	var p [4]float32
	off := classID * 4
	if off < 0 || off+4 > len(reg) {
		return p
	}
	copy(p[:], reg[off:off+4])
	return p
}
