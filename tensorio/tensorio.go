// Package tensorio - Conversions between gorgonia dense tensors and the engine types.
//
// Inputs are float32 tensors in row major order. Shapes are validated up
// front; a mismatch is a configuration error, never a partial result.
package tensorio

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/detection"
	"github.com/nvr-ai/go-multibox/geometry"
	"github.com/nvr-ai/go-multibox/rcnn"
	"github.com/nvr-ai/go-multibox/target"
)

// Any matches any extent in a shape passed to Float32s.
const Any = -1

// DetectionWidth is the row width of a detection tensor: class, score, x1, y1, x2, y2.
const DetectionWidth = 6

// Float32s returns the backing data of t after checking its dtype and shape.
//
// Arguments:
//   - t: The tensor.
//   - name: Used in error messages.
//   - shape: The expected shape; Any matches any extent.
//
// Returns:
//   - []float32: The row major data, shared with t.
//   - error: If t is nil, not float32 or has the wrong shape.
func Float32s(t *tensor.Dense, name string, shape ...int) ([]float32, error) {
	if t == nil {
		return nil, errors.Errorf("%s: tensor is nil", name)
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("%s: dtype %v, want float32", name, t.Dtype())
	}
	got := t.Shape()
	if len(got) != len(shape) {
		return nil, errors.Errorf("%s: shape %v, want %d dims", name, got, len(shape))
	}
	for i, s := range shape {
		if s != Any && got[i] != s {
			return nil, errors.Errorf("%s: shape %v, want %v", name, got, shape)
		}
	}
	return t.Float32s(), nil
}

// New wraps data in a float32 tensor of the given shape.
func New(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32), tensor.WithBacking(data))
}

// Anchors reads an [N, 4] anchor tensor.
func Anchors(t *tensor.Dense) ([]geometry.Box, error) {
	data, err := Float32s(t, "anchors", Any, 4)
	if err != nil {
		return nil, err
	}
	n := t.Shape()[0]
	out := make([]geometry.Box, n)
	for i := range out {
		out[i] = geometry.FromSlice(data[i*4 : i*4+4])
	}
	return out, nil
}

// Labels reads a [B, L, 5] or [B, L, 6] padded label tensor.
func Labels(t *tensor.Dense, numClasses int) ([][]target.Label, error) {
	data, err := Float32s(t, "labels", Any, Any, Any)
	if err != nil {
		return nil, err
	}
	s := t.Shape()
	nb, nl, w := s[0], s[1], s[2]
	if w != 5 && w != 6 {
		return nil, errors.Errorf("labels: row width %d, want 5 or 6", w)
	}
	out := make([][]target.Label, nb)
	for b := 0; b < nb; b++ {
		rows := make([][]float32, nl)
		for l := 0; l < nl; l++ {
			off := (b*nl + l) * w
			rows[l] = data[off : off+w]
		}
		labels, err := target.ParseLabels(rows, numClasses)
		if err != nil {
			return nil, errors.Wrapf(err, "labels: image %d", b)
		}
		out[b] = labels
	}
	return out, nil
}

// PerImage splits a [B, N, width] tensor, or [B, N] when width is 0, into one
// flat slice per image. The slices share t's data.
func PerImage(t *tensor.Dense, name string, n, width int) ([][]float32, error) {
	shape := []int{Any, n}
	stride := n
	if width > 0 {
		shape = append(shape, width)
		stride *= width
	}
	data, err := Float32s(t, name, shape...)
	if err != nil {
		return nil, err
	}
	nb := t.Shape()[0]
	out := make([][]float32, nb)
	for b := range out {
		out[b] = data[b*stride : (b+1)*stride]
	}
	return out, nil
}

// ImageInfos reads the [B, 2] image scale (sy, sx) and image shape (h, w)
// tensors.
func ImageInfos(scale, shape *tensor.Dense) ([]detection.ImageInfo, error) {
	sc, err := Float32s(scale, "image_scale", Any, 2)
	if err != nil {
		return nil, err
	}
	sh, err := Float32s(shape, "image_shape", Any, 2)
	if err != nil {
		return nil, err
	}
	nb := scale.Shape()[0]
	if shape.Shape()[0] != nb {
		return nil, errors.Errorf("image_scale has %d rows, image_shape %d", nb, shape.Shape()[0])
	}
	out := make([]detection.ImageInfo, nb)
	for b := range out {
		out[b] = detection.ImageInfo{
			ScaleY: sc[2*b],
			ScaleX: sc[2*b+1],
			Height: sh[2*b],
			Width:  sh[2*b+1],
		}
	}
	return out, nil
}

// TargetInputs are the tensors of one assignment pass.
type TargetInputs struct {
	// Labels is [B, L, 5|6].
	Labels *tensor.Dense
	// ClassScores is [B, N, K+1].
	ClassScores *tensor.Dense
	// Confusion is [B, N].
	Confusion *tensor.Dense
	// RPNWeight is [B, N]; optional.
	RPNWeight *tensor.Dense
}

// TargetBatch converts assignment inputs for numAnchors anchors and
// numClasses foreground classes.
func TargetBatch(in TargetInputs, numAnchors, numClasses int) (target.Batch, error) {
	labels, err := Labels(in.Labels, numClasses)
	if err != nil {
		return target.Batch{}, err
	}
	scores, err := PerImage(in.ClassScores, "class_scores", numAnchors, numClasses+1)
	if err != nil {
		return target.Batch{}, err
	}
	conf, err := PerImage(in.Confusion, "confusion", numAnchors, 0)
	if err != nil {
		return target.Batch{}, err
	}
	batch := target.Batch{Labels: labels, ClassScores: scores, Confusion: conf}
	if in.RPNWeight != nil {
		if batch.RPNWeight, err = PerImage(in.RPNWeight, "rpn_weight", numAnchors, 0); err != nil {
			return target.Batch{}, err
		}
	}
	return batch, nil
}

// DetectionInputs are the tensors of one decode pass.
type DetectionInputs struct {
	// Probs is [B, N, K].
	Probs *tensor.Dense
	// Reg is [B, N, 4] or [B, N, 4*(K+1)].
	Reg *tensor.Dense
	// ImageScale is [B, 2] (sy, sx).
	ImageScale *tensor.Dense
	// ImageShape is [B, 2] (h, w).
	ImageShape *tensor.Dense
}

// DetectionBatch converts decode inputs.
func DetectionBatch(in DetectionInputs, numAnchors, numClasses, regWidth int) (detection.Batch, error) {
	probs, err := PerImage(in.Probs, "probs", numAnchors, numClasses)
	if err != nil {
		return detection.Batch{}, err
	}
	reg, err := PerImage(in.Reg, "reg", numAnchors, regWidth)
	if err != nil {
		return detection.Batch{}, err
	}
	infos, err := ImageInfos(in.ImageScale, in.ImageShape)
	if err != nil {
		return detection.Batch{}, err
	}
	if len(infos) != len(probs) || len(reg) != len(probs) {
		return detection.Batch{}, errors.Errorf("batch sizes differ: probs %d, reg %d, images %d",
			len(probs), len(reg), len(infos))
	}
	return detection.Batch{Probs: probs, Reg: reg, Images: infos}, nil
}

// SampleTensors are the assignment outputs as tensors.
type SampleTensors struct {
	// Class is [S].
	Class *tensor.Dense
	// Reg and Mask are [S, W].
	Reg  *tensor.Dense
	Mask *tensor.Dense
	// Locations is int32 [S, 2].
	Locations *tensor.Dense
	// Weight is [S].
	Weight *tensor.Dense
	// RPN is [S].
	RPN *tensor.Dense
}

// FromOutput wraps the assignment buffers. The tensors share o's data.
func FromOutput(o *target.Output) SampleTensors {
	return SampleTensors{
		Class:     New(o.Class, o.Capacity),
		Reg:       New(o.Reg, o.Capacity, o.Width),
		Mask:      New(o.Mask, o.Capacity, o.Width),
		Locations: tensor.New(tensor.WithShape(o.Capacity, 2), tensor.Of(tensor.Int32), tensor.WithBacking(o.Locations)),
		Weight:    New(o.Weight, o.Capacity),
		RPN:       New(o.RPN, o.Capacity),
	}
}

// FromDetections packs detections into an [M, 6] tensor of (class, score,
// x1, y1, x2, y2) rows. It returns nil when dets is empty.
func FromDetections(dets []detection.Detection) *tensor.Dense {
	if len(dets) == 0 {
		return nil
	}
	data := make([]float32, 0, len(dets)*DetectionWidth)
	for _, d := range dets {
		data = append(data, float32(d.Class), d.Score, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
	}
	return New(data, len(dets), DetectionWidth)
}

// ROITensors are the ROI sampler outputs as tensors.
type ROITensors struct {
	// Rois is [R, 4].
	Rois *tensor.Dense
	// Labels is [R].
	Labels *tensor.Dense
	// Targets and Weights are [R, 4*(K+1)].
	Targets *tensor.Dense
	Weights *tensor.Dense
}

// FromROIBatch wraps a sampled ROI minibatch.
func FromROIBatch(b *rcnn.ROIBatch) ROITensors {
	n := len(b.Labels)
	rois := make([]float32, 0, n*4)
	for _, r := range b.Rois {
		rois = append(rois, r.X1, r.Y1, r.X2, r.Y2)
	}
	return ROITensors{
		Rois:    New(rois, n, 4),
		Labels:  New(b.Labels, n),
		Targets: New(b.Targets, n, b.Width),
		Weights: New(b.Weights, n, b.Width),
	}
}
