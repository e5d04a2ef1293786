// Package rcnn - Fast R-CNN style ROI sampling with regression-only ROIs.
package rcnn

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-multibox/codec"
	"github.com/nvr-ai/go-multibox/config"
	"github.com/nvr-ai/go-multibox/geometry"
	"github.com/nvr-ai/go-multibox/sampling"
	"github.com/nvr-ai/go-multibox/target"
)

// ROIBatch is the fixed size minibatch of one image. Every slice has
// RoisPerImage rows.
type ROIBatch struct {
	// Width is the regression row width, 4*(K+1).
	Width int
	// Rois are the sampled boxes; padding rows are zero boxes.
	Rois []geometry.Box
	// Labels are the class targets: gt class for foreground, 0 for background,
	// -1 for regression-only and padding rows.
	Labels []float32
	// Targets and Weights are [RoisPerImage][Width]. Only the block of the
	// assigned gt class is set.
	Targets []float32
	Weights []float32
	// Source is the input ROI index of every row, -1 for padding.
	Source []int
}

// Stats counts ROIs at every stage of one Sample call.
type Stats struct {
	FgCandidates int
	BgCandidates int
	Foreground   int
	Background   int
	Regression   int
	Padding      int
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSampler replaces the random subset source.
func WithSampler(s sampling.Sampler) Option {
	return func(r *Sampler) {
		if s != nil {
			r.sampler = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Sampler) {
		if l != nil {
			r.logger = l
		}
	}
}

// Sampler draws foreground, background and regression-only ROIs.
type Sampler struct {
	cfg     config.RCNN
	vars    codec.Variances
	width   int
	sampler sampling.Sampler
	logger  *zap.Logger
}

// NewSampler creates a Sampler.
func NewSampler(cfg config.RCNN, opts ...Option) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid rcnn config")
	}
	s := &Sampler{
		cfg:     cfg,
		vars:    cfg.Vars(),
		width:   codec.Width(true, cfg.NumClasses+1),
		sampler: sampling.NewUniform(nil),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sample matches every ROI to its highest IoU ground truth, then samples.
//
// Arguments:
//   - rois: Candidate boxes.
//   - gts: Ground truth labels of the image.
//
// Returns:
//   - *ROIBatch: The sampled minibatch.
//   - Stats: Candidate and sample counts.
//   - error: If a label class is outside 1..K.
func (s *Sampler) Sample(rois []geometry.Box, gts []target.Label) (*ROIBatch, Stats, error) {
	assign := make([]int, len(rois))
	overlaps := make([]float32, len(rois))
	for i, r := range rois {
		assign[i] = -1
		for g, gt := range gts {
			if iou := geometry.IoU(r, gt.Box); assign[i] < 0 || iou > overlaps[i] {
				assign[i], overlaps[i] = g, iou
			}
		}
	}
	return s.SamplePrecomputed(rois, gts, assign, overlaps)
}

// SamplePrecomputed samples with a caller supplied assignment.
//
// assign[i] is the gt index matched to ROI i (-1 for none) and overlaps[i] the
// IoU of that match.
//
// Foreground ROIs have overlap >= fg_thresh. Each gt keeps at most
// max_pos_per_gt of them; the rest become regression-only candidates. The
// foreground is capped to fg_fraction*rois_per_image, the background (overlap
// in [bg_thresh_lo, bg_thresh_hi)) to max(1, bg_ratio*fg) and the remaining
// slots, and regression-only ROIs fill what is left.
func (s *Sampler) SamplePrecomputed(rois []geometry.Box, gts []target.Label, assign []int, overlaps []float32) (*ROIBatch, Stats, error) {
	n := len(rois)
	if len(assign) != n || len(overlaps) != n {
		return nil, Stats{}, errors.Errorf("%d rois with %d assignments and %d overlaps", n, len(assign), len(overlaps))
	}
	for i, g := range assign {
		if g < -1 || g >= len(gts) {
			return nil, Stats{}, errors.Errorf("roi %d assigned to gt %d of %d", i, g, len(gts))
		}
	}
	for i, gt := range gts {
		if gt.Class < 1 || gt.Class > s.cfg.NumClasses {
			return nil, Stats{}, errors.Errorf("gt %d: class %d outside 1..%d", i, gt.Class, s.cfg.NumClasses)
		}
	}

	perGT := make([][]int, len(gts))
	var bg []int
	for i := 0; i < n; i++ {
		switch {
		case assign[i] >= 0 && overlaps[i] >= s.cfg.FgThresh:
			perGT[assign[i]] = append(perGT[assign[i]], i)
		case overlaps[i] >= s.cfg.BgThreshLo && overlaps[i] < s.cfg.BgThreshHi:
			bg = append(bg, i)
		}
	}

	var fg, reg []int
	chosen := make([]bool, n)
	for _, idx := range perGT {
		keep := idx
		if len(idx) > s.cfg.MaxPosPerGT {
			keep = s.sampler.Choose(idx, s.cfg.MaxPosPerGT)
		}
		for _, i := range keep {
			chosen[i] = true
		}
		for _, i := range idx {
			if !chosen[i] {
				reg = append(reg, i)
			}
		}
		fg = append(fg, keep...)
	}

	stats := Stats{FgCandidates: len(fg), BgCandidates: len(bg)}
	rpi := s.cfg.RoisPerImage
	fg = s.sampler.Choose(fg, s.cfg.FgPerImage())
	nBg := min(max(1, s.cfg.BgRatio*len(fg)), rpi-len(fg), len(bg))
	bg = s.sampler.Choose(bg, nBg)
	reg = s.sampler.Choose(reg, max(0, rpi-len(fg)-len(bg)))

	out := &ROIBatch{
		Width:   s.width,
		Rois:    make([]geometry.Box, rpi),
		Labels:  make([]float32, rpi),
		Targets: make([]float32, rpi*s.width),
		Weights: make([]float32, rpi*s.width),
		Source:  make([]int, rpi),
	}
	row := 0
	put := func(i int, label float32, gt *target.Label) {
		out.Rois[row] = rois[i]
		out.Labels[row] = label
		out.Source[row] = i
		if gt != nil {
			t := codec.Encode(gt.Box, rois[i], s.vars, 1)
			tr, w := codec.Expand(t, gt.Class, s.cfg.NumClasses+1)
			copy(out.Targets[row*s.width:], tr)
			copy(out.Weights[row*s.width:], w)
		}
		row++
	}
	for _, i := range fg {
		gt := gts[assign[i]]
		put(i, float32(gt.Class), &gt)
	}
	for _, i := range bg {
		put(i, 0, nil)
	}
	for _, i := range reg {
		gt := gts[assign[i]]
		put(i, -1, &gt)
	}
	stats.Foreground, stats.Background, stats.Regression = len(fg), len(bg), len(reg)
	stats.Padding = rpi - row
	for ; row < rpi; row++ {
		out.Labels[row] = -1
		out.Source[row] = -1
	}

	s.logger.Debug("sampled rois",
		zap.Int("foreground", stats.Foreground),
		zap.Int("background", stats.Background),
		zap.Int("regression", stats.Regression),
		zap.Int("padding", stats.Padding))

	return out, stats, nil
}
