// Package detection - Decodes raw multibox outputs into per-image detections.
package detection

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-multibox/codec"
	"github.com/nvr-ai/go-multibox/config"
	"github.com/nvr-ai/go-multibox/geometry"
	"github.com/nvr-ai/go-multibox/models/postprocess"
)

// Detection is one decoded object: class id in 1..K, score and box in
// original image coordinates.
type Detection = postprocess.Result

// ImageInfo describes how one network input maps back to its source image.
type ImageInfo struct {
	// Height and Width of the source image.
	Height, Width float32
	// ScaleY and ScaleX multiply network coordinates into image coordinates.
	ScaleY, ScaleX float32
}

// Batch is the input of one decode pass.
type Batch struct {
	// Probs are the class probabilities, [N][K] per image.
	Probs [][]float32
	// Reg are the regression predictions, [N][4] or [N][4*(K+1)] per image.
	Reg [][]float32
	// Images describe each image of the batch.
	Images []ImageInfo
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// Decoder turns class probabilities and box regressions into detections.
type Decoder struct {
	cfg     config.Detection
	anchors []geometry.Box
	vars    codec.Variances
	width   int
	nms     postprocess.NMSConfig
	logger  *zap.Logger
}

// NewDecoder creates a Decoder.
//
// Arguments:
//   - cfg: The detection configuration.
//   - anchors: The anchors the regression is relative to, in network order.
//   - opts: Optional logger.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: If cfg is invalid or anchors is empty.
func NewDecoder(cfg config.Detection, anchors []geometry.Box, opts ...Option) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid detection config")
	}
	if len(anchors) == 0 {
		return nil, errors.New("decoder needs anchors")
	}
	d := &Decoder{
		cfg:     cfg,
		anchors: append([]geometry.Box(nil), anchors...),
		vars:    cfg.Vars(),
		width:   cfg.RegWidth(),
		nms:     postprocess.NMSConfig{IoUThreshold: cfg.ThNMS, ClassAware: true},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NumAnchors returns the number of anchors.
func (d *Decoder) NumAnchors() int {
	return len(d.anchors)
}

// Decode decodes every image of batch concurrently.
//
// Returns:
//   - [][]Detection: Detections per image, ascending class order and
//     descending score within a class. Images without survivors get an empty slice.
//   - error: If the batch shapes do not match the decoder or ctx is done.
func (d *Decoder) Decode(ctx context.Context, batch Batch) ([][]Detection, error) {
	nb := len(batch.Probs)
	if nb == 0 {
		return nil, errors.New("batch is empty")
	}
	if len(batch.Reg) != nb || len(batch.Images) != nb {
		return nil, errors.Errorf("batch has %d prob sets, %d regression sets and %d image infos",
			nb, len(batch.Reg), len(batch.Images))
	}

	out := make([][]Detection, nb)
	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.Workers > 0 {
		g.SetLimit(d.cfg.Workers)
	}
	for b := 0; b < nb; b++ {
		g.Go(func() error {
			dets, err := d.DecodeImage(gctx, batch.Probs[b], batch.Reg[b], batch.Images[b])
			if err != nil {
				return errors.Wrapf(err, "image %d", b)
			}
			out[b] = dets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeImage decodes one image.
//
// Anchors scoring above th_pos are decoded, rescaled into image coordinates,
// dropped when less than frame_overlap of the box lies inside the image,
// clipped to the image and suppressed per class.
func (d *Decoder) DecodeImage(ctx context.Context, probs, reg []float32, info ImageInfo) ([]Detection, error) {
	n := len(d.anchors)
	k := d.cfg.NumClasses
	if len(probs) != n*k {
		return nil, errors.Errorf("probs have %d values, want %d anchors x %d classes", len(probs), n, k)
	}
	if len(reg) != n*d.width {
		return nil, errors.Errorf("regression has %d values, want %d anchors x %d", len(reg), n, d.width)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame := geometry.Frame(info.Width, info.Height)
	var raw []Detection
	for i := 0; i < n; i++ {
		cls, score := 1, probs[i*k]
		for c := 1; c < k; c++ {
			if p := probs[i*k+c]; p > score {
				cls, score = c+1, p
			}
		}
		if !(score > d.cfg.ThPos) {
			continue
		}

		row := reg[i*d.width : (i+1)*d.width]
		var p [4]float32
		if d.cfg.PerClassReg {
			p = codec.Pick(row, cls)
		} else {
			copy(p[:], row)
		}
		box := codec.Decode(p, d.anchors[i], d.vars, 1).Scale(info.ScaleX, info.ScaleY)
		if geometry.OverlapFraction(box, frame) <= d.cfg.FrameOverlap {
			continue
		}
		raw = append(raw, Detection{Box: geometry.Clip(box, frame), Score: score, Class: cls})
	}

	kept, err := postprocess.ApplyClassNMS(ctx, raw, &d.nms)
	if err != nil {
		return nil, err
	}
	if d.cfg.MaxDetection > 0 && len(kept) > d.cfg.MaxDetection {
		d.logger.Debug("detections capped",
			zap.Int("survivors", len(kept)),
			zap.Int("max_detection", d.cfg.MaxDetection))
		kept = capDetections(kept, d.cfg.MaxDetection)
	}
	return kept, nil
}

// capDetections keeps the limit best scores and restores class order.
func capDetections(dets []Detection, limit int) []Detection {
	postprocess.SortByScore(dets)
	dets = dets[:limit]
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Class < dets[j].Class
	})
	return dets
}
