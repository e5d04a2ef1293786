// Package config - Configuration for target assignment, detection decoding and ROI sampling.
package config

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-multibox/codec"
)

// Config groups the configuration of every engine.
type Config struct {
	// Target configures training target assignment and hard negative mining.
	Target Target `json:"target" yaml:"target"`
	// Detection configures inference decoding and NMS.
	Detection Detection `json:"detection" yaml:"detection"`
	// RCNN configures ROI sampling.
	RCNN RCNN `json:"rcnn" yaml:"rcnn"`
}

// Target configures the anchor target assignment engine.
type Target struct {
	// NumClasses is the number of foreground classes. Class ids run 1..NumClasses,
	// 0 is background.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ImageWH is the network input frame (width, height) used for the anchor
	// out-of-bounds mask.
	ImageWH [2]float32 `json:"image_wh" yaml:"image_wh"`
	// ThIoU is the IoU above which an anchor becomes a positive.
	ThIoU float32 `json:"th_iou" yaml:"th_iou"`
	// ThIoUNeg is the IoU above which an anchor is never mined as a negative,
	// and the lower bound for regression-only samples.
	ThIoUNeg float32 `json:"th_iou_neg" yaml:"th_iou_neg"`
	// ThNMSNeg is the suppression IoU between mined negatives. 1 disables.
	ThNMSNeg float32 `json:"th_nms_neg" yaml:"th_nms_neg"`
	// MaxPosSample caps positives per pass.
	MaxPosSample int `json:"max_pos_sample" yaml:"max_pos_sample"`
	// MaxPosPerGT caps positive anchors per ground truth box.
	MaxPosPerGT int `json:"max_pos_per_gt" yaml:"max_pos_per_gt"`
	// RegSampleRatio is the regression-only to positive sample ratio.
	RegSampleRatio int `json:"reg_sample_ratio" yaml:"reg_sample_ratio"`
	// HardNegRatio is the negative to positive sample ratio.
	HardNegRatio int `json:"hard_neg_ratio" yaml:"hard_neg_ratio"`
	// Variances scale the four regression components.
	Variances []float32 `json:"variances" yaml:"variances"`
	// PerClassReg enables a separate regression block per class.
	PerClassReg bool `json:"per_cls_reg" yaml:"per_cls_reg"`
	// ThAnchorOverlap is the frame overlap at or below which an anchor is out of bounds.
	ThAnchorOverlap float32 `json:"th_anc_overlap" yaml:"th_anc_overlap"`
	// Normalization divides scattered gradients by valid sample counts.
	Normalization bool `json:"normalization" yaml:"normalization"`
	// Workers bounds per-image mining goroutines. 0 means one per image.
	Workers int `json:"workers" yaml:"workers"`
}

// Detection configures the inference decoder.
type Detection struct {
	// NumClasses is the number of foreground classes in the probability tensor.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ThPos is the score an anchor must exceed to become a detection.
	ThPos float32 `json:"th_pos" yaml:"th_pos"`
	// ThNMS is the per-class NMS suppression IoU.
	ThNMS float32 `json:"th_nms" yaml:"th_nms"`
	// FrameOverlap is the fraction of a box that must lie inside the image.
	FrameOverlap float32 `json:"frame_overlap" yaml:"frame_overlap"`
	// MaxDetection caps detections per image. 0 disables the cap.
	MaxDetection int `json:"max_detection" yaml:"max_detection"`
	// PerClassReg selects the regression block of the predicted class.
	PerClassReg bool `json:"per_cls_reg" yaml:"per_cls_reg"`
	// Variances scale the four regression components.
	Variances []float32 `json:"variances" yaml:"variances"`
	// Workers bounds per-image decode goroutines. 0 means one per image.
	Workers int `json:"workers" yaml:"workers"`
}

// RCNN configures the ROI sampler.
type RCNN struct {
	NumClasses   int       `json:"num_classes" yaml:"num_classes"`
	RoisPerImage int       `json:"rois_per_image" yaml:"rois_per_image"`
	FgFraction   float32   `json:"fg_fraction" yaml:"fg_fraction"`
	FgThresh     float32   `json:"fg_thresh" yaml:"fg_thresh"`
	BgThreshHi   float32   `json:"bg_thresh_hi" yaml:"bg_thresh_hi"`
	BgThreshLo   float32   `json:"bg_thresh_lo" yaml:"bg_thresh_lo"`
	BgRatio      int       `json:"bg_ratio" yaml:"bg_ratio"`
	MaxPosPerGT  int       `json:"max_pos_per_gt" yaml:"max_pos_per_gt"`
	Variances    []float32 `json:"variances" yaml:"variances"`
}

func defaultVariances() []float32 {
	v := codec.DefaultVariances
	return v[:]
}

// DefaultTarget returns the RON target defaults.
func DefaultTarget() Target {
	return Target{
		NumClasses:      1,
		ImageWH:         [2]float32{512, 512},
		ThIoU:           0.5,
		ThIoUNeg:        1.0 / 3.0,
		ThNMSNeg:        0.5,
		MaxPosSample:    5120,
		MaxPosPerGT:     5,
		RegSampleRatio:  2,
		HardNegRatio:    3,
		Variances:       defaultVariances(),
		PerClassReg:     false,
		ThAnchorOverlap: 0.6,
		Normalization:   false,
	}
}

// DefaultDetection returns the multibox detection defaults.
func DefaultDetection() Detection {
	return Detection{
		NumClasses:   1,
		ThPos:        0.5,
		ThNMS:        0.3333,
		FrameOverlap: 0.6,
		MaxDetection: 1000,
		Variances:    defaultVariances(),
	}
}

// DefaultRCNN returns the Fast R-CNN sampling defaults.
func DefaultRCNN() RCNN {
	return RCNN{
		NumClasses:   1,
		RoisPerImage: 128,
		FgFraction:   0.25,
		FgThresh:     0.5,
		BgThreshHi:   0.5,
		BgThreshLo:   0.0,
		BgRatio:      3,
		MaxPosPerGT:  5,
		Variances:    defaultVariances(),
	}
}

// Default returns a Config with every section at its defaults.
func Default() Config {
	return Config{
		Target:    DefaultTarget(),
		Detection: DefaultDetection(),
		RCNN:      DefaultRCNN(),
	}
}

// Load reads a YAML (or JSON) configuration file on top of Default.
//
// Arguments:
//   - path: The configuration file path.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: If the file cannot be read, parsed or fails validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON) data on top of Default and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and reports all violations at once.
func (c Config) Validate() error {
	return multierr.Combine(
		errors.Wrap(c.Target.Validate(), "target"),
		errors.Wrap(c.Detection.Validate(), "detection"),
		errors.Wrap(c.RCNN.Validate(), "rcnn"),
	)
}

// Validate reports every invalid field of t.
func (t Target) Validate() error {
	var err error
	if t.NumClasses < 1 {
		err = multierr.Append(err, errors.Errorf("num_classes must be >= 1, got %d", t.NumClasses))
	}
	if !(t.ImageWH[0] > 0 && t.ImageWH[1] > 0) {
		err = multierr.Append(err, errors.Errorf("image_wh must be positive, got %v", t.ImageWH))
	}
	err = multierr.Append(err, inRange("th_iou", t.ThIoU, 0, 1, false))
	err = multierr.Append(err, inRange("th_iou_neg", t.ThIoUNeg, 0, 1, true))
	if t.ThIoUNeg > t.ThIoU {
		err = multierr.Append(err, errors.Errorf("th_iou_neg %v exceeds th_iou %v", t.ThIoUNeg, t.ThIoU))
	}
	err = multierr.Append(err, inRange("th_nms_neg", t.ThNMSNeg, 0, 1, false))
	err = multierr.Append(err, inRange("th_anc_overlap", t.ThAnchorOverlap, 0, 1, true))
	if t.MaxPosSample < 1 {
		err = multierr.Append(err, errors.Errorf("max_pos_sample must be >= 1, got %d", t.MaxPosSample))
	}
	if t.MaxPosPerGT < 1 {
		err = multierr.Append(err, errors.Errorf("max_pos_per_gt must be >= 1, got %d", t.MaxPosPerGT))
	}
	if t.RegSampleRatio < 0 {
		err = multierr.Append(err, errors.Errorf("reg_sample_ratio must be >= 0, got %d", t.RegSampleRatio))
	}
	if t.HardNegRatio < 0 {
		err = multierr.Append(err, errors.Errorf("hard_neg_ratio must be >= 0, got %d", t.HardNegRatio))
	}
	if t.Workers < 0 {
		err = multierr.Append(err, errors.Errorf("workers must be >= 0, got %d", t.Workers))
	}
	if _, verr := codec.NewVariances(t.Variances); verr != nil {
		err = multierr.Append(err, verr)
	}
	return err
}

// SampleCapacity is the fixed output buffer size
// max_pos_sample*(1+reg_sample_ratio+hard_neg_ratio).
func (t Target) SampleCapacity() int {
	return t.MaxPosSample * (1 + t.RegSampleRatio + t.HardNegRatio)
}

// RegWidth is the regression row width, 4 or 4*(NumClasses+1).
func (t Target) RegWidth() int {
	return codec.Width(t.PerClassReg, t.NumClasses+1)
}

// Vars returns the validated variances. It must only be called after Validate succeeded.
func (t Target) Vars() codec.Variances {
	v, _ := codec.NewVariances(t.Variances)
	return v
}

// Validate reports every invalid field of d.
func (d Detection) Validate() error {
	var err error
	if d.NumClasses < 1 {
		err = multierr.Append(err, errors.Errorf("num_classes must be >= 1, got %d", d.NumClasses))
	}
	err = multierr.Append(err, inRange("th_pos", d.ThPos, 0, 1, true))
	err = multierr.Append(err, inRange("th_nms", d.ThNMS, 0, 1, false))
	err = multierr.Append(err, inRange("frame_overlap", d.FrameOverlap, 0, 1, true))
	if d.MaxDetection < 0 {
		err = multierr.Append(err, errors.Errorf("max_detection must be >= 0, got %d", d.MaxDetection))
	}
	if d.Workers < 0 {
		err = multierr.Append(err, errors.Errorf("workers must be >= 0, got %d", d.Workers))
	}
	if _, verr := codec.NewVariances(d.Variances); verr != nil {
		err = multierr.Append(err, verr)
	}
	return err
}

// RegWidth is the regression row width, 4 or 4*(NumClasses+1).
func (d Detection) RegWidth() int {
	return codec.Width(d.PerClassReg, d.NumClasses+1)
}

// Vars returns the validated variances.
func (d Detection) Vars() codec.Variances {
	v, _ := codec.NewVariances(d.Variances)
	return v
}

// Validate reports every invalid field of r.
func (r RCNN) Validate() error {
	var err error
	if r.NumClasses < 1 {
		err = multierr.Append(err, errors.Errorf("num_classes must be >= 1, got %d", r.NumClasses))
	}
	if r.RoisPerImage < 1 {
		err = multierr.Append(err, errors.Errorf("rois_per_image must be >= 1, got %d", r.RoisPerImage))
	}
	err = multierr.Append(err, inRange("fg_fraction", r.FgFraction, 0, 1, false))
	err = multierr.Append(err, inRange("fg_thresh", r.FgThresh, 0, 1, false))
	err = multierr.Append(err, inRange("bg_thresh_hi", r.BgThreshHi, 0, 1, true))
	err = multierr.Append(err, inRange("bg_thresh_lo", r.BgThreshLo, 0, 1, true))
	if r.BgThreshLo > r.BgThreshHi {
		err = multierr.Append(err, errors.Errorf("bg_thresh_lo %v exceeds bg_thresh_hi %v", r.BgThreshLo, r.BgThreshHi))
	}
	if r.BgRatio < 0 {
		err = multierr.Append(err, errors.Errorf("bg_ratio must be >= 0, got %d", r.BgRatio))
	}
	if r.MaxPosPerGT < 1 {
		err = multierr.Append(err, errors.Errorf("max_pos_per_gt must be >= 1, got %d", r.MaxPosPerGT))
	}
	if _, verr := codec.NewVariances(r.Variances); verr != nil {
		err = multierr.Append(err, verr)
	}
	return err
}

// FgPerImage is round(fg_fraction * rois_per_image).
func (r RCNN) FgPerImage() int {
	return int(r.FgFraction*float32(r.RoisPerImage) + 0.5)
}

// Vars returns the validated variances.
func (r RCNN) Vars() codec.Variances {
	v, _ := codec.NewVariances(r.Variances)
	return v
}

// inRange checks lo < v <= hi, or lo <= v <= hi when closed is set.
func inRange(name string, v, lo, hi float32, closed bool) error {
	if v > hi || v < lo || (!closed && v == lo) || v != v {
		if closed {
			return errors.Errorf("%s must be in [%v, %v], got %v", name, lo, hi, v)
		}
		return errors.Errorf("%s must be in (%v, %v], got %v", name, lo, hi, v)
	}
	return nil
}
