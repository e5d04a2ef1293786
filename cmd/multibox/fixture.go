package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-multibox/detection"
	"github.com/nvr-ai/go-multibox/geometry"
	"github.com/nvr-ai/go-multibox/target"
)

// fixture is a YAML description of one batch. Which image fields are needed
// depends on the command.
type fixture struct {
	Anchors [][4]float32   `yaml:"anchors"`
	Images  []imageFixture `yaml:"images"`
}

type imageFixture struct {
	// Labels are (class, x1, y1, x2, y2[, difficult]) rows.
	Labels [][]float32 `yaml:"labels"`

	// assign
	ClassScores [][]float32 `yaml:"class_scores"`
	Confusion   []float32   `yaml:"confusion"`
	RPNWeight   []float32   `yaml:"rpn_weight"`

	// detect
	Probs  [][]float32 `yaml:"probs"`
	Reg    [][]float32 `yaml:"reg"`
	Height float32     `yaml:"height"`
	Width  float32     `yaml:"width"`
	ScaleY float32     `yaml:"scale_y"`
	ScaleX float32     `yaml:"scale_x"`

	// rois
	Rois [][4]float32 `yaml:"rois"`
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read fixture")
	}
	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse fixture")
	}
	if len(f.Anchors) == 0 && len(f.Images) == 0 {
		return nil, errors.New("fixture is empty")
	}
	return &f, nil
}

func boxes(rows [][4]float32) []geometry.Box {
	out := make([]geometry.Box, len(rows))
	for i, r := range rows {
		out[i] = geometry.FromSlice(r[:])
	}
	return out
}

func flatten(rows [][]float32) []float32 {
	var out []float32
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func (f *fixture) labels(numClasses int) ([][]target.Label, error) {
	out := make([][]target.Label, len(f.Images))
	for i, img := range f.Images {
		labels, err := target.ParseLabels(img.Labels, numClasses)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		out[i] = labels
	}
	return out, nil
}

func (f *fixture) targetBatch(numClasses int) (target.Batch, error) {
	labels, err := f.labels(numClasses)
	if err != nil {
		return target.Batch{}, err
	}
	b := target.Batch{Labels: labels}
	for _, img := range f.Images {
		b.ClassScores = append(b.ClassScores, flatten(img.ClassScores))
		b.Confusion = append(b.Confusion, img.Confusion)
		if img.RPNWeight != nil {
			b.RPNWeight = append(b.RPNWeight, img.RPNWeight)
		}
	}
	if b.RPNWeight != nil && len(b.RPNWeight) != len(f.Images) {
		return target.Batch{}, errors.New("rpn_weight must be set for every image or none")
	}
	return b, nil
}

func (f *fixture) detectionBatch() detection.Batch {
	var b detection.Batch
	for _, img := range f.Images {
		info := detection.ImageInfo{Height: img.Height, Width: img.Width, ScaleY: img.ScaleY, ScaleX: img.ScaleX}
		if info.ScaleY == 0 {
			info.ScaleY = 1
		}
		if info.ScaleX == 0 {
			info.ScaleX = 1
		}
		b.Probs = append(b.Probs, flatten(img.Probs))
		b.Reg = append(b.Reg, flatten(img.Reg))
		b.Images = append(b.Images, info)
	}
	return b
}

func (f *fixture) rois() [][]geometry.Box {
	out := make([][]geometry.Box, len(f.Images))
	for i, img := range f.Images {
		out[i] = boxes(img.Rois)
	}
	return out
}
