package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/nvr-ai/go-multibox/codec"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5120*6, cfg.Target.SampleCapacity())
	assert.Equal(t, 4, cfg.Target.RegWidth())
	assert.Equal(t, codec.DefaultVariances, cfg.Target.Vars())
	assert.Equal(t, 32, cfg.RCNN.FgPerImage())

	cfg.Target.PerClassReg = true
	cfg.Target.NumClasses = 20
	assert.Equal(t, 84, cfg.Target.RegWidth())
}

func TestTargetValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Target)
	}{
		{"zero classes", func(c *Target) { c.NumClasses = 0 }},
		{"zero iou", func(c *Target) { c.ThIoU = 0 }},
		{"iou above one", func(c *Target) { c.ThIoU = 1.2 }},
		{"neg iou above pos iou", func(c *Target) { c.ThIoUNeg = 0.7 }},
		{"zero nms neg", func(c *Target) { c.ThNMSNeg = 0 }},
		{"nan anchor overlap", func(c *Target) { c.ThAnchorOverlap = float32FromNaN() }},
		{"zero max pos", func(c *Target) { c.MaxPosSample = 0 }},
		{"zero per gt", func(c *Target) { c.MaxPosPerGT = 0 }},
		{"negative reg ratio", func(c *Target) { c.RegSampleRatio = -1 }},
		{"negative neg ratio", func(c *Target) { c.HardNegRatio = -1 }},
		{"zero variance", func(c *Target) { c.Variances = []float32{0.1, 0, 0.2, 0.2} }},
		{"short variance", func(c *Target) { c.Variances = []float32{0.1} }},
		{"empty image", func(c *Target) { c.ImageWH = [2]float32{0, 512} }},
		{"negative workers", func(c *Target) { c.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTarget()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTargetValidate_ReportsEveryViolation(t *testing.T) {
	cfg := DefaultTarget()
	cfg.NumClasses = 0
	cfg.MaxPosSample = 0
	cfg.Variances = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
}

func TestDetectionAndRCNNValidate(t *testing.T) {
	d := DefaultDetection()
	require.NoError(t, d.Validate())
	d.ThNMS = 0
	d.MaxDetection = -1
	assert.Len(t, multierr.Errors(d.Validate()), 2)

	r := DefaultRCNN()
	require.NoError(t, r.Validate())
	r.BgThreshLo = 0.6
	assert.Error(t, r.Validate())

	r = DefaultRCNN()
	r.RoisPerImage = 0
	assert.Error(t, r.Validate())
}

func TestParse(t *testing.T) {
	data := []byte(`
target:
  num_classes: 20
  image_wh: [640, 480]
  max_pos_sample: 256
  per_cls_reg: true
detection:
  th_pos: 0.6
  variances: [0.1, 0.1, 0.25, 0.25]
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Target.NumClasses)
	assert.Equal(t, [2]float32{640, 480}, cfg.Target.ImageWH)
	assert.Equal(t, 256, cfg.Target.MaxPosSample)
	assert.True(t, cfg.Target.PerClassReg)
	// Unset fields keep their defaults.
	assert.Equal(t, float32(0.5), cfg.Target.ThIoU)
	assert.Equal(t, 3, cfg.Target.HardNegRatio)

	assert.Equal(t, float32(0.6), cfg.Detection.ThPos)
	assert.Equal(t, codec.Variances{0.1, 0.1, 0.25, 0.25}, cfg.Detection.Vars())
	assert.Equal(t, DefaultRCNN(), cfg.RCNN)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("target: [unclosed"))
	assert.Error(t, err)

	_, err = Parse([]byte("target:\n  th_iou: 0\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multibox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  th_nms: 0.45\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, float32(0.45), cfg.Detection.ThNMS)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func float32FromNaN() float32 {
	var zero float32
	return zero / zero
}
