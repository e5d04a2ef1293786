package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nvr-ai/go-multibox/config"
	"github.com/nvr-ai/go-multibox/geometry"
	"github.com/nvr-ai/go-multibox/sampling"
	"github.com/nvr-ai/go-multibox/target"
	"github.com/nvr-ai/go-multibox/tensorio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testAnchors = []geometry.Box{
	{X1: 0, Y1: 0, X2: 20, Y2: 20},
	{X1: 2, Y1: 0, X2: 22, Y2: 20},
	{X1: 8, Y1: 0, X2: 28, Y2: 20},
	{X1: 60, Y1: 60, X2: 80, Y2: 80},
	{X1: 90, Y1: 90, X2: 130, Y2: 130},
	{X1: 62, Y1: 60, X2: 82, Y2: 80},
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Target.NumClasses = 2
	cfg.Target.ImageWH = [2]float32{100, 100}
	cfg.Target.MaxPosSample = 10
	cfg.Detection.NumClasses = 2
	cfg.RCNN.NumClasses = 2
	cfg.RCNN.RoisPerImage = 4
	return cfg
}

func newEngine(t *testing.T) Engine {
	t.Helper()
	e, err := NewEngineBuilder().
		WithConfig(testConfig()).
		WithAnchors(testAnchors).
		WithSampler(sampling.Prefix{}).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBuild_Errors(t *testing.T) {
	bad := testConfig()
	bad.Target.ThIoU = 0

	tests := []struct {
		name string
		b    *EngineBuilder
	}{
		{"no config", NewEngineBuilder().WithAnchors(testAnchors)},
		{"no anchors", NewEngineBuilder().WithConfig(testConfig())},
		{"invalid config", NewEngineBuilder().WithConfig(bad).WithAnchors(testAnchors)},
		{"bad anchor tensor", NewEngineBuilder().WithConfig(testConfig()).WithAnchorTensor(tensorio.New(make([]float32, 6), 2, 3))},
		{"missing config file", NewEngineBuilder().WithConfigFile("does-not-exist.yaml").WithAnchors(testAnchors)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			assert.Error(t, err)
			assert.Panics(t, func() { tt.b.MustBuild() })
		})
	}
}

func TestBuild_AnchorTensor(t *testing.T) {
	data := make([]float32, 0, len(testAnchors)*4)
	for _, a := range testAnchors {
		data = append(data, a.Slice()...)
	}
	core, logs := observer.New(zapcore.InfoLevel)
	e, err := NewEngineBuilder().
		WithConfig(testConfig()).
		WithAnchorTensor(tensorio.New(data, len(testAnchors), 4)).
		WithLogger(zap.New(core)).
		Build()
	require.NoError(t, err)
	defer e.Close()

	ready := logs.FilterMessage("engine ready").All()
	require.Len(t, ready, 1)
	assert.Equal(t, int64(6), ready[0].ContextMap()["anchors"])
	assert.Equal(t, int64(1), ready[0].ContextMap()["out_of_bounds"])
	assert.Equal(t, int64(60), ready[0].ContextMap()["sample_capacity"])
}

func TestAssign_Tensors(t *testing.T) {
	e := newEngine(t)

	// Every anchor predicts background except anchor 2, which predicts class 1.
	scores := make([]float32, 6*3)
	for i := 0; i < 6; i++ {
		scores[i*3], scores[i*3+1], scores[i*3+2] = 0.8, 0.1, 0.1
	}
	scores[2*3], scores[2*3+1] = 0.1, 0.8

	res, err := e.Assign(context.Background(), tensorio.TargetInputs{
		Labels:      tensorio.New([]float32{1, 0, 0, 20, 20}, 1, 1, 5),
		ClassScores: tensorio.New(scores, 1, 6, 3),
		Confusion:   tensorio.New([]float32{0.95, 0.95, 0.95, 0.9, 0.99, 0.8}, 1, 6),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Positives)
	assert.Equal(t, 1, res.Stats.Regression)
	assert.Equal(t, 1, res.Stats.Negatives)
	assert.Equal(t, 4, res.Output.Len())
	assert.Equal(t, []int{60}, []int(res.Tensors.Class.Shape()))
	assert.Equal(t, []int{60, 4}, []int(res.Tensors.Reg.Shape()))

	p := e.Profiler()
	m, ok := p.Metric("target.positives")
	require.True(t, ok)
	assert.Equal(t, 2.0, m.Last)
	o, ok := p.Operation("target.assign")
	require.True(t, ok)
	assert.Equal(t, int64(1), o.Count)
}

func TestAssign_InvalidTensors(t *testing.T) {
	e := newEngine(t)
	_, err := e.Assign(context.Background(), tensorio.TargetInputs{
		Labels:      tensorio.New([]float32{1, 0, 0, 20, 20}, 1, 1, 5),
		ClassScores: tensorio.New(make([]float32, 5*3), 1, 5, 3),
		Confusion:   tensorio.New(make([]float32, 6), 1, 6),
	})
	assert.Error(t, err)
}

func TestDetect_Tensors(t *testing.T) {
	e := newEngine(t)

	probs := make([]float32, 6*2)
	probs[0] = 0.9
	dets, err := e.Detect(context.Background(), tensorio.DetectionInputs{
		Probs:      tensorio.New(probs, 1, 6, 2),
		Reg:        tensorio.New(make([]float32, 6*4), 1, 6, 4),
		ImageScale: tensorio.New([]float32{1, 1}, 1, 2),
		ImageShape: tensorio.New([]float32{100, 100}, 1, 2),
	})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Len(t, dets[0], 1)
	assert.Equal(t, 1, dets[0][0].Class)
	assert.Equal(t, float32(0.9), dets[0][0].Score)
	assert.InDeltaSlice(t, testAnchors[0].Slice(), dets[0][0].Box.Slice(), 1e-4)

	m, ok := e.Profiler().Metric("detection.per_image")
	require.True(t, ok)
	assert.Equal(t, 1.0, m.Last)
}

func TestSampleROIs(t *testing.T) {
	e := newEngine(t)

	rois := [][]geometry.Box{{{X2: 10, Y2: 10}, {X1: 50, Y1: 50, X2: 60, Y2: 60}}}
	gts := [][]target.Label{{{Class: 1, Box: geometry.Box{X2: 10, Y2: 10}}}}
	out, err := e.SampleROIs(context.Background(), rois, gts)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []float32{1, 0, -1, -1}, out[0].Labels)
	assert.Equal(t, []int{0, 1, -1, -1}, out[0].Source)
	assert.Equal(t, 12, out[0].Width)

	_, err = e.SampleROIs(context.Background(), rois, nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.SampleROIs(ctx, rois, gts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectMetrics(t *testing.T) {
	e := newEngine(t)
	p := e.Profiler()
	p.Collect()

	tests := []struct {
		name string
		want float64
	}{
		{"anchors.count", 6},
		{"anchors.out_of_bounds", 1},
		{"target.sample_capacity", 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := p.Metric(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, m.Last)
		})
	}
}

func TestConfig(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, testConfig(), e.Config())
}
