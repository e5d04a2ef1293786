// Package inference - Engine wiring target assignment, detection decoding and ROI sampling.
package inference

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/config"
	"github.com/nvr-ai/go-multibox/detection"
	"github.com/nvr-ai/go-multibox/geometry"
	"github.com/nvr-ai/go-multibox/profiler"
	"github.com/nvr-ai/go-multibox/rcnn"
	"github.com/nvr-ai/go-multibox/sampling"
	"github.com/nvr-ai/go-multibox/target"
	"github.com/nvr-ai/go-multibox/tensorio"
)

// Engine defines the interface for multibox engines.
type Engine interface {
	// Assign produces training targets from tensor inputs.
	Assign(ctx context.Context, in tensorio.TargetInputs) (*AssignResult, error)
	// AssignBatch produces training targets from converted inputs.
	AssignBatch(ctx context.Context, batch target.Batch) (*AssignResult, error)
	// Detect decodes tensor outputs into per-image detections.
	Detect(ctx context.Context, in tensorio.DetectionInputs) ([][]detection.Detection, error)
	// DetectBatch decodes converted outputs into per-image detections.
	DetectBatch(ctx context.Context, batch detection.Batch) ([][]detection.Detection, error)
	// SampleROIs draws one ROI minibatch per image.
	SampleROIs(ctx context.Context, rois [][]geometry.Box, gts [][]target.Label) ([]*rcnn.ROIBatch, error)
	// Config returns the engine configuration.
	Config() config.Config
	// Profiler returns the metrics of every pass.
	Profiler() *profiler.Profiler
	Close() error
}

// AssignResult bundles the outputs of one assignment pass.
type AssignResult struct {
	Output  *target.Output
	Tensors tensorio.SampleTensors
	Stats   target.Stats
}

// EngineBuilder builds an Engine with a fluent API.
type EngineBuilder struct {
	cfg      *config.Config
	anchors  []geometry.Box
	sampler  sampling.Sampler
	logger   *zap.Logger
	profiler *profiler.Profiler
	err      error
}

// NewEngineBuilder creates a new engine builder.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{}
}

// WithConfig sets the configuration.
//
// Arguments:
//   - cfg: The configuration. It is validated by Build.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithConfig(cfg config.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.cfg = &cfg
	return b
}

// WithConfigFile loads the configuration from a YAML file.
//
// Arguments:
//   - path: The configuration file.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithConfigFile(path string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	cfg, err := config.Load(path)
	if err != nil {
		b.err = err
		return b
	}
	b.cfg = cfg
	return b
}

// WithAnchors sets the anchor boxes.
//
// Arguments:
//   - anchors: The anchors, in network output order.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithAnchors(anchors []geometry.Box) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.anchors = anchors
	return b
}

// WithAnchorTensor sets the anchor boxes from an [N, 4] tensor.
func (b *EngineBuilder) WithAnchorTensor(t *tensor.Dense) *EngineBuilder {
	if b.HasError() {
		return b
	}
	anchors, err := tensorio.Anchors(t)
	if err != nil {
		b.err = err
		return b
	}
	b.anchors = anchors
	return b
}

// WithSampler sets the random subset source shared by assignment and ROI sampling.
func (b *EngineBuilder) WithSampler(s sampling.Sampler) *EngineBuilder {
	b.sampler = s
	return b
}

// WithLogger sets the logger.
func (b *EngineBuilder) WithLogger(l *zap.Logger) *EngineBuilder {
	b.logger = l
	return b
}

// WithProfiler sets the profiler. Without one the engine creates its own.
func (b *EngineBuilder) WithProfiler(p *profiler.Profiler) *EngineBuilder {
	b.profiler = p
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// MustBuild builds the engine and panics if there is an error.
//
// Returns:
//   - Engine: The engine.
func (b *EngineBuilder) MustBuild() Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - Engine: The engine.
//   - error: The error if any.
func (b *EngineBuilder) Build() (Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.cfg == nil {
		return nil, errors.New("config not configured")
	}
	if len(b.anchors) == 0 {
		return nil, errors.New("anchors not configured")
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sampler := b.sampler
	if sampler == nil {
		sampler = sampling.NewUniform(nil)
	}
	prof := b.profiler
	if prof == nil {
		prof = profiler.New(profiler.Options{Logger: logger})
	}

	tc := b.cfg.Target
	set, err := geometry.NewAnchorSet(b.anchors, geometry.Frame(tc.ImageWH[0], tc.ImageWH[1]), tc.ThAnchorOverlap)
	if err != nil {
		return nil, errors.Wrap(err, "anchor set")
	}
	assigner, err := target.NewAssigner(tc, set,
		target.WithSampler(sampler),
		target.WithLogger(logger.Named("target")))
	if err != nil {
		return nil, err
	}
	decoder, err := detection.NewDecoder(b.cfg.Detection, b.anchors,
		detection.WithLogger(logger.Named("detection")))
	if err != nil {
		return nil, err
	}
	rois, err := rcnn.NewSampler(b.cfg.RCNN,
		rcnn.WithSampler(sampler),
		rcnn.WithLogger(logger.Named("rcnn")))
	if err != nil {
		return nil, err
	}

	logger.Info("engine ready",
		zap.Int("anchors", set.Len()),
		zap.Int("out_of_bounds", set.NumOutOfBounds()),
		zap.Int("sample_capacity", tc.SampleCapacity()))

	e := &engine{
		cfg:      *b.cfg,
		anchors:  set,
		assigner: assigner,
		decoder:  decoder,
		rois:     rois,
		profiler: prof,
		logger:   logger,
	}
	prof.AddMetricsCollector(e)
	return e, nil
}

// engine implements the Engine interface.
type engine struct {
	cfg      config.Config
	anchors  *geometry.AnchorSet
	assigner *target.Assigner
	decoder  *detection.Decoder
	rois     *rcnn.Sampler
	profiler *profiler.Profiler
	logger   *zap.Logger
}

func (e *engine) Assign(ctx context.Context, in tensorio.TargetInputs) (*AssignResult, error) {
	batch, err := tensorio.TargetBatch(in, e.anchors.Len(), e.cfg.Target.NumClasses)
	if err != nil {
		return nil, err
	}
	return e.AssignBatch(ctx, batch)
}

func (e *engine) AssignBatch(ctx context.Context, batch target.Batch) (*AssignResult, error) {
	done := e.profiler.StartOperation("target.assign")
	defer done()

	out, stats, err := e.assigner.Assign(ctx, batch)
	if err != nil {
		return nil, errors.Wrap(err, "assign")
	}
	e.recordTargetStats(stats)
	return &AssignResult{Output: out, Tensors: tensorio.FromOutput(out), Stats: stats}, nil
}

func (e *engine) Detect(ctx context.Context, in tensorio.DetectionInputs) ([][]detection.Detection, error) {
	batch, err := tensorio.DetectionBatch(in, e.anchors.Len(), e.cfg.Detection.NumClasses, e.cfg.Detection.RegWidth())
	if err != nil {
		return nil, err
	}
	return e.DetectBatch(ctx, batch)
}

func (e *engine) DetectBatch(ctx context.Context, batch detection.Batch) ([][]detection.Detection, error) {
	done := e.profiler.StartOperation("detection.decode")
	defer done()

	dets, err := e.decoder.Decode(ctx, batch)
	if err != nil {
		return nil, errors.Wrap(err, "detect")
	}
	for _, d := range dets {
		e.profiler.RecordMetric("detection.per_image", float64(len(d)))
	}
	return dets, nil
}

func (e *engine) SampleROIs(ctx context.Context, rois [][]geometry.Box, gts [][]target.Label) ([]*rcnn.ROIBatch, error) {
	if len(rois) != len(gts) {
		return nil, errors.Errorf("%d roi sets for %d label sets", len(rois), len(gts))
	}
	done := e.profiler.StartOperation("rcnn.sample")
	defer done()

	out := make([]*rcnn.ROIBatch, len(rois))
	for i := range rois {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, stats, err := e.rois.Sample(rois[i], gts[i])
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		e.profiler.RecordMetric("rcnn.foreground", float64(stats.Foreground))
		e.profiler.RecordMetric("rcnn.background", float64(stats.Background))
		e.profiler.RecordMetric("rcnn.regression", float64(stats.Regression))
		out[i] = b
	}
	return out, nil
}

func (e *engine) recordTargetStats(s target.Stats) {
	e.profiler.RecordMetric("target.positives", float64(s.Positives))
	e.profiler.RecordMetric("target.regression", float64(s.Regression))
	e.profiler.RecordMetric("target.negatives", float64(s.Negatives))
	e.profiler.RecordMetric("target.negatives_mined", float64(s.NegativesMined))
	e.profiler.RecordMetric("target.pool_dropped", float64(s.PoolBefore-s.PoolAfter))
}

// CollectMetrics reports the fixed geometry of the engine.
func (e *engine) CollectMetrics() map[string]float64 {
	return map[string]float64{
		"anchors.count":          float64(e.anchors.Len()),
		"anchors.out_of_bounds":  float64(e.anchors.NumOutOfBounds()),
		"target.sample_capacity": float64(e.cfg.Target.SampleCapacity()),
	}
}

func (e *engine) Config() config.Config {
	return e.cfg
}

func (e *engine) Profiler() *profiler.Profiler {
	return e.profiler
}

func (e *engine) Close() error {
	e.profiler.Stop()
	return nil
}
