// Package profiler - Thread-safe metric and operation timing tracking.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// Profiler tracks custom metrics and operation timings.
//
// Metrics keep a sliding window of the last MaxSamples values for their
// averages; counts, minima and maxima cover the whole lifetime. When started
// with a positive ReportInterval, a summary is logged periodically.
type Profiler struct {
	// Configuration
	reportInterval time.Duration
	maxSamples     int
	logger         *zap.Logger

	// State management
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	metrics    map[string]*metricTracker
	operations map[string]*timeTracker
	collectors []MetricsCollector
}

type metricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	last   float64
	count  int64
}

type timeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Options configures the profiler.
type Options struct {
	// ReportInterval specifies how often Start logs a report. 0 disables reporting.
	ReportInterval time.Duration
	// MaxSamples specifies maximum number of samples kept per metric (default: 600)
	MaxSamples int
	// Logger receives the reports (default: no-op)
	Logger *zap.Logger
}

// MetricSummary is a snapshot of one metric.
type MetricSummary struct {
	Name    string
	Count   int64
	Samples int
	Avg     float64
	Min     float64
	Max     float64
	Last    float64
}

// OperationSummary is a snapshot of one timed operation.
type OperationSummary struct {
	Name  string
	Count int64
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
}

// Snapshot is the state of every metric and operation, sorted by name.
type Snapshot struct {
	Uptime     time.Duration
	Goroutines int
	Metrics    []MetricSummary
	Operations []OperationSummary
}

// New creates a new profiler with the specified options.
//
// Arguments:
// - opts: Configuration options for the profiler
//
// Returns:
// - A configured Profiler instance
func New(opts Options) *Profiler {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Profiler{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		metrics:        make(map[string]*metricTracker),
		operations:     make(map[string]*timeTracker),
	}
}

// Start begins periodic reporting. It is safe to call more than once.
func (p *Profiler) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.reportInterval <= 0 {
		return
	}
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop stops reporting and waits for the reporting goroutine to exit.
func (p *Profiler) Stop() {
	p.mu.Lock()
	running := p.running
	p.running = false
	p.mu.Unlock()

	p.cancel()
	if running {
		p.wg.Wait()
	}
}

// AddMetricsCollector registers a collector polled on every Collect and Report.
//
// Arguments:
// - collector: An implementation of MetricsCollector interface
func (p *Profiler) AddMetricsCollector(collector MetricsCollector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectors = append(p.collectors, collector)
}

// RecordMetric records a custom metric value.
//
// Arguments:
// - name: The name of the metric
// - value: The metric value to record
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(name, value)
}

func (p *Profiler) record(name string, value float64) {
	tracker, exists := p.metrics[name]
	if !exists {
		tracker = &metricTracker{
			values: make([]float64, 0, min(p.maxSamples, 64)),
			min:    value,
			max:    value,
		}
		p.metrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	tracker.sum += value
	if len(tracker.values) > p.maxSamples {
		// Remove oldest sample
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.count++
	tracker.last = value

	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records the completion time of an operation.
func (p *Profiler) RecordOperation(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operations[name]
	if !exists {
		tracker = &timeTracker{
			minTime: duration,
			maxTime: duration,
		}
		p.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	tracker.totalTime += duration
	if len(tracker.durations) > p.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// Collect polls every registered collector and records its values.
func (p *Profiler) Collect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.collectors {
		for name, value := range c.CollectMetrics() {
			p.record(name, value)
		}
	}
}

// Metric returns the summary of one metric.
func (p *Profiler) Metric(name string) (MetricSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.metrics[name]
	if !ok {
		return MetricSummary{}, false
	}
	return t.summary(name), true
}

// Operation returns the summary of one timed operation.
func (p *Profiler) Operation(name string) (OperationSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.operations[name]
	if !ok {
		return OperationSummary{}, false
	}
	return t.summary(name), true
}

// Snapshot returns the current statistics.
func (p *Profiler) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		Uptime:     time.Since(p.startTime),
		Goroutines: runtime.NumGoroutine(),
		Metrics:    make([]MetricSummary, 0, len(p.metrics)),
		Operations: make([]OperationSummary, 0, len(p.operations)),
	}
	for name, t := range p.metrics {
		s.Metrics = append(s.Metrics, t.summary(name))
	}
	for name, t := range p.operations {
		s.Operations = append(s.Operations, t.summary(name))
	}
	sort.Slice(s.Metrics, func(i, j int) bool { return s.Metrics[i].Name < s.Metrics[j].Name })
	sort.Slice(s.Operations, func(i, j int) bool { return s.Operations[i].Name < s.Operations[j].Name })
	return s
}

// Report collects registered metrics and logs a summary at info level.
func (p *Profiler) Report() {
	p.Collect()
	s := p.Snapshot()

	p.logger.Info("profiler report",
		zap.Duration("uptime", s.Uptime.Truncate(time.Millisecond)),
		zap.Int("goroutines", s.Goroutines))
	for _, m := range s.Metrics {
		p.logger.Info("metric",
			zap.String("name", m.Name),
			zap.Float64("avg", m.Avg),
			zap.Float64("min", m.Min),
			zap.Float64("max", m.Max),
			zap.Int64("count", m.Count))
	}
	for _, o := range s.Operations {
		p.logger.Info("operation",
			zap.String("name", o.Name),
			zap.Duration("avg", o.Avg.Truncate(time.Microsecond)),
			zap.Duration("min", o.Min.Truncate(time.Microsecond)),
			zap.Duration("max", o.Max.Truncate(time.Microsecond)),
			zap.Int64("count", o.Count))
	}
}

func (t *metricTracker) summary(name string) MetricSummary {
	s := MetricSummary{
		Name:    name,
		Count:   t.count,
		Samples: len(t.values),
		Min:     t.min,
		Max:     t.max,
		Last:    t.last,
	}
	if len(t.values) > 0 {
		s.Avg = t.sum / float64(len(t.values))
	}
	return s
}

func (t *timeTracker) summary(name string) OperationSummary {
	s := OperationSummary{
		Name:  name,
		Count: t.count,
		Min:   t.minTime,
		Max:   t.maxTime,
		Total: t.totalTime,
	}
	if len(t.durations) > 0 {
		s.Avg = t.totalTime / time.Duration(len(t.durations))
	}
	return s
}
