package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticCollector map[string]float64

func (c staticCollector) CollectMetrics() map[string]float64 { return c }

func TestRecordMetric(t *testing.T) {
	p := New(Options{MaxSamples: 3})
	defer p.Stop()

	for _, v := range []float64{4, 1, 7, 2} {
		p.RecordMetric("positives", v)
	}

	m, ok := p.Metric("positives")
	require.True(t, ok)
	assert.Equal(t, int64(4), m.Count)
	assert.Equal(t, 3, m.Samples)
	// The window holds 1, 7, 2; min and max cover every value.
	assert.InDelta(t, 10.0/3, m.Avg, 1e-9)
	assert.Equal(t, 1.0, m.Min)
	assert.Equal(t, 7.0, m.Max)
	assert.Equal(t, 2.0, m.Last)

	_, ok = p.Metric("missing")
	assert.False(t, ok)
}

func TestOperations(t *testing.T) {
	p := New(Options{})
	defer p.Stop()

	p.RecordOperation("assign", 2*time.Millisecond)
	p.RecordOperation("assign", 4*time.Millisecond)
	done := p.StartOperation("detect")
	done()

	o, ok := p.Operation("assign")
	require.True(t, ok)
	assert.Equal(t, int64(2), o.Count)
	assert.Equal(t, 3*time.Millisecond, o.Avg)
	assert.Equal(t, 2*time.Millisecond, o.Min)
	assert.Equal(t, 4*time.Millisecond, o.Max)

	d, ok := p.Operation("detect")
	require.True(t, ok)
	assert.Equal(t, int64(1), d.Count)
}

func TestSnapshotIsSorted(t *testing.T) {
	p := New(Options{})
	defer p.Stop()
	p.RecordMetric("b", 1)
	p.RecordMetric("a", 1)
	p.RecordOperation("z", time.Millisecond)

	s := p.Snapshot()
	require.Len(t, s.Metrics, 2)
	assert.Equal(t, "a", s.Metrics[0].Name)
	assert.Equal(t, "b", s.Metrics[1].Name)
	assert.Len(t, s.Operations, 1)
	assert.Positive(t, s.Goroutines)
}

func TestConcurrentRecording(t *testing.T) {
	p := New(Options{})
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.RecordMetric("n", float64(j))
				p.StartOperation("op")()
			}
		}()
	}
	wg.Wait()

	m, _ := p.Metric("n")
	assert.Equal(t, int64(800), m.Count)
	o, _ := p.Operation("op")
	assert.Equal(t, int64(800), o.Count)
}

func TestReportLogsCollectorsAndTimings(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := New(Options{Logger: zap.New(core)})
	defer p.Stop()

	p.AddMetricsCollector(staticCollector{"pool": 12})
	p.RecordOperation("assign", time.Millisecond)
	p.Report()

	assert.Equal(t, 1, logs.FilterMessage("profiler report").Len())
	metrics := logs.FilterMessage("metric").All()
	require.Len(t, metrics, 1)
	assert.Equal(t, "pool", metrics[0].ContextMap()["name"])
	assert.Equal(t, 1, logs.FilterMessage("operation").Len())
}

func TestStartStop(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := New(Options{ReportInterval: 5 * time.Millisecond, Logger: zap.New(core)})
	p.Start()
	p.Start()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("profiler report").Len() > 0
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()

	// Without an interval Start is a no-op.
	q := New(Options{})
	q.Start()
	q.Stop()
}
