// Package profiler times pipeline stages and aggregates custom metrics.
package profiler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// Profiler tracks operation timings and custom metric values.
//
// A nil *Profiler is valid and records nothing, so callers can time stages unconditionally.
type Profiler struct {
	mu         sync.Mutex
	maxSamples int
	startTime  time.Time
	operations map[string]*TimeTracker
	metrics    map[string]*MetricTracker
	collectors []MetricsCollector
}

// TimeTracker tracks operation timing statistics over a window of recent samples.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// OperationStats summarises one timed operation.
type OperationStats struct {
	Name    string        `json:"name"`
	Count   int64         `json:"count"`
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
}

// Options configures a Profiler.
type Options struct {
	// MaxSamples bounds the samples kept per operation or metric (default: 600).
	MaxSamples int
}

// New creates a profiler.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *Profiler: A ready profiler.
func New(opts Options) *Profiler {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	return &Profiler{
		maxSamples: opts.MaxSamples,
		startTime:  time.Now(),
		operations: make(map[string]*TimeTracker),
		metrics:    make(map[string]*MetricTracker),
	}
}

// AddMetricsCollector registers a collector whose values are included in Snapshot.
func (p *Profiler) AddMetricsCollector(collector MetricsCollector) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectors = append(p.collectors, collector)
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call it when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.recordOperationTime(name, time.Since(start))
	}
}

func (p *Profiler) recordOperationTime(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operations[name]
	if !exists {
		tracker = &TimeTracker{minTime: duration, maxTime: duration}
		p.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	tracker.totalTime += duration
	if len(tracker.durations) > p.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++
	tracker.minTime = min(tracker.minTime, duration)
	tracker.maxTime = max(tracker.maxTime, duration)
}

// RecordMetric records a custom metric value.
func (p *Profiler) RecordMetric(name string, value float64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.metrics[name]
	if !exists {
		tracker = &MetricTracker{min: value, max: value}
		p.metrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	tracker.sum += value
	if len(tracker.values) > p.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.count++
	tracker.min = min(tracker.min, value)
	tracker.max = max(tracker.max, value)
}

// Operations returns the timing statistics of every operation, sorted by name. Averages
// cover the retained window.
func (p *Profiler) Operations() []OperationStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]OperationStats, 0, len(p.operations))
	for name, t := range p.operations {
		s := OperationStats{Name: name, Count: t.count, Min: t.minTime, Max: t.maxTime}
		if n := len(t.durations); n > 0 {
			s.Average = t.totalTime / time.Duration(n)
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Snapshot returns the mean of every recorded metric plus the current values of all
// registered collectors.
func (p *Profiler) Snapshot() map[string]float64 {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]float64, len(p.metrics))
	for name, m := range p.metrics {
		if n := len(m.values); n > 0 {
			out[name] = m.sum / float64(n)
		}
	}
	for _, c := range p.collectors {
		for name, v := range c.CollectMetrics() {
			out[name] = v
		}
	}
	return out
}

// Report logs the current statistics at info level.
func (p *Profiler) Report(logger *zap.Logger) {
	if p == nil || logger == nil {
		return
	}

	fields := []zap.Field{zap.Duration("uptime", time.Since(p.startTime))}
	for _, op := range p.Operations() {
		fields = append(fields, zap.Dict(op.Name,
			zap.Int64("count", op.Count),
			zap.Duration("avg", op.Average),
			zap.Duration("min", op.Min),
			zap.Duration("max", op.Max),
		))
	}
	for name, v := range p.Snapshot() {
		fields = append(fields, zap.Float64(name, v))
	}
	logger.Info("profile", fields...)
}
