package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric represents a single recorded measurement
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers run metrics and flushes them through the logger.
// A single run records few enough points that no background flusher is
// needed; the orchestrator flushes once at the end.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
}

// NewCollector creates a new metrics collector
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// RecordCounter increments a counter metric
func (c *Collector) RecordCounter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

// RecordGauge sets a gauge metric value
func (c *Collector) RecordGauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels, Timestamp: time.Now()})
}

// RecordTimer records a duration measurement
func (c *Collector) RecordTimer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{
		Name: name, Type: Timer, Value: float64(d.Milliseconds()),
		Labels: labels, Timestamp: time.Now(), Unit: "ms",
	})
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// Metrics returns a copy of everything recorded so far
func (c *Collector) Metrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Flush writes buffered metrics to the log and clears the buffer
func (c *Collector) Flush() {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	for _, m := range metrics {
		log.Info().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Time("timestamp", m.Timestamp).
			Msg("run_metric")
	}
}
