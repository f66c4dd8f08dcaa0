// Package monitor watches run results: it aggregates metrics and raises
// alerts on failed or empty runs.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/scheduler"
)

// RunMetrics aggregates run outcomes since process start.
type RunMetrics struct {
	TotalRuns      int            `json:"total_runs"`
	FailedRuns     int            `json:"failed_runs"`
	ManualRuns     int            `json:"manual_runs"`
	TotalItems     int            `json:"total_items"`
	ItemsByCounter map[string]int `json:"items_by_category"`
	LastRunAt      time.Time      `json:"last_run_at,omitempty"`
}

// MetricsCollector consumes run results and periodically publishes a
// metrics snapshot together with a host resource sample.
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration

	mu      sync.RWMutex
	metrics RunMetrics

	sub  *nats.Subscription
	stop chan struct{}
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		interval: interval,
		metrics:  RunMetrics{ItemsByCounter: make(map[string]int)},
		stop:     make(chan struct{}),
	}
}

// Start subscribes to run results and begins the publish loop.
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector")

	if _, err := c.js.StreamInfo("METRICS"); err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := c.js.AddStream(&nats.StreamConfig{
			Name:     "METRICS",
			Subjects: []string{"metrics.*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		}); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	sub, err := c.js.Subscribe(scheduler.ResultSubjectWildcard, c.handleRunResult)
	if err != nil {
		return fmt.Errorf("failed to subscribe to run results: %w", err)
	}
	c.sub = sub

	go c.publishLoop(ctx)

	return nil
}

// Stop stops the metrics collector.
func (c *MetricsCollector) Stop() {
	c.logger.Info("Stopping metrics collector")
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	close(c.stop)
}

func (c *MetricsCollector) handleRunResult(msg *nats.Msg) {
	var result model.RunResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		c.logger.Error("Failed to unmarshal run result", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.TotalRuns++
	if result.Status == model.RunStatusFailed {
		c.metrics.FailedRuns++
	}
	if result.Manual {
		c.metrics.ManualRuns++
	}
	for category, count := range result.Counts {
		c.metrics.ItemsByCounter[category] += count
		c.metrics.TotalItems += count
	}
	if result.FiredAt.After(c.metrics.LastRunAt) {
		c.metrics.LastRunAt = result.FiredAt
	}
}

// Snapshot returns a copy of the aggregated run metrics.
func (c *MetricsCollector) Snapshot() RunMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := c.metrics
	snapshot.ItemsByCounter = make(map[string]int, len(c.metrics.ItemsByCounter))
	for category, count := range c.metrics.ItemsByCounter {
		snapshot.ItemsByCounter[category] = count
	}
	return snapshot
}

func (c *MetricsCollector) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.publishMetrics()
		}
	}
}

func (c *MetricsCollector) publishMetrics() {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	payload := struct {
		Timestamp   time.Time  `json:"timestamp"`
		CPUUsage    float64    `json:"cpu_usage"`
		MemoryUsage float64    `json:"memory_usage"`
		Runs        RunMetrics `json:"runs"`
	}{
		Timestamp:   time.Now().UTC(),
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		Runs:        c.Snapshot(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}

	if _, err := c.js.Publish("metrics.republish", data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics published",
		zap.Float64("cpu_usage", payload.CPUUsage),
		zap.Float64("memory_usage", payload.MemoryUsage),
		zap.Int("total_runs", payload.Runs.TotalRuns))
}
