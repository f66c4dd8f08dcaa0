package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/model"
)

// CapacityLimits bounds how much automation the host takes on at once.
// Browser-driven runs are heavy, so admission also looks at CPU and memory.
type CapacityLimits struct {
	MaxRuns   int     // maximum concurrent runs
	MaxCPU    float64 // refuse admission above this CPU percentage, 0 disables
	MaxMemory float64 // refuse admission above this memory percentage, 0 disables
}

// CapacityGuard admits runs against the configured limits and keeps a
// rolling sample of system resource usage.
type CapacityGuard struct {
	logger *zap.Logger
	limits CapacityLimits

	mu     sync.RWMutex
	active int
	stats  model.SystemStats
	stop   chan struct{}
}

// NewCapacityGuard creates a new capacity guard.
func NewCapacityGuard(limits CapacityLimits, logger *zap.Logger) *CapacityGuard {
	if limits.MaxRuns <= 0 {
		limits.MaxRuns = 1
	}
	return &CapacityGuard{
		logger: logger.Named("capacity-guard"),
		limits: limits,
		stats:  model.SystemStats{CollectedAt: time.Now()},
		stop:   make(chan struct{}),
	}
}

// Start begins periodic resource sampling.
func (g *CapacityGuard) Start(ctx context.Context) {
	g.logger.Info("Starting capacity guard",
		zap.Int("max_runs", g.limits.MaxRuns))
	go g.sampleLoop(ctx)
}

// Stop stops the sampling loop.
func (g *CapacityGuard) Stop() {
	close(g.stop)
}

// Acquire admits one run or returns an error explaining the refusal.
func (g *CapacityGuard) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active >= g.limits.MaxRuns {
		return fmt.Errorf("maximum concurrent runs reached (%d)", g.limits.MaxRuns)
	}
	if g.limits.MaxCPU > 0 && g.stats.CPUUsage > g.limits.MaxCPU {
		return fmt.Errorf("cpu usage %.1f%% above limit %.1f%%", g.stats.CPUUsage, g.limits.MaxCPU)
	}
	if g.limits.MaxMemory > 0 && g.stats.MemoryUsage > g.limits.MaxMemory {
		return fmt.Errorf("memory usage %.1f%% above limit %.1f%%", g.stats.MemoryUsage, g.limits.MaxMemory)
	}

	g.active++
	g.stats.ActiveRuns = g.active
	return nil
}

// Release returns one admitted run's slot.
func (g *CapacityGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active > 0 {
		g.active--
	}
	g.stats.ActiveRuns = g.active
}

// Stats returns the latest resource sample.
func (g *CapacityGuard) Stats() model.SystemStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats
}

func (g *CapacityGuard) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *CapacityGuard) sample() {
	cpuPercent, err := cpu.Percent(time.Second, false)
	memInfo, memErr := mem.VirtualMemory()

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		g.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		g.stats.CPUUsage = cpuPercent[0]
	}

	if memErr != nil {
		g.logger.Error("Failed to get memory usage", zap.Error(memErr))
	} else {
		g.stats.MemoryUsage = memInfo.UsedPercent
	}

	g.stats.ActiveRuns = g.active
	g.stats.CollectedAt = time.Now()

	g.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", g.stats.CPUUsage),
		zap.Float64("memory_usage", g.stats.MemoryUsage),
		zap.Int("active_runs", g.stats.ActiveRuns))
}
