// Package executor runs the republication workflow: one driver session per
// run, categories processed sequentially, counts aggregated with
// partial-failure tolerance.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/driver"
	"github.com/dmercado/republish/internal/model"
)

// Executor orchestrates the site driver across the categories of one run.
type Executor struct {
	logger  *zap.Logger
	driver  driver.Driver
	browser BrowserLogSource
	guard   *CapacityGuard
	logs    *RunLogManager
}

// New creates an executor. Browser, guard, and logs are optional.
func New(d driver.Driver, browser BrowserLogSource, guard *CapacityGuard, logs *RunLogManager, logger *zap.Logger) *Executor {
	return &Executor{
		logger:  logger.Named("executor"),
		driver:  d,
		browser: browser,
		guard:   guard,
		logs:    logs,
	}
}

// Run executes one republication pass over the given categories, in input
// order, on a single driver session. The result maps every input category
// name to its count of successfully republished items; a category that
// yields nothing, or whose discovery fails, maps to zero. Only an
// authentication failure aborts the run.
func (e *Executor) Run(ctx context.Context, runID string, categories []model.Category) (map[string]int, error) {
	if e.guard != nil {
		if err := e.guard.Acquire(); err != nil {
			return nil, fmt.Errorf("run not admitted: %w", err)
		}
		defer e.guard.Release()
	}

	started := time.Now()
	session, err := e.driver.Authenticate(ctx)
	if err != nil {
		e.logger.Error("Authentication failed, aborting run",
			zap.String("run_id", runID),
			zap.Error(err))
		return nil, err
	}
	defer session.Close()

	if e.logs != nil && e.browser != nil {
		// Capture ends with the run; the container's stream follows until
		// the context is cancelled.
		captureCtx, stopCapture := context.WithCancel(ctx)
		defer stopCapture()
		if err := e.logs.CaptureBrowser(captureCtx, e.browser, runID); err != nil {
			e.logger.Warn("Browser log capture unavailable",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}

	counts := make(map[string]int, len(categories))
	for _, category := range categories {
		counts[category.Name] = e.processCategory(ctx, runID, session, category)
	}

	e.logger.Info("Run finished",
		zap.String("run_id", runID),
		zap.Int("categories", len(categories)),
		zap.Duration("duration", time.Since(started)))

	return counts, nil
}

// processCategory republishes one category's pending listings and returns
// the number of successes. Discovery and per-item failures are logged and
// absorbed here; they never propagate.
func (e *Executor) processCategory(ctx context.Context, runID string, session driver.Session, category model.Category) int {
	items, err := session.ListPending(ctx, category)
	if err != nil {
		var discErr *driver.DiscoveryError
		if !errors.As(err, &discErr) {
			discErr = &driver.DiscoveryError{Category: category.Name, Err: err}
		}
		e.logger.Warn("Discovery failed, recording zero for category",
			zap.String("run_id", runID),
			zap.String("category", category.Name),
			zap.Error(discErr))
		e.logEntry(runID, "warn", fmt.Sprintf("discovery failed for %s: %v", category.Name, err))
		return 0
	}

	if len(items) == 0 {
		e.logger.Info("No pending listings for category",
			zap.String("run_id", runID),
			zap.String("category", category.Name))
		return 0
	}

	succeeded := 0
	for _, item := range items {
		if err := session.Republish(ctx, category, item); err != nil {
			e.logger.Warn("Republish failed, skipping item",
				zap.String("run_id", runID),
				zap.String("category", category.Name),
				zap.String("item", string(item)),
				zap.Error(err))
			e.logEntry(runID, "warn", fmt.Sprintf("skipped item %s in %s: %v", item, category.Name, err))
			continue
		}
		succeeded++
	}

	e.logger.Info("Category processed",
		zap.String("run_id", runID),
		zap.String("category", category.Name),
		zap.Int("discovered", len(items)),
		zap.Int("republished", succeeded))
	e.logEntry(runID, "info",
		fmt.Sprintf("category %s: %d of %d republished", category.Name, succeeded, len(items)))

	return succeeded
}

func (e *Executor) logEntry(runID, level, message string) {
	if e.logs == nil {
		return
	}
	e.logs.Append(runID, RunLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		RunID:     runID,
		Message:   message,
	})
}
