package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunLogEntry is one diagnostic line attributed to a run.
type RunLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	RunID     string    `json:"run_id"`
	Message   string    `json:"message"`
}

// RunLogConfig defines where and how long run diagnostics are kept.
type RunLogConfig struct {
	LogDir        string
	MaxAge        time.Duration // prune files older than this
	FlushInterval time.Duration
}

// RunLogManager buffers per-run log entries and flushes them to one JSON
// line file per run. When a browser container is attached to a run its
// stdout/stderr is captured into the same file.
type RunLogManager struct {
	logger *zap.Logger
	config RunLogConfig

	mu      sync.Mutex
	buffers map[string][]RunLogEntry
	stop    chan struct{}
}

// NewRunLogManager creates a new run log manager.
func NewRunLogManager(config RunLogConfig, logger *zap.Logger) (*RunLogManager, error) {
	if err := os.MkdirAll(config.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	return &RunLogManager{
		logger:  logger.Named("run-logs"),
		config:  config,
		buffers: make(map[string][]RunLogEntry),
		stop:    make(chan struct{}),
	}, nil
}

// Start begins the flush and pruning loops.
func (lm *RunLogManager) Start(ctx context.Context) {
	lm.logger.Info("Starting run log manager",
		zap.String("dir", lm.config.LogDir))
	go lm.flushLoop(ctx)
	go lm.pruneLoop(ctx)
}

// Stop flushes outstanding buffers and stops the loops.
func (lm *RunLogManager) Stop() {
	close(lm.stop)
	lm.Flush()
}

// Append buffers one entry for a run.
func (lm *RunLogManager) Append(runID string, entry RunLogEntry) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.buffers[runID] = append(lm.buffers[runID], entry)
}

// BrowserLogSource exposes the container log stream captured alongside a
// run's own entries.
type BrowserLogSource interface {
	ContainerID() string
	Logs(ctx context.Context) (io.ReadCloser, error)
}

// CaptureBrowser streams the browser container's logs into the run's file
// until the container stops or the context ends.
func (lm *RunLogManager) CaptureBrowser(ctx context.Context, source BrowserLogSource, runID string) error {
	reader, err := source.Logs(ctx)
	if err != nil {
		return fmt.Errorf("failed to attach to browser logs: %w", err)
	}

	lm.Append(runID, RunLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     "browser",
		RunID:     runID,
		Message:   fmt.Sprintf("capturing container %s", source.ContainerID()),
	})

	go func() {
		defer reader.Close()
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			lm.Append(runID, RunLogEntry{
				Timestamp: time.Now().UTC(),
				Level:     "browser",
				RunID:     runID,
				Message:   line,
			})
		}
	}()

	return nil
}

// Logs reads a run's entries between two instants.
func (lm *RunLogManager) Logs(runID string, start, end time.Time) ([]RunLogEntry, error) {
	lm.Flush()

	file, err := os.Open(lm.logPath(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	defer file.Close()

	var entries []RunLogEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry RunLogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode run log entry: %w", err)
		}
		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Flush writes all buffered entries to disk.
func (lm *RunLogManager) Flush() {
	lm.mu.Lock()
	buffers := lm.buffers
	lm.buffers = make(map[string][]RunLogEntry)
	lm.mu.Unlock()

	for runID, entries := range buffers {
		if err := lm.writeEntries(runID, entries); err != nil {
			lm.logger.Error("Failed to flush run log",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}
}

func (lm *RunLogManager) writeEntries(runID string, entries []RunLogEntry) error {
	file, err := os.OpenFile(lm.logPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

func (lm *RunLogManager) logPath(runID string) string {
	return filepath.Join(lm.config.LogDir, fmt.Sprintf("%s.log", runID))
}

func (lm *RunLogManager) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(lm.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.Flush()
		}
	}
}

func (lm *RunLogManager) pruneLoop(ctx context.Context) {
	if lm.config.MaxAge <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.prune()
		}
	}
}

func (lm *RunLogManager) prune() {
	cutoff := time.Now().Add(-lm.config.MaxAge)

	entries, err := os.ReadDir(lm.config.LogDir)
	if err != nil {
		lm.logger.Error("Failed to read log directory", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(lm.config.LogDir, entry.Name())
			if err := os.Remove(path); err != nil {
				lm.logger.Error("Failed to prune run log",
					zap.String("file", entry.Name()),
					zap.Error(err))
				continue
			}
			lm.logger.Info("Pruned old run log", zap.String("file", entry.Name()))
		}
	}
}
