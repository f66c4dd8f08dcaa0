package model

import (
	"time"
)

// RunStatus represents the outcome of one category's republication pass.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	// RunStatusRunning is reserved: records are written post-hoc today, so
	// the value never reaches storage.
	RunStatusRunning RunStatus = "running"
	RunStatusFailed  RunStatus = "failed"
)

// RunRecord is one immutable ledger entry: the outcome for one category
// within one run. A nil ScheduleID means the run was triggered manually
// against an explicit category list.
type RunRecord struct {
	ID         string  `json:"id"`
	ScheduleID *string `json:"schedule_id,omitempty"`
	CategoryID string  `json:"category_id"`
	ActorID    *string `json:"actor_id,omitempty"`

	ItemCount int       `json:"item_count"`
	FiredAt   time.Time `json:"fired_at"`
	Status    RunStatus `json:"status"`
	Manual    bool      `json:"manual"`

	// CategoryName is denormalized on reads that join the category table.
	CategoryName string `json:"category_name,omitempty"`
}

// RunResult summarizes one whole run. Published on the result subject for
// the metrics collector and alert manager.
type RunResult struct {
	RunID      string         `json:"run_id"`
	ScheduleID *string        `json:"schedule_id,omitempty"`
	Counts     map[string]int `json:"counts"`
	Status     RunStatus      `json:"status"`
	Error      string         `json:"error,omitempty"`
	Manual     bool           `json:"manual"`
	FiredAt    time.Time      `json:"fired_at"`
	Duration   time.Duration  `json:"duration"`
}

// TotalItems sums the per-category counts.
func (r *RunResult) TotalItems() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// CategoryDayStat is one row of the daily per-category aggregation.
type CategoryDayStat struct {
	CategoryName string    `json:"category_name"`
	Day          time.Time `json:"day"`
	ItemCount    int       `json:"item_count"`
}
