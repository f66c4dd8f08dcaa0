package model

import "time"

// SystemStats captures resource usage sampled around republication runs.
// Browser-driven automation is heavy, so the capacity guard refuses new
// runs when the host is already saturated.
type SystemStats struct {
	ActiveRuns  int       `json:"active_runs"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}
