// Package service executes runs. It consumes fire events from the registry,
// serves manual triggers, writes the ledger, and publishes run results.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/executor"
	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/scheduler"
	"github.com/dmercado/republish/internal/storage"
)

// ErrRunInProgress is returned when a schedule already has a run going.
var ErrRunInProgress = errors.New("a run for this schedule is already in progress")

// ErrNoCategories is returned when a trigger resolves to nothing runnable.
var ErrNoCategories = errors.New("no categories to run")

// ManualRunRequest describes an operator-triggered run. Exactly one of
// ScheduleID, CategoryNames, or AllActive selects the categories.
type ManualRunRequest struct {
	ScheduleID    string   `json:"schedule_id,omitempty"`
	CategoryNames []string `json:"categories,omitempty"`
	AllActive     bool     `json:"all_active,omitempty"`
	ActorID       *string  `json:"actor_id,omitempty"`
}

// RunService turns fire events and manual triggers into executed runs.
// Runs for the same schedule are mutually exclusive; an overlapping firing
// is skipped, not queued.
type RunService struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	store  *storage.ScheduleStore
	ledger *storage.RunLedger
	exec   *executor.Executor

	firing sync.Map // schedule id -> struct{}
}

// NewRunService creates a run service.
func NewRunService(js nats.JetStreamContext, store *storage.ScheduleStore, ledger *storage.RunLedger, exec *executor.Executor, logger *zap.Logger) *RunService {
	return &RunService{
		logger: logger.Named("run-service"),
		js:     js,
		store:  store,
		ledger: ledger,
		exec:   exec,
	}
}

// Start subscribes to fire events with a durable queue consumer so that a
// restart resumes where it left off and only one instance handles a firing.
func (s *RunService) Start(ctx context.Context) error {
	sub, err := s.js.QueueSubscribe(
		scheduler.FireSubject,
		"republish_runners",
		func(msg *nats.Msg) {
			var event model.FireEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				s.logger.Error("Failed to unmarshal fire event", zap.Error(err))
				msg.Ack()
				return
			}

			go s.handleFire(ctx, event)

			if err := msg.Ack(); err != nil {
				s.logger.Error("Failed to acknowledge fire event", zap.Error(err))
			}
		},
		nats.Durable("republish-runner"),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to fire events: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// handleFire executes one scheduled firing. The schedule is re-read at
// consumption time: a firing for a deleted, deactivated, or emptied
// schedule is dropped without a ledger entry.
func (s *RunService) handleFire(ctx context.Context, event model.FireEvent) {
	schedule, err := s.store.GetSchedule(ctx, event.ScheduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("Fire event for unknown schedule, dropping",
				zap.String("schedule_id", event.ScheduleID))
			return
		}
		s.logger.Error("Failed to load schedule for firing",
			zap.String("schedule_id", event.ScheduleID),
			zap.Error(err))
		return
	}

	if !schedule.Active {
		s.logger.Debug("Fire event for inactive schedule, dropping",
			zap.String("schedule_id", schedule.ID))
		return
	}

	categories, err := s.activeCategoriesOf(ctx, schedule)
	if err != nil {
		s.logger.Error("Failed to resolve schedule categories",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
		return
	}
	if len(categories) == 0 {
		s.logger.Debug("Schedule has no active categories, dropping firing",
			zap.String("schedule_id", schedule.ID))
		return
	}

	if _, loaded := s.firing.LoadOrStore(schedule.ID, struct{}{}); loaded {
		s.logger.Warn("Previous run still in progress, skipping firing",
			zap.String("schedule_id", schedule.ID),
			zap.String("name", schedule.Name),
			zap.Time("scheduled_at", event.ScheduledAt))
		return
	}
	defer s.firing.Delete(schedule.ID)

	result, err := s.executeRun(ctx, schedule.ID, categories, false, nil)
	if err != nil {
		s.logger.Error("Scheduled run failed",
			zap.String("schedule_id", schedule.ID),
			zap.String("run_id", result.RunID),
			zap.Error(err))
	}

	s.updateScheduleTimes(ctx, schedule, result.FiredAt)
}

// RunOnce executes a manual run synchronously and returns its result.
// Partial failures are absorbed into the counts; only a fatal failure
// (authentication, admission) surfaces as an error alongside the result.
func (s *RunService) RunOnce(ctx context.Context, req ManualRunRequest) (*model.RunResult, error) {
	var (
		schedule   *model.Schedule
		categories []*model.Category
		err        error
	)

	switch {
	case req.ScheduleID != "":
		schedule, err = s.store.GetSchedule(ctx, req.ScheduleID)
		if err != nil {
			return nil, err
		}
		categories, err = s.activeCategoriesOf(ctx, schedule)
	case req.AllActive:
		categories, err = s.store.ActiveCategories(ctx)
	default:
		categories, err = s.store.CategoriesByNames(ctx, req.CategoryNames)
	}
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, ErrNoCategories
	}

	var scheduleID string
	if schedule != nil {
		scheduleID = schedule.ID
		if _, loaded := s.firing.LoadOrStore(schedule.ID, struct{}{}); loaded {
			return nil, ErrRunInProgress
		}
		defer s.firing.Delete(schedule.ID)
	}

	result, runErr := s.executeRun(ctx, scheduleID, categories, true, req.ActorID)

	if schedule != nil {
		s.updateScheduleTimes(ctx, schedule, result.FiredAt)
	}

	return result, runErr
}

// executeRun drives the executor over the categories and records the
// outcome. The result always covers every input category; on a fatal
// failure each category gets a failed record with a zero count.
func (s *RunService) executeRun(ctx context.Context, scheduleID string, categories []*model.Category, manual bool, actorID *string) (*model.RunResult, error) {
	runID := uuid.New().String()
	firedAt := time.Now().UTC()

	var schedulePtr *string
	if scheduleID != "" {
		schedulePtr = &scheduleID
	}

	s.logger.Info("Starting run",
		zap.String("run_id", runID),
		zap.Stringp("schedule_id", schedulePtr),
		zap.Bool("manual", manual),
		zap.Int("categories", len(categories)))

	input := make([]model.Category, len(categories))
	for i, category := range categories {
		input[i] = *category
	}

	counts, runErr := s.exec.Run(ctx, runID, input)

	result := &model.RunResult{
		RunID:      runID,
		ScheduleID: schedulePtr,
		Counts:     make(map[string]int, len(categories)),
		Status:     model.RunStatusCompleted,
		Manual:     manual,
		FiredAt:    firedAt,
		Duration:   time.Since(firedAt),
	}

	for _, category := range categories {
		record := &model.RunRecord{
			ScheduleID: schedulePtr,
			CategoryID: category.ID,
			ActorID:    actorID,
			FiredAt:    firedAt,
			Manual:     manual,
		}

		if runErr != nil {
			record.Status = model.RunStatusFailed
			record.ItemCount = 0
		} else {
			record.Status = model.RunStatusCompleted
			record.ItemCount = counts[category.Name]
		}
		result.Counts[category.Name] = record.ItemCount

		if err := s.ledger.Append(ctx, record); err != nil {
			s.logger.Error("Failed to append run record",
				zap.String("run_id", runID),
				zap.String("category", category.Name),
				zap.Error(err))
		}
	}

	if runErr != nil {
		result.Status = model.RunStatusFailed
		result.Error = runErr.Error()
	}

	s.publishResult(result)

	s.logger.Info("Run finished",
		zap.String("run_id", runID),
		zap.String("status", string(result.Status)),
		zap.Int("total_items", result.TotalItems()),
		zap.Duration("duration", result.Duration))

	return result, runErr
}

// activeCategoriesOf resolves a schedule's category links, dropping
// categories that have been deactivated since the schedule was saved.
func (s *RunService) activeCategoriesOf(ctx context.Context, schedule *model.Schedule) ([]*model.Category, error) {
	linked, err := s.store.CategoriesByIDs(ctx, schedule.CategoryIDs)
	if err != nil {
		return nil, err
	}

	active := linked[:0]
	for _, category := range linked {
		if category.Active {
			active = append(active, category)
		}
	}
	return active, nil
}

func (s *RunService) updateScheduleTimes(ctx context.Context, schedule *model.Schedule, firedAt time.Time) {
	schedule.LastRunAt = &firedAt

	if next, ok := schedule.NextFire(time.Now().UTC()); ok {
		schedule.NextRunAt = &next
	} else {
		schedule.NextRunAt = nil
	}

	if err := s.store.SetRunTimes(ctx, schedule.ID, schedule.LastRunAt, schedule.NextRunAt); err != nil {
		s.logger.Error("Failed to update schedule run times",
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
	}
}

func (s *RunService) publishResult(result *model.RunResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to marshal run result",
			zap.String("run_id", result.RunID),
			zap.Error(err))
		return
	}

	if _, err := s.js.Publish(scheduler.ResultSubjectPrefix+result.RunID, data); err != nil {
		s.logger.Error("Failed to publish run result",
			zap.String("run_id", result.RunID),
			zap.Error(err))
	}
}
