// Package scheduler keeps live cron timers for active schedules and turns
// each firing into a fire event on JetStream. It never executes runs itself;
// the run service consumes the events.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/recurrence"
	"github.com/dmercado/republish/internal/storage"
)

// Registry owns the mapping from schedule ids to live cron entries. Arming
// is all-or-nothing per schedule: a schedule is either fully armed with one
// entry per time of day, or not armed at all.
type Registry struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	store  *storage.ScheduleStore
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewRegistry creates a registry. All timers run in UTC.
func NewRegistry(js nats.JetStreamContext, store *storage.ScheduleStore, logger *zap.Logger) *Registry {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger)),
	}

	return &Registry{
		logger:  logger.Named("registry"),
		js:      js,
		store:   store,
		cron:    cron.New(cronOptions...),
		entries: make(map[string][]cron.EntryID),
	}
}

// Start ensures the stream exists and starts the cron runner.
func (r *Registry) Start(ctx context.Context) error {
	_, err := r.js.StreamInfo(StreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = r.js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{FireSubject, ResultSubjectWildcard},
			Storage:  nats.FileStorage,
			MaxAge:   streamMaxAge,
			MaxMsgs:  streamMaxMsgs,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		r.logger.Info("Created stream", zap.String("name", StreamName))
	} else {
		r.logger.Info("Using existing stream", zap.String("name", StreamName))
	}

	r.cron.Start()
	return nil
}

// Stop stops the cron runner and waits for in-flight jobs.
func (r *Registry) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Bootstrap arms every active schedule from the store. A schedule that
// fails to arm is logged and skipped so the rest still come up.
func (r *Registry) Bootstrap(ctx context.Context) error {
	schedules, err := r.store.ActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active schedules: %w", err)
	}

	armed := 0
	for _, schedule := range schedules {
		if err := r.Arm(ctx, schedule); err != nil {
			r.logger.Warn("Skipping schedule at bootstrap",
				zap.String("id", schedule.ID),
				zap.String("name", schedule.Name),
				zap.Error(err))
			continue
		}
		armed++
	}

	r.logger.Info("Bootstrapped schedules",
		zap.Int("armed", armed),
		zap.Int("total", len(schedules)))
	return nil
}

// Arm replaces the schedule's timers with a fresh set, one cron entry per
// time of day, and persists the recomputed next fire instant. Arming an
// already armed schedule is safe; the old entries are removed first.
func (r *Registry) Arm(ctx context.Context, schedule *model.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(schedule.ID)

	if !schedule.Armable() {
		return ErrNotArmable
	}

	specs := recurrence.CronSpecs(schedule.Days, schedule.Times)
	entryIDs := make([]cron.EntryID, 0, len(specs))
	for _, spec := range specs {
		entryID, err := r.cron.AddJob(spec, &fireJob{registry: r, scheduleID: schedule.ID})
		if err != nil {
			for _, id := range entryIDs {
				r.cron.Remove(id)
			}
			return fmt.Errorf("failed to add cron entry %q: %w", spec, err)
		}
		entryIDs = append(entryIDs, entryID)
	}
	r.entries[schedule.ID] = entryIDs

	next, ok := schedule.NextFire(time.Now().UTC())
	if ok {
		schedule.NextRunAt = &next
		if err := r.store.SetRunTimes(ctx, schedule.ID, schedule.LastRunAt, &next); err != nil {
			r.logger.Error("Failed to persist next fire time",
				zap.String("id", schedule.ID),
				zap.Error(err))
		}
	}

	r.logger.Info("Armed schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.Strings("specs", specs),
		zap.Timep("next_run", schedule.NextRunAt))
	return nil
}

// Disarm removes the schedule's timers. Disarming a schedule that is not
// armed is a no-op.
func (r *Registry) Disarm(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removeLocked(id) {
		r.logger.Info("Disarmed schedule", zap.String("id", id))
	}
}

// Armed reports whether the schedule currently has live timers.
func (r *Registry) Armed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// EntryCount returns the number of live cron entries for the schedule.
func (r *Registry) EntryCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[id])
}

func (r *Registry) removeLocked(id string) bool {
	entryIDs, ok := r.entries[id]
	if !ok {
		return false
	}
	for _, entryID := range entryIDs {
		r.cron.Remove(entryID)
	}
	delete(r.entries, id)
	return true
}

// fireJob implements cron.Job
type fireJob struct {
	registry   *Registry
	scheduleID string
}

// Run publishes one fire event. The run service decides whether the
// schedule is still eligible at consumption time.
func (j *fireJob) Run() {
	event := model.FireEvent{
		ScheduleID:  j.scheduleID,
		ScheduledAt: time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		j.registry.logger.Error("Failed to marshal fire event",
			zap.String("schedule_id", j.scheduleID),
			zap.Error(err))
		return
	}

	if _, err := j.registry.js.Publish(FireSubject, data); err != nil {
		j.registry.logger.Error("Failed to publish fire event",
			zap.String("schedule_id", j.scheduleID),
			zap.Error(err))
		return
	}

	j.registry.logger.Info("Schedule fired",
		zap.String("schedule_id", j.scheduleID),
		zap.Time("scheduled_at", event.ScheduledAt))
}
