package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/recurrence"
	"github.com/dmercado/republish/internal/storage"
	"github.com/dmercado/republish/internal/testutil"
)

func setupRegistry(t *testing.T) (*Registry, *storage.ScheduleStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	js, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	db, err := storage.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewScheduleStore(logger, db)
	require.NoError(t, err)

	registry := NewRegistry(js, store, logger)
	require.NoError(t, registry.Start(context.Background()))
	t.Cleanup(registry.Stop)
	require.NoError(t, testutil.WaitForStream(t, js, StreamName, 5*time.Second))

	return registry, store
}

func storedSchedule(t *testing.T, store *storage.ScheduleStore, days, times string) *model.Schedule {
	t.Helper()
	ctx := context.Background()

	category := &model.Category{Name: "Toyota", Active: true}
	require.NoError(t, store.CreateCategory(ctx, category))

	schedule := &model.Schedule{
		Name:        "weekday mornings",
		Active:      true,
		DaysOfWeek:  days,
		TimesOfDay:  times,
		CategoryIDs: []string{category.ID},
	}
	require.NoError(t, store.CreateSchedule(ctx, schedule))
	return schedule
}

func TestRegistryArm(t *testing.T) {
	registry, store := setupRegistry(t)
	ctx := context.Background()

	schedule := storedSchedule(t, store, "mon,wed", "09:00,14:30")

	require.NoError(t, registry.Arm(ctx, schedule))
	assert.True(t, registry.Armed(schedule.ID))
	assert.Equal(t, 2, registry.EntryCount(schedule.ID), "one entry per time of day")

	// Next fire is recomputed and persisted.
	require.NotNil(t, schedule.NextRunAt)
	loaded, err := store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.NextRunAt)
	assert.Equal(t, schedule.NextRunAt.Unix(), loaded.NextRunAt.Unix())

	want, ok := recurrence.Next(schedule.Days, schedule.Times, time.Now().UTC())
	require.True(t, ok)
	assert.WithinDuration(t, want, *schedule.NextRunAt, 2*time.Second)
}

func TestRegistryArmIsIdempotent(t *testing.T) {
	registry, store := setupRegistry(t)
	ctx := context.Background()

	schedule := storedSchedule(t, store, "mon,wed,fri", "09:00")

	require.NoError(t, registry.Arm(ctx, schedule))
	require.NoError(t, registry.Arm(ctx, schedule))
	require.NoError(t, registry.Arm(ctx, schedule))

	assert.Equal(t, 1, registry.EntryCount(schedule.ID), "re-arming must not stack entries")
}

func TestRegistryRejectsNotArmable(t *testing.T) {
	registry, store := setupRegistry(t)
	ctx := context.Background()

	schedule := storedSchedule(t, store, "mon", "09:00")
	schedule.Active = false

	err := registry.Arm(ctx, schedule)
	require.ErrorIs(t, err, ErrNotArmable)
	assert.False(t, registry.Armed(schedule.ID))
}

func TestRegistryArmReplacesStaleEntries(t *testing.T) {
	registry, store := setupRegistry(t)
	ctx := context.Background()

	schedule := storedSchedule(t, store, "mon", "09:00,12:00,18:00")
	require.NoError(t, registry.Arm(ctx, schedule))
	require.Equal(t, 3, registry.EntryCount(schedule.ID))

	// Arming after a failed parse clears the old entries too.
	schedule.Active = false
	require.ErrorIs(t, registry.Arm(ctx, schedule), ErrNotArmable)
	assert.False(t, registry.Armed(schedule.ID))
}

func TestRegistryDisarm(t *testing.T) {
	registry, store := setupRegistry(t)
	ctx := context.Background()

	schedule := storedSchedule(t, store, "tue", "10:00")
	require.NoError(t, registry.Arm(ctx, schedule))

	registry.Disarm(schedule.ID)
	assert.False(t, registry.Armed(schedule.ID))

	// Disarming again, or disarming an unknown id, is a no-op.
	registry.Disarm(schedule.ID)
	registry.Disarm("no-such-schedule")
}

func TestRegistryBootstrap(t *testing.T) {
	registry, store := setupRegistry(t)
	ctx := context.Background()

	armable := storedSchedule(t, store, "mon,thu", "08:00")

	// Active but without times, so bootstrap must skip it.
	category := &model.Category{Name: "Honda", Active: true}
	require.NoError(t, store.CreateCategory(ctx, category))
	empty := &model.Schedule{
		Name:        "never fires",
		Active:      true,
		DaysOfWeek:  "mon",
		CategoryIDs: []string{category.ID},
	}
	require.NoError(t, store.CreateSchedule(ctx, empty))

	require.NoError(t, registry.Bootstrap(ctx))

	assert.True(t, registry.Armed(armable.ID))
	assert.False(t, registry.Armed(empty.ID))
}

func TestFireJobPublishesEvent(t *testing.T) {
	registry, store := setupRegistry(t)

	schedule := storedSchedule(t, store, "sun", "23:59")

	job := &fireJob{registry: registry, scheduleID: schedule.ID}
	job.Run()

	messages, err := testutil.CollectMessages(registry.js, FireSubject, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var event model.FireEvent
	require.NoError(t, json.Unmarshal(messages[0], &event))
	assert.Equal(t, schedule.ID, event.ScheduleID)
	assert.WithinDuration(t, time.Now().UTC(), event.ScheduledAt, 5*time.Second)
}
