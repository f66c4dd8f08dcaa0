package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dmercado/republish/internal/driver"
	"github.com/dmercado/republish/internal/executor"
	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/scheduler"
	"github.com/dmercado/republish/internal/storage"
	"github.com/dmercado/republish/internal/testutil"
)

// stubDriver serves fixed item lists. When block is set, sessions listing
// blockName hold open until released so overlap behavior can be exercised.
type stubDriver struct {
	mu        sync.Mutex
	items     map[string][]driver.ItemID
	authErr   error
	block     chan struct{}
	blockName string
	runs      int
}

func (d *stubDriver) Authenticate(ctx context.Context) (driver.Session, error) {
	d.mu.Lock()
	d.runs++
	d.mu.Unlock()
	if d.authErr != nil {
		return nil, d.authErr
	}
	return &stubSession{driver: d}, nil
}

func (d *stubDriver) runCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

type stubSession struct {
	driver *stubDriver
}

func (s *stubSession) ListPending(ctx context.Context, category model.Category) ([]driver.ItemID, error) {
	if s.driver.block != nil && category.Name == s.driver.blockName {
		<-s.driver.block
	}
	return s.driver.items[category.Name], nil
}

func (s *stubSession) Republish(ctx context.Context, category model.Category, item driver.ItemID) error {
	return nil
}

func (s *stubSession) Close() {}

type serviceFixture struct {
	service *RunService
	store   *storage.ScheduleStore
	ledger  *storage.RunLedger
	driver  *stubDriver
}

func setupService(t *testing.T) *serviceFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	js, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)
	testutil.EnsureStream(t, js, scheduler.StreamName,
		scheduler.FireSubject, scheduler.ResultSubjectWildcard)

	db, err := storage.Open(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewScheduleStore(logger, db)
	require.NoError(t, err)
	ledger, err := storage.NewRunLedger(logger, db)
	require.NoError(t, err)

	stub := &stubDriver{items: map[string][]driver.ItemID{}}
	exec := executor.New(stub, nil, nil, nil, logger)

	return &serviceFixture{
		service: NewRunService(js, store, ledger, exec, logger),
		store:   store,
		ledger:  ledger,
		driver:  stub,
	}
}

func (f *serviceFixture) createCategory(t *testing.T, name string, items ...driver.ItemID) *model.Category {
	t.Helper()
	category := &model.Category{Name: name, Active: true}
	require.NoError(t, f.store.CreateCategory(context.Background(), category))
	f.driver.items[name] = items
	return category
}

func TestRunOnceWithExplicitCategories(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	f.createCategory(t, "Toyota", "1", "2", "3")
	f.createCategory(t, "Honda")

	actor := "operator-7"
	result, err := f.service.RunOnce(ctx, ManualRunRequest{
		CategoryNames: []string{"Toyota", "Honda"},
		ActorID:       &actor,
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, result.Status)
	assert.True(t, result.Manual)
	assert.Nil(t, result.ScheduleID)
	assert.Equal(t, map[string]int{"Toyota": 3, "Honda": 0}, result.Counts)
	assert.Equal(t, 3, result.TotalItems())

	// One ledger record per category, attributed to the actor.
	records, err := f.ledger.LastManualRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.True(t, record.Manual)
		assert.Nil(t, record.ScheduleID)
		require.NotNil(t, record.ActorID)
		assert.Equal(t, actor, *record.ActorID)
		assert.Equal(t, model.RunStatusCompleted, record.Status)
	}
}

func TestRunOnceAllActive(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	f.createCategory(t, "Toyota", "1")
	f.createCategory(t, "Honda", "2", "3")
	dormant := f.createCategory(t, "Kia", "4")
	dormant.Active = false
	require.NoError(t, f.store.UpdateCategory(ctx, dormant))

	result, err := f.service.RunOnce(ctx, ManualRunRequest{AllActive: true})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"Toyota": 1, "Honda": 2}, result.Counts)
	assert.NotContains(t, result.Counts, "Kia")
}

func TestRunOnceNoCategories(t *testing.T) {
	f := setupService(t)

	_, err := f.service.RunOnce(context.Background(), ManualRunRequest{
		CategoryNames: []string{"NoSuchBrand"},
	})
	require.ErrorIs(t, err, ErrNoCategories)
}

func TestRunOnceFatalFailureWritesFailedRecords(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	f.createCategory(t, "Toyota", "1", "2")
	f.driver.authErr = &driver.AuthError{Err: fmt.Errorf("login rejected")}

	result, err := f.service.RunOnce(ctx, ManualRunRequest{CategoryNames: []string{"Toyota"}})
	require.Error(t, err)
	require.NotNil(t, result)

	assert.Equal(t, model.RunStatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, map[string]int{"Toyota": 0}, result.Counts)

	records, err := f.ledger.LastManualRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.RunStatusFailed, records[0].Status)
	assert.Zero(t, records[0].ItemCount)
}

func createSchedule(t *testing.T, f *serviceFixture, categoryIDs ...string) *model.Schedule {
	t.Helper()
	schedule := &model.Schedule{
		Name:        "nightly",
		Active:      true,
		DaysOfWeek:  "mon,tue,wed,thu,fri,sat,sun",
		TimesOfDay:  "03:00",
		CategoryIDs: categoryIDs,
	}
	require.NoError(t, f.store.CreateSchedule(context.Background(), schedule))
	return schedule
}

func TestRunOnceForScheduleUpdatesRunTimes(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	toyota := f.createCategory(t, "Toyota", "1", "2")
	schedule := createSchedule(t, f, toyota.ID)

	result, err := f.service.RunOnce(ctx, ManualRunRequest{ScheduleID: schedule.ID})
	require.NoError(t, err)

	require.NotNil(t, result.ScheduleID)
	assert.Equal(t, schedule.ID, *result.ScheduleID)
	assert.Equal(t, map[string]int{"Toyota": 2}, result.Counts)

	loaded, err := f.store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastRunAt)
	assert.WithinDuration(t, time.Now().UTC(), *loaded.LastRunAt, 10*time.Second)
	require.NotNil(t, loaded.NextRunAt)
	assert.True(t, loaded.NextRunAt.After(time.Now().UTC()))
}

func TestHandleFireDropsStaleEvents(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	toyota := f.createCategory(t, "Toyota", "1")
	schedule := createSchedule(t, f, toyota.ID)

	// Deactivated after the firing was scheduled.
	require.NoError(t, f.store.SetActive(ctx, schedule.ID, false))

	f.service.handleFire(ctx, model.FireEvent{ScheduleID: schedule.ID, ScheduledAt: time.Now().UTC()})
	assert.Zero(t, f.driver.runCount())

	// Unknown schedule ids are dropped silently too.
	f.service.handleFire(ctx, model.FireEvent{ScheduleID: "deleted", ScheduledAt: time.Now().UTC()})
	assert.Zero(t, f.driver.runCount())
}

func TestHandleFireWritesScheduleAttributedRecords(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	toyota := f.createCategory(t, "Toyota", "1", "2", "3")
	honda := f.createCategory(t, "Honda")
	schedule := createSchedule(t, f, toyota.ID, honda.ID)

	f.service.handleFire(ctx, model.FireEvent{ScheduleID: schedule.ID, ScheduledAt: time.Now().UTC()})

	records, err := f.ledger.RunsForSchedule(ctx, schedule.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.False(t, record.Manual)
		require.NotNil(t, record.ScheduleID)
		assert.Equal(t, schedule.ID, *record.ScheduleID)
	}
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	toyota := f.createCategory(t, "Toyota", "1")
	honda := f.createCategory(t, "Honda", "9")
	schedule := createSchedule(t, f, toyota.ID)
	other := createSchedule(t, f, honda.ID)

	f.driver.block = make(chan struct{})
	f.driver.blockName = "Toyota"

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.service.handleFire(ctx, model.FireEvent{ScheduleID: schedule.ID, ScheduledAt: time.Now().UTC()})
	}()

	// Wait for the first run to get past the firing guard.
	require.Eventually(t, func() bool {
		return f.driver.runCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A manual trigger against the same schedule is refused, not queued.
	_, err := f.service.RunOnce(ctx, ManualRunRequest{ScheduleID: schedule.ID})
	require.ErrorIs(t, err, ErrRunInProgress)

	// A second firing is skipped.
	f.service.handleFire(ctx, model.FireEvent{ScheduleID: schedule.ID, ScheduledAt: time.Now().UTC()})
	assert.Equal(t, 1, f.driver.runCount())

	// A different schedule is not held back by the in-flight one.
	f.service.handleFire(ctx, model.FireEvent{ScheduleID: other.ID, ScheduledAt: time.Now().UTC()})
	assert.Equal(t, 2, f.driver.runCount())

	close(f.driver.block)
	<-done

	// Once the run finishes the schedule can fire again.
	f.driver.block = nil
	_, err = f.service.RunOnce(ctx, ManualRunRequest{ScheduleID: schedule.ID})
	require.NoError(t, err)
}

func TestRunResultPublished(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	f.createCategory(t, "Toyota", "1", "2")

	result, err := f.service.RunOnce(ctx, ManualRunRequest{CategoryNames: []string{"Toyota"}})
	require.NoError(t, err)

	messages, err := testutil.CollectMessages(f.service.js, scheduler.ResultSubjectWildcard, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var published model.RunResult
	require.NoError(t, json.Unmarshal(messages[0], &published))
	assert.Equal(t, result.RunID, published.RunID)
	assert.Equal(t, result.Counts, published.Counts)
	assert.Equal(t, model.RunStatusCompleted, published.Status)
}
