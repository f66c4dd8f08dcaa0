package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dmercado/republish/internal/driver"
	"github.com/dmercado/republish/internal/model"
)

// fakeDriver scripts deterministic discovery results and failures.
type fakeDriver struct {
	authErr    error
	items      map[string][]driver.ItemID
	discident  map[string]error // per-category discovery failures
	failItems  map[driver.ItemID]error
	authCalls  int
	closeCalls int
}

func (d *fakeDriver) Authenticate(ctx context.Context) (driver.Session, error) {
	d.authCalls++
	if d.authErr != nil {
		return nil, d.authErr
	}
	return &fakeSession{driver: d}, nil
}

type fakeSession struct {
	driver *fakeDriver
}

func (s *fakeSession) ListPending(ctx context.Context, category model.Category) ([]driver.ItemID, error) {
	if err := s.driver.discident[category.Name]; err != nil {
		return nil, err
	}
	return s.driver.items[category.Name], nil
}

func (s *fakeSession) Republish(ctx context.Context, category model.Category, item driver.ItemID) error {
	return s.driver.failItems[item]
}

func (s *fakeSession) Close() {
	s.driver.closeCalls++
}

// fakeBrowser serves a canned container log stream.
type fakeBrowser struct {
	id     string
	stream string
	logErr error
}

func (b *fakeBrowser) ContainerID() string {
	return b.id
}

func (b *fakeBrowser) Logs(ctx context.Context) (io.ReadCloser, error) {
	if b.logErr != nil {
		return nil, b.logErr
	}
	return io.NopCloser(strings.NewReader(b.stream)), nil
}

func categories(names ...string) []model.Category {
	out := make([]model.Category, 0, len(names))
	for _, name := range names {
		out = append(out, model.Category{ID: "id-" + name, Name: name, Active: true})
	}
	return out
}

func TestExecutorRun(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("partial failure keeps the run alive", func(t *testing.T) {
		// A discovers 3 items, one fails; B discovers nothing.
		fake := &fakeDriver{
			items: map[string][]driver.ItemID{
				"A": {"1", "2", "3"},
			},
			failItems: map[driver.ItemID]error{
				"2": &driver.ItemActionError{Category: "A", Item: "2", Err: fmt.Errorf("boom")},
			},
		}

		exec := New(fake, nil, nil, nil, logger)
		counts, err := exec.Run(context.Background(), "run-1", categories("A", "B"))
		require.NoError(t, err)

		assert.Equal(t, map[string]int{"A": 2, "B": 0}, counts)
		assert.Equal(t, 1, fake.authCalls)
		assert.Equal(t, 1, fake.closeCalls)
	})

	t.Run("result covers every input category exactly", func(t *testing.T) {
		fake := &fakeDriver{
			items: map[string][]driver.ItemID{
				"A": {"1"},
				"C": {"2", "3"},
			},
		}

		exec := New(fake, nil, nil, nil, logger)
		input := categories("A", "B", "C", "D")
		counts, err := exec.Run(context.Background(), "run-2", input)
		require.NoError(t, err)

		require.Len(t, counts, len(input))
		for _, category := range input {
			assert.Contains(t, counts, category.Name)
		}
		assert.Equal(t, map[string]int{"A": 1, "B": 0, "C": 2, "D": 0}, counts)
	})

	t.Run("auth failure aborts before any category", func(t *testing.T) {
		fake := &fakeDriver{
			authErr: &driver.AuthError{Err: fmt.Errorf("bad credentials")},
			items:   map[string][]driver.ItemID{"A": {"1"}},
		}

		exec := New(fake, nil, nil, nil, logger)
		counts, err := exec.Run(context.Background(), "run-3", categories("A"))
		require.Error(t, err)
		assert.Nil(t, counts)

		var authErr *driver.AuthError
		assert.ErrorAs(t, err, &authErr)
		assert.Zero(t, fake.closeCalls)
	})

	t.Run("discovery failure records zero and continues", func(t *testing.T) {
		fake := &fakeDriver{
			items: map[string][]driver.ItemID{
				"B": {"1", "2"},
			},
			discident: map[string]error{
				"A": &driver.DiscoveryError{Category: "A", Err: fmt.Errorf("page timeout")},
			},
		}

		exec := New(fake, nil, nil, nil, logger)
		counts, err := exec.Run(context.Background(), "run-4", categories("A", "B"))
		require.NoError(t, err)

		assert.Equal(t, map[string]int{"A": 0, "B": 2}, counts)
		assert.Equal(t, 1, fake.closeCalls)
	})

	t.Run("session closed when everything fails", func(t *testing.T) {
		fake := &fakeDriver{
			items: map[string][]driver.ItemID{"A": {"1", "2"}},
			failItems: map[driver.ItemID]error{
				"1": fmt.Errorf("gone"),
				"2": fmt.Errorf("gone"),
			},
		}

		exec := New(fake, nil, nil, nil, logger)
		counts, err := exec.Run(context.Background(), "run-5", categories("A"))
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"A": 0}, counts)
		assert.Equal(t, 1, fake.closeCalls)
	})
}

func TestExecutorCapacityGuard(t *testing.T) {
	logger := zaptest.NewLogger(t)
	guard := NewCapacityGuard(CapacityLimits{MaxRuns: 1}, logger)

	fake := &fakeDriver{items: map[string][]driver.ItemID{}}
	exec := New(fake, nil, guard, nil, logger)

	// Hold the only slot, then try to run.
	require.NoError(t, guard.Acquire())
	_, err := exec.Run(context.Background(), "run-6", categories("A"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not admitted")
	assert.Zero(t, fake.authCalls)

	guard.Release()
	counts, err := exec.Run(context.Background(), "run-7", categories("A"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 0}, counts)

	// The slot is free again after the run.
	require.NoError(t, guard.Acquire())
	guard.Release()
}

func TestCapacityGuardLimits(t *testing.T) {
	guard := NewCapacityGuard(CapacityLimits{MaxRuns: 2}, zaptest.NewLogger(t))

	require.NoError(t, guard.Acquire())
	require.NoError(t, guard.Acquire())
	require.Error(t, guard.Acquire())

	guard.Release()
	require.NoError(t, guard.Acquire())

	stats := guard.Stats()
	assert.Equal(t, 2, stats.ActiveRuns)
}

func TestRunLogManager(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lm, err := NewRunLogManager(RunLogConfig{
		LogDir:        t.TempDir(),
		FlushInterval: time.Hour, // keep the background loop out of the way
	}, logger)
	require.NoError(t, err)

	now := time.Now().UTC()
	lm.Append("run-1", RunLogEntry{Timestamp: now, Level: "info", RunID: "run-1", Message: "first"})
	lm.Append("run-1", RunLogEntry{Timestamp: now.Add(time.Second), Level: "warn", RunID: "run-1", Message: "second"})
	lm.Append("run-2", RunLogEntry{Timestamp: now, Level: "info", RunID: "run-2", Message: "other run"})

	entries, err := lm.Logs("run-1", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)

	// Window filtering.
	entries, err = lm.Logs("run-1", now.Add(500*time.Millisecond), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Message)
}

func TestBrowserLogCapture(t *testing.T) {
	logger := zaptest.NewLogger(t)
	lm, err := NewRunLogManager(RunLogConfig{
		LogDir:        t.TempDir(),
		FlushInterval: time.Hour,
	}, logger)
	require.NoError(t, err)

	t.Run("container lines land in the run log", func(t *testing.T) {
		fake := &fakeDriver{items: map[string][]driver.ItemID{"A": {"1"}}}
		browser := &fakeBrowser{id: "browser-1", stream: "devtools listening\nrenderer ready\n"}
		exec := New(fake, browser, nil, lm, logger)

		started := time.Now().UTC()
		counts, err := exec.Run(context.Background(), "run-8", categories("A"))
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"A": 1}, counts)

		// The stream is drained on a goroutine; wait for it to settle.
		browserLines := func() []string {
			entries, err := lm.Logs("run-8", started.Add(-time.Minute), started.Add(time.Minute))
			if err != nil {
				return nil
			}
			var lines []string
			for _, entry := range entries {
				if entry.Level == "browser" {
					lines = append(lines, entry.Message)
				}
			}
			return lines
		}
		require.Eventually(t, func() bool {
			return len(browserLines()) == 3
		}, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, []string{
			"capturing container browser-1",
			"devtools listening",
			"renderer ready",
		}, browserLines())
	})

	t.Run("capture failure does not abort the run", func(t *testing.T) {
		fake := &fakeDriver{items: map[string][]driver.ItemID{"A": {"1"}}}
		browser := &fakeBrowser{id: "browser-1", logErr: fmt.Errorf("container gone")}
		exec := New(fake, browser, nil, lm, logger)

		counts, err := exec.Run(context.Background(), "run-9", categories("A"))
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"A": 1}, counts)
	})
}
