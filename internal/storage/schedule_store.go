package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/model"
)

// ErrNotFound is returned when a schedule or category does not exist.
var ErrNotFound = fmt.Errorf("not found")

// ScheduleStore persists schedules, categories and their associations.
type ScheduleStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewScheduleStore creates the store and its tables.
func NewScheduleStore(logger *zap.Logger, db *sql.DB) (*ScheduleStore, error) {
	store := &ScheduleStore{
		logger: logger.Named("schedule-store"),
		db:     db,
	}
	if err := store.initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *ScheduleStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			days_of_week TEXT NOT NULL DEFAULT '',
			times_of_day TEXT NOT NULL DEFAULT '',
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS schedule_categories (
			schedule_id TEXT NOT NULL REFERENCES schedules(id),
			category_id TEXT NOT NULL REFERENCES categories(id),
			PRIMARY KEY (schedule_id, category_id)
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_active ON schedules(active);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schedule tables: %w", err)
	}
	return nil
}

// CreateCategory inserts a new category.
func (s *ScheduleStore) CreateCategory(ctx context.Context, category *model.Category) error {
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, active, created_at)
		VALUES (?, ?, ?, ?)`,
		category.ID, category.Name, category.Active, category.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create category: %w", err)
	}
	return nil
}

// UpdateCategory updates a category's name and active flag.
func (s *ScheduleStore) UpdateCategory(ctx context.Context, category *model.Category) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE categories SET name = ?, active = ? WHERE id = ?`,
		category.Name, category.Active, category.ID)
	if err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCategories returns all categories ordered by name.
func (s *ScheduleStore) ListCategories(ctx context.Context) ([]*model.Category, error) {
	return s.queryCategories(ctx,
		`SELECT id, name, active, created_at FROM categories ORDER BY name`)
}

// ActiveCategories returns all active categories ordered by name.
func (s *ScheduleStore) ActiveCategories(ctx context.Context) ([]*model.Category, error) {
	return s.queryCategories(ctx,
		`SELECT id, name, active, created_at FROM categories WHERE active = 1 ORDER BY name`)
}

// CategoriesByNames resolves categories by display name, preserving input
// order. Unknown names are skipped.
func (s *ScheduleStore) CategoriesByNames(ctx context.Context, names []string) ([]*model.Category, error) {
	byName := make(map[string]*model.Category)
	all, err := s.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		byName[c.Name] = c
	}

	var categories []*model.Category
	for _, name := range names {
		if c, ok := byName[name]; ok {
			categories = append(categories, c)
		}
	}
	return categories, nil
}

// CategoriesByIDs resolves categories by id, preserving input order.
func (s *ScheduleStore) CategoriesByIDs(ctx context.Context, ids []string) ([]*model.Category, error) {
	byID := make(map[string]*model.Category)
	all, err := s.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		byID[c.ID] = c
	}

	var categories []*model.Category
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			categories = append(categories, c)
		}
	}
	return categories, nil
}

func (s *ScheduleStore) queryCategories(ctx context.Context, query string, args ...interface{}) ([]*model.Category, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var categories []*model.Category
	for rows.Next() {
		category := &model.Category{}
		if err := rows.Scan(&category.ID, &category.Name, &category.Active, &category.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, category)
	}
	return categories, rows.Err()
}

// CreateSchedule inserts a schedule and its category associations.
func (s *ScheduleStore) CreateSchedule(ctx context.Context, schedule *model.Schedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO schedules (id, name, active, days_of_week, times_of_day,
			last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.Name, schedule.Active,
		schedule.DaysOfWeek, schedule.TimesOfDay,
		nullTime(schedule.LastRunAt), nullTime(schedule.NextRunAt),
		schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}

	for _, categoryID := range schedule.CategoryIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schedule_categories (schedule_id, category_id)
			VALUES (?, ?)`, schedule.ID, categoryID); err != nil {
			return fmt.Errorf("failed to link category %s: %w", categoryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule: %w", err)
	}

	schedule.ParseRecurrence()
	return nil
}

// UpdateSchedule updates the schedule row and replaces its category links
// when CategoryIDs is non-nil.
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, schedule *model.Schedule) error {
	schedule.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE schedules SET name = ?, active = ?, days_of_week = ?,
			times_of_day = ?, updated_at = ?
		WHERE id = ?`,
		schedule.Name, schedule.Active, schedule.DaysOfWeek,
		schedule.TimesOfDay, schedule.UpdatedAt, schedule.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if schedule.CategoryIDs != nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM schedule_categories WHERE schedule_id = ?`, schedule.ID); err != nil {
			return fmt.Errorf("failed to clear category links: %w", err)
		}
		for _, categoryID := range schedule.CategoryIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schedule_categories (schedule_id, category_id)
				VALUES (?, ?)`, schedule.ID, categoryID); err != nil {
				return fmt.Errorf("failed to link category %s: %w", categoryID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule update: %w", err)
	}

	schedule.ParseRecurrence()
	return nil
}

// SetActive flips the schedule's active flag.
func (s *ScheduleStore) SetActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set schedule active flag: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunTimes updates the denormalized last/next-fire cache.
func (s *ScheduleStore) SetRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		nullTime(lastRun), nullTime(nextRun), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set run times: %w", err)
	}
	return nil
}

// GetSchedule loads one schedule with its parsed recurrence and category ids.
func (s *ScheduleStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	schedule, err := s.scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT id, name, active, days_of_week, times_of_day,
			last_run_at, next_run_at, created_at, updated_at
		FROM schedules WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadCategoryIDs(ctx, schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

// ListSchedules returns all schedules, newest first.
func (s *ScheduleStore) ListSchedules(ctx context.Context) ([]*model.Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT id, name, active, days_of_week, times_of_day,
			last_run_at, next_run_at, created_at, updated_at
		FROM schedules ORDER BY created_at DESC`)
}

// ActiveSchedules returns every schedule whose active flag is set.
func (s *ScheduleStore) ActiveSchedules(ctx context.Context) ([]*model.Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT id, name, active, days_of_week, times_of_day,
			last_run_at, next_run_at, created_at, updated_at
		FROM schedules WHERE active = 1 ORDER BY created_at DESC`)
}

// DeleteSchedule removes the schedule and its association rows. Link rows
// go first so the foreign keys never trip.
func (s *ScheduleStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schedule_categories WHERE schedule_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete category links: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedule delete: %w", err)
	}

	s.logger.Info("Deleted schedule", zap.String("id", id))
	return nil
}

func (s *ScheduleStore) querySchedules(ctx context.Context, query string, args ...interface{}) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		schedule, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, schedule := range schedules {
		if err := s.loadCategoryIDs(ctx, schedule); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *ScheduleStore) scanSchedule(row rowScanner) (*model.Schedule, error) {
	schedule := &model.Schedule{}
	var lastRun, nextRun sql.NullTime

	err := row.Scan(
		&schedule.ID,
		&schedule.Name,
		&schedule.Active,
		&schedule.DaysOfWeek,
		&schedule.TimesOfDay,
		&lastRun,
		&nextRun,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	if lastRun.Valid {
		schedule.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		schedule.NextRunAt = &nextRun.Time
	}

	schedule.ParseRecurrence()
	return schedule, nil
}

func (s *ScheduleStore) loadCategoryIDs(ctx context.Context, schedule *model.Schedule) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.category_id FROM schedule_categories sc
		JOIN categories c ON c.id = sc.category_id
		WHERE sc.schedule_id = ? ORDER BY c.name`, schedule.ID)
	if err != nil {
		return fmt.Errorf("failed to load category links: %w", err)
	}
	defer rows.Close()

	schedule.CategoryIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan category link: %w", err)
		}
		schedule.CategoryIDs = append(schedule.CategoryIDs, id)
	}
	return rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
