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

// RunLedger is the append-only record of run outcomes, one row per
// (run × category) pair. Rows are never updated.
type RunLedger struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewRunLedger creates the ledger and its table.
func NewRunLedger(logger *zap.Logger, db *sql.DB) (*RunLedger, error) {
	ledger := &RunLedger{
		logger: logger.Named("run-ledger"),
		db:     db,
	}
	if err := ledger.initialize(); err != nil {
		return nil, err
	}
	return ledger, nil
}

func (l *RunLedger) initialize() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT,
			category_id TEXT NOT NULL REFERENCES categories(id),
			actor_id TEXT,
			item_count INTEGER NOT NULL DEFAULT 0,
			fired_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			manual INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_fired_at ON runs(fired_at);
		CREATE INDEX IF NOT EXISTS idx_runs_manual ON runs(manual);
		CREATE INDEX IF NOT EXISTS idx_runs_category_id ON runs(category_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize runs table: %w", err)
	}
	return nil
}

// Append writes one immutable run record.
func (l *RunLedger) Append(ctx context.Context, record *model.RunRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.ItemCount < 0 {
		return fmt.Errorf("item count must not be negative: %d", record.ItemCount)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, schedule_id, category_id, actor_id,
			item_count, fired_at, status, manual)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		nullString(record.ScheduleID),
		record.CategoryID,
		nullString(record.ActorID),
		record.ItemCount,
		record.FiredAt,
		record.Status,
		record.Manual,
	)
	if err != nil {
		return fmt.Errorf("failed to append run record: %w", err)
	}
	return nil
}

// LastManualRuns returns the most recent manual run records, newest first,
// joined with the category display name.
func (l *RunLedger) LastManualRuns(ctx context.Context, n int) ([]*model.RunRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.id, r.schedule_id, r.category_id, r.actor_id,
			r.item_count, r.fired_at, r.status, r.manual, c.name
		FROM runs r
		JOIN categories c ON c.id = r.category_id
		WHERE r.manual = 1
		ORDER BY r.fired_at DESC, r.id
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list manual runs: %w", err)
	}
	defer rows.Close()

	return scanRunRecords(rows)
}

// RunsForSchedule returns a schedule's records, newest first.
func (l *RunLedger) RunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]*model.RunRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.id, r.schedule_id, r.category_id, r.actor_id,
			r.item_count, r.fired_at, r.status, r.manual, c.name
		FROM runs r
		JOIN categories c ON c.id = r.category_id
		WHERE r.schedule_id = ?
		ORDER BY r.fired_at DESC, r.id
		LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule runs: %w", err)
	}
	defer rows.Close()

	return scanRunRecords(rows)
}

// CategoryDailyStats sums item counts per category per day since the given
// instant, oldest day first.
func (l *RunLedger) CategoryDailyStats(ctx context.Context, since time.Time) ([]*model.CategoryDayStat, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT c.name, date(r.fired_at), SUM(r.item_count)
		FROM runs r
		JOIN categories c ON c.id = r.category_id
		WHERE r.fired_at >= ?
		GROUP BY c.name, date(r.fired_at)
		ORDER BY date(r.fired_at) ASC, c.name`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate category stats: %w", err)
	}
	defer rows.Close()

	var stats []*model.CategoryDayStat
	for rows.Next() {
		stat := &model.CategoryDayStat{}
		var day string
		if err := rows.Scan(&stat.CategoryName, &day, &stat.ItemCount); err != nil {
			return nil, fmt.Errorf("failed to scan category stat: %w", err)
		}
		stat.Day, err = time.ParseInLocation("2006-01-02", day, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stat day: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// DeleteBefore prunes records older than the given instant.
func (l *RunLedger) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := l.db.ExecContext(ctx, `DELETE FROM runs WHERE fired_at < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to prune run records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	l.logger.Info("Pruned old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

func scanRunRecords(rows *sql.Rows) ([]*model.RunRecord, error) {
	var records []*model.RunRecord
	for rows.Next() {
		record := &model.RunRecord{}
		var scheduleID, actorID sql.NullString

		err := rows.Scan(
			&record.ID,
			&scheduleID,
			&record.CategoryID,
			&actorID,
			&record.ItemCount,
			&record.FiredAt,
			&record.Status,
			&record.Manual,
			&record.CategoryName,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}

		if scheduleID.Valid {
			record.ScheduleID = &scheduleID.String
		}
		if actorID.Valid {
			record.ActorID = &actorID.String
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
