package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingRun is the persisted form of a RunReport.
type BillingRun struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Mode        string         `gorm:"type:text;not null"`
	ScheduledBy string         `gorm:"type:text;not null"`
	PeriodStart time.Time      `gorm:"not null"`
	PeriodEnd   time.Time      `gorm:"not null"`
	Status      string         `gorm:"type:text;not null"`
	Evaluated   int            `gorm:"not null"`
	Processed   int            `gorm:"not null"`
	Failed      int            `gorm:"not null"`
	Report      datatypes.JSON `gorm:"type:jsonb"`
	StartedAt   time.Time      `gorm:"not null"`
	FinishedAt  time.Time      `gorm:"not null"`
}

func (BillingRun) TableName() string { return "billing_runs" }

func insertRun(ctx context.Context, db *gorm.DB, id snowflake.ID, report *RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_runs (
			id, mode, scheduled_by, period_start, period_end, status,
			evaluated, processed, failed, report, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		string(report.Mode),
		report.ScheduledBy,
		report.PeriodStart.UTC(),
		report.PeriodEnd.UTC(),
		string(report.Status),
		report.Evaluated,
		report.Processed,
		len(report.Failures),
		datatypes.JSON(payload),
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
	).Error
}

// hasLiveRun reports whether a live run already settled the period. Dry and
// test-mode runs cover at most a sample. Runs with failures do not count, so
// failed accounts are picked up again; settled accounts resume as already_closed.
func hasLiveRun(ctx context.Context, db *gorm.DB, start, end time.Time) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM billing_runs
		 WHERE period_start = ? AND period_end = ? AND mode = ? AND status = ?`,
		start.UTC(),
		end.UTC(),
		string(ModeLive),
		string(RunStatusSucceeded),
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func listRuns(ctx context.Context, db *gorm.DB, limit int) ([]BillingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []BillingRun
	err := db.WithContext(ctx).Raw(
		`SELECT id, mode, scheduled_by, period_start, period_end, status,
			evaluated, processed, failed, report, started_at, finished_at
		 FROM billing_runs
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
