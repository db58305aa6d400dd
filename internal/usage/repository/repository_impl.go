package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) SumForRange(ctx context.Context, db *gorm.DB, accountID snowflake.ID, start, end time.Time, inclusive bool) (usagedomain.Totals, error) {
	upper := "created_at < ?"
	if inclusive {
		upper = "created_at <= ?"
	}

	var totals usagedomain.Totals
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN plan_included THEN 0 ELSE cost_minor END), 0) AS total_cost_minor,
		        COALESCE(SUM(duration_seconds), 0) AS total_seconds,
		        COUNT(1) AS call_count
		 FROM usage_records
		 WHERE account_id = ? AND created_at >= ? AND `+upper,
		accountID,
		start.UTC(),
		end.UTC(),
	).Scan(&totals).Error
	if err != nil {
		return usagedomain.Totals{}, err
	}
	return totals, nil
}
