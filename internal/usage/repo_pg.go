package usage

import (
	"context"
	"database/sql"
	"errors"
)

// PGPlanRepo reads daily limits from user_plans.
type PGPlanRepo struct {
	DB *sql.DB
}

// DailyLimit returns the user's stored daily job limit.
func (r *PGPlanRepo) DailyLimit(ctx context.Context, userID string) (int, error) {
	const query = `SELECT daily_limit FROM user_plans WHERE user_id = $1 LIMIT 1`
	var limit int
	err := r.DB.QueryRowContext(ctx, query, userID).Scan(&limit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoPlan
		}
		return 0, err
	}
	return limit, nil
}

var _ PlanRepo = (*PGPlanRepo)(nil)
