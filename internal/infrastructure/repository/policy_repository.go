package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
)

// PolicyRepository is the postgres store for access policies. Policies change
// rarely; readers normally go through the cached provider rather than here.
type PolicyRepository struct {
	pool *pgxpool.Pool
}

func NewPolicyRepository(pool *pgxpool.Pool) *PolicyRepository {
	return &PolicyRepository{pool: pool}
}

const policyColumns = `id, name, start_minute, end_minute, working_days,
	late_tolerance_minutes, early_tolerance_minutes, active, created_at, updated_at`

func (r *PolicyRepository) Create(ctx context.Context, p *policy.AccessPolicy) error {
	query := `
		INSERT INTO access_policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.Name, p.StartMinute, p.EndMinute, weekdaysToInts(p.WorkingDays),
		p.LateToleranceMinutes, p.EarlyToleranceMinutes, p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.NewPersistenceError("insert access policy", err)
	}
	return nil
}

func (r *PolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*policy.AccessPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM access_policies WHERE id = $1`
	p, err := scanPolicy(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrPolicyNotFound
		}
		return nil, errors.NewPersistenceError("get access policy", err)
	}
	return p, nil
}

func (r *PolicyRepository) Update(ctx context.Context, p *policy.AccessPolicy) error {
	query := `
		UPDATE access_policies SET
			name = $1, start_minute = $2, end_minute = $3, working_days = $4,
			late_tolerance_minutes = $5, early_tolerance_minutes = $6, active = $7,
			updated_at = $8
		WHERE id = $9`

	tag, err := r.pool.Exec(ctx, query,
		p.Name, p.StartMinute, p.EndMinute, weekdaysToInts(p.WorkingDays),
		p.LateToleranceMinutes, p.EarlyToleranceMinutes, p.Active,
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return errors.NewPersistenceError("update access policy", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrPolicyNotFound
	}
	return nil
}

func (r *PolicyRepository) List(ctx context.Context) ([]*policy.AccessPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM access_policies ORDER BY created_at`
	return r.queryPolicies(ctx, query)
}

func (r *PolicyRepository) ListActive(ctx context.Context) ([]*policy.AccessPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM access_policies WHERE active ORDER BY created_at`
	return r.queryPolicies(ctx, query)
}

func (r *PolicyRepository) queryPolicies(ctx context.Context, query string) ([]*policy.AccessPolicy, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.NewPersistenceError("list access policies", err)
	}
	defer rows.Close()

	var policies []*policy.AccessPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, errors.NewPersistenceError("scan access policy", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanPolicy(row pgx.Row) (*policy.AccessPolicy, error) {
	var (
		p    policy.AccessPolicy
		days []int32
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.StartMinute, &p.EndMinute, &days,
		&p.LateToleranceMinutes, &p.EarlyToleranceMinutes, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.WorkingDays = make([]time.Weekday, len(days))
	for i, d := range days {
		p.WorkingDays[i] = time.Weekday(d)
	}
	return &p, nil
}

func weekdaysToInts(days []time.Weekday) []int32 {
	out := make([]int32, len(days))
	for i, d := range days {
		out[i] = int32(d)
	}
	return out
}
