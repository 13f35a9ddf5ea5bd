package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
	exceptiondomain "github.com/plategate/vehicle-access-backend/internal/domain/exception"
	exceptionsvc "github.com/plategate/vehicle-access-backend/internal/service/exception"
)

// ExceptionRequestRepository is the postgres store for exception requests.
// Linked events live in a jsonb column since they are only ever read through
// the owning request.
type ExceptionRequestRepository struct {
	pool *pgxpool.Pool
}

func NewExceptionRequestRepository(pool *pgxpool.Pool) *ExceptionRequestRepository {
	return &ExceptionRequestRepository{pool: pool}
}

const exceptionRequestColumns = `id, requester_id, requester_name, license_plate, reason,
	request_type, planned_entry_time, planned_exit_time,
	status, approved_by, approved_at, valid_until, auto_expire, linked_events,
	version, created_at, updated_at`

func (r *ExceptionRequestRepository) Create(ctx context.Context, req *exceptiondomain.ExceptionRequest) error {
	linked, err := json.Marshal(req.LinkedEvents)
	if err != nil {
		return errors.NewInternalError("marshaling linked events").WithCause(err)
	}

	query := `
		INSERT INTO exception_requests (` + exceptionRequestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = r.pool.Exec(ctx, query,
		req.ID, req.RequesterID, req.RequesterName, req.LicensePlate, req.Reason,
		req.RequestType.String(), req.PlannedEntryTime, req.PlannedExitTime,
		req.Status.String(), req.ApprovedBy, req.ApprovedAt, req.ValidUntil, req.AutoExpire, linked,
		req.Version, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return errors.NewPersistenceError("insert exception request", err)
	}
	return nil
}

func (r *ExceptionRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*exceptiondomain.ExceptionRequest, error) {
	query := `SELECT ` + exceptionRequestColumns + ` FROM exception_requests WHERE id = $1`
	req, err := scanExceptionRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrRequestNotFound
		}
		return nil, errors.NewPersistenceError("get exception request", err)
	}
	return req, nil
}

// Update writes the request only when the stored version matches, then bumps
// it. The consumed-action invariant of both-type requests relies on this: two
// concurrent links of the same action race on the version and one loses.
func (r *ExceptionRequestRepository) Update(ctx context.Context, req *exceptiondomain.ExceptionRequest) error {
	linked, err := json.Marshal(req.LinkedEvents)
	if err != nil {
		return errors.NewInternalError("marshaling linked events").WithCause(err)
	}

	query := `
		UPDATE exception_requests SET
			status = $1, approved_by = $2, approved_at = $3, valid_until = $4,
			auto_expire = $5, linked_events = $6,
			version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9`

	tag, err := r.pool.Exec(ctx, query,
		req.Status.String(), req.ApprovedBy, req.ApprovedAt, req.ValidUntil,
		req.AutoExpire, linked,
		req.UpdatedAt, req.ID, req.Version,
	)
	if err != nil {
		return errors.NewPersistenceError("update exception request", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, req.ID); getErr != nil {
			return getErr
		}
		return errors.NewConflictError("exception request was modified concurrently")
	}
	req.Version++
	return nil
}

func (r *ExceptionRequestRepository) List(ctx context.Context, filter exceptionsvc.RequestFilter) ([]*exceptiondomain.ExceptionRequest, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Plate != "" {
		conds = append(conds, "license_plate = "+arg(filter.Plate))
	}
	if filter.RequesterID != nil {
		conds = append(conds, "requester_id = "+arg(*filter.RequesterID))
	}
	if filter.Status != nil {
		conds = append(conds, "status = "+arg(filter.Status.String()))
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "created_at <= "+arg(*filter.To))
	}

	query := `SELECT ` + exceptionRequestColumns + ` FROM exception_requests`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError("list exception requests", err)
	}
	defer rows.Close()

	var requests []*exceptiondomain.ExceptionRequest
	for rows.Next() {
		req, err := scanExceptionRequest(rows)
		if err != nil {
			return nil, errors.NewPersistenceError("scan exception request", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// FindMatchCandidates narrows by plate, approval, and the planned time for
// the action. Usability and consumed-action checks stay in the service, which
// re-evaluates them on the loaded rows.
func (r *ExceptionRequestRepository) FindMatchCandidates(ctx context.Context, plate string, action accessevent.Action, from, to time.Time) ([]*exceptiondomain.ExceptionRequest, error) {
	timeColumn := "planned_entry_time"
	if action == accessevent.ActionExit {
		timeColumn = "planned_exit_time"
	}

	query := `
		SELECT ` + exceptionRequestColumns + `
		FROM exception_requests
		WHERE license_plate = $1
		  AND status = $2
		  AND ` + timeColumn + ` BETWEEN $3 AND $4
		ORDER BY valid_until ASC NULLS LAST, created_at ASC`

	rows, err := r.pool.Query(ctx, query, plate, exceptiondomain.StatusApproved.String(), from, to)
	if err != nil {
		return nil, errors.NewPersistenceError("find match candidates", err)
	}
	defer rows.Close()

	var candidates []*exceptiondomain.ExceptionRequest
	for rows.Next() {
		req, err := scanExceptionRequest(rows)
		if err != nil {
			return nil, errors.NewPersistenceError("scan match candidate", err)
		}
		candidates = append(candidates, req)
	}
	return candidates, rows.Err()
}

// ExpireOverdue bulk-transitions approved auto-expiring requests whose
// validity has passed. The version bump keeps concurrent linkers honest.
func (r *ExceptionRequestRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE exception_requests
		SET status = $1, version = version + 1, updated_at = $2
		WHERE status = $3 AND auto_expire AND valid_until < $2`

	tag, err := r.pool.Exec(ctx, query,
		exceptiondomain.StatusExpired.String(), now, exceptiondomain.StatusApproved.String())
	if err != nil {
		return 0, errors.NewPersistenceError("expire overdue requests", err)
	}
	return tag.RowsAffected(), nil
}

func scanExceptionRequest(row pgx.Row) (*exceptiondomain.ExceptionRequest, error) {
	var (
		req                 exceptiondomain.ExceptionRequest
		requestType, status string
		linked              []byte
	)
	err := row.Scan(
		&req.ID, &req.RequesterID, &req.RequesterName, &req.LicensePlate, &req.Reason,
		&requestType, &req.PlannedEntryTime, &req.PlannedExitTime,
		&status, &req.ApprovedBy, &req.ApprovedAt, &req.ValidUntil, &req.AutoExpire, &linked,
		&req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if req.RequestType, err = exceptiondomain.ParseRequestType(requestType); err != nil {
		return nil, err
	}
	if req.Status, err = exceptiondomain.ParseStatus(status); err != nil {
		return nil, err
	}
	if len(linked) > 0 {
		if err := json.Unmarshal(linked, &req.LinkedEvents); err != nil {
			return nil, err
		}
	}
	return &req, nil
}
