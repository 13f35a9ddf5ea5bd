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
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

// AccessEventRepository is the postgres store for access events. Updates use
// optimistic concurrency on the version column.
type AccessEventRepository struct {
	pool *pgxpool.Pool
}

func NewAccessEventRepository(pool *pgxpool.Pool) *AccessEventRepository {
	return &AccessEventRepository{pool: pool}
}

const accessEventColumns = `id, license_plate, action, gate_id, gate_name, confidence, event_time,
	verification_status, vehicle_registered, duration_minutes, applied_request_id,
	verified_by, verification_time, verification_note, device, recognition,
	version, created_at, updated_at`

func (r *AccessEventRepository) Create(ctx context.Context, e *accessevent.AccessEvent) error {
	device, err := marshalNullable(e.Device)
	if err != nil {
		return errors.NewInternalError("marshaling device info").WithCause(err)
	}
	recognition, err := marshalNullable(e.Recognition)
	if err != nil {
		return errors.NewInternalError("marshaling recognition data").WithCause(err)
	}

	query := `
		INSERT INTO access_events (` + accessEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = r.pool.Exec(ctx, query,
		e.ID, e.LicensePlate, e.Action.String(), e.GateID, e.GateName, e.Confidence, e.Timestamp,
		e.VerificationStatus.String(), e.VehicleRegistered, e.DurationMinutes, e.AppliedRequestID,
		e.VerifiedBy, e.VerificationTime, e.VerificationNote, device, recognition,
		e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return errors.NewPersistenceError("insert access event", err)
	}
	return nil
}

func (r *AccessEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*accessevent.AccessEvent, error) {
	query := `SELECT ` + accessEventColumns + ` FROM access_events WHERE id = $1`
	e, err := scanAccessEvent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrEventNotFound
		}
		return nil, errors.NewPersistenceError("get access event", err)
	}
	return e, nil
}

// Update writes the event only when the stored version matches the loaded
// one, then bumps it. A lost race surfaces as a retryable conflict.
func (r *AccessEventRepository) Update(ctx context.Context, e *accessevent.AccessEvent) error {
	device, err := marshalNullable(e.Device)
	if err != nil {
		return errors.NewInternalError("marshaling device info").WithCause(err)
	}
	recognition, err := marshalNullable(e.Recognition)
	if err != nil {
		return errors.NewInternalError("marshaling recognition data").WithCause(err)
	}

	query := `
		UPDATE access_events SET
			verification_status = $1, vehicle_registered = $2, duration_minutes = $3,
			applied_request_id = $4, verified_by = $5, verification_time = $6,
			verification_note = $7, device = $8, recognition = $9,
			version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`

	tag, err := r.pool.Exec(ctx, query,
		e.VerificationStatus.String(), e.VehicleRegistered, e.DurationMinutes,
		e.AppliedRequestID, e.VerifiedBy, e.VerificationTime,
		e.VerificationNote, device, recognition,
		e.UpdatedAt, e.ID, e.Version,
	)
	if err != nil {
		return errors.NewPersistenceError("update access event", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, e.ID); getErr != nil {
			return getErr
		}
		return errors.NewConflictError("access event was modified concurrently")
	}
	e.Version++
	return nil
}

func (r *AccessEventRepository) List(ctx context.Context, filter verification.EventFilter) ([]*accessevent.AccessEvent, error) {
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
	if filter.GateID != "" {
		conds = append(conds, "gate_id = "+arg(filter.GateID))
	}
	if filter.Status != nil {
		conds = append(conds, "verification_status = "+arg(filter.Status.String()))
	}
	if filter.Action != nil {
		conds = append(conds, "action = "+arg(filter.Action.String()))
	}
	if filter.From != nil {
		conds = append(conds, "event_time >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "event_time <= "+arg(*filter.To))
	}

	query := `SELECT ` + accessEventColumns + ` FROM access_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_time DESC"

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
		return nil, errors.NewPersistenceError("list access events", err)
	}
	defer rows.Close()

	var events []*accessevent.AccessEvent
	for rows.Next() {
		e, err := scanAccessEvent(rows)
		if err != nil {
			return nil, errors.NewPersistenceError("scan access event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FindLatestUnpairedEntry returns the most recent entry before ts that no
// other exit has already consumed. excludeExit keeps recomputation for the
// same exit idempotent: its own row never counts as a consumer.
func (r *AccessEventRepository) FindLatestUnpairedEntry(ctx context.Context, plate string, ts time.Time, excludeExit uuid.UUID) (*accessevent.AccessEvent, error) {
	query := `
		SELECT ` + accessEventColumns + `
		FROM access_events e
		WHERE e.license_plate = $1 AND e.action = $2 AND e.event_time < $3
		AND NOT EXISTS (
			SELECT 1 FROM access_events x
			WHERE x.license_plate = e.license_plate
			AND x.action = $4
			AND x.id <> $5
			AND x.event_time > e.event_time
			AND x.event_time < $3
		)
		ORDER BY e.event_time DESC
		LIMIT 1`

	e, err := scanAccessEvent(r.pool.QueryRow(ctx, query,
		plate, accessevent.ActionEntry.String(), ts, accessevent.ActionExit.String(), excludeExit))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errors.NewPersistenceError("find latest entry", err)
	}
	return e, nil
}

func scanAccessEvent(row pgx.Row) (*accessevent.AccessEvent, error) {
	var (
		e                   accessevent.AccessEvent
		action, status      string
		device, recognition []byte
	)
	err := row.Scan(
		&e.ID, &e.LicensePlate, &action, &e.GateID, &e.GateName, &e.Confidence, &e.Timestamp,
		&status, &e.VehicleRegistered, &e.DurationMinutes, &e.AppliedRequestID,
		&e.VerifiedBy, &e.VerificationTime, &e.VerificationNote, &device, &recognition,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Action, err = accessevent.ParseAction(action); err != nil {
		return nil, err
	}
	if e.VerificationStatus, err = accessevent.ParseVerificationStatus(status); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(device, &e.Device); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(recognition, &e.Recognition); err != nil {
		return nil, err
	}
	return &e, nil
}

// marshalNullable keeps absent optional structs as SQL NULL instead of a
// JSON null literal.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](data []byte, out **T) error {
	if len(data) == 0 {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	*out = v
	return nil
}
