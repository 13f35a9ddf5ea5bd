package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
)

// VehicleRegistry answers registration and ownership lookups from the synced
// registered_vehicles table. It backs both the verification service's
// RegistrationLookup and the exception service's OwnershipChecker.
type VehicleRegistry struct {
	pool *pgxpool.Pool
}

func NewVehicleRegistry(pool *pgxpool.Pool) *VehicleRegistry {
	return &VehicleRegistry{pool: pool}
}

func (r *VehicleRegistry) IsRegistered(ctx context.Context, plate string) (bool, error) {
	var registered bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM registered_vehicles WHERE license_plate = $1 AND active)`,
		plate,
	).Scan(&registered)
	if err != nil {
		return false, errors.NewPersistenceError("registration lookup", err)
	}
	return registered, nil
}

func (r *VehicleRegistry) Owns(ctx context.Context, requesterID uuid.UUID, plate string) (bool, error) {
	var owns bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM registered_vehicles WHERE license_plate = $1 AND owner_id = $2 AND active)`,
		plate, requesterID,
	).Scan(&owns)
	if err != nil {
		return false, errors.NewPersistenceError("ownership lookup", err)
	}
	return owns, nil
}
