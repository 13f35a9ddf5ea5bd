package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
)

// MinutesPerDay is the modulus for all minute-of-day arithmetic.
const MinutesPerDay = 24 * 60

// MaxToleranceMinutes bounds late/early tolerance values.
const MaxToleranceMinutes = 120

// AccessPolicy defines a restricted time-of-day window. Presence inside the
// window on a working day is a violation; this is the confirmed product
// semantics, not a permitted-period window.
type AccessPolicy struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`

	// Window bounds as minute-of-day (0-1439). EndMinute < StartMinute
	// denotes an overnight window that wraps past midnight.
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`

	// Weekday numbers 0-6, Sunday = 0.
	WorkingDays []time.Weekday `json:"working_days"`

	LateToleranceMinutes  int  `json:"late_tolerance_minutes"`
	EarlyToleranceMinutes int  `json:"early_tolerance_minutes"`
	Active                bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAccessPolicy validates bounds and returns a policy in active state.
func NewAccessPolicy(name string, startMinute, endMinute int, workingDays []time.Weekday, lateTolerance, earlyTolerance int) (*AccessPolicy, error) {
	if name == "" {
		return nil, errors.NewValidationError("EMPTY_POLICY_NAME", "policy name cannot be empty")
	}
	if startMinute < 0 || startMinute >= MinutesPerDay {
		return nil, errors.NewValidationError("INVALID_START_MINUTE", "start minute must be between 0 and 1439")
	}
	if endMinute < 0 || endMinute >= MinutesPerDay {
		return nil, errors.NewValidationError("INVALID_END_MINUTE", "end minute must be between 0 and 1439")
	}
	if lateTolerance < 0 || lateTolerance > MaxToleranceMinutes {
		return nil, errors.NewValidationError("INVALID_TOLERANCE", "late tolerance must be between 0 and 120 minutes")
	}
	if earlyTolerance < 0 || earlyTolerance > MaxToleranceMinutes {
		return nil, errors.NewValidationError("INVALID_TOLERANCE", "early tolerance must be between 0 and 120 minutes")
	}
	for _, d := range workingDays {
		if d < time.Sunday || d > time.Saturday {
			return nil, errors.NewValidationError("INVALID_WEEKDAY", "working days must be weekday numbers 0-6")
		}
	}

	now := time.Now()
	return &AccessPolicy{
		ID:                    uuid.New(),
		Name:                  name,
		StartMinute:           startMinute,
		EndMinute:             endMinute,
		WorkingDays:           workingDays,
		LateToleranceMinutes:  lateTolerance,
		EarlyToleranceMinutes: earlyTolerance,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// Overnight reports whether the window wraps past midnight.
func (p *AccessPolicy) Overnight() bool {
	return p.EndMinute < p.StartMinute
}

// AppliesOn reports whether the weekday is one of the policy's working days.
func (p *AccessPolicy) AppliesOn(day time.Weekday) bool {
	for _, d := range p.WorkingDays {
		if d == day {
			return true
		}
	}
	return false
}

func (p *AccessPolicy) Deactivate() {
	p.Active = false
	p.UpdatedAt = time.Now()
}
