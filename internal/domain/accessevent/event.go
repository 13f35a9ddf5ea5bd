package accessevent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
)

// AccessEvent is a single detected entry or exit of a vehicle at a gate.
type AccessEvent struct {
	ID           uuid.UUID `json:"id"`
	LicensePlate string    `json:"license_plate"`
	Action       Action    `json:"action"`
	GateID       string    `json:"gate_id"`
	GateName     string    `json:"gate_name,omitempty"`
	Confidence   float64   `json:"confidence"`
	Timestamp    time.Time `json:"timestamp"`

	VerificationStatus VerificationStatus `json:"verification_status"`
	VehicleRegistered  bool               `json:"vehicle_registered"`

	// DurationMinutes is set only on exit events, after pairing with the
	// nearest preceding unmatched entry for the same plate.
	DurationMinutes *int `json:"duration_minutes,omitempty"`

	// AppliedRequestID links the exception request that covered this event.
	AppliedRequestID *uuid.UUID `json:"applied_request_id,omitempty"`

	VerifiedBy       *uuid.UUID `json:"verified_by,omitempty"`
	VerificationTime *time.Time `json:"verification_time,omitempty"`
	VerificationNote string     `json:"verification_note,omitempty"`

	Device      *DeviceInfo      `json:"device,omitempty"`
	Recognition *RecognitionData `json:"recognition,omitempty"`

	// Version guards optimistic-concurrency updates in the store.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceInfo identifies the recognition device that produced the event.
type DeviceInfo struct {
	CameraID   string `json:"camera_id"`
	DeviceName string `json:"device_name,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
}

// RecognitionData carries the recognition collaborator's raw output.
type RecognitionData struct {
	BoundingBox      *BoundingBox `json:"bounding_box,omitempty"`
	ProcessingTimeMS int          `json:"processing_time_ms,omitempty"`
	ProcessedImage   string       `json:"processed_image,omitempty"`
	OriginalImage    string       `json:"original_image,omitempty"`
}

type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Action int

const (
	ActionEntry Action = iota
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionEntry:
		return "entry"
	case ActionExit:
		return "exit"
	default:
		return "unknown"
	}
}

// ParseAction converts a wire value to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "entry":
		return ActionEntry, nil
	case "exit":
		return ActionExit, nil
	default:
		return 0, errors.NewValidationError("INVALID_ACTION", fmt.Sprintf("action must be entry or exit, got %q", s))
	}
}

type VerificationStatus int

const (
	StatusPending VerificationStatus = iota
	StatusApproved
	StatusRejected
	StatusAutoApproved
)

func (s VerificationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusAutoApproved:
		return "auto_approved"
	default:
		return "unknown"
	}
}

// ParseVerificationStatus converts a wire value to a VerificationStatus.
func ParseVerificationStatus(s string) (VerificationStatus, error) {
	switch strings.ToLower(s) {
	case "pending":
		return StatusPending, nil
	case "approved":
		return StatusApproved, nil
	case "rejected":
		return StatusRejected, nil
	case "auto_approved":
		return StatusAutoApproved, nil
	default:
		return 0, errors.NewValidationError("INVALID_STATUS", fmt.Sprintf("unknown verification status %q", s))
	}
}

// NewAccessEvent creates a pending event from a recognition report.
func NewAccessEvent(licensePlate string, action Action, gateID string, confidence float64, timestamp time.Time) (*AccessEvent, error) {
	if licensePlate == "" {
		return nil, errors.NewValidationError("EMPTY_PLATE", "license plate cannot be empty")
	}
	if gateID == "" {
		return nil, errors.NewValidationError("EMPTY_GATE", "gate id cannot be empty")
	}
	if confidence < 0 || confidence > 1 {
		return nil, errors.NewValidationError("INVALID_CONFIDENCE", "confidence must be between 0 and 1")
	}
	if timestamp.IsZero() {
		return nil, errors.NewValidationError("MISSING_TIMESTAMP", "event timestamp is required")
	}

	now := time.Now()
	return &AccessEvent{
		ID:                 uuid.New(),
		LicensePlate:       licensePlate,
		Action:             action,
		GateID:             gateID,
		Confidence:         confidence,
		Timestamp:          timestamp,
		VerificationStatus: StatusPending,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// AutoApprove promotes a pending event to auto_approved when the recognition
// confidence meets the threshold and the vehicle is registered. Returns true
// if the status changed. Auto-approval is about recognition confidence and
// registration, not policy compliance.
func (e *AccessEvent) AutoApprove(threshold float64, now time.Time) bool {
	if e.VerificationStatus != StatusPending {
		return false
	}
	if e.Confidence < threshold || !e.VehicleRegistered {
		return false
	}

	e.VerificationStatus = StatusAutoApproved
	e.VerificationTime = &now
	e.VerificationNote = fmt.Sprintf("auto-approved at confidence %.2f", e.Confidence)
	e.UpdatedAt = now
	return true
}

// ManualVerify applies an admin decision. Override semantics: allowed from
// any current status.
func (e *AccessEvent) ManualVerify(decision VerificationStatus, note string, actor uuid.UUID, now time.Time) error {
	if decision != StatusApproved && decision != StatusRejected {
		return errors.NewTransitionError("INVALID_DECISION", "manual verification decision must be approved or rejected")
	}
	if actor == uuid.Nil {
		return errors.NewValidationError("MISSING_ACTOR", "verifying actor is required")
	}

	e.VerificationStatus = decision
	e.VerifiedBy = &actor
	e.VerificationTime = &now
	e.VerificationNote = note
	e.UpdatedAt = now
	return nil
}

// SetDuration records the stay duration computed from the paired entry event.
func (e *AccessEvent) SetDuration(entryTime time.Time, now time.Time) error {
	if e.Action != ActionExit {
		return errors.NewTransitionError("DURATION_ON_ENTRY", "duration applies only to exit events")
	}
	if !entryTime.Before(e.Timestamp) {
		return errors.NewValidationError("ENTRY_AFTER_EXIT", "paired entry must precede the exit")
	}

	minutes := int(e.Timestamp.Sub(entryTime).Round(time.Minute) / time.Minute)
	e.DurationMinutes = &minutes
	e.UpdatedAt = now
	return nil
}

// ApplyRequest marks the event as covered by an exception request. The
// verification status is deliberately untouched: policy compliance and
// recognition verification are independent axes.
func (e *AccessEvent) ApplyRequest(requestID uuid.UUID, now time.Time) {
	e.AppliedRequestID = &requestID
	if e.VerificationNote == "" {
		e.VerificationNote = fmt.Sprintf("covered by exception request %s", requestID)
	} else {
		e.VerificationNote += fmt.Sprintf("; covered by exception request %s", requestID)
	}
	e.UpdatedAt = now
}
