package exception

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
)

// DefaultMatchWindow is the canonical tolerance around a planned time when
// matching an access event against a request.
const DefaultMatchWindow = 30 * time.Minute

// ExceptionRequest is a pre-approved, time-bounded allowance that suppresses
// what would otherwise be a policy violation for a specific plate and action.
type ExceptionRequest struct {
	ID            uuid.UUID `json:"id"`
	RequesterID   uuid.UUID `json:"requester_id"`
	RequesterName string    `json:"requester_name,omitempty"`
	LicensePlate  string    `json:"license_plate"`
	Reason        string    `json:"reason"`

	RequestType      RequestType `json:"request_type"`
	PlannedEntryTime *time.Time  `json:"planned_entry_time,omitempty"`
	PlannedExitTime  *time.Time  `json:"planned_exit_time,omitempty"`

	Status     Status     `json:"status"`
	ApprovedBy *uuid.UUID `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	AutoExpire bool       `json:"auto_expire"`

	// LinkedEvents records the access events this request has covered.
	LinkedEvents []LinkedEvent `json:"linked_events,omitempty"`

	// Version guards optimistic-concurrency updates in the store.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LinkedEvent references an access event that consumed (part of) the request.
type LinkedEvent struct {
	EventID  uuid.UUID          `json:"event_id"`
	Action   accessevent.Action `json:"action"`
	LinkedAt time.Time          `json:"linked_at"`
}

type RequestType int

const (
	TypeEntry RequestType = iota
	TypeExit
	TypeBoth
)

func (t RequestType) String() string {
	switch t {
	case TypeEntry:
		return "entry"
	case TypeExit:
		return "exit"
	case TypeBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ParseRequestType converts a wire value to a RequestType.
func ParseRequestType(s string) (RequestType, error) {
	switch strings.ToLower(s) {
	case "entry":
		return TypeEntry, nil
	case "exit":
		return TypeExit, nil
	case "both":
		return TypeBoth, nil
	default:
		return 0, errors.NewValidationError("INVALID_REQUEST_TYPE", fmt.Sprintf("request type must be entry, exit or both, got %q", s))
	}
}

// Covers reports whether the request type can cover the given action.
func (t RequestType) Covers(action accessevent.Action) bool {
	switch t {
	case TypeEntry:
		return action == accessevent.ActionEntry
	case TypeExit:
		return action == accessevent.ActionExit
	case TypeBoth:
		return true
	default:
		return false
	}
}

type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
	StatusExpired
	StatusUsed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	case StatusUsed:
		return "used"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus converts a wire value to a Status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "pending":
		return StatusPending, nil
	case "approved":
		return StatusApproved, nil
	case "rejected":
		return StatusRejected, nil
	case "expired":
		return StatusExpired, nil
	case "used":
		return StatusUsed, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return 0, errors.NewValidationError("INVALID_STATUS", fmt.Sprintf("unknown request status %q", s))
	}
}

// legalTransitions is the request state machine. Expiry and usage are
// system-only transitions driven by the sweep and the matcher.
var legalTransitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusExpired, StatusUsed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewExceptionRequest validates type consistency with the populated planned
// times and returns a pending request.
func NewExceptionRequest(requesterID uuid.UUID, licensePlate, reason string, requestType RequestType, plannedEntry, plannedExit *time.Time) (*ExceptionRequest, error) {
	if requesterID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_REQUESTER", "requester is required")
	}
	if licensePlate == "" {
		return nil, errors.NewValidationError("EMPTY_PLATE", "license plate cannot be empty")
	}

	switch requestType {
	case TypeEntry:
		if plannedEntry == nil {
			return nil, errors.NewValidationError("MISSING_ENTRY_TIME", "entry requests require a planned entry time")
		}
	case TypeExit:
		if plannedExit == nil {
			return nil, errors.NewValidationError("MISSING_EXIT_TIME", "exit requests require a planned exit time")
		}
	case TypeBoth:
		if plannedEntry == nil || plannedExit == nil {
			return nil, errors.NewValidationError("MISSING_PLANNED_TIMES", "both-type requests require planned entry and exit times")
		}
	default:
		return nil, errors.NewValidationError("INVALID_REQUEST_TYPE", "unknown request type")
	}

	if plannedEntry != nil && plannedExit != nil && !plannedExit.After(*plannedEntry) {
		return nil, errors.NewValidationError("EXIT_BEFORE_ENTRY", "planned exit time must be strictly after planned entry time")
	}

	now := time.Now()
	return &ExceptionRequest{
		ID:               uuid.New(),
		RequesterID:      requesterID,
		LicensePlate:     licensePlate,
		Reason:           reason,
		RequestType:      requestType,
		PlannedEntryTime: plannedEntry,
		PlannedExitTime:  plannedExit,
		Status:           StatusPending,
		AutoExpire:       true,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Approve moves pending -> approved, recording the approver and deriving
// ValidUntil from the planned times when unset (exit time preferred).
func (r *ExceptionRequest) Approve(approver uuid.UUID, now time.Time) error {
	if approver == uuid.Nil {
		return errors.NewValidationError("MISSING_APPROVER", "approver is required")
	}
	if !transitionAllowed(r.Status, StatusApproved) {
		return r.transitionError(StatusApproved)
	}

	r.Status = StatusApproved
	r.ApprovedBy = &approver
	r.ApprovedAt = &now
	if r.ValidUntil == nil {
		if r.PlannedExitTime != nil {
			r.ValidUntil = r.PlannedExitTime
		} else {
			r.ValidUntil = r.PlannedEntryTime
		}
	}
	r.UpdatedAt = now
	return nil
}

// Reject moves pending -> rejected.
func (r *ExceptionRequest) Reject(approver uuid.UUID, now time.Time) error {
	if !transitionAllowed(r.Status, StatusRejected) {
		return r.transitionError(StatusRejected)
	}
	r.Status = StatusRejected
	r.ApprovedBy = &approver
	r.UpdatedAt = now
	return nil
}

// Cancel withdraws a pending request. Only the requester may cancel.
func (r *ExceptionRequest) Cancel(actor uuid.UUID, now time.Time) error {
	if actor != r.RequesterID {
		return errors.NewForbiddenError("only the requester may cancel a request")
	}
	if !transitionAllowed(r.Status, StatusCancelled) {
		return r.transitionError(StatusCancelled)
	}
	r.Status = StatusCancelled
	r.UpdatedAt = now
	return nil
}

// Expire moves approved -> expired. System-only, via the sweep.
func (r *ExceptionRequest) Expire(now time.Time) error {
	if !transitionAllowed(r.Status, StatusExpired) {
		return r.transitionError(StatusExpired)
	}
	r.Status = StatusExpired
	r.UpdatedAt = now
	return nil
}

// Usable reports whether the request can still cover an event at the given
// instant: approved, and ValidUntil (if set) not yet passed.
func (r *ExceptionRequest) Usable(now time.Time) bool {
	if r.Status != StatusApproved {
		return false
	}
	if r.ValidUntil != nil && r.ValidUntil.Before(now) {
		return false
	}
	return true
}

// ActionConsumed reports whether a prior link already consumed the given
// action. Relevant for both-type requests, whose entry and exit slots are
// consumed independently.
func (r *ExceptionRequest) ActionConsumed(action accessevent.Action) bool {
	for _, l := range r.LinkedEvents {
		if l.Action == action {
			return true
		}
	}
	return false
}

// PlannedTimeFor returns the planned time matching the action, or nil if the
// request type does not cover it.
func (r *ExceptionRequest) PlannedTimeFor(action accessevent.Action) *time.Time {
	if !r.RequestType.Covers(action) {
		return nil
	}
	if action == accessevent.ActionEntry {
		return r.PlannedEntryTime
	}
	return r.PlannedExitTime
}

// MatchesTime reports whether ts falls within +/-window of the planned time
// for the action.
func (r *ExceptionRequest) MatchesTime(action accessevent.Action, ts time.Time, window time.Duration) bool {
	planned := r.PlannedTimeFor(action)
	if planned == nil {
		return false
	}
	diff := ts.Sub(*planned)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

// Link appends an event reference and advances the state machine: single-use
// requests transition to used immediately, both-type requests only once entry
// and exit have each been consumed by distinct events. Idempotent: linking an
// already-linked event is a no-op.
func (r *ExceptionRequest) Link(eventID uuid.UUID, action accessevent.Action, now time.Time) error {
	for _, l := range r.LinkedEvents {
		if l.EventID == eventID {
			return nil
		}
	}

	if r.Status != StatusApproved {
		return errors.NewTransitionError("REQUEST_NOT_APPROVED",
			fmt.Sprintf("cannot link event to %s request", r.Status))
	}
	if !r.RequestType.Covers(action) {
		return errors.NewTransitionError("ACTION_NOT_COVERED",
			fmt.Sprintf("%s request does not cover %s events", r.RequestType, action))
	}
	if r.ActionConsumed(action) {
		return errors.NewTransitionError("ACTION_ALREADY_CONSUMED",
			fmt.Sprintf("%s slot already consumed by a prior link", action))
	}

	r.LinkedEvents = append(r.LinkedEvents, LinkedEvent{
		EventID:  eventID,
		Action:   action,
		LinkedAt: now,
	})

	if r.RequestType != TypeBoth ||
		(r.ActionConsumed(accessevent.ActionEntry) && r.ActionConsumed(accessevent.ActionExit)) {
		r.Status = StatusUsed
	}
	r.UpdatedAt = now
	return nil
}

func (r *ExceptionRequest) transitionError(target Status) error {
	return errors.NewTransitionError("INVALID_TRANSITION",
		fmt.Sprintf("cannot transition request from %s to %s", r.Status, target))
}
