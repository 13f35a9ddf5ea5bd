// Package fixtures provides builders for test entities so tests state only
// the fields they care about.
package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
)

// DefaultPlate is the license plate used across fixtures.
const DefaultPlate = "29A-123.45"

// PolicyBuilder builds access policies. The default is an overnight curfew
// (22:00 to 06:00, every day, 15 minute tolerances).
type PolicyBuilder struct {
	name           string
	startMinute    int
	endMinute      int
	workingDays    []time.Weekday
	lateTolerance  int
	earlyTolerance int
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{
		name:        "night curfew",
		startMinute: 22 * 60,
		endMinute:   6 * 60,
		workingDays: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
		lateTolerance:  15,
		earlyTolerance: 15,
	}
}

func (b *PolicyBuilder) WithName(name string) *PolicyBuilder {
	b.name = name
	return b
}

func (b *PolicyBuilder) WithWindow(startMinute, endMinute int) *PolicyBuilder {
	b.startMinute = startMinute
	b.endMinute = endMinute
	return b
}

func (b *PolicyBuilder) WithWorkingDays(days ...time.Weekday) *PolicyBuilder {
	b.workingDays = days
	return b
}

func (b *PolicyBuilder) WithTolerances(late, early int) *PolicyBuilder {
	b.lateTolerance = late
	b.earlyTolerance = early
	return b
}

func (b *PolicyBuilder) Build(t *testing.T) *policy.AccessPolicy {
	t.Helper()
	p, err := policy.NewAccessPolicy(b.name, b.startMinute, b.endMinute,
		b.workingDays, b.lateTolerance, b.earlyTolerance)
	require.NoError(t, err)
	return p
}

// EventBuilder builds access events. The default is a high-confidence entry
// at the main gate.
type EventBuilder struct {
	plate      string
	action     accessevent.Action
	gateID     string
	confidence float64
	timestamp  time.Time
	registered bool
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		plate:      DefaultPlate,
		action:     accessevent.ActionEntry,
		gateID:     "GATE_001",
		confidence: 0.95,
		timestamp:  time.Now(),
		registered: true,
	}
}

func (b *EventBuilder) WithPlate(plate string) *EventBuilder {
	b.plate = plate
	return b
}

func (b *EventBuilder) WithAction(action accessevent.Action) *EventBuilder {
	b.action = action
	return b
}

func (b *EventBuilder) WithConfidence(confidence float64) *EventBuilder {
	b.confidence = confidence
	return b
}

func (b *EventBuilder) WithTimestamp(ts time.Time) *EventBuilder {
	b.timestamp = ts
	return b
}

func (b *EventBuilder) Unregistered() *EventBuilder {
	b.registered = false
	return b
}

func (b *EventBuilder) Build(t *testing.T) *accessevent.AccessEvent {
	t.Helper()
	e, err := accessevent.NewAccessEvent(b.plate, b.action, b.gateID, b.confidence, b.timestamp)
	require.NoError(t, err)
	e.VehicleRegistered = b.registered
	return e
}

// RequestBuilder builds exception requests. The default is a pending
// entry-type request planned two hours out.
type RequestBuilder struct {
	requesterID  uuid.UUID
	plate        string
	reason       string
	requestType  exception.RequestType
	plannedEntry *time.Time
	plannedExit  *time.Time
	approve      bool
	approver     uuid.UUID
	approvedAt   time.Time
}

func NewRequestBuilder() *RequestBuilder {
	planned := time.Now().Add(2 * time.Hour)
	return &RequestBuilder{
		requesterID:  uuid.New(),
		plate:        DefaultPlate,
		reason:       "contractor delivery outside hours",
		requestType:  exception.TypeEntry,
		plannedEntry: &planned,
	}
}

func (b *RequestBuilder) WithRequester(id uuid.UUID) *RequestBuilder {
	b.requesterID = id
	return b
}

func (b *RequestBuilder) WithPlate(plate string) *RequestBuilder {
	b.plate = plate
	return b
}

func (b *RequestBuilder) WithType(t exception.RequestType) *RequestBuilder {
	b.requestType = t
	return b
}

func (b *RequestBuilder) WithPlannedEntry(ts time.Time) *RequestBuilder {
	b.plannedEntry = &ts
	return b
}

func (b *RequestBuilder) WithPlannedExit(ts time.Time) *RequestBuilder {
	b.plannedExit = &ts
	return b
}

// Approved marks the request approved at the given time.
func (b *RequestBuilder) Approved(approver uuid.UUID, at time.Time) *RequestBuilder {
	b.approve = true
	b.approver = approver
	b.approvedAt = at
	return b
}

func (b *RequestBuilder) Build(t *testing.T) *exception.ExceptionRequest {
	t.Helper()
	r, err := exception.NewExceptionRequest(b.requesterID, b.plate, b.reason,
		b.requestType, b.plannedEntry, b.plannedExit)
	require.NoError(t, err)
	if b.approve {
		require.NoError(t, r.Approve(b.approver, b.approvedAt))
	}
	return r
}
