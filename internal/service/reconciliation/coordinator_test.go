package reconciliation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
	"github.com/plategate/vehicle-access-backend/internal/metrics"
	"github.com/plategate/vehicle-access-backend/internal/service/reconciliation"
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

type fakeVerifier struct {
	mu            sync.Mutex
	durationCalls int
	approveCalls  int
	approveErrs   []error
	approveResult bool
	coverage      []uuid.UUID
}

func (f *fakeVerifier) Ingest(_ context.Context, raw verification.RawEvent) (*accessevent.AccessEvent, error) {
	e, err := accessevent.NewAccessEvent(raw.LicensePlate, raw.Action, raw.GateID, raw.Confidence, raw.Timestamp)
	if err != nil {
		return nil, err
	}
	e.VehicleRegistered = true
	return e, nil
}

func (f *fakeVerifier) ComputeDuration(context.Context, *accessevent.AccessEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durationCalls++
	return nil
}

func (f *fakeVerifier) AutoApprove(context.Context, *accessevent.AccessEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approveCalls++
	if len(f.approveErrs) > 0 {
		err := f.approveErrs[0]
		f.approveErrs = f.approveErrs[1:]
		if err != nil {
			return false, err
		}
	}
	return f.approveResult, nil
}

func (f *fakeVerifier) ApplyRequestCoverage(_ context.Context, _ *accessevent.AccessEvent, requestID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coverage = append(f.coverage, requestID)
	return nil
}

type fakeMatcher struct {
	found     *exception.ExceptionRequest
	findCalls int
	linkCalls int
	linkErr   error
}

func (f *fakeMatcher) FindApplicableRequest(context.Context, *accessevent.AccessEvent) (*exception.ExceptionRequest, error) {
	f.findCalls++
	return f.found, nil
}

func (f *fakeMatcher) LinkEvent(_ context.Context, r *exception.ExceptionRequest, _ *accessevent.AccessEvent) (*exception.ExceptionRequest, error) {
	f.linkCalls++
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	return r, nil
}

type fakePolicies struct {
	active []*policy.AccessPolicy
}

func (f *fakePolicies) ActivePolicies(context.Context) ([]*policy.AccessPolicy, error) {
	return f.active, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	flagged []uuid.UUID
	reasons [][]string
}

func (n *fakeNotifier) ViolationFlagged(_ context.Context, e *accessevent.AccessEvent, reasons []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flagged = append(n.flagged, e.ID)
	n.reasons = append(n.reasons, reasons)
}

// Wednesday 2025-01-08 in UTC.
func at(hour, minute int) time.Time {
	return time.Date(2025, 1, 8, hour, minute, 0, 0, time.UTC)
}

func curfewPolicy(t *testing.T) *policy.AccessPolicy {
	t.Helper()
	p, err := policy.NewAccessPolicy("night curfew", 22*60, 6*60,
		[]time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}, 15, 15)
	require.NoError(t, err)
	return p
}

func approvedRequest(t *testing.T, plannedEntry time.Time) *exception.ExceptionRequest {
	t.Helper()
	r, err := exception.NewExceptionRequest(uuid.New(), "29A-123.45", "medical emergency late arrival",
		exception.TypeEntry, &plannedEntry, nil)
	require.NoError(t, err)
	require.NoError(t, r.Approve(uuid.New(), plannedEntry.Add(-24*time.Hour)))
	return r
}

func rawEntry(ts time.Time) verification.RawEvent {
	return verification.RawEvent{
		LicensePlate: "29A-123.45",
		Action:       accessevent.ActionEntry,
		GateID:       "GATE_001",
		Confidence:   0.8,
		Timestamp:    ts,
	}
}

type coordinatorEnv struct {
	coordinator *reconciliation.Coordinator
	verifier    *fakeVerifier
	matcher     *fakeMatcher
	notifier    *fakeNotifier
}

func newEnv(t *testing.T, matcher *fakeMatcher, cfg reconciliation.Config) *coordinatorEnv {
	t.Helper()
	verifier := &fakeVerifier{}
	notifier := &fakeNotifier{}
	policies := &fakePolicies{active: []*policy.AccessPolicy{curfewPolicy(t)}}
	m := metrics.NewReconciliation(prometheus.NewRegistry())
	return &coordinatorEnv{
		coordinator: reconciliation.NewCoordinator(verifier, matcher, policies, notifier, zaptest.NewLogger(t), m, cfg),
		verifier:    verifier,
		matcher:     matcher,
		notifier:    notifier,
	}
}

func TestReconcileCompliantEvent(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, reconciliation.Config{})

	// 22:05 is inside the 15 minute late tolerance.
	outcome, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(22, 5)))
	require.NoError(t, err)

	assert.False(t, outcome.Violated)
	assert.Empty(t, outcome.ViolationReasons)
	assert.Nil(t, outcome.AppliedRequest)
	assert.Zero(t, env.matcher.findCalls)
	assert.Empty(t, env.notifier.flagged)
	assert.Equal(t, 1, env.verifier.approveCalls)
}

func TestReconcileViolationFlagged(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, reconciliation.Config{})

	outcome, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(23, 0)))
	require.NoError(t, err)

	assert.True(t, outcome.Violated)
	require.Len(t, outcome.ViolationReasons, 1)
	assert.Contains(t, outcome.ViolationReasons[0], "late entry")
	assert.Contains(t, outcome.ViolationReasons[0], "45 minutes")
	require.Len(t, env.notifier.flagged, 1)
	assert.Equal(t, outcome.Event.ID, env.notifier.flagged[0])
}

func TestReconcileViolationSuppressed(t *testing.T) {
	req := approvedRequest(t, at(23, 0))
	env := newEnv(t, &fakeMatcher{found: req}, reconciliation.Config{})

	outcome, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(23, 0)))
	require.NoError(t, err)

	assert.False(t, outcome.Violated, "covered violation must not be flagged")
	assert.NotEmpty(t, outcome.ViolationReasons, "raw reasons are still reported")
	require.NotNil(t, outcome.AppliedRequest)
	assert.Equal(t, req.ID, outcome.AppliedRequest.ID)
	assert.Equal(t, []uuid.UUID{req.ID}, env.verifier.coverage)
	assert.Empty(t, env.notifier.flagged)
}

func TestReconcileLinkRaceFallsBackToFlag(t *testing.T) {
	req := approvedRequest(t, at(23, 0))
	matcher := &fakeMatcher{
		found:   req,
		linkErr: errors.NewTransitionError("ACTION_CONSUMED", "entry action already consumed"),
	}
	env := newEnv(t, matcher, reconciliation.Config{})

	outcome, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(23, 0)))
	require.NoError(t, err)

	assert.True(t, outcome.Violated)
	assert.Nil(t, outcome.AppliedRequest)
	assert.Empty(t, env.verifier.coverage)
	require.Len(t, env.notifier.flagged, 1)
}

func TestReconcileAutoApprovalRunsOnViolation(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, reconciliation.Config{})
	env.verifier.approveResult = true

	outcome, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(23, 0)))
	require.NoError(t, err)

	assert.True(t, outcome.Violated)
	assert.Equal(t, 1, env.verifier.approveCalls,
		"recognition approval is independent of policy compliance")
}

func TestReconcileExitComputesDuration(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, reconciliation.Config{})

	raw := rawEntry(at(12, 0))
	raw.Action = accessevent.ActionExit
	_, err := env.coordinator.Reconcile(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, 1, env.verifier.durationCalls)
}

func TestReconcileRetriesRetryableErrors(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, reconciliation.Config{RetryBackoff: time.Millisecond})
	env.verifier.approveErrs = []error{
		errors.NewConflictError("access event was modified concurrently"),
		nil,
	}

	outcome, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(12, 0)))
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, 2, env.verifier.approveCalls)
}

func TestReconcileGivesUpAfterMaxAttempts(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, reconciliation.Config{
		MaxRetryAttempts: 2,
		RetryBackoff:     time.Millisecond,
	})
	env.verifier.approveErrs = []error{
		errors.NewConflictError("conflict"),
		errors.NewConflictError("conflict"),
	}

	_, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(12, 0)))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Equal(t, 2, env.verifier.approveCalls)
}

func TestReconcileNonRetryableErrorFailsFast(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, reconciliation.Config{RetryBackoff: time.Millisecond})
	env.verifier.approveErrs = []error{
		errors.NewValidationError("INVALID_STATE", "cannot approve"),
	}

	_, err := env.coordinator.Reconcile(context.Background(), rawEntry(at(12, 0)))
	require.Error(t, err)
	assert.Equal(t, 1, env.verifier.approveCalls)
}
