package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
	"github.com/plategate/vehicle-access-backend/internal/metrics"
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

// EventVerifier is the slice of the verification service the coordinator
// drives.
type EventVerifier interface {
	Ingest(ctx context.Context, raw verification.RawEvent) (*accessevent.AccessEvent, error)
	ComputeDuration(ctx context.Context, e *accessevent.AccessEvent) error
	AutoApprove(ctx context.Context, e *accessevent.AccessEvent) (bool, error)
	ApplyRequestCoverage(ctx context.Context, e *accessevent.AccessEvent, requestID uuid.UUID) error
}

// RequestMatcher is the slice of the exception lifecycle service the
// coordinator drives.
type RequestMatcher interface {
	FindApplicableRequest(ctx context.Context, event *accessevent.AccessEvent) (*exception.ExceptionRequest, error)
	LinkEvent(ctx context.Context, r *exception.ExceptionRequest, event *accessevent.AccessEvent) (*exception.ExceptionRequest, error)
}

// PolicyProvider returns the currently active policies, typically through a
// short-TTL cache invalidated on policy edits.
type PolicyProvider interface {
	ActivePolicies(ctx context.Context) ([]*policy.AccessPolicy, error)
}

// Notifier receives violation events for the dispatch collaborator.
type Notifier interface {
	ViolationFlagged(ctx context.Context, e *accessevent.AccessEvent, reasons []string)
}

// Config holds explicit tuning for the coordinator.
type Config struct {
	// MaxRetryAttempts bounds retries of the post-ingest phase on
	// retryable (conflict/persistence) errors.
	MaxRetryAttempts int
	// RetryBackoff is the base delay between attempts, doubled each retry.
	RetryBackoff time.Duration
}

// Outcome is the final result of reconciling one raw event.
type Outcome struct {
	Event *accessevent.AccessEvent
	// AppliedRequest is the exception request that covered the violation,
	// if any.
	AppliedRequest *exception.ExceptionRequest
	// Violated reports the downstream outcome: a policy violation was
	// found and no exception request covered it. A covered violation is
	// suppressed and reported as false.
	Violated bool
	// ViolationReasons carries the per-policy reasons behind the raw
	// violation, covered or not.
	ViolationReasons []string
}

// Coordinator orchestrates the policy evaluator, the request lifecycle, and
// the event verifier for each newly ingested access event.
type Coordinator struct {
	verifier EventVerifier
	matcher  RequestMatcher
	policies PolicyProvider
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Reconciliation
	locks    *plateLocks
	cfg      Config
}

func NewCoordinator(verifier EventVerifier, matcher RequestMatcher, policies PolicyProvider, notifier Notifier, logger *zap.Logger, m *metrics.Reconciliation, cfg Config) *Coordinator {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return &Coordinator{
		verifier: verifier,
		matcher:  matcher,
		policies: policies,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		locks:    newPlateLocks(),
		cfg:      cfg,
	}
}

// Reconcile processes one raw access event end to end. Processing is
// serialized per license plate so duration pairing and request matching never
// race for the same vehicle. Ingestion happens once; the remaining phase is
// retried with backoff on retryable errors. After exhaustion the event is
// left pending for manual reconciliation rather than dropped.
func (c *Coordinator) Reconcile(ctx context.Context, raw verification.RawEvent) (*Outcome, error) {
	start := time.Now()
	unlock := c.locks.lock(raw.LicensePlate)
	defer unlock()

	event, err := c.verifier.Ingest(ctx, raw)
	if err != nil {
		return nil, err
	}
	c.metrics.EventsIngested.WithLabelValues(event.Action.String()).Inc()

	outcome, err := c.finalizeWithRetry(ctx, event)
	if err != nil {
		return nil, err
	}

	c.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	return outcome, nil
}

func (c *Coordinator) finalizeWithRetry(ctx context.Context, event *accessevent.AccessEvent) (*Outcome, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetryAttempts; attempt++ {
		outcome, err := c.finalize(ctx, event)
		if err == nil {
			return outcome, nil
		}
		if !errors.IsRetryable(err) {
			return nil, err
		}

		lastErr = err
		c.logger.Warn("reconciliation attempt failed, retrying",
			zap.String("event_id", event.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	c.logger.Error("reconciliation retries exhausted, event parked pending",
		zap.String("event_id", event.ID.String()),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

// finalize runs steps 2-5 of the reconciliation algorithm. Every sub-step is
// idempotent against the same inputs: duration recomputation overwrites the
// same value and linking checks for an existing reference before appending.
func (c *Coordinator) finalize(ctx context.Context, event *accessevent.AccessEvent) (*Outcome, error) {
	if event.Action == accessevent.ActionExit {
		if err := c.verifier.ComputeDuration(ctx, event); err != nil {
			return nil, err
		}
	}

	violated, reasons, err := c.evaluatePolicies(ctx, event)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Event: event, ViolationReasons: reasons}
	if violated {
		c.metrics.Violations.Inc()

		applied, err := c.coverViolation(ctx, event)
		if err != nil {
			return nil, err
		}
		outcome.AppliedRequest = applied

		if applied != nil {
			c.metrics.ViolationsSuppressed.Inc()
			c.logger.Info("policy violation suppressed by exception request",
				zap.String("event_id", event.ID.String()),
				zap.String("request_id", applied.ID.String()),
			)
		} else {
			outcome.Violated = true
			c.logger.Warn("policy violation flagged for review",
				zap.String("event_id", event.ID.String()),
				zap.String("plate", event.LicensePlate),
				zap.Strings("reasons", reasons),
			)
			c.notifier.ViolationFlagged(ctx, event, reasons)
		}
	}

	// Auto-approval runs regardless of the violation outcome: recognition
	// verification and policy compliance are independent axes.
	approved, err := c.verifier.AutoApprove(ctx, event)
	if err != nil {
		return nil, err
	}
	if approved {
		c.metrics.AutoApprovals.Inc()
	}

	return outcome, nil
}

// evaluatePolicies checks the event against every active policy
// independently; a violation on any one of them counts.
func (c *Coordinator) evaluatePolicies(ctx context.Context, event *accessevent.AccessEvent) (bool, []string, error) {
	active, err := c.policies.ActivePolicies(ctx)
	if err != nil {
		return false, nil, err
	}

	var reasons []string
	for _, p := range active {
		if !p.Active {
			continue
		}
		switch event.Action {
		case accessevent.ActionEntry:
			if v := policy.EvaluateEntryViolation(p, event.Timestamp); v.Late {
				reasons = append(reasons, violationReason(p, "late entry", v.LateMinutes))
			}
		case accessevent.ActionExit:
			if v := policy.EvaluateExitViolation(p, event.Timestamp); v.Early {
				reasons = append(reasons, violationReason(p, "early exit", v.EarlyMinutes))
			}
		}
	}
	return len(reasons) > 0, reasons, nil
}

// coverViolation looks for an applicable exception request and links it. The
// event keeps its verification status; only the linkage metadata changes.
func (c *Coordinator) coverViolation(ctx context.Context, event *accessevent.AccessEvent) (*exception.ExceptionRequest, error) {
	req, err := c.matcher.FindApplicableRequest(ctx, event)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, nil
	}

	if _, err := c.matcher.LinkEvent(ctx, req, event); err != nil {
		// A concurrent event may have consumed the action between the
		// lookup and the link; treat that as no coverage rather than a
		// failure.
		if errors.IsType(err, errors.ErrorTypeTransition) {
			return nil, nil
		}
		return nil, err
	}
	if err := c.verifier.ApplyRequestCoverage(ctx, event, req.ID); err != nil {
		return nil, err
	}
	return req, nil
}

func violationReason(p *policy.AccessPolicy, kind string, minutes int) string {
	return fmt.Sprintf("%s under policy %s by %d minutes", kind, p.Name, minutes)
}
