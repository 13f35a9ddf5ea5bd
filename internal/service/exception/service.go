package exception

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
)

// RequestRepository persists exception requests. Update must enforce
// optimistic concurrency on the entity version and return a conflict error
// when a concurrent writer won.
type RequestRepository interface {
	Create(ctx context.Context, r *exception.ExceptionRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*exception.ExceptionRequest, error)
	Update(ctx context.Context, r *exception.ExceptionRequest) error
	List(ctx context.Context, filter RequestFilter) ([]*exception.ExceptionRequest, error)
	// FindMatchCandidates returns approved requests for the plate whose
	// planned time for the action falls within [from, to].
	FindMatchCandidates(ctx context.Context, plate string, action accessevent.Action, from, to time.Time) ([]*exception.ExceptionRequest, error)
	// ExpireOverdue bulk-transitions approved requests with autoExpire set
	// and validUntil before now, returning the number expired.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// RequestFilter narrows admin listing queries.
type RequestFilter struct {
	Plate       string
	RequesterID *uuid.UUID
	Status      *exception.Status
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// OwnershipChecker confirms a requester may file requests for a plate.
// Implemented by the external vehicle-registry collaborator.
type OwnershipChecker interface {
	Owns(ctx context.Context, requesterID uuid.UUID, plate string) (bool, error)
}

// Notifier receives request lifecycle events for the dispatch collaborator.
type Notifier interface {
	RequestCreated(ctx context.Context, r *exception.ExceptionRequest)
	RequestStatusChanged(ctx context.Context, r *exception.ExceptionRequest, previous exception.Status)
}

// Config holds explicit tuning for the lifecycle service.
type Config struct {
	// MatchWindow is the tolerance around a planned time when matching an
	// access event. Defaults to exception.DefaultMatchWindow.
	MatchWindow time.Duration
}

// Service owns the exception-request lifecycle: creation, approval flow,
// matching against access events, linking, and expiry.
type Service struct {
	repo      RequestRepository
	ownership OwnershipChecker
	notifier  Notifier
	logger    *zap.Logger
	cfg       Config

	nowFunc func() time.Time
}

func NewService(repo RequestRepository, ownership OwnershipChecker, notifier Notifier, logger *zap.Logger, cfg Config) *Service {
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = exception.DefaultMatchWindow
	}
	return &Service{
		repo:      repo,
		ownership: ownership,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		nowFunc:   time.Now,
	}
}

// CreateInput carries the fields for a new exception request.
type CreateInput struct {
	RequesterID      uuid.UUID
	RequesterName    string
	LicensePlate     string
	Reason           string
	RequestType      exception.RequestType
	PlannedEntryTime *time.Time
	PlannedExitTime  *time.Time
}

// CreateRequest validates the input, confirms plate ownership, and persists a
// pending request.
func (s *Service) CreateRequest(ctx context.Context, input CreateInput) (*exception.ExceptionRequest, error) {
	owns, err := s.ownership.Owns(ctx, input.RequesterID, input.LicensePlate)
	if err != nil {
		return nil, errors.NewExternalError("ownership", err.Error()).WithCause(err)
	}
	if !owns {
		return nil, errors.NewForbiddenError("requester does not own this license plate")
	}

	r, err := exception.NewExceptionRequest(input.RequesterID, input.LicensePlate, input.Reason,
		input.RequestType, input.PlannedEntryTime, input.PlannedExitTime)
	if err != nil {
		return nil, err
	}
	r.RequesterName = input.RequesterName

	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info("exception request created",
		zap.String("request_id", r.ID.String()),
		zap.String("plate", r.LicensePlate),
		zap.String("type", r.RequestType.String()),
	)
	s.notifier.RequestCreated(ctx, r)
	return r, nil
}

// Approve transitions pending -> approved and derives ValidUntil.
func (s *Service) Approve(ctx context.Context, requestID, approver uuid.UUID) (*exception.ExceptionRequest, error) {
	return s.transition(ctx, requestID, func(r *exception.ExceptionRequest) error {
		return r.Approve(approver, s.nowFunc())
	})
}

// Reject transitions pending -> rejected.
func (s *Service) Reject(ctx context.Context, requestID, approver uuid.UUID) (*exception.ExceptionRequest, error) {
	return s.transition(ctx, requestID, func(r *exception.ExceptionRequest) error {
		return r.Reject(approver, s.nowFunc())
	})
}

// Cancel withdraws a pending request on behalf of its requester.
func (s *Service) Cancel(ctx context.Context, requestID, actor uuid.UUID) (*exception.ExceptionRequest, error) {
	return s.transition(ctx, requestID, func(r *exception.ExceptionRequest) error {
		return r.Cancel(actor, s.nowFunc())
	})
}

func (s *Service) transition(ctx context.Context, requestID uuid.UUID, apply func(*exception.ExceptionRequest) error) (*exception.ExceptionRequest, error) {
	r, err := s.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	previous := r.Status
	if err := apply(r); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info("exception request transitioned",
		zap.String("request_id", r.ID.String()),
		zap.String("from", previous.String()),
		zap.String("to", r.Status.String()),
	)
	s.notifier.RequestStatusChanged(ctx, r, previous)
	return r, nil
}

// GetRequest fetches a single request.
func (s *Service) GetRequest(ctx context.Context, requestID uuid.UUID) (*exception.ExceptionRequest, error) {
	return s.repo.GetByID(ctx, requestID)
}

// ListRequests serves the admin query surface.
func (s *Service) ListRequests(ctx context.Context, filter RequestFilter) ([]*exception.ExceptionRequest, error) {
	return s.repo.List(ctx, filter)
}

// FindApplicableRequest returns the approved request covering the event, or
// nil when none matches. Candidates are ordered deterministically: soonest
// ValidUntil first, then earliest CreatedAt.
func (s *Service) FindApplicableRequest(ctx context.Context, event *accessevent.AccessEvent) (*exception.ExceptionRequest, error) {
	now := s.nowFunc()
	from := event.Timestamp.Add(-s.cfg.MatchWindow)
	to := event.Timestamp.Add(s.cfg.MatchWindow)

	candidates, err := s.repo.FindMatchCandidates(ctx, event.LicensePlate, event.Action, from, to)
	if err != nil {
		return nil, err
	}

	matches := candidates[:0]
	for _, c := range candidates {
		if !c.Usable(now) {
			continue
		}
		if !c.MatchesTime(event.Action, event.Timestamp, s.cfg.MatchWindow) {
			continue
		}
		if c.ActionConsumed(event.Action) {
			continue
		}
		matches = append(matches, c)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		vi, vj := matches[i].ValidUntil, matches[j].ValidUntil
		switch {
		case vi != nil && vj != nil && !vi.Equal(*vj):
			return vi.Before(*vj)
		case vi != nil && vj == nil:
			return true
		case vi == nil && vj != nil:
			return false
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return matches[0], nil
}

// LinkEvent appends the event to the request and persists the transition. The
// consumed-action check and the append happen on the same loaded version, and
// the versioned update rejects a concurrent writer, so a both-type request
// cannot double-link an action under concurrency.
func (s *Service) LinkEvent(ctx context.Context, r *exception.ExceptionRequest, event *accessevent.AccessEvent) (*exception.ExceptionRequest, error) {
	previous := r.Status
	if err := r.Link(event.ID, event.Action, s.nowFunc()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info("access event linked to exception request",
		zap.String("request_id", r.ID.String()),
		zap.String("event_id", event.ID.String()),
		zap.String("action", event.Action.String()),
		zap.String("status", r.Status.String()),
	)
	if r.Status != previous {
		s.notifier.RequestStatusChanged(ctx, r, previous)
	}
	return r, nil
}

// SweepExpired bulk-transitions overdue approved requests to expired.
// Idempotent: a sweep with nothing overdue is a no-op.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	count, err := s.repo.ExpireOverdue(ctx, s.nowFunc())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("expired overdue exception requests", zap.Int64("count", count))
	}
	return count, nil
}
