package verification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
)

// DefaultAutoApproveThreshold is the recognition confidence above which a
// registered vehicle's event is approved without human review.
const DefaultAutoApproveThreshold = 0.9

// EventRepository persists access events. Update must enforce optimistic
// concurrency on the entity version.
type EventRepository interface {
	Create(ctx context.Context, e *accessevent.AccessEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*accessevent.AccessEvent, error)
	Update(ctx context.Context, e *accessevent.AccessEvent) error
	List(ctx context.Context, filter EventFilter) ([]*accessevent.AccessEvent, error)
	// FindLatestUnpairedEntry returns the most recent entry event for the
	// plate strictly before ts that no other exit has consumed, or nil when
	// none exists. excludeExit is the exit being paired, so recomputation
	// stays idempotent.
	FindLatestUnpairedEntry(ctx context.Context, plate string, ts time.Time, excludeExit uuid.UUID) (*accessevent.AccessEvent, error)
}

// EventFilter narrows admin listing queries.
type EventFilter struct {
	Plate  string
	GateID string
	Status *accessevent.VerificationStatus
	Action *accessevent.Action
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// RegistrationLookup resolves whether a plate belongs to a registered
// vehicle. Implemented by the external vehicle-registry collaborator.
type RegistrationLookup interface {
	IsRegistered(ctx context.Context, plate string) (bool, error)
}

// Notifier receives verification events for the dispatch collaborator.
type Notifier interface {
	EventManuallyVerified(ctx context.Context, e *accessevent.AccessEvent)
}

// Config holds explicit tuning for the verifier.
type Config struct {
	// AutoApproveThreshold is the minimum recognition confidence for
	// auto-approval. Defaults to DefaultAutoApproveThreshold.
	AutoApproveThreshold float64
}

// RawEvent is the ingestion payload produced by the recognition collaborator.
type RawEvent struct {
	LicensePlate string
	Action       accessevent.Action
	GateID       string
	GateName     string
	Confidence   float64
	Timestamp    time.Time
	Device       *accessevent.DeviceInfo
	Recognition  *accessevent.RecognitionData
}

// Service owns the access event verification state machine: ingestion,
// auto-approval, stay-duration computation, and manual review.
type Service struct {
	repo     EventRepository
	registry RegistrationLookup
	notifier Notifier
	logger   *zap.Logger
	cfg      Config

	nowFunc func() time.Time
}

func NewService(repo EventRepository, registry RegistrationLookup, notifier Notifier, logger *zap.Logger, cfg Config) *Service {
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = DefaultAutoApproveThreshold
	}
	return &Service{
		repo:     repo,
		registry: registry,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// Ingest creates a pending event from a recognition report, resolving the
// vehicle registration flag from the registry collaborator.
func (s *Service) Ingest(ctx context.Context, raw RawEvent) (*accessevent.AccessEvent, error) {
	e, err := accessevent.NewAccessEvent(raw.LicensePlate, raw.Action, raw.GateID, raw.Confidence, raw.Timestamp)
	if err != nil {
		return nil, err
	}
	e.GateName = raw.GateName
	e.Device = raw.Device
	e.Recognition = raw.Recognition

	registered, err := s.registry.IsRegistered(ctx, raw.LicensePlate)
	if err != nil {
		return nil, errors.NewExternalError("registry", err.Error()).WithCause(err)
	}
	e.VehicleRegistered = registered

	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("access event ingested",
		zap.String("event_id", e.ID.String()),
		zap.String("plate", e.LicensePlate),
		zap.String("action", e.Action.String()),
		zap.String("gate", e.GateID),
		zap.Float64("confidence", e.Confidence),
		zap.Bool("registered", registered),
	)
	return e, nil
}

// AutoApprove promotes the event when confidence and registration allow it,
// persisting the change. Returns whether the status changed.
func (s *Service) AutoApprove(ctx context.Context, e *accessevent.AccessEvent) (bool, error) {
	if !e.AutoApprove(s.cfg.AutoApproveThreshold, s.nowFunc()) {
		return false, nil
	}
	if err := s.repo.Update(ctx, e); err != nil {
		return false, err
	}

	s.logger.Info("access event auto-approved",
		zap.String("event_id", e.ID.String()),
		zap.Float64("confidence", e.Confidence),
	)
	return true, nil
}

// ComputeDuration pairs an exit event with the nearest preceding unmatched
// entry for the same plate and fills the stay duration. A duplicate exit
// finds no unmatched entry and keeps its duration unset; recomputing against
// the same inputs is safe.
func (s *Service) ComputeDuration(ctx context.Context, e *accessevent.AccessEvent) error {
	if e.Action != accessevent.ActionExit {
		return nil
	}

	entry, err := s.repo.FindLatestUnpairedEntry(ctx, e.LicensePlate, e.Timestamp, e.ID)
	if err != nil {
		return err
	}
	if entry == nil {
		s.logger.Debug("no unmatched entry found for exit event",
			zap.String("event_id", e.ID.String()),
			zap.String("plate", e.LicensePlate),
		)
		return nil
	}

	if err := e.SetDuration(entry.Timestamp, s.nowFunc()); err != nil {
		return err
	}
	return s.repo.Update(ctx, e)
}

// ManualVerify applies an admin decision with override semantics and notifies
// the dispatcher.
func (s *Service) ManualVerify(ctx context.Context, eventID uuid.UUID, decision accessevent.VerificationStatus, note string, actor uuid.UUID) (*accessevent.AccessEvent, error) {
	e, err := s.repo.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if err := e.ManualVerify(decision, note, actor, s.nowFunc()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("access event manually verified",
		zap.String("event_id", e.ID.String()),
		zap.String("decision", decision.String()),
		zap.String("actor", actor.String()),
	)
	s.notifier.EventManuallyVerified(ctx, e)
	return e, nil
}

// ApplyRequestCoverage records that an exception request covers the event
// and persists the linkage metadata.
func (s *Service) ApplyRequestCoverage(ctx context.Context, e *accessevent.AccessEvent, requestID uuid.UUID) error {
	e.ApplyRequest(requestID, s.nowFunc())
	return s.repo.Update(ctx, e)
}

// GetEvent fetches a single event.
func (s *Service) GetEvent(ctx context.Context, eventID uuid.UUID) (*accessevent.AccessEvent, error) {
	return s.repo.GetByID(ctx, eventID)
}

// ListEvents serves the admin query surface.
func (s *Service) ListEvents(ctx context.Context, filter EventFilter) ([]*accessevent.AccessEvent, error) {
	return s.repo.List(ctx, filter)
}
