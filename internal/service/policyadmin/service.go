package policyadmin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
)

// PolicyRepository persists access policies.
type PolicyRepository interface {
	Create(ctx context.Context, p *policy.AccessPolicy) error
	GetByID(ctx context.Context, id uuid.UUID) (*policy.AccessPolicy, error)
	Update(ctx context.Context, p *policy.AccessPolicy) error
	List(ctx context.Context) ([]*policy.AccessPolicy, error)
}

// CacheInvalidator drops the cached active-policy set after an edit. Stale
// cache entries would let reconciliation evaluate against outdated windows.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Service owns policy administration. Every mutation invalidates the cache
// before returning so the next reconciliation sees the edit.
type Service struct {
	repo   PolicyRepository
	cache  CacheInvalidator
	logger *zap.Logger
}

func NewService(repo PolicyRepository, cache CacheInvalidator, logger *zap.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger}
}

// CreateInput carries the fields for a new policy.
type CreateInput struct {
	Name                  string
	StartMinute           int
	EndMinute             int
	WorkingDays           []time.Weekday
	LateToleranceMinutes  int
	EarlyToleranceMinutes int
}

func (s *Service) CreatePolicy(ctx context.Context, input CreateInput) (*policy.AccessPolicy, error) {
	p, err := policy.NewAccessPolicy(input.Name, input.StartMinute, input.EndMinute,
		input.WorkingDays, input.LateToleranceMinutes, input.EarlyToleranceMinutes)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.invalidate(ctx)

	s.logger.Info("access policy created",
		zap.String("policy_id", p.ID.String()),
		zap.String("name", p.Name),
		zap.Int("start_minute", p.StartMinute),
		zap.Int("end_minute", p.EndMinute),
	)
	return p, nil
}

// UpdatePolicy replaces the mutable fields of an existing policy. Validation
// runs through the entity constructor so bounds stay in one place.
func (s *Service) UpdatePolicy(ctx context.Context, id uuid.UUID, input CreateInput) (*policy.AccessPolicy, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	validated, err := policy.NewAccessPolicy(input.Name, input.StartMinute, input.EndMinute,
		input.WorkingDays, input.LateToleranceMinutes, input.EarlyToleranceMinutes)
	if err != nil {
		return nil, err
	}

	existing.Name = validated.Name
	existing.StartMinute = validated.StartMinute
	existing.EndMinute = validated.EndMinute
	existing.WorkingDays = validated.WorkingDays
	existing.LateToleranceMinutes = validated.LateToleranceMinutes
	existing.EarlyToleranceMinutes = validated.EarlyToleranceMinutes
	existing.UpdatedAt = time.Now()

	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, err
	}
	s.invalidate(ctx)

	s.logger.Info("access policy updated", zap.String("policy_id", id.String()))
	return existing, nil
}

// DeactivatePolicy removes the policy from evaluation without deleting it.
func (s *Service) DeactivatePolicy(ctx context.Context, id uuid.UUID) (*policy.AccessPolicy, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Deactivate()
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.invalidate(ctx)

	s.logger.Info("access policy deactivated", zap.String("policy_id", id.String()))
	return p, nil
}

func (s *Service) GetPolicy(ctx context.Context, id uuid.UUID) (*policy.AccessPolicy, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListPolicies(ctx context.Context) ([]*policy.AccessPolicy, error) {
	return s.repo.List(ctx)
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("policy cache invalidation failed", zap.Error(err))
	}
}
