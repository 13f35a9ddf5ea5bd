package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
)

// Notification kinds published to the stream.
const (
	KindRequestCreated       = "request.created"
	KindRequestStatusChanged = "request.status_changed"
	KindEventVerified        = "event.manually_verified"
	KindViolationFlagged     = "event.violation_flagged"
)

// Publisher fans notifications out to a redis stream for the dispatch
// collaborator. Delivery is best effort: a publish failure is logged and
// never propagated, so a dead broker cannot fail reconciliation.
type Publisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

func NewPublisher(client *redis.Client, stream string, logger *zap.Logger) *Publisher {
	if stream == "" {
		stream = "pgate:events"
	}
	return &Publisher{client: client, stream: stream, logger: logger}
}

// RequestCreated implements the exception service notifier.
func (p *Publisher) RequestCreated(ctx context.Context, r *exception.ExceptionRequest) {
	p.publish(ctx, KindRequestCreated, map[string]any{
		"request_id": r.ID.String(),
		"plate":      r.LicensePlate,
		"type":       r.RequestType.String(),
		"status":     r.Status.String(),
	}, r)
}

// RequestStatusChanged implements the exception service notifier.
func (p *Publisher) RequestStatusChanged(ctx context.Context, r *exception.ExceptionRequest, previous exception.Status) {
	p.publish(ctx, KindRequestStatusChanged, map[string]any{
		"request_id": r.ID.String(),
		"plate":      r.LicensePlate,
		"from":       previous.String(),
		"to":         r.Status.String(),
	}, r)
}

// EventManuallyVerified implements the verification service notifier.
func (p *Publisher) EventManuallyVerified(ctx context.Context, e *accessevent.AccessEvent) {
	p.publish(ctx, KindEventVerified, map[string]any{
		"event_id": e.ID.String(),
		"plate":    e.LicensePlate,
		"status":   e.VerificationStatus.String(),
	}, e)
}

// ViolationFlagged implements the reconciliation notifier.
func (p *Publisher) ViolationFlagged(ctx context.Context, e *accessevent.AccessEvent, reasons []string) {
	payload := struct {
		Event   *accessevent.AccessEvent `json:"event"`
		Reasons []string                 `json:"reasons"`
	}{e, reasons}
	p.publish(ctx, KindViolationFlagged, map[string]any{
		"event_id": e.ID.String(),
		"plate":    e.LicensePlate,
		"gate_id":  e.GateID,
	}, payload)
}

func (p *Publisher) publish(ctx context.Context, kind string, fields map[string]any, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("marshaling notification payload",
			zap.String("kind", kind),
			zap.Error(err),
		)
		return
	}

	values := map[string]any{"kind": kind, "payload": string(data)}
	for k, v := range fields {
		values[k] = v
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err(); err != nil {
		p.logger.Warn("notification publish failed",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
