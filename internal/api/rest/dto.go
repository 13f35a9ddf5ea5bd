package rest

import (
	"time"

	"github.com/google/uuid"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

// ingestEventRequest mirrors the payload the recognition devices send. Field
// names follow their wire format, not this codebase's conventions. The HTTP
// clients nest the recognition fields under recognitionData while the stream
// frames carry them flat, so both shapes are accepted; the nested form wins
// when both are present.
type ingestEventRequest struct {
	LicensePlate string  `json:"licensePlate" validate:"required,max=32"`
	Action       string  `json:"action" validate:"required,oneof=entry exit"`
	GateID       string  `json:"gateId" validate:"required,max=64"`
	GateName     string  `json:"gateName" validate:"max=128"`
	Confidence   float64 `json:"confidence" validate:"gte=0,lte=1"`
	Timestamp    string  `json:"timestamp" validate:"omitempty"`

	ProcessedImage string          `json:"processedImage"`
	OriginalImage  string          `json:"originalImage"`
	BoundingBox    *boundingBoxDTO `json:"boundingBox"`
	ProcessingTime int             `json:"processingTime"`

	RecognitionData *recognitionDataDTO `json:"recognitionData"`
	DeviceInfo      *deviceInfoDTO      `json:"deviceInfo"`
}

type recognitionDataDTO struct {
	Confidence     *float64        `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	BoundingBox    *boundingBoxDTO `json:"boundingBox"`
	ProcessingTime int             `json:"processingTime"`
	ProcessedImage string          `json:"processedImage"`
	OriginalImage  string          `json:"originalImage"`
}

type boundingBoxDTO struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type deviceInfoDTO struct {
	CameraID   string `json:"cameraId"`
	DeviceName string `json:"deviceName"`
	IPAddress  string `json:"ipAddress"`
}

// toRawEvent converts the wire payload into the service input. A missing or
// unparseable timestamp falls back to the server clock, matching how the
// devices behave when their clock is unset.
func (req *ingestEventRequest) toRawEvent(now time.Time) (verification.RawEvent, error) {
	action, err := accessevent.ParseAction(req.Action)
	if err != nil {
		return verification.RawEvent{}, err
	}

	ts := now
	if req.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			ts = parsed
		}
	}

	raw := verification.RawEvent{
		LicensePlate: req.LicensePlate,
		Action:       action,
		GateID:       req.GateID,
		GateName:     req.GateName,
		Confidence:   req.Confidence,
		Timestamp:    ts,
	}
	if d := req.DeviceInfo; d != nil {
		raw.Device = &accessevent.DeviceInfo{
			CameraID:   d.CameraID,
			DeviceName: d.DeviceName,
			IPAddress:  d.IPAddress,
		}
	}
	if rd := req.RecognitionData; rd != nil {
		rec := &accessevent.RecognitionData{
			ProcessingTimeMS: rd.ProcessingTime,
			ProcessedImage:   rd.ProcessedImage,
			OriginalImage:    rd.OriginalImage,
		}
		if bb := rd.BoundingBox; bb != nil {
			rec.BoundingBox = &accessevent.BoundingBox{X: bb.X, Y: bb.Y, Width: bb.Width, Height: bb.Height}
		}
		if rd.Confidence != nil {
			raw.Confidence = *rd.Confidence
		}
		raw.Recognition = rec
	} else if req.ProcessedImage != "" || req.OriginalImage != "" || req.BoundingBox != nil || req.ProcessingTime > 0 {
		rec := &accessevent.RecognitionData{
			ProcessingTimeMS: req.ProcessingTime,
			ProcessedImage:   req.ProcessedImage,
			OriginalImage:    req.OriginalImage,
		}
		if bb := req.BoundingBox; bb != nil {
			rec.BoundingBox = &accessevent.BoundingBox{X: bb.X, Y: bb.Y, Width: bb.Width, Height: bb.Height}
		}
		raw.Recognition = rec
	}
	return raw, nil
}

type reconcileResponse struct {
	Event            *accessevent.AccessEvent    `json:"event"`
	AppliedRequest   *exception.ExceptionRequest `json:"appliedRequest,omitempty"`
	Violated         bool                        `json:"violated"`
	ViolationReasons []string                    `json:"violationReasons,omitempty"`
}

type verifyEventRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Note     string `json:"note" validate:"max=1024"`
}

type createRequestRequest struct {
	LicensePlate     string     `json:"licensePlate" validate:"required,max=32"`
	Reason           string     `json:"reason" validate:"required,max=2048"`
	RequestType      string     `json:"requestType" validate:"required,oneof=entry exit both"`
	PlannedEntryTime *time.Time `json:"plannedEntryTime"`
	PlannedExitTime  *time.Time `json:"plannedExitTime"`
}

type createPolicyRequest struct {
	Name                  string `json:"name" validate:"required,max=128"`
	StartMinute           int    `json:"startMinute" validate:"gte=0,lte=1439"`
	EndMinute             int    `json:"endMinute" validate:"gte=0,lte=1439"`
	WorkingDays           []int  `json:"workingDays" validate:"required,min=1,dive,gte=0,lte=6"`
	LateToleranceMinutes  int    `json:"lateToleranceMinutes" validate:"gte=0,lte=120"`
	EarlyToleranceMinutes int    `json:"earlyToleranceMinutes" validate:"gte=0,lte=120"`
}

type sweepResponse struct {
	Expired int64 `json:"expired"`
}

type listEventsResponse struct {
	Events []*accessevent.AccessEvent `json:"events"`
}

type listRequestsResponse struct {
	Requests []*exception.ExceptionRequest `json:"requests"`
}

type listPoliciesResponse struct {
	Policies []*policy.AccessPolicy `json:"policies"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func pathID(value string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	return id, err == nil
}
