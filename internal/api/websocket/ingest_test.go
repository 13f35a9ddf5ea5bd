package websocket_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/plategate/vehicle-access-backend/internal/api/websocket"
	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/service/reconciliation"
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

type fakeReconciler struct {
	raws []verification.RawEvent
}

func (f *fakeReconciler) Reconcile(_ context.Context, raw verification.RawEvent) (*reconciliation.Outcome, error) {
	f.raws = append(f.raws, raw)
	e, err := accessevent.NewAccessEvent(raw.LicensePlate, raw.Action, raw.GateID, raw.Confidence, raw.Timestamp)
	if err != nil {
		return nil, err
	}
	return &reconciliation.Outcome{
		Event:            e,
		Violated:         true,
		ViolationReasons: []string{"late entry under policy night curfew by 45 minutes"},
	}, nil
}

func dial(t *testing.T, rec *fakeReconciler) *gorilla.Conn {
	t.Helper()
	handler := websocket.NewIngestHandler(rec, zaptest.NewLogger(t))
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDetectionFrameIsReconciled(t *testing.T) {
	rec := &fakeReconciler{}
	conn := dial(t, rec)

	// The recognition fields sit flat inside data, the way the devices
	// actually send them.
	frame := map[string]any{
		"type": "license_plate_detected",
		"data": map[string]any{
			"licensePlate":   "29A-123.45",
			"action":         "entry",
			"gateId":         "GATE_001",
			"confidence":     0.93,
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
			"processedImage": "base64-processed",
			"originalImage":  "base64-original",
			"boundingBox":    map[string]any{"x": 120, "y": 80, "width": 240, "height": 90},
			"processingTime": 310,
			"deviceInfo":     map[string]any{"cameraId": "CAM_001"},
		},
	}
	require.NoError(t, conn.WriteJSON(frame))

	var ack map[string]any
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))

	assert.Equal(t, "ack", ack["type"])
	assert.NotEmpty(t, ack["eventId"])
	assert.Equal(t, true, ack["violated"])

	require.Len(t, rec.raws, 1)
	assert.Equal(t, "29A-123.45", rec.raws[0].LicensePlate)
	require.NotNil(t, rec.raws[0].Device)
	assert.Equal(t, "CAM_001", rec.raws[0].Device.CameraID)

	recognition := rec.raws[0].Recognition
	require.NotNil(t, recognition)
	assert.Equal(t, "base64-processed", recognition.ProcessedImage)
	assert.Equal(t, 310, recognition.ProcessingTimeMS)
	require.NotNil(t, recognition.BoundingBox)
	assert.Equal(t, 240, recognition.BoundingBox.Width)
}

func TestUnsupportedFrameType(t *testing.T) {
	rec := &fakeReconciler{}
	conn := dial(t, rec)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat"}))

	var reply map[string]any
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&reply))

	assert.Equal(t, "error", reply["type"])
	assert.Empty(t, rec.raws)
}

func TestMalformedDetectionPayload(t *testing.T) {
	rec := &fakeReconciler{}
	conn := dial(t, rec)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "license_plate_detected",
		"data": map[string]any{"action": "sideways"},
	}))

	var reply map[string]any
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&reply))

	assert.Equal(t, "error", reply["type"])
	assert.Empty(t, rec.raws)
}
