package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/service/reconciliation"
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

const (
	// messageDetection is the frame type the recognition devices send.
	messageDetection = "license_plate_detected"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Reconciler is the slice of the coordinator the stream drives.
type Reconciler interface {
	Reconcile(ctx context.Context, raw verification.RawEvent) (*reconciliation.Outcome, error)
}

// IngestHandler accepts the persistent recognition stream. Each detection
// frame runs through the same reconciliation pipeline as the HTTP fallback;
// the device gets a per-frame ack or error so it can retry with backoff.
type IngestHandler struct {
	reconciler Reconciler
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func NewIngestHandler(reconciler Reconciler, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		reconciler: reconciler,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices connect from the gate network, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type inboundFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// detectionData mirrors the device frame: the recognition fields arrive flat,
// as siblings of the plate, not nested the way the HTTP fallback sends them.
type detectionData struct {
	LicensePlate string  `json:"licensePlate"`
	Action       string  `json:"action"`
	GateID       string  `json:"gateId"`
	GateName     string  `json:"gateName"`
	Confidence   float64 `json:"confidence"`
	Timestamp    string  `json:"timestamp"`

	ProcessedImage string       `json:"processedImage"`
	OriginalImage  string       `json:"originalImage"`
	BoundingBox    *boundingBox `json:"boundingBox"`
	ProcessingTime int          `json:"processingTime"`

	DeviceInfo *deviceInfo `json:"deviceInfo"`
}

type boundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type deviceInfo struct {
	CameraID   string `json:"cameraId"`
	DeviceName string `json:"deviceName"`
	IPAddress  string `json:"ipAddress"`
}

type outboundFrame struct {
	Type     string   `json:"type"`
	EventID  string   `json:"eventId,omitempty"`
	Violated bool     `json:"violated,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// streamConn serializes writes to the connection. The read loop sends acks
// while the ping loop sends keepalives from its own goroutine, and gorilla
// allows only one concurrent writer.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("recognition stream connected", zap.String("remote", conn.RemoteAddr().String()))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sc := &streamConn{conn: conn}

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(sc, done)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("recognition stream closed unexpectedly", zap.Error(err))
			}
			return
		}

		if frame.Type != messageDetection {
			h.send(sc, outboundFrame{Type: "error", Error: "unsupported frame type: " + frame.Type})
			continue
		}
		h.handleDetection(r.Context(), sc, frame)
	}
}

func (h *IngestHandler) handleDetection(ctx context.Context, sc *streamConn, frame inboundFrame) {
	var det detectionData
	if err := json.Unmarshal(frame.Data, &det); err != nil {
		h.send(sc, outboundFrame{Type: "error", Error: "malformed detection payload"})
		return
	}
	// Some devices put the timestamp on the frame envelope instead of the
	// detection body.
	if det.Timestamp == "" {
		det.Timestamp = frame.Timestamp
	}

	raw, err := det.toRawEvent(time.Now())
	if err != nil {
		h.send(sc, outboundFrame{Type: "error", Error: err.Error()})
		return
	}

	outcome, err := h.reconciler.Reconcile(ctx, raw)
	if err != nil {
		h.logger.Warn("stream reconciliation failed",
			zap.String("plate", raw.LicensePlate),
			zap.Error(err),
		)
		h.send(sc, outboundFrame{Type: "error", Error: err.Error()})
		return
	}

	h.send(sc, outboundFrame{
		Type:     "ack",
		EventID:  outcome.Event.ID.String(),
		Violated: outcome.Violated,
		Reasons:  outcome.ViolationReasons,
	})
}

func (d *detectionData) toRawEvent(now time.Time) (verification.RawEvent, error) {
	action, err := accessevent.ParseAction(d.Action)
	if err != nil {
		return verification.RawEvent{}, err
	}

	ts := now
	if d.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, d.Timestamp); err == nil {
			ts = parsed
		}
	}

	raw := verification.RawEvent{
		LicensePlate: d.LicensePlate,
		Action:       action,
		GateID:       d.GateID,
		GateName:     d.GateName,
		Confidence:   d.Confidence,
		Timestamp:    ts,
	}
	if di := d.DeviceInfo; di != nil {
		raw.Device = &accessevent.DeviceInfo{
			CameraID:   di.CameraID,
			DeviceName: di.DeviceName,
			IPAddress:  di.IPAddress,
		}
	}
	if d.ProcessedImage != "" || d.OriginalImage != "" || d.BoundingBox != nil || d.ProcessingTime > 0 {
		rec := &accessevent.RecognitionData{
			ProcessingTimeMS: d.ProcessingTime,
			ProcessedImage:   d.ProcessedImage,
			OriginalImage:    d.OriginalImage,
		}
		if bb := d.BoundingBox; bb != nil {
			rec.BoundingBox = &accessevent.BoundingBox{X: bb.X, Y: bb.Y, Width: bb.Width, Height: bb.Height}
		}
		raw.Recognition = rec
	}
	return raw, nil
}

func (h *IngestHandler) send(sc *streamConn, frame outboundFrame) {
	if err := sc.writeJSON(frame); err != nil {
		h.logger.Debug("stream write failed", zap.Error(err))
	}
}

func (h *IngestHandler) pingLoop(sc *streamConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sc.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
