package authority

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DEOS-Org/biosync/internal/record"
)

// Stub is a development authority serving the device protocol.
type Stub struct {
	Ledger *Ledger
	// Tokens, when set, requires a valid bearer token on device routes.
	Tokens *TokenSigner
	Logger *slog.Logger
	// EventsPath and HealthPath default to the client's defaults.
	EventsPath string
	HealthPath string

	mu       sync.Mutex
	down     bool
	failNext int
	now      func() time.Time
}

// SetDown makes every route answer 503 until cleared.
func (s *Stub) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailNextEvents makes the next n event deliveries answer 500.
func (s *Stub) FailNextEvents(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Stub) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Stub) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// Router builds the gin engine for the stub.
func (s *Stub) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.availability)

	health := s.HealthPath
	if health == "" {
		health = DefaultHealthPath
	}
	events := strings.TrimRight(s.EventsPath, "/")
	if events == "" {
		events = DefaultEventsPath
	}

	r.GET(health, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	device := r.Group("/", s.authenticate)
	device.POST("/api/biometric/devices/:device_id/sync", s.handleSync)
	device.POST(events+"/:category/:action", s.handleEvent)
	return r
}

func (s *Stub) availability(c *gin.Context) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authority unavailable"})
		return
	}
	c.Next()
}

func (s *Stub) authenticate(c *gin.Context) {
	if s.Tokens == nil {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	deviceID, err := s.Tokens.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Set("device_id", deviceID)
	c.Next()
}

func (s *Stub) handleSync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, SyncResponse{Error: err.Error()})
		return
	}
	deviceID := c.Param("device_id")
	if req.DeviceID != "" && req.DeviceID != deviceID {
		c.JSON(http.StatusBadRequest, SyncResponse{Error: "device_id mismatch"})
		return
	}
	if tokenDevice, ok := c.Get("device_id"); ok && tokenDevice != deviceID {
		c.JSON(http.StatusForbidden, SyncResponse{Error: "token issued for another device"})
		return
	}

	ctx := c.Request.Context()
	if err := s.Ledger.RecordSync(ctx, SyncRow{
		DeviceID:            deviceID,
		CurrentFingerprints: req.CurrentFingerprints,
		FirmwareVersion:     req.FirmwareVersion,
		LastSync:            req.LastSync,
		At:                  s.clock(),
	}); err != nil {
		c.JSON(http.StatusInternalServerError, SyncResponse{Error: err.Error()})
		return
	}

	rows, err := s.Ledger.Identities(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, SyncResponse{Error: err.Error()})
		return
	}
	out := make([]RemoteIdentity, 0, len(rows))
	for _, row := range rows {
		out = append(out, RemoteIdentity{
			UserID:             row.UserID,
			ExternalID:         row.ExternalID,
			DisplayName:        row.DisplayName,
			Role:               row.Role,
			Template:           row.Template,
			Quality:            row.Quality,
			SlotRecommendation: row.Slot,
		})
	}
	s.logger().Info("sync served", "device_id", deviceID, "identities", len(out), "device_has", req.CurrentFingerprints)
	c.JSON(http.StatusOK, SyncResponse{
		Success:       true,
		Fingerprints:  out,
		SyncTimestamp: s.clock().UnixMilli(),
	})
}

func (s *Stub) handleEvent(c *gin.Context) {
	s.mu.Lock()
	fail := s.failNext > 0
	if fail {
		s.failNext--
	}
	s.mu.Unlock()
	if fail {
		c.JSON(http.StatusInternalServerError, EventAck{Error: "injected failure"})
		return
	}

	var env record.WireEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, EventAck{Error: err.Error()})
		return
	}
	pathType := record.EventType(c.Param("category") + "/" + c.Param("action"))
	if env.Type != pathType {
		c.JSON(http.StatusBadRequest, EventAck{Error: "event type does not match endpoint"})
		return
	}
	if env.EventID == "" {
		c.JSON(http.StatusBadRequest, EventAck{Error: "event_id required"})
		return
	}
	if !json.Valid(env.Data) {
		c.JSON(http.StatusBadRequest, EventAck{Error: "data must be a JSON value"})
		return
	}

	dup, err := s.Ledger.RecordEvent(c.Request.Context(), EventRow{
		EventID:    env.EventID,
		DeviceID:   env.DeviceID,
		Type:       string(env.Type),
		Attempts:   env.Attempts,
		Data:       env.Data,
		EnqueuedAt: env.EnqueuedAt,
		ReceivedAt: s.clock(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, EventAck{Error: err.Error()})
		return
	}
	if dup {
		s.logger().Info("duplicate event ignored", "event_id", env.EventID, "device_id", env.DeviceID)
	}
	c.JSON(http.StatusOK, EventAck{Success: true, Duplicate: dup})
}
