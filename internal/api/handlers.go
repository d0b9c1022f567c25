package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/axelterrier/filament-tracker-backend/internal/broker"
	"github.com/axelterrier/filament-tracker-backend/internal/core"
)

const (
	defaultQuickTestTimeout = 4 * time.Second
	maxQuickTestTimeout     = 30 * time.Second
	maxReportBytes          = 4 << 20
)

// BrokerController is the part of the broker manager the API drives.
type BrokerController interface {
	Start(ctx context.Context, settings broker.Settings) error
	Stop()
	Status() broker.Status
	QuickTest(ctx context.Context, settings broker.Settings, timeout time.Duration) broker.QuickTestResult
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	broker   BrokerController
	settings broker.SettingsStore
	logger   *logrus.Logger
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry, ctrl BrokerController, settings broker.SettingsStore, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{
		services: services,
		broker:   ctrl,
		settings: settings,
		logger:   logger,
	}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "spoolsync",
		"broker":    h.broker.Status().State,
	})
}

// --- Filament Endpoints ---

// ListFilaments returns every filament ordered by id as a bare JSON array
func (h *APIHandlers) ListFilaments(c *gin.Context) {
	filaments, err := h.services.Filaments.ListFilaments(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list filaments")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list filaments"})
		return
	}

	if filaments == nil {
		filaments = []*core.Filament{}
	}
	c.JSON(http.StatusOK, filaments)
}

// GetFilament retrieves a filament by id
func (h *APIHandlers) GetFilament(c *gin.Context) {
	id, ok := filamentID(c)
	if !ok {
		return
	}

	f, err := h.services.Filaments.GetFilament(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err, "failed to get filament")
		return
	}

	c.JSON(http.StatusOK, f)
}

// GetFilamentByUID retrieves a filament by its tag uid
func (h *APIHandlers) GetFilamentByUID(c *gin.Context) {
	f, err := h.services.Filaments.GetFilamentByUID(c.Request.Context(), c.Param("uid"))
	if err != nil {
		h.writeError(c, err, "failed to get filament")
		return
	}

	c.JSON(http.StatusOK, f)
}

// CreateFilament registers a spool by hand
func (h *APIHandlers) CreateFilament(c *gin.Context) {
	var req core.FilamentUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	f, err := h.services.Filaments.CreateFilament(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, "failed to create filament")
		return
	}

	c.JSON(http.StatusCreated, f)
}

// UpdateFilament edits the allow-listed fields of a filament
func (h *APIHandlers) UpdateFilament(c *gin.Context) {
	id, ok := filamentID(c)
	if !ok {
		return
	}

	var req core.FilamentUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	f, err := h.services.Filaments.UpdateFilament(c.Request.Context(), id, req)
	if err != nil {
		h.writeError(c, err, "failed to update filament")
		return
	}

	c.JSON(http.StatusOK, f)
}

// DeleteFilament removes a filament
func (h *APIHandlers) DeleteFilament(c *gin.Context) {
	id, ok := filamentID(c)
	if !ok {
		return
	}

	if err := h.services.Filaments.DeleteFilament(c.Request.Context(), id); err != nil {
		h.writeError(c, err, "failed to delete filament")
		return
	}

	c.Status(http.StatusNoContent)
}

// --- AMS Sync Endpoint ---

// SyncAMS ingests a printer report posted over HTTP
func (h *APIHandlers) SyncAMS(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxReportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	result, err := h.services.Ingest.IngestPayload(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, core.ErrMalformedReport) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report format"})
			return
		}
		if result == nil {
			h.logger.WithError(err).Error("Failed to ingest AMS report")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest report"})
			return
		}
		// Per-tray failures are counted in the result.
		h.logger.WithError(err).WithField("batch_id", result.BatchID).Warn("AMS report partially ingested")
	}

	c.JSON(http.StatusOK, result)
}

// --- Broker Endpoints ---

// BrokerStatus reports the printer broker session
func (h *APIHandlers) BrokerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.broker.Status())
}

// SaveBrokerConfig validates and saves the broker settings, then restarts the session
func (h *APIHandlers) SaveBrokerConfig(c *gin.Context) {
	settings, ok := bindSettings(c)
	if !ok {
		return
	}

	if err := h.settings.Save(settings); err != nil {
		h.logger.WithError(err).Error("Failed to save broker settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save broker settings"})
		return
	}

	if err := h.broker.Start(c.Request.Context(), settings); err != nil {
		h.writeError(c, err, "failed to start broker session")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "broker settings saved",
		"status":  h.broker.Status(),
	})
}

// TestBrokerConfig tries the given settings without touching the session
func (h *APIHandlers) TestBrokerConfig(c *gin.Context) {
	timeout := defaultQuickTestTimeout
	if raw := c.Query("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
		if timeout > maxQuickTestTimeout {
			timeout = maxQuickTestTimeout
		}
	}

	settings, ok := bindSettings(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, h.broker.QuickTest(c.Request.Context(), settings, timeout))
}

// StartBroker starts a session from the saved settings
func (h *APIHandlers) StartBroker(c *gin.Context) {
	settings, err := h.settings.Load()
	if err != nil {
		h.logger.WithError(err).Error("Failed to load broker settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load broker settings"})
		return
	}
	if settings == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "broker is not configured"})
		return
	}

	if err := h.broker.Start(c.Request.Context(), *settings); err != nil {
		h.writeError(c, err, "failed to start broker session")
		return
	}

	c.JSON(http.StatusOK, h.broker.Status())
}

// StopBroker ends the current session
func (h *APIHandlers) StopBroker(c *gin.Context) {
	h.broker.Stop()
	c.JSON(http.StatusOK, h.broker.Status())
}

func bindSettings(c *gin.Context) (broker.Settings, bool) {
	settings := broker.DefaultSettings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return settings, false
	}
	if err := settings.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return settings, false
	}
	return settings, true
}

func filamentID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filament id"})
		return 0, false
	}
	return uint(id), true
}

// writeError maps domain errors to status codes.
func (h *APIHandlers) writeError(c *gin.Context, err error, fallback string) {
	var businessErr core.BusinessError
	switch {
	case errors.As(err, &businessErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Message, "code": businessErr.Code})
	case errors.Is(err, core.ErrFilamentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrFilamentExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, broker.ErrInvalidSettings):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
