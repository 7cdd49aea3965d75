package echo

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/fitsync/domain"
	"go.pilab.hu/fitsync/internal/dispatch"
	"go.pilab.hu/fitsync/mongodb"
	"go.pilab.hu/fitsync/services"
)

// SyncAPI exposes the worker entry point the dispatch service POSTs
// deliveries to, plus the import-request endpoint and health checks. There is
// no end-user surface here; failure states are inspected through the store.
type SyncAPI struct {
	worker   *services.Worker
	importer *services.HistoryImporter
	guard    *services.TokenGuard
}

func NewSyncAPI(worker *services.Worker, importer *services.HistoryImporter, guard *services.TokenGuard) *SyncAPI {
	return &SyncAPI{worker: worker, importer: importer, guard: guard}
}

// RegisterRoutes registers the sync engine routes.
func (a *SyncAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/internal/tasks/deliver", a.DeliverHandler)
	e.POST("/internal/imports", a.EnqueueImportHandler)
	e.POST("/internal/deauthorize", a.DeauthorizeHandler)
	e.GET("/healthz", a.HealthHandler)
}

// DeliverHandler consumes one task delivery. The body is the transport
// encoding produced at enqueue time; a non-2xx response makes the dispatch
// service redeliver on its backoff schedule.
func (a *SyncAPI) DeliverHandler(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64*1024))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	payload, err := dispatch.DecodePayload(string(body))
	if err != nil {
		log.Error().Err(err).Msg("Rejected malformed task delivery.")
		// Malformed payloads can never succeed; acknowledge to stop
		// redelivery.
		return c.NoContent(http.StatusOK)
	}

	if err := a.worker.HandleDelivery(c.Request().Context(), payload); err != nil {
		log.Error().Err(err).Str("item_id", payload.QueueItemID).
			Msg("Delivery processing recorded no outcome.")
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusOK)
}

type enqueueImportRequest struct {
	UserID      string    `json:"user_id"`
	ServiceName string    `json:"service_name"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
}

// EnqueueImportHandler records a history import request and dispatches it.
func (a *SyncAPI) EnqueueImportHandler(c echo.Context) error {
	var req enqueueImportRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	service, err := domain.ParseServiceName(req.ServiceName)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	item, err := a.importer.EnqueueHistoryImport(c.Request().Context(), req.UserID, service, req.StartDate, req.EndDate)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrImportCooldown):
			status = http.StatusTooManyRequests
		case errors.Is(err, domain.ErrWindowTooOld):
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"import_request_id": item.ID})
}

type deauthorizeRequest struct {
	UserID      string `json:"user_id"`
	ServiceName string `json:"service_name"`
}

// DeauthorizeHandler disconnects a user from a provider: revokes the grant,
// deletes the stored credential, and dead-letters the user's pending items,
// which can no longer be processed.
func (a *SyncAPI) DeauthorizeHandler(c echo.Context) error {
	var req deauthorizeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	service, err := domain.ParseServiceName(req.ServiceName)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	ctx := c.Request().Context()
	if err := a.guard.Deauthorize(ctx, service, req.UserID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if err := a.worker.HandleTokenDeleted(ctx, service, req.UserID); err != nil {
		log.Error().Err(err).Str("service", string(service)).Str("user_id", req.UserID).
			Msg("Failed to dead-letter pending items after deauthorize.")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deauthorized"})
}

// HealthHandler reports store connectivity.
func (a *SyncAPI) HealthHandler(c echo.Context) error {
	if err := mongodb.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
