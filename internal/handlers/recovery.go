package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/recovery"
)

type RecoveryHandler struct {
	recovery *recovery.Service
	logger   ectologger.Logger
}

func NewRecoveryHandler(recovery *recovery.Service, logger ectologger.Logger) *RecoveryHandler {
	return &RecoveryHandler{recovery: recovery, logger: logger}
}

type RecoveryRequest struct {
	Date        string `json:"date"`
	BatchID     string `json:"batch_id"`
	AutoRecover bool   `json:"auto_recover"`
}

// Recover runs a recovery pass. Without auto_recover it only reports.
// POST /api/v1/recovery
func (h *RecoveryHandler) Recover(c echo.Context) error {
	var req RecoveryRequest
	if err := Bind(c, &req); err != nil {
		return err
	}
	report, err := h.recovery.Recover(c.Request().Context(), recovery.Request{
		Date:        req.Date,
		BatchID:     req.BatchID,
		AutoRecover: req.AutoRecover,
	})
	if err != nil {
		return err
	}
	return SuccessResponse(c, report)
}

func (h *RecoveryHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/recovery", h.Recover)
}

// ManifestReader looks up batch manifests
type ManifestReader interface {
	Manifest(ctx context.Context, batchID string) (*models.BatchManifest, error)
}

type BatchHandler struct {
	manifests ManifestReader
}

func NewBatchHandler(manifests ManifestReader) *BatchHandler {
	return &BatchHandler{manifests: manifests}
}

// Get returns the committed manifest of a batch, or its last aborted one
// GET /api/v1/batches/:id
func (h *BatchHandler) Get(c echo.Context) error {
	m, err := h.manifests.Manifest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, m)
}

func (h *BatchHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/batches/:id", h.Get)
}
