package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/dlq"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/recovery"
)

// DLQHandler serves the dead-letter store to operators
type DLQHandler struct {
	store    *dlq.Store
	recovery *recovery.Service
	logger   ectologger.Logger
}

func NewDLQHandler(store *dlq.Store, recovery *recovery.Service, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{store: store, recovery: recovery, logger: logger}
}

type DLQListResponse struct {
	Entries []*models.ErrorRecord `json:"entries"`
	Count   int                   `json:"count"`
}

// List returns dead-letter records
// GET /api/v1/dlq
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := QueryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	entries, err := h.store.List(ctx, dlq.Filter{
		Category:  models.Category(c.QueryParam("category")),
		QueueType: models.QueueType(c.QueryParam("queue")),
		Date:      c.QueryParam("date"),
		BatchID:   c.QueryParam("batch_id"),
		Severity:  models.Severity(c.QueryParam("severity")),
		Status:    models.ErrorStatus(c.QueryParam("status")),
		Limit:     limit,
	})
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list DLQ entries")
		return err
	}
	if entries == nil {
		entries = []*models.ErrorRecord{}
	}
	return SuccessResponse(c, DLQListResponse{Entries: entries, Count: len(entries)})
}

// Stats returns counts of live dead-letter records
// GET /api/v1/dlq/stats
func (h *DLQHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to get DLQ stats")
		return err
	}
	return SuccessResponse(c, stats)
}

// Get returns one record, live or archived
// GET /api/v1/dlq/:id
func (h *DLQHandler) Get(c echo.Context) error {
	rec, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, rec)
}

type CorrectionRequest struct {
	Data     map[string]models.Value `json:"data"`
	Operator string                  `json:"operator"`
}

// Correct replays operator-corrected data for a record
// POST /api/v1/dlq/:id/correct
func (h *DLQHandler) Correct(c echo.Context) error {
	ctx := c.Request().Context()

	var req CorrectionRequest
	if err := Bind(c, &req); err != nil {
		return err
	}
	if len(req.Data) == 0 {
		return BadRequest("data is required")
	}
	operator, err := Operator(c, req.Operator)
	if err != nil {
		return err
	}

	manifest, err := h.recovery.SubmitCorrection(ctx, c.Param("id"), req.Data, operator)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("error_id", c.Param("id")).Warn("correction rejected")
		return err
	}
	return SuccessResponse(c, manifest)
}

type AbandonRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// Abandon closes a record without recovering it
// POST /api/v1/dlq/:id/abandon
func (h *DLQHandler) Abandon(c echo.Context) error {
	var req AbandonRequest
	if err := Bind(c, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		return BadRequest("reason is required")
	}
	operator, err := Operator(c, req.Operator)
	if err != nil {
		return err
	}

	rec, err := h.recovery.Abandon(c.Request().Context(), c.Param("id"), req.Reason, operator)
	if err != nil {
		return err
	}
	return SuccessResponse(c, rec)
}

// Delete removes a record outright
// DELETE /api/v1/dlq/:id
func (h *DLQHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.store.Delete(ctx, c.Param("id")); err != nil {
		return err
	}
	h.logger.WithContext(ctx).WithField("error_id", c.Param("id")).Info("deleted DLQ entry")
	return NoContentResponse(c)
}

func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/stats", h.Stats)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/correct", h.Correct)
	dlq.POST("/:id/abandon", h.Abandon)
	dlq.DELETE("/:id", h.Delete)
}
