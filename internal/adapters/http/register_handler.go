package http

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/service"
	"gorm.io/gorm"
)

// RegisterHandler handles register session HTTP requests
type RegisterHandler struct {
	registerService *service.RegisterService
}

// NewRegisterHandler creates a new register handler
func NewRegisterHandler(registerService *service.RegisterService) *RegisterHandler {
	return &RegisterHandler{
		registerService: registerService,
	}
}

// OpenSession opens a register session for a branch
// POST /api/sessions/open
func (h *RegisterHandler) OpenSession(c *fiber.Ctx) error {
	var req service.OpenSessionInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	// The authenticated cashier fills whatever the client omitted
	if req.CashierID == "" {
		req.CashierID = localString(c, "cashier_id")
	}
	if req.BranchID == "" {
		req.BranchID = localString(c, "branch_id")
	}

	session, err := h.registerService.Open(c.Context(), &req)
	if err != nil {
		if errors.Is(err, core.ErrOpenSessionExists) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "an open session already exists for this branch",
			})
		}
		if errors.Is(err, service.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to open session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(session)
}

// CloseSession settles and closes a register session
// POST /api/sessions/:id/close
func (h *RegisterHandler) CloseSession(c *fiber.Ctx) error {
	var req service.CloseSessionInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	session, err := h.registerService.Close(c.Context(), c.Params("id"), &req)
	if err != nil {
		var conflict *service.CloseConflictError
		if errors.As(err, &conflict) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":               "session has unfinished work",
				"activeOrdersCount":   conflict.ActiveOrdersCount,
				"occupiedTablesCount": conflict.OccupiedTablesCount,
			})
		}
		if errors.Is(err, core.ErrSessionNotOpen) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "session is not open",
			})
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to close session",
		})
	}

	return c.JSON(session)
}

// GetSession retrieves a register session
// GET /api/sessions/:id
func (h *RegisterHandler) GetSession(c *fiber.Ctx) error {
	session, err := h.registerService.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get session",
		})
	}

	return c.JSON(session)
}

// GetSessionOrders lists the orders attributed to a session
// GET /api/sessions/:id/orders
func (h *RegisterHandler) GetSessionOrders(c *fiber.Ctx) error {
	orders, err := h.registerService.ListOrders(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list session orders",
		})
	}

	return c.JSON(orders)
}

// GetZReport renders the Z report PDF for a closed session
// GET /api/sessions/:id/report.pdf
func (h *RegisterHandler) GetZReport(c *fiber.Ctx) error {
	pdfBytes, filename, err := h.registerService.GenerateZReportPDF(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, core.ErrSessionNotOpen) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "session must be closed before a Z report can be generated",
			})
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "session not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to generate report",
		})
	}

	c.Set("Content-Type", "application/pdf")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.Send(pdfBytes)
}

// SweepStaleTables clears table occupancy left behind with no linked order
// POST /api/tables/sweep-stale
func (h *RegisterHandler) SweepStaleTables(c *fiber.Ctx) error {
	var req struct {
		BranchID string `json:"branch_id"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.BranchID == "" {
		req.BranchID = localString(c, "branch_id")
	}

	cleared, err := h.registerService.SweepStaleTables(c.Context(), req.BranchID)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to sweep tables",
		})
	}

	return c.JSON(fiber.Map{
		"cleared": cleared,
	})
}

// localString reads a middleware-stored claim, tolerating absence
func localString(c *fiber.Ctx, key string) string {
	if value, ok := c.Locals(key).(string); ok {
		return value
	}
	return ""
}
