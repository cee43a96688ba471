package http

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/service"
	"gorm.io/gorm"
)

// Handler handles order, webhook and auth HTTP requests
type Handler struct {
	orderService   *service.OrderService
	webhookService *service.WebhookService
	authService    *service.AuthService
	gateway        core.PaymentGateway
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, webhookService *service.WebhookService, authService *service.AuthService, gateway core.PaymentGateway) *Handler {
	return &Handler{
		orderService:   orderService,
		webhookService: webhookService,
		authService:    authService,
		gateway:        gateway,
	}
}

// CreateOrder handles order creation
// POST /api/orders
func (h *Handler) CreateOrder(c *fiber.Ctx) error {
	var req service.CreateOrderInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	result, err := h.orderService.Create(c.Context(), &req)
	if err != nil {
		var dup *service.DuplicateSubmissionError
		if errors.As(err, &dup) {
			retryAfter := int(dup.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set("Retry-After", strconv.Itoa(retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "duplicate submission",
				"retry_after": retryAfter,
			})
		}
		if errors.Is(err, service.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create order",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

// GetOrder retrieves an order
// GET /api/orders/:id
func (h *Handler) GetOrder(c *fiber.Ctx) error {
	order, err := h.orderService.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "order not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get order",
		})
	}

	return c.JSON(order)
}

// GetOrderByCode retrieves an order by its receipt code
// GET /api/orders/code/:code
func (h *Handler) GetOrderByCode(c *fiber.Ctx) error {
	order, err := h.orderService.GetByCode(c.Context(), c.Params("code"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "order not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get order",
		})
	}

	return c.JSON(order)
}

// UpdateOrderStatus moves an order through its lifecycle
// PATCH /api/orders/:id/status
func (h *Handler) UpdateOrderStatus(c *fiber.Ctx) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	order, err := h.orderService.UpdateStatus(c.Context(), c.Params("id"), core.OrderStatus(req.Status))
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if errors.Is(err, service.ErrOrderFinalized) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "order is already in a terminal state",
			})
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "order not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to update order status",
		})
	}

	return c.JSON(order)
}

// GetPaymentStatus returns the order's payment state, enriched with the
// gateway's view fetched through the short-TTL cache
// GET /api/orders/:id/payment-status
func (h *Handler) GetPaymentStatus(c *fiber.Ctx) error {
	order, err := h.orderService.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "order not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to get order",
		})
	}

	resp := fiber.Map{
		"order_id":       order.ID,
		"order_code":     order.OrderCode,
		"payment_status": order.PaymentStatus,
	}

	if order.PaymentDetails != nil && order.PaymentDetails.ExternalOrderID != "" {
		raw, err := h.gateway.FetchOrderStatus(c.Context(), order.PaymentDetails.ExternalOrderID)
		if err != nil {
			// Local state is still authoritative for the response
			slog.Warn("failed to fetch gateway order status",
				"order_id", order.ID, "error", err)
		} else {
			resp["gateway"] = raw
		}
	}

	return c.JSON(resp)
}

// PaymentWebhook handles payment gateway webhooks
// POST /api/webhooks/payment
func (h *Handler) PaymentWebhook(c *fiber.Ctx) error {
	signature := c.Get("x-webhook-signature")
	timestamp := c.Get("x-webhook-timestamp")

	ack, err := h.webhookService.Process(c.Context(), signature, timestamp, c.Body())
	if err != nil {
		// The only error Process surfaces is a failed signature check
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid webhook signature",
		})
	}

	return c.JSON(ack)
}

// Login handles cashier login
// POST /api/auth/login
func (h *Handler) Login(c *fiber.Ctx) error {
	var req struct {
		Phone string `json:"phone"`
		PIN   string `json:"pin"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.Phone == "" || req.PIN == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "phone and pin are required",
		})
	}

	token, cashier, err := h.authService.Login(c.Context(), req.Phone, req.PIN)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid credentials",
		})
	}

	// Set JWT token in HTTP-only cookie
	c.Cookie(&fiber.Cookie{
		Name:     "auth_token",
		Value:    token,
		Expires:  time.Now().Add(12 * time.Hour),
		HTTPOnly: true,
		SameSite: "Lax",
	})

	return c.JSON(fiber.Map{
		"message": "login successful",
		"token":   token,
		"cashier": cashier,
	})
}

// Logout clears the auth cookie
// POST /api/auth/logout
func (h *Handler) Logout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     "auth_token",
		Value:    "",
		Expires:  time.Now().Add(-1 * time.Hour),
		HTTPOnly: true,
	})

	return c.JSON(fiber.Map{
		"message": "logged out successfully",
	})
}

// Health reports service liveness
// GET /health
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
	})
}
