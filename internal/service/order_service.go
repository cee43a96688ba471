package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opentill/opentill/internal/core"
	"github.com/opentill/opentill/internal/events"
)

// priceEpsilon tolerates float drift when comparing item prices of two
// submissions that went through JSON serialization independently
const priceEpsilon = 0.01

// ErrValidation marks client input errors; handlers map it to 400
var ErrValidation = errors.New("validation failed")

// ErrOrderFinalized is returned when a status change targets an order already
// delivered or cancelled; handlers map it to 409
var ErrOrderFinalized = errors.New("order is already in a terminal state")

// DuplicateSubmissionError is returned when an identical fingerprint was
// accepted within the dedup window. Handlers map it to 429 with a countdown.
type DuplicateSubmissionError struct {
	RetryAfter time.Duration
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("duplicate submission, retry after %s", e.RetryAfter.Round(time.Second))
}

// OrderItemInput is one requested line item
type OrderItemInput struct {
	MenuItemID string  `json:"menu_item_id"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
}

// CreateOrderInput is an order creation request. Monetary fields are
// recomputed server-side; the client's totals are only validated, never
// stored verbatim.
type CreateOrderInput struct {
	RestaurantID   string           `json:"restaurant_id"`
	BranchID       string           `json:"branch_id"`
	TableID        string           `json:"table_id,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	Items          []OrderItemInput `json:"items"`
	TaxAmount      float64          `json:"tax_amount"`
	DiscountAmount float64          `json:"discount_amount,omitempty"`
	CustomerName   string           `json:"customer_name,omitempty"`
	CustomerPhone  string           `json:"customer_phone,omitempty"`
	PaymentMethod  string           `json:"payment_method,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

// CreateOrderResult carries the created order, or the pre-existing order when
// the request was detected as a structural duplicate
type CreateOrderResult struct {
	Order       *core.Order `json:"order"`
	Duplicate   bool        `json:"duplicate"`
	PaymentLink string      `json:"payment_link,omitempty"`
}

// OrderService handles order creation with duplicate suppression
type OrderService struct {
	orders           core.OrderRepository
	tables           core.TableRepository
	gateway          core.PaymentGateway
	publisher        core.Publisher
	dedup            *DedupGuard
	structuralWindow time.Duration
	now              func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(orders core.OrderRepository, tables core.TableRepository, gateway core.PaymentGateway, publisher core.Publisher, dedup *DedupGuard, structuralWindow time.Duration) *OrderService {
	return &OrderService{
		orders:           orders,
		tables:           tables,
		gateway:          gateway,
		publisher:        publisher,
		dedup:            dedup,
		structuralWindow: structuralWindow,
		now:              time.Now,
	}
}

// Create validates and persists a new order. Exact resubmissions inside the
// fingerprint window are rejected; near-duplicates detected by the structural
// probe return the existing order instead of erroring, which tolerates client
// retry-on-timeout without double-charging or double-cooking.
func (s *OrderService) Create(ctx context.Context, in *CreateOrderInput) (*CreateOrderResult, error) {
	if err := validateCreateOrder(in); err != nil {
		return nil, err
	}

	items, subtotal := buildItems(in.Items)
	if in.DiscountAmount > subtotal {
		return nil, fmt.Errorf("%w: discount_amount cannot exceed the subtotal", ErrValidation)
	}
	totalAmount := subtotal + in.TaxAmount - in.DiscountAmount

	fingerprint := Fingerprint(in.BranchID, in.RestaurantID, in.CustomerPhone, in.Items)
	if retryAfter, duplicate := s.dedup.Check(fingerprint); duplicate {
		return nil, &DuplicateSubmissionError{RetryAfter: retryAfter}
	}

	if existing, err := s.findStructuralDuplicate(ctx, in, subtotal); err != nil {
		// The probe is a safety net, not a gate; a failed probe must not
		// block a legitimate order.
		slog.Warn("structural duplicate probe failed", "branch_id", in.BranchID, "error", err)
	} else if existing != nil {
		slog.Info("structural duplicate detected, returning existing order",
			"order_id", existing.ID, "order_code", existing.OrderCode)
		return &CreateOrderResult{Order: existing, Duplicate: true}, nil
	}

	now := s.now()
	order := &core.Order{
		ID:             uuid.New().String(),
		OrderCode:      generateOrderCode(),
		RestaurantID:   in.RestaurantID,
		BranchID:       in.BranchID,
		TableID:        in.TableID,
		SessionID:      in.SessionID,
		Items:          items,
		Subtotal:       subtotal,
		TaxAmount:      in.TaxAmount,
		DiscountAmount: in.DiscountAmount,
		TotalAmount:    totalAmount,
		Status:         core.OrderStatusPending,
		PaymentStatus:  core.PaymentStatusUnpaid,
		PaymentMethod:  strings.ToLower(in.PaymentMethod),
		CustomerName:   in.CustomerName,
		CustomerPhone:  normalizePhone(in.CustomerPhone),
		Notes:          in.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.orders.Create(ctx, order); err != nil {
		// Nothing was persisted, so the fingerprint must not block an
		// immediate retry of the same submission.
		s.dedup.Forget(fingerprint)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	// Table linkage is best-effort, not transactional with the order write;
	// a failure here never fails order creation.
	if order.TableID != "" {
		if err := s.tables.Occupy(ctx, order.TableID, order.ID); err != nil {
			slog.Warn("failed to occupy table for order",
				"table_id", order.TableID, "order_id", order.ID, "error", err)
		}
	}

	publishOrderEvent(s.publisher, events.EventOrderCreated, order)

	result := &CreateOrderResult{Order: order}

	// Online orders get a gateway payment order up front so the customer can
	// pay immediately. A gateway outage degrades to an order without a link;
	// the client can retry payment initiation later.
	if order.PaymentMethod == "online" && s.gateway != nil {
		link, err := s.initiatePayment(ctx, order)
		if err != nil {
			slog.Warn("failed to create gateway payment order",
				"order_id", order.ID, "error", err)
		} else {
			result.PaymentLink = link
		}
	}

	return result, nil
}

// GetByID retrieves an order
func (s *OrderService) GetByID(ctx context.Context, id string) (*core.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// GetByCode retrieves an order by its human-readable code, the lookup used at
// the counter and on printed receipts
func (s *OrderService) GetByCode(ctx context.Context, code string) (*core.Order, error) {
	return s.orders.GetByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

// orderStatuses are the states a client may move an order to
var orderStatuses = map[core.OrderStatus]bool{
	core.OrderStatusPending:   true,
	core.OrderStatusConfirmed: true,
	core.OrderStatusPreparing: true,
	core.OrderStatusReady:     true,
	core.OrderStatusDelivered: true,
	core.OrderStatusCancelled: true,
}

// UpdateStatus moves an order through its lifecycle. Terminal orders are
// immutable; reaching a terminal state releases the order's table so the
// register can close without a manual sweep.
func (s *OrderService) UpdateStatus(ctx context.Context, id string, status core.OrderStatus) (*core.Order, error) {
	if !orderStatuses[status] {
		return nil, fmt.Errorf("%w: unknown order status %q", ErrValidation, status)
	}

	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, ErrOrderFinalized
	}

	if err := s.orders.UpdateStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	order.Status = status
	order.UpdatedAt = s.now()

	if status.IsTerminal() && order.TableID != "" {
		if err := s.tables.Release(ctx, order.TableID); err != nil {
			slog.Warn("failed to release table for finished order",
				"table_id", order.TableID, "order_id", order.ID, "error", err)
		}
	}

	publishOrderEvent(s.publisher, events.EventOrderUpdated, order)

	return order, nil
}

// initiatePayment registers the order with the payment gateway and records
// the resulting external id so webhooks resolve via direct lookup
func (s *OrderService) initiatePayment(ctx context.Context, order *core.Order) (string, error) {
	gatewayOrder, err := s.gateway.CreatePaymentOrder(ctx, order.OrderCode, order.TotalAmount, order.CustomerPhone)
	if err != nil {
		return "", err
	}
	if err := s.orders.SetExternalOrderID(ctx, order.ID, gatewayOrder.ExternalOrderID); err != nil {
		slog.Warn("failed to record external order id",
			"order_id", order.ID, "external_order_id", gatewayOrder.ExternalOrderID, "error", err)
	}
	return gatewayOrder.PaymentLink, nil
}

// findStructuralDuplicate probes the store for a recently created order with
// the same item composition. Fingerprint misses (e.g. after a process
// restart) are caught here.
func (s *OrderService) findStructuralDuplicate(ctx context.Context, in *CreateOrderInput, subtotal float64) (*core.Order, error) {
	candidates, err := s.orders.FindStructuralCandidates(ctx, core.StructuralQuery{
		RestaurantID:    in.RestaurantID,
		BranchID:        in.BranchID,
		TableID:         in.TableID,
		RoundedSubtotal: subtotal,
		CustomerPhone:   normalizePhone(in.CustomerPhone),
		CreatedAfter:    s.now().Add(-s.structuralWindow),
	})
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if sameItemComposition(candidate.Items, in.Items) {
			return candidate, nil
		}
	}
	return nil, nil
}

// sameItemComposition compares the item multisets of an existing order and an
// incoming request: same line count, same {menu item, quantity, price} pairs
// regardless of order.
func sameItemComposition(existing []core.OrderItem, incoming []OrderItemInput) bool {
	if len(existing) != len(incoming) {
		return false
	}

	matched := make([]bool, len(existing))
	for _, in := range incoming {
		found := false
		for i, ex := range existing {
			if matched[i] {
				continue
			}
			if ex.MenuItemID == in.MenuItemID &&
				ex.Quantity == in.Quantity &&
				math.Abs(ex.Price-in.Price) < priceEpsilon {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func validateCreateOrder(in *CreateOrderInput) error {
	if in.RestaurantID == "" {
		return fmt.Errorf("%w: restaurant_id is required", ErrValidation)
	}
	if in.BranchID == "" {
		return fmt.Errorf("%w: branch_id is required", ErrValidation)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	if in.TaxAmount < 0 {
		return fmt.Errorf("%w: tax_amount cannot be negative", ErrValidation)
	}
	if in.DiscountAmount < 0 {
		return fmt.Errorf("%w: discount_amount cannot be negative", ErrValidation)
	}
	for i, item := range in.Items {
		if item.MenuItemID == "" {
			return fmt.Errorf("%w: item %d is missing menu_item_id", ErrValidation, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d has invalid quantity", ErrValidation, i)
		}
		if item.Price < 0 {
			return fmt.Errorf("%w: item %d has negative price", ErrValidation, i)
		}
	}
	return nil
}

// buildItems computes line subtotals and the order subtotal server-side
func buildItems(inputs []OrderItemInput) ([]core.OrderItem, float64) {
	items := make([]core.OrderItem, len(inputs))
	subtotal := 0.0
	for i, in := range inputs {
		lineSubtotal := in.Price * float64(in.Quantity)
		items[i] = core.OrderItem{
			MenuItemID: in.MenuItemID,
			Name:       in.Name,
			Price:      in.Price,
			Quantity:   in.Quantity,
			Subtotal:   lineSubtotal,
		}
		subtotal += lineSubtotal
	}
	return items, subtotal
}

// generateOrderCode builds a short human-readable code for receipts and
// kitchen displays
func generateOrderCode() string {
	return "ORD-" + strings.ToUpper(uuid.New().String()[:8])
}

// publishOrderEvent fans an order event out to every topic derived from the
// order's scope. Publishing is fire-and-forget.
func publishOrderEvent(publisher core.Publisher, eventType string, order *core.Order) {
	publisher.Publish(events.TopicOrders, eventType, order)
	publisher.Publish(events.TopicRestaurant(order.RestaurantID), eventType, order)
	publisher.Publish(events.TopicBranch(order.BranchID), eventType, order)
	if order.TableID != "" {
		publisher.Publish(events.TopicTable(order.TableID), eventType, order)
	}
}
