package core

import "time"

// OrderStatus represents the kitchen/service lifecycle of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether the order can no longer change state
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentStatus is the payment axis of an order, independent of OrderStatus
// except that a successful payment auto-advances pending orders to confirmed.
type PaymentStatus string

const (
	PaymentStatusUnpaid        PaymentStatus = "unpaid"
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	PaymentStatusRefunded      PaymentStatus = "refunded"
)

// IsSettled reports whether the payment no longer needs operator attention
func (p PaymentStatus) IsSettled() bool {
	switch p {
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentAttempt records a gateway attempt that did not settle the order,
// e.g. the customer abandoned the payment screen. Kept separate from the
// main snapshot so an abandoned attempt is never conflated with a failure.
type PaymentAttempt struct {
	ExternalPaymentID string                 `json:"external_payment_id,omitempty"`
	Status            string                 `json:"status"`
	At                time.Time              `json:"at"`
	Raw               map[string]interface{} `json:"raw,omitempty"`
}

// PaymentDetails is the last-known gateway state for an order. It is replaced
// wholesale on every relevant webhook, never merged field-by-field.
type PaymentDetails struct {
	ExternalOrderID   string                 `json:"external_order_id,omitempty"`
	ExternalPaymentID string                 `json:"external_payment_id,omitempty"`
	Method            string                 `json:"method,omitempty"`
	Amount            float64                `json:"amount,omitempty"`
	PaidAt            *time.Time             `json:"paid_at,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	RefundID          string                 `json:"refund_id,omitempty"`
	RefundStatus      string                 `json:"refund_status,omitempty"`
	LastAttempt       *PaymentAttempt        `json:"last_attempt,omitempty"`
	Raw               map[string]interface{} `json:"raw,omitempty"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// OrderItem is a single line in an order. Name and price are snapshots taken
// at creation time so later menu edits do not rewrite history.
type OrderItem struct {
	MenuItemID string  `json:"menu_item_id"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	Subtotal   float64 `json:"subtotal"`
}

// Order is the central entity of the reconciliation engine
type Order struct {
	ID           string `json:"id"`
	OrderCode    string `json:"order_code"`
	RestaurantID string `json:"restaurant_id"`
	BranchID     string `json:"branch_id"`
	TableID      string `json:"table_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`

	Items          []OrderItem `json:"items"`
	Subtotal       float64     `json:"subtotal"`
	TaxAmount      float64     `json:"tax_amount"`
	DiscountAmount float64     `json:"discount_amount,omitempty"`
	TotalAmount    float64     `json:"total_amount"`

	Status         OrderStatus     `json:"status"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	PaymentDetails *PaymentDetails `json:"payment_details,omitempty"`

	CustomerName  string    `json:"customer_name,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsActive reports whether the order blocks a register session from closing:
// still moving through the kitchen, or money not yet accounted for.
func (o *Order) IsActive() bool {
	if o.Status.IsTerminal() {
		return false
	}
	switch o.Status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing:
		return true
	}
	return o.PaymentStatus == PaymentStatusUnpaid || o.PaymentStatus == PaymentStatusPending
}

// SessionStatus represents the register session lifecycle
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
)

// MethodBreakdown splits settled sales by payment method
type MethodBreakdown struct {
	Cash   float64 `json:"cash"`
	Card   float64 `json:"card"`
	Online float64 `json:"online"`
}

// SessionTotals are computed by the server from the order store at close time.
// Caller-submitted totals are never trusted.
type SessionTotals struct {
	OrdersCount int             `json:"orders_count"`
	GrossSales  float64         `json:"gross_sales"`
	NetSales    float64         `json:"net_sales"`
	Discounts   float64         `json:"discounts"`
	Refunds     float64         `json:"refunds"`
	ByMethod    MethodBreakdown `json:"by_method"`
}

// RegisterSession is one cash-drawer working period, scoped to a branch.
// At most one open session exists per branch; open -> closed is one-way.
type RegisterSession struct {
	ID           string        `json:"id"`
	BranchID     string        `json:"branch_id"`
	RestaurantID string        `json:"restaurant_id,omitempty"`
	CashierID    string        `json:"cashier_id"`
	Status       SessionStatus `json:"status"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	OpeningFloat float64 `json:"opening_float"`
	ClosingCash  float64 `json:"closing_cash"`
	ExpectedCash float64 `json:"expected_cash"`
	CashVariance float64 `json:"cash_variance"`

	Totals SessionTotals `json:"totals"`
	Notes  string        `json:"notes,omitempty"`
}

// DiningTable is a branch resource. Occupancy linkage from order creation is
// best-effort, so a table can be flagged occupied with no surviving order.
type DiningTable struct {
	ID             string    `json:"id"`
	BranchID       string    `json:"branch_id"`
	Number         string    `json:"number"`
	IsOccupied     bool      `json:"is_occupied"`
	CurrentOrderID string    `json:"current_order_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Cashier is a register operator
type Cashier struct {
	ID       string `json:"id"`
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	PinHash  string `json:"-"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}
